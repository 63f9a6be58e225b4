package logging

import (
	"strings"

	"go.uber.org/zap"
)

// New returns a console logger at debug level in dev mode and a JSON
// production logger otherwise.
func New(devMode bool) (*zap.Logger, error) {
	if devMode {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// MaskID masks an identifier for logging, keeping the first and last two
// characters (e.g. ab********yz).
func MaskID(id string) string {
	if len(id) <= 4 {
		return "****"
	}
	return id[:2] + strings.Repeat("*", len(id)-4) + id[len(id)-2:]
}

// User is a zap field carrying a masked user identifier.
func User(id string) zap.Field {
	return zap.String("user", MaskID(id))
}
