package auth

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const totpSecretSize = 20

// TOTP generates and validates RFC 6238 codes with deployment-tuned parameters.
type TOTP struct {
	Algorithm otp.Algorithm
	Digits    otp.Digits
	Period    uint
	// Skew is the number of periods accepted on either side of the current one
	Skew uint
}

// NewTOTP builds an engine from configuration values.
func NewTOTP(algorithm string, digits int, period, skew uint) (*TOTP, error) {
	alg, err := parseAlgorithm(algorithm)
	if err != nil {
		return nil, err
	}
	if digits != 6 && digits != 8 {
		return nil, fmt.Errorf("%w: unsupported totp digits %d", ErrConfig, digits)
	}
	if period == 0 {
		return nil, fmt.Errorf("%w: totp period must be positive", ErrConfig)
	}
	return &TOTP{
		Algorithm: alg,
		Digits:    otp.Digits(digits),
		Period:    period,
		Skew:      skew,
	}, nil
}

func parseAlgorithm(name string) (otp.Algorithm, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "", "SHA1":
		return otp.AlgorithmSHA1, nil
	case "SHA256":
		return otp.AlgorithmSHA256, nil
	case "SHA512":
		return otp.AlgorithmSHA512, nil
	case "MD5":
		return otp.AlgorithmMD5, nil
	}
	return otp.AlgorithmSHA1, fmt.Errorf("%w: unsupported totp algorithm %q", ErrConfig, name)
}

func (t *TOTP) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    t.Period,
		Skew:      t.Skew,
		Digits:    t.Digits,
		Algorithm: t.Algorithm,
	}
}

// Generate returns the code for the time step containing at.
func (t *TOTP) Generate(secret string, at time.Time) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("%w: empty totp secret", ErrConfig)
	}
	code, err := totp.GenerateCodeCustom(secret, at, t.opts())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return code, nil
}

// Validate reports whether code matches secret at any step within the skew
// window around at. Wrong or malformed codes are not errors.
func (t *TOTP) Validate(code, secret string, at time.Time) (bool, error) {
	if strings.TrimSpace(secret) == "" {
		return false, fmt.Errorf("%w: empty totp secret", ErrConfig)
	}
	code = strings.ReplaceAll(strings.TrimSpace(code), " ", "")
	ok, err := totp.ValidateCustom(code, secret, at, t.opts())
	switch {
	case err == nil:
		return ok, nil
	case errors.Is(err, otp.ErrValidateInputInvalidLength):
		return false, nil
	default:
		// otp.ErrValidateSecretInvalidBase32 and anything else the library
		// reports is about the secret, not the code
		return false, fmt.Errorf("%w: %v", ErrConfig, err)
	}
}

// ProvisioningURI formats the otpauth URI an authenticator app enrolls from.
func (t *TOTP) ProvisioningURI(issuer, label, secret string) string {
	path := url.PathEscape(issuer + ":" + label)
	values := url.Values{}
	values.Set("secret", secret)
	values.Set("issuer", issuer)
	values.Set("algorithm", t.Algorithm.String())
	values.Set("digits", strconv.Itoa(t.Digits.Length()))
	values.Set("period", strconv.FormatUint(uint64(t.Period), 10))
	return "otpauth://totp/" + path + "?" + values.Encode()
}

// NewSecret creates a fresh random base32 secret and its provisioning URI.
func (t *TOTP) NewSecret(issuer, label string) (string, string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: label,
		Period:      t.Period,
		SecretSize:  totpSecretSize,
		Digits:      t.Digits,
		Algorithm:   t.Algorithm,
	})
	if err != nil {
		return "", "", fmt.Errorf("%w: generate totp secret: %v", ErrConfig, err)
	}
	secret := key.Secret()
	return secret, t.ProvisioningURI(issuer, label, secret), nil
}
