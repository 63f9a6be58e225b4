package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store drivers accepted by STORE_DRIVER
const (
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
	StoreMemory   = "memory"
)

// Config holds the application configuration
type Config struct {
	Port    string
	DevMode bool

	StoreDriver string
	DatabaseURL string
	MongoURI    string
	MongoDB     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTPrivateKey []byte
	JWTPublicKey  []byte
	JWTIssuer     string
	JWTAudience   string
	JWTCookieName string

	SessionName string
	SessionTTL  time.Duration
	ElevatedTTL time.Duration
	OpTimeout   time.Duration

	TOTPIssuer    string
	TOTPAlgorithm string
	TOTPDigits    int
	TOTPPeriod    uint
	TOTPSkew      uint

	SMTPServer   string
	SMTPUser     string
	SMTPPassword string
	SMTPFrom     string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:          "8080",
		StoreDriver:   StorePostgres,
		MongoURI:      "mongodb://localhost:27017",
		MongoDB:       "stepup",
		RedisAddr:     "localhost:6379",
		JWTIssuer:     "api",
		JWTAudience:   "users",
		JWTCookieName: "jwt",
		SessionName:   "sid",
		SessionTTL:    2 * time.Hour,
		ElevatedTTL:   15 * time.Minute,
		OpTimeout:     5 * time.Second,
		TOTPIssuer:    "Dev",
		TOTPAlgorithm: "SHA1",
		TOTPDigits:    6,
		TOTPPeriod:    30,
		TOTPSkew:      1,
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Port = port
	}
	cfg.DevMode = os.Getenv("DEV_MODE") == "true"

	if driver := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_DRIVER"))); driver != "" {
		cfg.StoreDriver = driver
	}
	switch cfg.StoreDriver {
	case StorePostgres:
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL environment variable is required")
		}
		if _, err := url.Parse(cfg.DatabaseURL); err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
	case StoreMongo:
		if uri := os.Getenv("MONGO_URI"); uri != "" {
			cfg.MongoURI = uri
		}
		if name := os.Getenv("MONGO_DB"); name != "" {
			cfg.MongoDB = name
		}
	case StoreMemory:
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q (want postgres, mongo or memory)", cfg.StoreDriver)
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.RedisAddr = addr
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = n
	}

	// Key material is base64-encoded PEM so it fits in a single env line
	privateKey, err := requiredBase64("JWT_PRIVATE_KEY")
	if err != nil {
		return nil, err
	}
	cfg.JWTPrivateKey = privateKey
	publicKey, err := requiredBase64("JWT_PUBLIC_KEY")
	if err != nil {
		return nil, err
	}
	cfg.JWTPublicKey = publicKey

	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWTIssuer = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWTAudience = v
	}
	if v := os.Getenv("JWT_COOKIE_NAME"); v != "" {
		cfg.JWTCookieName = v
	}
	if v := os.Getenv("SESSION_NAME"); v != "" {
		cfg.SessionName = v
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"SESSION_TTL", &cfg.SessionTTL},
		{"ELEVATED_TTL", &cfg.ElevatedTTL},
		{"OP_TIMEOUT", &cfg.OpTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			return nil, fmt.Errorf("invalid %s: %q", d.env, v)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("TOTP_ISSUER"); v != "" {
		cfg.TOTPIssuer = v
	}
	if v := os.Getenv("TOTP_ALGORITHM"); v != "" {
		cfg.TOTPAlgorithm = strings.ToUpper(v)
	}
	if v := os.Getenv("TOTP_DIGITS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || (n != 6 && n != 8) {
			return nil, fmt.Errorf("invalid TOTP_DIGITS: %q (want 6 or 8)", v)
		}
		cfg.TOTPDigits = n
	}
	if v := os.Getenv("TOTP_PERIOD"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("invalid TOTP_PERIOD: %q", v)
		}
		cfg.TOTPPeriod = uint(n)
	}
	if v := os.Getenv("TOTP_SKEW"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid TOTP_SKEW: %q", v)
		}
		cfg.TOTPSkew = uint(n)
	}

	cfg.SMTPServer = os.Getenv("SMTP_SERVER")
	cfg.SMTPUser = os.Getenv("SMTP_USER")
	cfg.SMTPPassword = os.Getenv("SMTP_PASSWORD")
	cfg.SMTPFrom = os.Getenv("SMTP_FROM")
	if cfg.SMTPFrom == "" {
		cfg.SMTPFrom = cfg.SMTPUser
	}

	return cfg, nil
}

// SMTPEnabled reports whether enough SMTP settings are present to send mail
func (c *Config) SMTPEnabled() bool {
	return c.SMTPServer != "" && c.SMTPUser != "" && c.SMTPPassword != ""
}

func requiredBase64(name string) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil, fmt.Errorf("%s environment variable is required", name)
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be base64-encoded PEM: %w", name, err)
	}
	return decoded, nil
}
