package auth

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ElevatedClaims is what a verified elevated token proves
type ElevatedClaims struct {
	Subject   string
	JTI       string
	ExpiresAt time.Time
}

// TokenService signs and verifies elevated-session tokens (EdDSA)
type TokenService struct {
	privateKey crypto.PrivateKey
	publicKey  crypto.PublicKey
	issuer     string
	audience   string
	now        func() time.Time
	logger     *zap.Logger
}

// NewTokenService creates a token service from PEM key material.
// now may be nil, in which case time.Now is used.
func NewTokenService(privatePEM, publicPEM []byte, issuer, audience string, now func() time.Time) (*TokenService, error) {
	privateKey, err := jwt.ParseEdPrivateKeyFromPEM(privatePEM)
	if err != nil {
		return nil, fmt.Errorf("%w: parse private key: %v", ErrConfig, err)
	}
	publicKey, err := jwt.ParseEdPublicKeyFromPEM(publicPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: parse public key: %v", ErrConfig, err)
	}
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("%w: token issuer and audience are required", ErrConfig)
	}
	if now == nil {
		now = time.Now
	}
	return &TokenService{
		privateKey: privateKey,
		publicKey:  publicKey,
		issuer:     issuer,
		audience:   audience,
		now:        now,
		logger:     zap.NewNop(),
	}, nil
}

// WithLogger sets the logger used for verification diagnostics
func (s *TokenService) WithLogger(logger *zap.Logger) *TokenService {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// Sign creates a token for subject identified by jti, valid for ttl
func (s *TokenService) Sign(jti, subject string, ttl time.Duration) (string, error) {
	if jti == "" || subject == "" {
		return "", errors.New("sign token: jti and subject are required")
	}
	if ttl <= 0 {
		return "", errors.New("sign token: ttl must be positive")
	}
	now := s.now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ID:        jti,
		Issuer:    s.issuer,
		Audience:  jwt.ClaimStrings{s.audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tokenString, err := token.SignedString(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// Verify checks signature, issuer, audience and validity window.
// Every failure is reported as ErrInvalidToken.
func (s *TokenService) Verify(tokenString string) (ElevatedClaims, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.publicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		s.logger.Debug("elevated token rejected", zap.Error(err))
		return ElevatedClaims{}, ErrInvalidToken
	}
	if claims.Subject == "" || claims.ID == "" || claims.NotBefore == nil {
		s.logger.Debug("elevated token rejected", zap.String("reason", "missing sub, jti or nbf"))
		return ElevatedClaims{}, ErrInvalidToken
	}

	return ElevatedClaims{
		Subject:   claims.Subject,
		JTI:       claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// GenerateKeyPairPEM creates a fresh Ed25519 key pair encoded as
// PKCS#8 and PKIX PEM blocks.
func GenerateKeyPairPEM() (privatePEM, publicPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal public key: %w", err)
	}
	privatePEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	publicPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return privatePEM, publicPEM, nil
}
