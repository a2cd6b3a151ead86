package auth

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/popkeyd/popkeyd/internal/config"
	"github.com/popkeyd/popkeyd/internal/model"
)

// TokenService issues and validates the short-lived auth tokens a
// lollipop consumer presents to retrieve an assertion.
type TokenService struct {
	cfg config.JWTConfig
	key *ecdsa.PrivateKey
}

// AuthClaims are the claims carried by a lollipop consumer auth token.
type AuthClaims struct {
	jwt.RegisteredClaims
	AssertionRef string `json:"assertion_ref"`
	OperationID  string `json:"operation_id"`
}

// NewTokenService creates a TokenService from the configured EC private
// key (inline PEM or file).
func NewTokenService(cfg config.JWTConfig) (*TokenService, error) {
	keyPEM := []byte(cfg.PrivateKeyPEM)
	if cfg.PrivateKeyFile != "" {
		data, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read signing key file: %w", err)
		}
		keyPEM = data
	}

	key, err := parseECPrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}
	return &TokenService{cfg: cfg, key: key}, nil
}

// GenerateAuthToken signs a consumer auth token scoped to one assertion
// ref and one operation.
func (s *TokenService) GenerateAuthToken(ref model.AssertionRef, operationID string) (string, error) {
	now := time.Now()
	claims := AuthClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.cfg.Issuer,
			Subject:   string(ref),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TTL)),
			ID:        uuid.New().String(),
		},
		AssertionRef: string(ref),
		OperationID:  operationID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign auth token: %w", err)
	}
	return signed, nil
}

// ValidateAuthToken verifies a consumer auth token and returns its
// claims.
func (s *TokenService) ValidateAuthToken(tokenString string) (*AuthClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AuthClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return &s.key.PublicKey, nil
	}, jwt.WithIssuer(s.cfg.Issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("invalid auth token: %w", err)
	}

	claims, ok := token.Claims.(*AuthClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid auth token claims")
	}
	return claims, nil
}

func parseECPrivateKey(keyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from signing key")
	}

	// SEC 1 form first, then PKCS8.
	if ecKey, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return ecKey, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("signing key is not an EC key")
	}
	return ecKey, nil
}
