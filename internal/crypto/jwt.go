package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const (
	tokenIssuer = "delight-hub"
	// keyInfo separates the JWT signing key from anything else derived
	// from the same master secret.
	keyInfo = "delight-hub/jwt-ed25519"
)

// ErrNoNamespace is returned for tokens that carry no namespace claim.
var ErrNoNamespace = errors.New("token has no namespace")

// TokenClaims represents the JWT token payload
type TokenClaims struct {
	Namespace string `json:"ns"`
	jwt.RegisteredClaims
}

// JWTManager handles JWT token creation and verification
type JWTManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	now        func() time.Time
}

// NewJWTManager creates a new JWT manager from master secret
func NewJWTManager(masterSecret string) (*JWTManager, error) {
	if strings.TrimSpace(masterSecret) == "" {
		return nil, fmt.Errorf("master secret is required")
	}

	seed := make([]byte, ed25519.SeedSize)
	kdf := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte(keyInfo))
	if _, err := io.ReadFull(kdf, seed); err != nil {
		return nil, fmt.Errorf("derive signing key: %w", err)
	}
	privateKey := ed25519.NewKeyFromSeed(seed)

	return &JWTManager{
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
		now:        time.Now,
	}, nil
}

// CreateToken signs a token for subject in namespace. A zero ttl creates a
// token that never expires.
func (m *JWTManager) CreateToken(subject, namespace string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(namespace) == "" {
		return "", ErrNoNamespace
	}
	now := m.now()
	claims := TokenClaims{
		Namespace: namespace,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(m.privateKey)
}

// VerifyToken verifies and parses a JWT token
func (m *JWTManager) VerifyToken(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.publicKey, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Namespace == "" {
		return nil, ErrNoNamespace
	}
	return claims, nil
}
