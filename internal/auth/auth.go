// Package auth provides password hashing, JWT issuance and verification, and
// per-user API key sealing for the Agor daemon.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/agor-sh/agor/internal/common/config"
	"github.com/agor-sh/agor/internal/store"
)

var (
	// ErrInvalidCredentials is returned for a bad email/password pair. The
	// same error covers unknown users so login cannot probe for accounts.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidToken is returned for expired, malformed, or forged tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// Claims is the JWT payload for an authenticated user. Executor tokens carry
// the session they were minted for and are treated as internal callers.
type Claims struct {
	UserID    string     `json:"uid"`
	Email     string     `json:"email"`
	Role      store.Role `json:"role"`
	SessionID string     `json:"sid,omitempty"`
	Executor  bool       `json:"exec,omitempty"`
	jwt.RegisteredClaims
}

// Service issues and verifies credentials.
type Service struct {
	secret        []byte
	tokenDuration time.Duration
	vault         *Vault
}

// NewService builds an auth service from configuration.
func NewService(cfg config.AuthConfig) *Service {
	duration := time.Duration(cfg.TokenDuration) * time.Second
	if duration <= 0 {
		duration = 24 * time.Hour
	}
	return &Service{
		secret:        []byte(cfg.JWTSecret),
		tokenDuration: duration,
		vault:         NewVault(cfg.JWTSecret),
	}
}

// Vault returns the API key vault sealed under the daemon secret.
func (s *Service) Vault() *Vault { return s.vault }

// HashPassword produces a bcrypt hash for storage.
func (s *Service) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword checks a password against its stored hash.
func (s *Service) VerifyPassword(hash, password string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

// IssueToken creates a signed JWT for the user.
func (s *Service) IssueToken(u *store.User) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: u.UserID,
		Email:  u.Email,
		Role:   u.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenDuration)),
			Issuer:    "agor",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// IssueExecutorToken creates a short-lived token an executor subprocess uses
// to dial back. It identifies the user whose session spawned the executor.
func (s *Service) IssueExecutorToken(u *store.User, sessionID string) (string, error) {
	now := time.Now()
	duration := s.tokenDuration
	if duration > time.Hour {
		duration = time.Hour
	}
	claims := Claims{
		UserID:    u.UserID,
		Email:     u.Email,
		Role:      u.Role,
		SessionID: sessionID,
		Executor:  true,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			Issuer:    "agor",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken parses and validates a JWT, returning its claims.
func (s *Service) VerifyToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
