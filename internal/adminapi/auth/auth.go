// Package auth authenticates the operator dashboard: a single bootstrapped
// username/password account, JWT bearer sessions on top.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("adminapi: invalid credentials")
	ErrUnauthorized       = errors.New("adminapi: unauthorized")
	ErrNotConfigured      = errors.New("adminapi: no operator account configured")
)

// Claims is the JWT payload for an operator session.
type Claims struct {
	Username string `json:"usr"`
	jwt.RegisteredClaims
}

// Service issues and validates operator sessions. It holds exactly one
// bootstrapped account, unlike the teacher's multi-tenant user store.
type Service struct {
	username     string
	passwordHash string
	secret       []byte
	expiry       time.Duration
}

// New bootstraps the operator account by hashing password once at
// startup. username or password empty means the dashboard has no
// operator configured and Login always fails.
func New(username, password, jwtSecret string, expiry time.Duration) (*Service, error) {
	s := &Service{secret: []byte(jwtSecret), expiry: expiry}
	if username == "" || password == "" {
		return s, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	s.username = username
	s.passwordHash = string(hash)
	return s, nil
}

// Login verifies credentials and returns a signed JWT.
func (s *Service) Login(username, password string) (string, error) {
	if s.username == "" {
		return "", ErrNotConfigured
	}
	if username != s.username {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	claims := &Claims{
		Username: s.username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate checks a bearer token and returns the operator username.
func (s *Service) Validate(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnauthorized
		}
		return s.secret, nil
	})
	if err != nil {
		return "", ErrUnauthorized
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", ErrUnauthorized
	}
	return claims.Username, nil
}
