// ABOUTME: Operator password hashing and login verification using bcrypt
// ABOUTME: Unknown emails still pay for one bcrypt comparison to keep timing uniform

package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/miner-gateway/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for an unknown email or a wrong password
var ErrInvalidCredentials = errors.New("invalid email or password")

// dummyHash is compared against when the user doesn't exist
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("timing-equalizer"), bcrypt.DefaultCost)

// HashPassword returns the bcrypt hash of password
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// UserLookup finds operators by email
type UserLookup interface {
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
}

// Login verifies an email and password pair and returns the user.
func Login(ctx context.Context, users UserLookup, email, password string) (*store.User, error) {
	user, err := users.GetUserByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	if !CheckPassword(user.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}
