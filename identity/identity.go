// Package identity provides a small bcrypt-backed user directory that
// satisfies the token engine's resource-owner authentication contract. It
// stands in for an external identity provider in tests, examples, and
// single-binary deployments.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned for unknown users and wrong passwords
// alike, so callers cannot distinguish the two.
var ErrInvalidCredentials = errors.New("invalid credentials")

// dummyPasswordHash equalizes the cost of lookups for unknown users.
var dummyPasswordHash = func() []byte {
	hash, err := bcrypt.GenerateFromPassword([]byte("timing-equalization-dummy"), bcrypt.DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("identity: generating dummy hash: %v", err))
	}
	return hash
}()

type user struct {
	id           string
	username     string
	email        string
	passwordHash []byte
}

// Directory is an in-memory user directory. Safe for concurrent use.
type Directory struct {
	mu         sync.RWMutex
	byUsername map[string]*user
	byEmail    map[string]*user
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		byUsername: make(map[string]*user),
		byEmail:    make(map[string]*user),
	}
}

// Register adds a user. The password is stored as a bcrypt hash. Email may
// be empty; username must not be.
func (d *Directory) Register(id, username, email, password string) error {
	if username == "" {
		return errors.New("username must not be empty")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	u := &user{id: id, username: username, email: email, passwordHash: hash}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.byUsername[username] = u
	if email != "" {
		d.byEmail[email] = u
	}
	return nil
}

// AuthenticateUsername verifies a username/password pair and returns the
// user ID.
func (d *Directory) AuthenticateUsername(ctx context.Context, username, password string) (string, error) {
	d.mu.RLock()
	u := d.byUsername[username]
	d.mu.RUnlock()
	return authenticate(u, password)
}

// AuthenticateEmail verifies an email/password pair and returns the user ID.
func (d *Directory) AuthenticateEmail(ctx context.Context, email, password string) (string, error) {
	d.mu.RLock()
	u := d.byEmail[email]
	d.mu.RUnlock()
	return authenticate(u, password)
}

func authenticate(u *user, password string) (string, error) {
	if u == nil {
		_ = bcrypt.CompareHashAndPassword(dummyPasswordHash, []byte(password))
		return "", ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword(u.passwordHash, []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}
	return u.id, nil
}
