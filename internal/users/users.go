// Package users holds the relay's account directory: salted credentials,
// opaque per-user config blobs, and admin flags.
package users

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	// MaxConfigBytes caps the opaque per-user config string.
	MaxConfigBytes = 10000

	minUsernameLen = 3
	maxUsernameLen = 16
	saltBytes      = 16
)

var (
	// ErrBadCredentials covers unknown usernames and wrong passwords alike so
	// login failures do not leak which half was wrong.
	ErrBadCredentials = errors.New("bad username or password")
	// ErrUsernameTaken reports a create for an existing username.
	ErrUsernameTaken = errors.New("username already exists")
	// ErrInvalidUsername reports a username outside the accepted grammar.
	ErrInvalidUsername = errors.New("invalid username")
	// ErrConfigTooLarge reports a config blob over the size cap.
	ErrConfigTooLarge = errors.New("config too large")
)

// User is one account record.
type User struct {
	Username        string
	Salt            string
	PasswordHash    string
	Config          string
	Admin           bool
	SelfServeOrigin string
}

// Record is the persisted JSON form of a user.
type Record struct {
	Salt            string `json:"salt"`
	PasswordHash    string `json:"passwordHash"`
	Config          string `json:"config,omitempty"`
	Admin           bool   `json:"admin,omitempty"`
	SelfServeOrigin string `json:"selfServeOrigin,omitempty"`
}

// ValidUsername reports whether the name fits the accepted grammar:
// ASCII alphanumeric, not starting with a digit, 3-16 characters.
func ValidUsername(name string) bool {
	if len(name) < minUsernameLen || len(name) > maxUsernameLen {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// Directory is the in-memory account table.
type Directory struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewDirectory provisions an empty directory.
func NewDirectory() *Directory {
	return &Directory{users: make(map[string]*User)}
}

// Load replaces the directory contents with the persisted records.
func (d *Directory) Load(records map[string]Record) error {
	if d == nil {
		return errors.New("nil directory")
	}
	users := make(map[string]*User, len(records))
	for name, record := range records {
		if !ValidUsername(name) {
			return fmt.Errorf("%w: %q", ErrInvalidUsername, name)
		}
		users[name] = &User{
			Username:        name,
			Salt:            record.Salt,
			PasswordHash:    record.PasswordHash,
			Config:          record.Config,
			Admin:           record.Admin,
			SelfServeOrigin: record.SelfServeOrigin,
		}
	}
	d.mu.Lock()
	d.users = users
	d.mu.Unlock()
	return nil
}

// Records renders the directory into its persisted JSON form.
func (d *Directory) Records() map[string]Record {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	records := make(map[string]Record, len(d.users))
	for name, user := range d.users {
		records[name] = Record{
			Salt:            user.Salt,
			PasswordHash:    user.PasswordHash,
			Config:          user.Config,
			Admin:           user.Admin,
			SelfServeOrigin: user.SelfServeOrigin,
		}
	}
	return records
}

// Create adds an account after validating the username grammar and config cap.
func (d *Directory) Create(username, password, config string, admin bool, selfServeOrigin string) error {
	if d == nil {
		return errors.New("nil directory")
	}
	if !ValidUsername(username) {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	if len(config) > MaxConfigBytes {
		return ErrConfigTooLarge
	}
	salt, hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.users[username]; exists {
		return ErrUsernameTaken
	}
	d.users[username] = &User{
		Username:        username,
		Salt:            salt,
		PasswordHash:    hash,
		Config:          config,
		Admin:           admin,
		SelfServeOrigin: selfServeOrigin,
	}
	return nil
}

// Verify checks the credentials and returns a copy of the account on success.
func (d *Directory) Verify(username, password string) (User, error) {
	if d == nil {
		return User{}, errors.New("nil directory")
	}
	d.mu.RLock()
	user, ok := d.users[username]
	d.mu.RUnlock()
	if !ok {
		return User{}, ErrBadCredentials
	}
	if !checkPassword(user.Salt, user.PasswordHash, password) {
		return User{}, ErrBadCredentials
	}
	return *user, nil
}

// ChangePassword re-salts and re-hashes after verifying the old password.
func (d *Directory) ChangePassword(username, oldPassword, newPassword string) error {
	if _, err := d.Verify(username, oldPassword); err != nil {
		return err
	}
	salt, hash, err := hashPassword(newPassword)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	user, ok := d.users[username]
	if !ok {
		return ErrBadCredentials
	}
	user.Salt = salt
	user.PasswordHash = hash
	return nil
}

// Config returns the opaque config blob after verifying credentials.
func (d *Directory) Config(username, password string) (string, error) {
	user, err := d.Verify(username, password)
	if err != nil {
		return "", err
	}
	return user.Config, nil
}

// SetConfig replaces the opaque config blob after verifying credentials.
func (d *Directory) SetConfig(username, password, config string) error {
	if len(config) > MaxConfigBytes {
		return ErrConfigTooLarge
	}
	if _, err := d.Verify(username, password); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	user, ok := d.users[username]
	if !ok {
		return ErrBadCredentials
	}
	user.Config = config
	return nil
}

// Usernames lists the directory in sorted order.
func (d *Directory) Usernames() []string {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.users))
	for name := range d.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func hashPassword(password string) (salt, hash string, err error) {
	var raw [saltBytes]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", "", err
	}
	salt = hex.EncodeToString(raw[:])
	return salt, digest(salt, password), nil
}

func checkPassword(salt, expected, password string) bool {
	actual := digest(salt, password)
	return subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) == 1
}

func digest(salt, password string) string {
	sum := sha256.Sum256([]byte(salt + ":" + password))
	return hex.EncodeToString(sum[:])
}
