// Package auth extracts the opaque owner identifier that scopes every upload
// and query. Authentication itself happens upstream; this package only
// reads and validates the identifier it produced.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"unicode"
)

var (
	// ErrEmptyUsername is returned when an empty username is provided
	ErrEmptyUsername = errors.New("username cannot be empty")

	// ErrMissingOwner is returned when a request carries no owner identifier.
	ErrMissingOwner = errors.New("owner identifier is required")

	// ErrInvalidOwner is returned for identifiers that cannot be stored as
	// filter metadata.
	ErrInvalidOwner = errors.New("invalid owner identifier")
)

// MaxOwnerIDLength bounds accepted owner identifiers.
const MaxOwnerIDLength = 256

// DeriveOwnerID derives a stable owner ID from a username using SHA256 hashing.
//
// The owner ID is computed as SHA256(username) and returned as a hex-encoded string.
// ragctl uses it as the default owner when none is given.
//
// Returns ErrEmptyUsername if username is empty.
func DeriveOwnerID(username string) (string, error) {
	if username == "" {
		return "", ErrEmptyUsername
	}
	hash := sha256.Sum256([]byte(username))
	return hex.EncodeToString(hash[:]), nil
}

// NormalizeOwnerID trims raw and checks that it is a usable identifier.
func NormalizeOwnerID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "", ErrMissingOwner
	}
	if len(id) > MaxOwnerIDLength {
		return "", ErrInvalidOwner
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return "", ErrInvalidOwner
		}
	}
	return id, nil
}
