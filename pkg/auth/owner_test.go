package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveOwnerID(t *testing.T) {
	tests := []struct {
		name     string
		username string
		want     string
		wantErr  bool
	}{
		{
			name:     "valid username",
			username: "alice",
			want:     computeExpectedHash("alice"),
		},
		{
			name:     "email username",
			username: "bob@example.com",
			want:     computeExpectedHash("bob@example.com"),
		},
		{
			name:     "empty username",
			username: "",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DeriveOwnerID(tt.username)
			if (err != nil) != tt.wantErr {
				t.Errorf("DeriveOwnerID() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if got != tt.want {
				t.Errorf("DeriveOwnerID() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizeOwnerID(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr error
	}{
		{name: "plain", raw: "user_123", want: "user_123"},
		{name: "trimmed", raw: "  user_123\t", want: "user_123"},
		{name: "clerk style", raw: "user_2abcDEF", want: "user_2abcDEF"},
		{name: "empty", raw: "", wantErr: ErrMissingOwner},
		{name: "blank", raw: "   ", wantErr: ErrMissingOwner},
		{name: "control characters", raw: "user\x00a", wantErr: ErrInvalidOwner},
		{name: "too long", raw: strings.Repeat("a", MaxOwnerIDLength+1), wantErr: ErrInvalidOwner},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeOwnerID(tt.raw)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func computeExpectedHash(username string) string {
	hash := sha256.Sum256([]byte(username))
	return hex.EncodeToString(hash[:])
}
