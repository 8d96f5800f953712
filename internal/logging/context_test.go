package logging

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextSetters_IgnoreUnsafeValues(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want string
	}{
		{"plain", "user-1", "user-1"},
		{"email", "a.b@example.com", "a.b@example.com"},
		{"empty", "", ""},
		{"newline injection", "user\n{\"level\":\"error\"}", ""},
		{"space", "two words", ""},
		{"too long", strings.Repeat("x", maxIDLen+1), ""},
		{"invalid utf8", string([]byte{0xff, 0xfe}), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := WithOwnerID(context.Background(), tt.id)
			assert.Equal(t, tt.want, OwnerIDFromContext(ctx))

			ctx = WithRequestID(context.Background(), tt.id)
			assert.Equal(t, tt.want, RequestIDFromContext(ctx))
		})
	}
}

func TestContextFields_EmptyContext(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
}
