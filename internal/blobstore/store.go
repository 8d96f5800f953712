// Package blobstore persists raw uploaded files by key.
package blobstore

import (
	"context"
	"errors"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// ErrNotFound is returned by Get when no blob exists at key.
var ErrNotFound = errors.New("blobstore: not found")

// Store is the Blob Store Adapter.
//
// Delete of a missing key succeeds, so cleanup can be repeated.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

const maxNameLen = 128

// Key returns the storage key for an upload: "<prefix>/<unix-millis>-<name>".
// The timestamp avoids collisions between uploads of the same file name;
// it does not make keys unguessable.
func Key(prefix string, at time.Time, fileName string) string {
	name := SanitizeFileName(fileName)
	ts := strconv.FormatInt(at.UnixMilli(), 10)
	if prefix == "" {
		return ts + "-" + name
	}
	return strings.TrimSuffix(prefix, "/") + "/" + ts + "-" + name
}

// SanitizeFileName reduces a client supplied file name to a safe base name.
func SanitizeFileName(fileName string) string {
	base := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if base == "." || base == "/" || base == ".." {
		base = ""
	}

	var b strings.Builder
	for _, r := range base {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= maxNameLen {
			break
		}
	}

	name := strings.TrimLeft(b.String(), ".")
	if name == "" {
		return "upload.pdf"
	}
	return name
}
