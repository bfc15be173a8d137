// Package blob stores artifact payloads by key.
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrNotFound = errors.New("blob not found")

// Store moves whole files in and out of a keyed payload store.
// Keys are slash-separated and never start with a slash.
type Store interface {
	Put(ctx context.Context, key, srcPath string) error
	Get(ctx context.Context, key, destPath string) error
	Ping(ctx context.Context) error
}

// Key builds the payload key for an artifact. Payloads are addressed by
// content digest, so two versions with identical bytes share one object.
func Key(project, name, digest string) string {
	return strings.Join([]string{project, name, digest}, "/")
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return fmt.Errorf("invalid blob key %q", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid blob key %q", key)
		}
	}
	return nil
}
