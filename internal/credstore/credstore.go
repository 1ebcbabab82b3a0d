// Package credstore resolves the worker binary's authentication token.
// Callers treat the returned token opaquely; an empty token means the
// worker is expected to be pre-authenticated.
package credstore

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Store resolves an authentication token
type Store interface {
	Token(ctx context.Context) (string, error)
}

// EnvStore reads the token from an environment variable
type EnvStore struct {
	Var string
}

func (s EnvStore) Token(ctx context.Context) (string, error) {
	return os.Getenv(s.Var), nil
}

// FileStore reads the token from a credentials file. The file must not be
// world-readable.
type FileStore struct {
	Path string
}

func (s FileStore) Token(ctx context.Context) (string, error) {
	info, err := os.Stat(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	if info.Mode().Perm()&0044 != 0 {
		return "", fmt.Errorf("credentials file %s is group- or world-readable", s.Path)
	}

	data, err := os.ReadFile(s.Path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// Chain tries each store in order and returns the first non-empty token
type Chain []Store

func (c Chain) Token(ctx context.Context) (string, error) {
	for _, s := range c {
		token, err := s.Token(ctx)
		if err != nil {
			return "", err
		}
		if token != "" {
			return token, nil
		}
	}
	return "", nil
}
