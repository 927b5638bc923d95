package secrets

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

// Store resolves per-integration credentials at send time. Credentials are
// never written into outbox payloads.
type Store interface {
	Get(name string) (string, error)
}

var ErrNotFound = fmt.Errorf("secret not found")

// EnvStore reads secrets from the process environment, upper-casing the name
// and applying a configurable prefix: Get("resend_api_key") with prefix
// "INTGW_SECRET_" reads INTGW_SECRET_RESEND_API_KEY.
type EnvStore struct {
	Prefix string
}

func NewEnvStore(prefix string) *EnvStore {
	return &EnvStore{Prefix: prefix}
}

func (s *EnvStore) Get(name string) (string, error) {
	key := s.Prefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

// StaticStore is a fixed in-memory store for tests.
type StaticStore struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewStaticStore(secrets map[string]string) *StaticStore {
	cp := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cp[k] = v
	}
	return &StaticStore{secrets: cp}
}

func (s *StaticStore) Get(name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[name]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return v, nil
}

func (s *StaticStore) Set(name, value string) {
	s.mu.Lock()
	s.secrets[name] = value
	s.mu.Unlock()
}
