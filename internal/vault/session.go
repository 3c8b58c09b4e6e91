package vault

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// ErrSessionClosed is returned by requests made after Session.Close.
var ErrSessionClosed = errors.New("vault: session closed")

// Session carries the server address, auth token and namespace used by a
// Client. Components receive a Session explicitly; there is no global one.
type Session struct {
	addr      string
	namespace string

	mu     sync.RWMutex
	token  string
	closed bool
}

// NewSession validates addr and returns a session for it.
func NewSession(addr, token, namespace string) (*Session, error) {
	addr = strings.TrimRight(strings.TrimSpace(addr), "/")
	if addr == "" {
		return nil, errors.New("vault: address is required (set VAULT_ADDR or vault.addr)")
	}
	u, err := url.Parse(addr)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("vault: invalid address %q", addr)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("vault: unsupported scheme %q", u.Scheme)
	}
	return &Session{
		addr:      addr,
		token:     strings.TrimSpace(token),
		namespace: normalizeNamespace(namespace),
	}, nil
}

// Addr returns the server base address without a trailing slash.
func (s *Session) Addr() string { return s.addr }

// Namespace returns the namespace sent with every request, "" for root.
func (s *Session) Namespace() string { return s.namespace }

// Token returns the current auth token.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// SetToken replaces the auth token, e.g. after a login.
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	s.token = strings.TrimSpace(token)
	s.mu.Unlock()
}

// Close clears the token. Further requests fail with ErrSessionClosed.
func (s *Session) Close() {
	s.mu.Lock()
	s.token = ""
	s.closed = true
	s.mu.Unlock()
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

func normalizeNamespace(ns string) string {
	ns = strings.Trim(strings.TrimSpace(ns), "/")
	if ns == "root" {
		return ""
	}
	return ns
}
