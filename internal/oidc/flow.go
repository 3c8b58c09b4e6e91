// Package oidc runs the Vault OIDC browser login from a terminal. A
// one-shot localhost listener receives the provider redirect and the
// authorization code is exchanged for a Vault token.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/skratchdot/open-golang/open"
	"go.uber.org/zap"

	"github.com/theirongolddev/vacount/internal/vault"
)

var (
	// ErrTimeout means no callback arrived before the login window expired.
	ErrTimeout = errors.New("oidc: timed out waiting for callback")
	// ErrStateMismatch means the callback carried a state we did not issue.
	ErrStateMismatch = errors.New("oidc: callback state mismatch")
)

const (
	DefaultPort    = 8250
	DefaultTimeout = 3 * time.Minute
	CallbackPath   = "/oidc/callback"
)

// State is a step of the login handshake.
type State int

const (
	StateOpened State = iota
	StateAwaitingMessage
	StateExchanging
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateOpened:
		return "opened"
	case StateAwaitingMessage:
		return "awaiting_message"
	case StateExchanging:
		return "exchanging"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Authenticator is the part of the Vault client the login needs.
type Authenticator interface {
	OIDCAuthURL(ctx context.Context, mount, role, redirectURI, nonce string) (string, error)
	OIDCCallback(ctx context.Context, mount, state, code, nonce string) (*vault.Auth, error)
}

// Options configures a login.
type Options struct {
	Mount   string
	Role    string
	Port    int // 0 picks a free port
	Timeout time.Duration

	// Open launches the browser. Defaults to open.Run.
	Open func(url string) error
	// Prompt receives the auth URL so the user can open it by hand.
	Prompt io.Writer
	Logger *zap.Logger
}

// Flow is a single login attempt. It is not reusable.
type Flow struct {
	auth Authenticator
	opts Options
	log  *zap.Logger

	mu    sync.Mutex
	state State
	err   error
}

type callback struct {
	state string
	code  string
	err   string
}

// NewFlow prepares a login against the given auth mount.
func NewFlow(auth Authenticator, opts Options) *Flow {
	if opts.Mount == "" {
		opts.Mount = "oidc"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Open == nil {
		opts.Open = open.Run
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Flow{auth: auth, opts: opts, log: log.Named("oidc"), state: StateOpened}
}

// State reports where the handshake currently is.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Err is the error that moved the flow to StateErrored, if any.
func (f *Flow) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Flow) transition(to State) {
	f.mu.Lock()
	from := f.state
	f.state = to
	f.mu.Unlock()
	f.log.Debug("transition", zap.Stringer("from", from), zap.Stringer("to", to))
}

func (f *Flow) fail(err error) error {
	f.mu.Lock()
	f.state = StateErrored
	f.err = err
	f.mu.Unlock()
	f.log.Debug("login failed", zap.Error(err))
	return err
}

// Login runs the handshake to completion. Cancelling ctx closes the flow
// without an error state.
func (f *Flow) Login(ctx context.Context) (*vault.Auth, error) {
	if f.State() != StateOpened {
		return nil, fmt.Errorf("oidc: login: flow already used")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", f.opts.Port))
	if err != nil {
		return nil, f.fail(fmt.Errorf("oidc: listen: %w", err))
	}
	port := ln.Addr().(*net.TCPAddr).Port
	redirect := fmt.Sprintf("http://localhost:%d%s", port, CallbackPath)

	msgs := make(chan callback, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(CallbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		select {
		case msgs <- callback{state: q.Get("state"), code: q.Get("code"), err: q.Get("error")}:
		default:
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body>Login received. You can close this window.</body></html>")
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = srv.Serve(ln)
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-served
	}()

	nonce := uuid.NewString()
	authURL, err := f.auth.OIDCAuthURL(ctx, f.opts.Mount, f.opts.Role, redirect, nonce)
	if err != nil {
		if ctx.Err() != nil {
			f.transition(StateClosed)
			return nil, ctx.Err()
		}
		return nil, f.fail(fmt.Errorf("oidc: auth url: %w", err))
	}
	expected := stateParam(authURL)

	if f.opts.Prompt != nil {
		fmt.Fprintf(f.opts.Prompt, "Complete the login in your browser:\n  %s\n", authURL)
	}
	if err := f.opts.Open(authURL); err != nil {
		f.log.Warn("could not open browser", zap.Error(err))
	}
	f.transition(StateAwaitingMessage)

	timer := time.NewTimer(f.opts.Timeout)
	defer timer.Stop()

	var msg callback
	select {
	case <-ctx.Done():
		f.transition(StateClosed)
		return nil, ctx.Err()
	case <-timer.C:
		return nil, f.fail(ErrTimeout)
	case msg = <-msgs:
	}

	if msg.err != "" {
		return nil, f.fail(fmt.Errorf("oidc: provider error: %s", msg.err))
	}
	if expected != "" && msg.state != expected {
		return nil, f.fail(ErrStateMismatch)
	}
	if msg.code == "" {
		return nil, f.fail(fmt.Errorf("oidc: callback missing code"))
	}

	f.transition(StateExchanging)
	auth, err := f.auth.OIDCCallback(ctx, f.opts.Mount, msg.state, msg.code, nonce)
	if err != nil {
		if ctx.Err() != nil {
			f.transition(StateClosed)
			return nil, ctx.Err()
		}
		return nil, f.fail(fmt.Errorf("oidc: exchange: %w", err))
	}
	f.transition(StateClosed)
	return auth, nil
}

func stateParam(authURL string) string {
	u, err := url.Parse(authURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("state")
}
