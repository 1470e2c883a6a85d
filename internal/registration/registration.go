// Package registration announces this bridge to the platform on startup
// and withdraws it on shutdown.
package registration

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"go.uber.org/zap"
)

var ErrRejected = errors.New("registration: platform has no adapter endpoint")

// Platform is the part of the platform client registration needs.
type Platform interface {
	Register(ctx context.Context, callbackURL, password string) (bool, error)
	Unregister(ctx context.Context) (bool, error)
}

type Options struct {
	// CallbackURL is where the platform reaches this bridge. Empty means
	// the bridge runs unregistered.
	CallbackURL string
	// Password is the shared secret. Empty gets a generated one.
	Password string
	Logger   *zap.Logger
}

type Registrator struct {
	platform    Platform
	callbackURL string
	password    string
	logger      *zap.Logger

	mu         sync.Mutex
	registered bool
}

var passwordSpace = new(big.Int).Lsh(big.NewInt(1), 130)

// GeneratePassword returns 130 random bits in base 32.
func GeneratePassword() (string, error) {
	n, err := rand.Int(rand.Reader, passwordSpace)
	if err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return n.Text(32), nil
}

func New(platform Platform, opts Options) (*Registrator, error) {
	if platform == nil {
		return nil, errors.New("registration: platform client is required")
	}
	password := opts.Password
	if password == "" {
		generated, err := GeneratePassword()
		if err != nil {
			return nil, err
		}
		password = generated
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrator{
		platform:    platform,
		callbackURL: strings.TrimSpace(opts.CallbackURL),
		password:    password,
		logger:      logger.Named("registration"),
	}, nil
}

// Password is the secret the platform presents on inbound calls.
func (r *Registrator) Password() string {
	return r.password
}

func (r *Registrator) Enabled() bool {
	return r.callbackURL != ""
}

func (r *Registrator) Start(ctx context.Context) error {
	if !r.Enabled() {
		r.logger.Info("no callback url configured, skipping registration")
		return nil
	}
	ok, err := r.platform.Register(ctx, r.callbackURL, r.password)
	if err != nil {
		return fmt.Errorf("register %s: %w", r.callbackURL, err)
	}
	if !ok {
		return ErrRejected
	}
	r.mu.Lock()
	r.registered = true
	r.mu.Unlock()
	r.logger.Info("registered with platform", zap.String("callback_url", r.callbackURL))
	return nil
}

// Stop withdraws a registration made by Start. It does nothing otherwise.
func (r *Registrator) Stop(ctx context.Context) error {
	r.mu.Lock()
	registered := r.registered
	r.registered = false
	r.mu.Unlock()
	if !registered {
		return nil
	}
	ok, err := r.platform.Unregister(ctx)
	if err != nil {
		return fmt.Errorf("unregister: %w", err)
	}
	if !ok {
		r.logger.Warn("platform had no registration to withdraw")
		return nil
	}
	r.logger.Info("unregistered from platform")
	return nil
}
