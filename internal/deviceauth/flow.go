// Package deviceauth logs a new device in by having an already authenticated session approve
// a short-lived code, then offers to adopt the account key from another device.
package deviceauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/shellsync/internal/api"
	"github.com/MarcoPoloResearchLab/shellsync/internal/cipherkey"
	"github.com/MarcoPoloResearchLab/shellsync/internal/config"
	"go.uber.org/zap"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultTimeout      = 600 * time.Second
)

// State is a step of the device authorization flow.
type State string

const (
	StateRequesting            State = "requesting"
	StateAwaitingAuthorization State = "awaiting_authorization"
	StateAuthorized            State = "authorized"
	StateTimedOut              State = "timed_out"
	StateFailed                State = "failed"
)

var (
	// ErrTimedOut reports that the code was not approved before the deadline or expired on
	// the server. No session is written.
	ErrTimedOut = errors.New("deviceauth: authorization timed out")

	errMissingHub      = errors.New("deviceauth: hub client is required")
	errMissingSession  = errors.New("deviceauth: session path is required")
	errMissingKeys     = errors.New("deviceauth: key manager is required")
	errMissingStore    = errors.New("deviceauth: local store is required")
	errMissingPrompter = errors.New("deviceauth: key prompter is required")
)

// KeyManager is the part of cipherkey.Manager the flow uses.
type KeyManager interface {
	Current() (cipherkey.Key, error)
	Rotate(ctx context.Context, store cipherkey.Reencrypter, newKey cipherkey.Key) (bool, error)
}

// Config describes the dependencies of a Flow.
type Config struct {
	Hub          api.HubClient
	SessionPath  string
	Keys         KeyManager
	Store        cipherkey.Reencrypter
	Prompter     KeyPrompter
	Out          io.Writer
	PollInterval time.Duration
	Timeout      time.Duration
	Logger       *zap.Logger
	OnState      func(State)
}

// Outcome reports how a flow ended.
type Outcome struct {
	State      State
	KeyRotated bool
}

// Flow runs the device authorization state machine.
type Flow struct {
	hub          api.HubClient
	sessionPath  string
	keys         KeyManager
	store        cipherkey.Reencrypter
	prompter     KeyPrompter
	out          io.Writer
	pollInterval time.Duration
	timeout      time.Duration
	logger       *zap.Logger
	onState      func(State)
}

// NewFlow validates the configuration.
func NewFlow(cfg Config) (*Flow, error) {
	switch {
	case cfg.Hub == nil:
		return nil, errMissingHub
	case cfg.SessionPath == "":
		return nil, errMissingSession
	case cfg.Keys == nil:
		return nil, errMissingKeys
	case cfg.Store == nil:
		return nil, errMissingStore
	case cfg.Prompter == nil:
		return nil, errMissingPrompter
	}

	flow := &Flow{
		hub:          cfg.Hub,
		sessionPath:  cfg.SessionPath,
		keys:         cfg.Keys,
		store:        cfg.Store,
		prompter:     cfg.Prompter,
		out:          cfg.Out,
		pollInterval: cfg.PollInterval,
		timeout:      cfg.Timeout,
		logger:       cfg.Logger,
		onState:      cfg.OnState,
	}
	if flow.out == nil {
		flow.out = io.Discard
	}
	if flow.pollInterval <= 0 {
		flow.pollInterval = defaultPollInterval
	}
	if flow.timeout <= 0 {
		flow.timeout = defaultTimeout
	}
	if flow.logger == nil {
		flow.logger = zap.NewNop()
	}
	return flow, nil
}

// Run requests a code, waits for it to be approved, stores the session and then prompts for
// the account key.
func (f *Flow) Run(ctx context.Context) (Outcome, error) {
	f.enter(StateRequesting)
	code, err := f.hub.RequestCode(ctx)
	if err != nil {
		f.enter(StateFailed)
		return Outcome{State: StateFailed}, fmt.Errorf("deviceauth: request code: %w", err)
	}

	fmt.Fprintf(f.out, "Open %s in a browser where you are logged in to approve this device.\n", code.URL)
	f.enter(StateAwaitingAuthorization)

	token, err := f.await(ctx, code.Code)
	if errors.Is(err, ErrTimedOut) {
		f.enter(StateTimedOut)
		return Outcome{State: StateTimedOut}, err
	}
	if err != nil {
		f.enter(StateFailed)
		return Outcome{State: StateFailed}, err
	}

	if err := config.WriteSessionToken(f.sessionPath, token); err != nil {
		f.enter(StateFailed)
		return Outcome{State: StateFailed}, err
	}
	f.enter(StateAuthorized)
	fmt.Fprintln(f.out, "Device authorized.")

	rotated, err := f.adoptKey(ctx)
	if err != nil {
		return Outcome{State: StateAuthorized}, err
	}
	return Outcome{State: StateAuthorized, KeyRotated: rotated}, nil
}

// await polls until a token arrives. The deadline bounds the whole wait regardless of how
// many polls happen.
func (f *Flow) await(ctx context.Context, code string) (string, error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	timer := time.NewTimer(f.pollInterval)
	defer timer.Stop()

	for {
		select {
		case <-deadlineCtx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return "", ctx.Err()
			}
			return "", ErrTimedOut
		case <-timer.C:
		}

		response, err := f.hub.VerifyCode(deadlineCtx, code)
		switch {
		case err == nil && response.Token != "":
			return response.Token, nil
		case err == nil:
		case api.IsStatus(err, http.StatusNotFound):
			return "", ErrTimedOut
		case deadlineCtx.Err() != nil:
			// The deadline fired mid-request; the next select reports it.
		default:
			f.logger.Warn("device code poll failed", zap.Error(err))
		}
		timer.Reset(f.pollInterval)
	}
}

func (f *Flow) adoptKey(ctx context.Context) (bool, error) {
	answer, err := f.prompter.PromptKey(f.out)
	if err != nil {
		return false, err
	}
	if answer == "" {
		fmt.Fprintln(f.out, "Keeping the current key.")
		return false, nil
	}

	key, err := cipherkey.Decode(answer)
	if err != nil {
		return false, err
	}
	current, err := f.keys.Current()
	if err != nil {
		return false, err
	}
	if current == key {
		fmt.Fprintln(f.out, "The key matches the current key.")
		return false, nil
	}

	rotated, err := f.keys.Rotate(ctx, f.store, key)
	if err != nil {
		return false, err
	}
	if rotated {
		fmt.Fprintln(f.out, "Key updated; local history was re-encrypted.")
	}
	return rotated, nil
}

func (f *Flow) enter(state State) {
	f.logger.Debug("device authorization state", zap.String("state", string(state)))
	if f.onState != nil {
		f.onState(state)
	}
}
