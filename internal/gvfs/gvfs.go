package gvfs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Reply is the answer given to a credential challenge
type Reply int

const (
	// ReplyHandled lets the provider proceed, either anonymously or with the session ticket
	ReplyHandled Reply = iota
	// ReplyAborted ends the mount attempt
	ReplyAborted
)

func (r Reply) String() string {
	switch r {
	case ReplyHandled:
		return "handled"
	case ReplyAborted:
		return "aborted"
	default:
		return fmt.Sprintf("reply(%d)", int(r))
	}
}

// ChallengeFunc is invoked synchronously whenever the provider needs
// credentials for an attempt. It may be invoked any number of times.
type ChallengeFunc func(anonymousSupported bool) Reply

// CompleteFunc receives the result of an attempt. A nil error means the
// location is mounted.
type CompleteFunc func(err error)

// Mounter defines the interface of an asynchronous mount provider
type Mounter interface {
	// MountAsync starts mounting location and returns without waiting.
	// onComplete is called exactly once, from any goroutine.
	MountAsync(ctx context.Context, location string, anonymous bool, onChallenge ChallengeFunc, onComplete CompleteFunc)
	// Close releases the resources held by the provider
	Close() error
}

// ErrAlreadyMounted is matched by errors reporting that the location is already mounted
var ErrAlreadyMounted = errors.New("location is already mounted")

// ErrAborted is returned when a credential challenge was aborted
var ErrAborted = errors.New("authentication aborted")

// IsAlreadyMounted reports whether err only says the location was mounted before
func IsAlreadyMounted(err error) bool {
	return errors.Is(err, ErrAlreadyMounted)
}

// MountError is a failed mount attempt as reported by the provider
type MountError struct {
	// Location is the location that failed to mount
	Location string
	// Message is the provider's description of the failure
	Message string
	// Kind is a sentinel the failure matches, such as ErrAlreadyMounted, or nil
	Kind error
}

func (e *MountError) Error() string {
	return e.Message
}

func (e *MountError) Unwrap() error {
	return e.Kind
}

// classifyMessage maps provider messages to a sentinel error
func classifyMessage(msg string) error {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "already mounted"):
		return ErrAlreadyMounted
	case strings.Contains(lower, "aborted") || strings.Contains(lower, "password dialog cancelled"):
		return ErrAborted
	default:
		return nil
	}
}

// Backend names accepted by NewMounter
const (
	BackendDBus = "dbus"
	BackendCLI  = "cli"
)

// Options configure the provider backends
type Options struct {
	// GioPath is the gio binary used by the cli backend
	GioPath string
	Logger  hclog.Logger
}

// NewMounter creates a Mounter based on the specified backend
func NewMounter(backend string, opts Options) (Mounter, error) {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}

	switch backend {
	case BackendCLI:
		return NewCLIMounter(opts.GioPath, opts.Logger), nil
	case BackendDBus:
		return NewDBusMounter(WithLogger(opts.Logger))
	default:
		return nil, fmt.Errorf("unknown backend: %s (use '%s' or '%s')", backend, BackendDBus, BackendCLI)
	}
}
