// Package mount mounts every location of a session manifest and reduces
// their outcomes to a single result.
//
// Each location is handed to the mount provider as an independent
// asynchronous attempt. Attempts report back only by sending a Completion on
// a channel; a single loop owns the bookkeeping and stops once every attempt
// has reported. Locations that turn out to be already mounted do not fail the
// run.
package mount

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/kriansa/netmount/internal/auth"
	"github.com/kriansa/netmount/internal/gvfs"
	"github.com/kriansa/netmount/internal/manifest"
)

var (
	// ErrParse is returned when the manifest could not be read
	ErrParse = errors.New("failed to parse mounts file")
	// ErrMount is returned when at least one location failed for a reason
	// other than being already mounted
	ErrMount = errors.New("failed to mount locations")
)

// ErrorKind classifies failed attempts
type ErrorKind int

const (
	// KindNone marks a successful attempt
	KindNone ErrorKind = iota
	// KindAlreadyMounted marks a location that was mounted before this run
	KindAlreadyMounted
	// KindOther marks every other failure
	KindOther
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindAlreadyMounted:
		return "already mounted"
	default:
		return "other"
	}
}

// Outcome is the result of one attempt. A nil Err means success.
type Outcome struct {
	Err  error
	Kind ErrorKind
}

// Completion carries the outcome of one attempt from its task to the loop
type Completion struct {
	Location string
	Outcome  Outcome
}

// outcomeOf classifies a provider result
func outcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return Outcome{Kind: KindNone}
	case gvfs.IsAlreadyMounted(err):
		return Outcome{Err: err, Kind: KindAlreadyMounted}
	default:
		return Outcome{Err: err, Kind: KindOther}
	}
}

// Orchestrator runs the mounts of one session
type Orchestrator struct {
	mounter gvfs.Mounter
	policy  *auth.Policy
	logger  hclog.Logger
}

// NewOrchestrator creates an orchestrator mounting through mounter and
// answering credential challenges with policy
func NewOrchestrator(mounter gvfs.Mounter, policy *auth.Policy, logger hclog.Logger) *Orchestrator {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Orchestrator{
		mounter: mounter,
		policy:  policy,
		logger:  logger,
	}
}

// Load reads the manifest at path.
// The returned error wraps ErrParse.
func Load(path string) ([]manifest.Request, error) {
	reqs, err := manifest.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParse, err)
	}
	return reqs, nil
}

// Mount mounts reqs concurrently and waits until every attempt completed.
// It returns an error wrapping ErrMount if any location failed for a reason
// other than being already mounted.
func (o *Orchestrator) Mount(ctx context.Context, reqs []manifest.Request) error {
	if len(reqs) == 0 {
		o.logger.Debug("no locations to mount")
		return nil
	}

	// Buffered to the number of attempts and written at most once per
	// attempt: a completion never blocks, even after the loop returned.
	completions := make(chan Completion, len(reqs))

	o.dispatch(ctx, reqs, completions)
	failures := o.loop(completions, uint(len(reqs)))

	return o.decide(failures)
}

// dispatch starts one attempt per request without waiting for any of them
func (o *Orchestrator) dispatch(ctx context.Context, reqs []manifest.Request, completions chan<- Completion) {
	for _, req := range reqs {
		logger := o.logger.With("location", req.Location)
		logger.Debug("mounting entry", "anonymous", req.Anonymous)

		attempt := o.policy.NewAttempt(req.Location, req.Anonymous)
		location := req.Location

		var once sync.Once
		onComplete := func(err error) {
			delivered := false
			once.Do(func() {
				delivered = true
				completions <- Completion{Location: location, Outcome: outcomeOf(err)}
			})
			if !delivered {
				logger.Error("mount provider reported a result twice, ignoring", "error", err)
			}
		}

		o.mounter.MountAsync(ctx, location, req.Anonymous, attempt.Challenge, onComplete)
	}
}

// loop consumes completions until pending attempts reach zero.
// It is the only owner of the aggregate state.
func (o *Orchestrator) loop(completions <-chan Completion, pending uint) []Completion {
	agg := newAggregate(pending)
	for agg.running() {
		msg := <-completions
		agg.handle(msg)

		if msg.Outcome.Err != nil {
			o.logger.Warn("failed when mounting", "location", msg.Location, "pending", agg.pending)
		} else {
			o.logger.Debug("mounting was successful", "location", msg.Location, "pending", agg.pending)
		}
	}
	return agg.failures
}

// decide reduces the collected failures to the result of the run
func (o *Orchestrator) decide(failures []Completion) error {
	var merr *multierror.Error
	for _, f := range failures {
		o.logger.Warn("mount process failed", "location", f.Location, "kind", f.Outcome.Kind, "error", f.Outcome.Err)
		if f.Outcome.Kind == KindAlreadyMounted {
			continue
		}
		merr = multierror.Append(merr, fmt.Errorf("%s: %w", f.Location, f.Outcome.Err))
	}

	if err := merr.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", ErrMount, err)
	}
	return nil
}

// aggregate is the state of the completion loop
type aggregate struct {
	pending  uint
	failures []Completion
}

func newAggregate(pending uint) *aggregate {
	return &aggregate{pending: pending}
}

func (a *aggregate) running() bool {
	return a.pending > 0
}

// handle accounts for one completion
func (a *aggregate) handle(msg Completion) {
	if a.pending == 0 {
		return
	}
	a.pending--
	if msg.Outcome.Err != nil {
		a.failures = append(a.failures, msg)
	}
}
