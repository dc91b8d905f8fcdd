package mount

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgregory.net/rapid"

	"github.com/kriansa/netmount/internal/auth"
	"github.com/kriansa/netmount/internal/gvfs"
	"github.com/kriansa/netmount/internal/log"
	"github.com/kriansa/netmount/internal/manifest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTickets bool

func (f fakeTickets) Available() bool { return bool(f) }

var (
	errRefused        = errors.New("connection refused")
	errAlreadyMounted = &gvfs.MountError{Message: "Location is already mounted", Kind: gvfs.ErrAlreadyMounted}
)

// fakeMounter completes every attempt from its own goroutine with the result
// configured for its location, after raising the configured challenges
type fakeMounter struct {
	results    map[string]error
	challenges map[string][]bool
	// completeTwice makes the provider misbehave and report every result twice
	completeTwice bool

	mu      sync.Mutex
	calls   []manifest.Request
	replies map[string][]gvfs.Reply
	wg      sync.WaitGroup
}

func newFakeMounter(results map[string]error) *fakeMounter {
	return &fakeMounter{
		results:    results,
		challenges: map[string][]bool{},
		replies:    map[string][]gvfs.Reply{},
	}
}

func (m *fakeMounter) MountAsync(_ context.Context, location string, anonymous bool, onChallenge gvfs.ChallengeFunc, onComplete gvfs.CompleteFunc) {
	m.mu.Lock()
	m.calls = append(m.calls, manifest.Request{Location: location, Anonymous: anonymous})
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for _, supported := range m.challenges[location] {
			reply := onChallenge(supported)
			m.mu.Lock()
			m.replies[location] = append(m.replies[location], reply)
			m.mu.Unlock()
		}

		onComplete(m.results[location])
		if m.completeTwice {
			onComplete(errRefused)
		}
	}()
}

func (m *fakeMounter) Close() error { return nil }

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mounts")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func newTestOrchestrator(m gvfs.Mounter, hasTicket bool) *Orchestrator {
	return NewOrchestrator(m, auth.NewPolicy(fakeTickets(hasTicket), nil), nil)
}

// mountFile mounts the locations listed in the manifest at path
func mountFile(o *Orchestrator, path string) error {
	reqs, err := Load(path)
	if err != nil {
		return err
	}
	return o.Mount(context.Background(), reqs)
}

func TestOrchestrator_Run(t *testing.T) {
	tests := []struct {
		name      string
		manifest  string
		results   map[string]error
		wantCalls []manifest.Request
		wantErr   error
	}{
		{
			name:     "all locations mounted",
			manifest: "a://x\n[anonymous]a://y\n",
			wantCalls: []manifest.Request{
				{Location: "a://x"},
				{Location: "a://y", Anonymous: true},
			},
		},
		{
			name:      "already mounted is success",
			manifest:  "smb://fileserver/users\n",
			results:   map[string]error{"smb://fileserver/users": errAlreadyMounted},
			wantCalls: []manifest.Request{{Location: "smb://fileserver/users"}},
		},
		{
			name:      "connection refused fails",
			manifest:  "smb://fileserver/users\n",
			results:   map[string]error{"smb://fileserver/users": errRefused},
			wantCalls: []manifest.Request{{Location: "smb://fileserver/users"}},
			wantErr:   ErrMount,
		},
		{
			name:     "one failure among successes fails",
			manifest: "smb://a/s\nsmb://b/s\nsmb://c/s\n",
			results: map[string]error{
				"smb://a/s": errAlreadyMounted,
				"smb://c/s": errRefused,
			},
			wantCalls: []manifest.Request{
				{Location: "smb://a/s"},
				{Location: "smb://b/s"},
				{Location: "smb://c/s"},
			},
			wantErr: ErrMount,
		},
		{
			name:     "empty manifest",
			manifest: "",
		},
		{
			name:     "only blank lines",
			manifest: "\n\n\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newFakeMounter(tt.results)
			err := mountFile(newTestOrchestrator(m, false), writeManifest(t, tt.manifest))
			m.wg.Wait()

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.NotErrorIs(t, err, ErrParse)
			} else {
				require.NoError(t, err)
			}
			assert.ElementsMatch(t, tt.wantCalls, m.calls)
		})
	}
}

func TestLoad_ParseError(t *testing.T) {
	reqs, err := Load(filepath.Join(t.TempDir(), "missing"))

	require.ErrorIs(t, err, ErrParse)
	assert.ErrorIs(t, err, manifest.ErrUnreadable)
	assert.NotErrorIs(t, err, ErrMount)
	assert.Empty(t, reqs)
}

func TestOrchestrator_Run_FailuresAreAggregated(t *testing.T) {
	m := newFakeMounter(map[string]error{
		"smb://a/s": errRefused,
		"smb://b/s": errAlreadyMounted,
		"smb://c/s": errors.New("host is down"),
	})
	err := mountFile(newTestOrchestrator(m, false), writeManifest(t, "smb://a/s\nsmb://b/s\nsmb://c/s\n"))
	m.wg.Wait()

	require.ErrorIs(t, err, ErrMount)
	assert.ErrorIs(t, err, errRefused)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 2)
	assert.Contains(t, err.Error(), "smb://a/s")
	assert.Contains(t, err.Error(), "smb://c/s")
	assert.NotContains(t, err.Error(), "smb://b/s")
}

func TestOrchestrator_Run_AlreadyMountedIsIdempotent(t *testing.T) {
	path := writeManifest(t, "smb://a/s\n[anonymous]smb://b/s\n")

	// The first run mounts everything, every later run finds it already mounted.
	first := newFakeMounter(nil)
	require.NoError(t, mountFile(newTestOrchestrator(first, false), path))
	first.wg.Wait()

	for range 3 {
		again := newFakeMounter(map[string]error{
			"smb://a/s": errAlreadyMounted,
			"smb://b/s": errAlreadyMounted,
		})
		require.NoError(t, mountFile(newTestOrchestrator(again, false), path))
		again.wg.Wait()
	}
}

func TestOrchestrator_Run_AnonymousHandledOnce(t *testing.T) {
	m := newFakeMounter(nil)
	m.challenges["smb://public/s"] = []bool{true, true, true}
	m.challenges["smb://private/s"] = []bool{false, false}

	err := mountFile(newTestOrchestrator(m, true), writeManifest(t, "[anonymous]smb://public/s\nsmb://private/s\n"))
	m.wg.Wait()
	require.NoError(t, err)

	assert.Equal(t, []gvfs.Reply{gvfs.ReplyHandled, gvfs.ReplyAborted, gvfs.ReplyAborted}, m.replies["smb://public/s"])
	assert.Equal(t, []gvfs.Reply{gvfs.ReplyHandled, gvfs.ReplyHandled}, m.replies["smb://private/s"], "ticket should answer every challenge")
}

func TestOrchestrator_Mount_DuplicateCompletionIsSwallowed(t *testing.T) {
	var buf bytes.Buffer
	m := newFakeMounter(nil)
	m.completeTwice = true

	o := NewOrchestrator(m, auth.NewPolicy(fakeTickets(false), nil), log.New(true, &buf))
	err := o.Mount(context.Background(), []manifest.Request{{Location: "smb://a/s"}, {Location: "smb://b/s"}})
	m.wg.Wait()

	// Only the first report of each attempt counts.
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "reported a result twice")
}

func TestOrchestrator_Mount_LateCompletionDoesNotBlock(t *testing.T) {
	var late gvfs.CompleteFunc
	m := &callbackMounter{started: make(chan attemptHandle, 2)}

	o := newTestOrchestrator(m, false)
	result := make(chan error, 1)
	go func() {
		result <- o.Mount(context.Background(), []manifest.Request{{Location: "smb://a/s"}})
	}()

	h := <-m.started
	late = h.complete
	late(nil)
	require.NoError(t, <-result)

	// The loop is gone: a second report must neither block nor panic.
	assert.NotPanics(t, func() { late(errRefused) })
}

func TestOrchestrator_Mount_ReportsAfterReturnAreDropped(t *testing.T) {
	var buf bytes.Buffer
	m := &callbackMounter{started: make(chan attemptHandle, 3)}
	o := NewOrchestrator(m, auth.NewPolicy(fakeTickets(false), nil), log.New(true, &buf))

	reqs := []manifest.Request{{Location: "smb://a/s"}, {Location: "smb://b/s"}, {Location: "smb://c/s"}}
	result := make(chan error, 1)
	go func() { result <- o.Mount(context.Background(), reqs) }()

	handles := make([]attemptHandle, 0, len(reqs))
	for range reqs {
		h := <-m.started
		h.complete(errRefused)
		handles = append(handles, h)
	}
	err := <-result
	require.ErrorIs(t, err, ErrMount)

	// Every attempt already used its single slot in the completion buffer, so
	// repeated reports return at once and only get logged.
	for _, h := range handles {
		for range 2 {
			h.complete(nil)
		}
	}
	assert.Equal(t, 2*len(reqs), strings.Count(buf.String(), "reported a result twice"))
}

// attemptHandle is an attempt whose completion is driven by the test
type attemptHandle struct {
	location string
	complete gvfs.CompleteFunc
}

// callbackMounter hands every attempt to the test instead of completing it
type callbackMounter struct {
	started chan attemptHandle
}

func (m *callbackMounter) MountAsync(_ context.Context, location string, _ bool, _ gvfs.ChallengeFunc, onComplete gvfs.CompleteFunc) {
	m.started <- attemptHandle{location: location, complete: onComplete}
}

func (m *callbackMounter) Close() error { return nil }

func TestOrchestrator_Mount_OrderIndependent(t *testing.T) {
	outcomes := []error{nil, errAlreadyMounted, errRefused}

	rapid.Check(t, func(rt *rapid.T) {
		kinds := rapid.SliceOfN(rapid.IntRange(0, len(outcomes)-1), 1, 8).Draw(rt, "kinds")

		reqs := make([]manifest.Request, len(kinds))
		results := make(map[string]error, len(kinds))
		wantFailures := 0
		for i, k := range kinds {
			loc := "smb://host" + string(rune('a'+i)) + "/share"
			reqs[i] = manifest.Request{Location: loc}
			results[loc] = outcomes[k]
			if outcomes[k] == errRefused {
				wantFailures++
			}
		}

		indices := make([]int, len(kinds))
		for i := range indices {
			indices[i] = i
		}
		order := rapid.Permutation(indices).Draw(rt, "order")

		m := &callbackMounter{started: make(chan attemptHandle, len(reqs))}
		o := newTestOrchestrator(m, false)

		result := make(chan error, 1)
		go func() {
			result <- o.Mount(context.Background(), reqs)
		}()

		handles := make([]attemptHandle, len(reqs))
		for i := range handles {
			handles[i] = <-m.started
		}
		for _, i := range order {
			handles[i].complete(results[handles[i].location])
		}

		err := <-result
		if wantFailures == 0 {
			if err != nil {
				rt.Fatalf("expected success, got %v", err)
			}
			return
		}

		if !errors.Is(err, ErrMount) {
			rt.Fatalf("expected ErrMount, got %v", err)
		}
		var merr *multierror.Error
		if !errors.As(err, &merr) || len(merr.Errors) != wantFailures {
			rt.Fatalf("expected %d aggregated failures, got %v", wantFailures, err)
		}
	})
}

func TestAggregate(t *testing.T) {
	agg := newAggregate(2)
	require.True(t, agg.running())

	agg.handle(Completion{Location: "a", Outcome: outcomeOf(nil)})
	assert.True(t, agg.running())
	assert.Empty(t, agg.failures)

	agg.handle(Completion{Location: "b", Outcome: outcomeOf(errRefused)})
	assert.False(t, agg.running())
	require.Len(t, agg.failures, 1)
	assert.Equal(t, KindOther, agg.failures[0].Outcome.Kind)

	// Completions past zero are not counted.
	agg.handle(Completion{Location: "c", Outcome: outcomeOf(errRefused)})
	assert.Equal(t, uint(0), agg.pending)
	assert.Len(t, agg.failures, 1)
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, KindNone, outcomeOf(nil).Kind)
	assert.Equal(t, KindAlreadyMounted, outcomeOf(errAlreadyMounted).Kind)
	assert.Equal(t, KindOther, outcomeOf(errRefused).Kind)
	assert.Equal(t, "already mounted", KindAlreadyMounted.String())
}
