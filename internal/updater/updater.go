// Package updater runs the code-only self-update: fetch the repository, stage
// the deployed subtree, and hand off to the apply script that swaps the code
// and restarts the host service. One attempt at a time, fully logged.
package updater

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/keukalabs/updaterd/internal/execrun"
	"github.com/keukalabs/updaterd/internal/runlog"
)

// State of the manager as reported to operators.
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateSuccess State = "success"
	StateError   State = "error"
)

// how many durable-log lines an attempt replay may return after a restart
const maxReplayLines = 4000

// Versioner is what the pipeline needs from the version resolver.
type Versioner interface {
	LocalCommitWithSource(root string) (string, string)
	RemoteCommit(ctx context.Context, repoURL string) (string, error)
}

// Config carries everything one attempt needs. Zero values are not defaulted
// here; the config package owns defaults.
type Config struct {
	RepoURL      string
	AppRoot      string
	Subtree      string
	ServiceName  string
	UpdateScript string
	// Sudo is the privilege-elevation command, empty to run unelevated.
	Sudo        string
	SweepMaxAge time.Duration
}

// Status is a consistent snapshot of the current or last attempt.
type Status struct {
	State      State
	Lines      []string
	StartedAt  time.Time // zero when never started
	FinishedAt time.Time // zero while running or never started
}

// Manager owns the update state machine. Construct one per process and inject
// it wherever start/cancel/status is exposed; all methods are safe for
// concurrent use.
type Manager struct {
	cfg   Config
	exec  execrun.Runner
	res   Versioner
	store *runlog.Store
	log   *log.Entry

	mu         sync.Mutex
	state      State
	lines      []string
	startedAt  time.Time
	finishedAt time.Time
	cancel     context.CancelFunc
	attemptID  string
}

func New(cfg Config, exe execrun.Runner, res Versioner, store *runlog.Store) *Manager {
	return &Manager{
		cfg:   cfg,
		exec:  exe,
		res:   res,
		store: store,
		log:   log.WithField("component", "updater"),
		state: StateIdle,
	}
}

// Start launches a new attempt on a worker goroutine. It returns false with
// no side effects when an attempt is already running.
func (m *Manager) Start() bool {
	m.mu.Lock()
	if m.state == StateRunning {
		m.mu.Unlock()
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.state = StateRunning
	m.lines = m.lines[:0]
	m.startedAt = time.Now()
	m.finishedAt = time.Time{}
	m.cancel = cancel
	m.attemptID = uuid.NewString()

	// Sentinel and header go to both memory and the durable file before the
	// worker exists, so even an immediate crash leaves an attempt boundary.
	header := runlog.Line(time.Now(), runlog.HeaderSuffix)
	m.lines = append(m.lines, runlog.Sentinel, header)
	m.store.MarkAttempt(header)
	attemptID := m.attemptID
	m.mu.Unlock()

	m.log.WithField("attempt", attemptID).Info("update attempt started")
	go m.run(ctx)
	return true
}

// Cancel requests cooperative cancellation of the running attempt. It never
// interrupts an external process already launched; the request takes effect
// at the next phase boundary. No-op when nothing is running.
func (m *Manager) Cancel() {
	m.mu.Lock()
	if m.state != StateRunning || m.cancel == nil {
		m.mu.Unlock()
		return
	}
	m.cancel()
	// Logged under the same lock as the state check so the line can never
	// land in an attempt that already finished.
	line := runlog.Line(time.Now(), "Cancellation requested...")
	m.lines = append(m.lines, line)
	m.store.Append(line)
	m.mu.Unlock()

	m.log.Info("Cancellation requested...")
}

// Status prefers the in-memory buffer of the current attempt. When the buffer
// is empty (the process restarted, possibly by its own successful apply) the
// last attempt is replayed from the durable file.
func (m *Manager) Status() Status {
	m.mu.Lock()
	st := Status{
		State:      m.state,
		Lines:      append([]string(nil), m.lines...),
		StartedAt:  m.startedAt,
		FinishedAt: m.finishedAt,
	}
	m.mu.Unlock()

	if len(st.Lines) == 0 {
		st.Lines = m.store.LastAttempt(maxReplayLines)
	}
	return st
}

func (m *Manager) logf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	line := runlog.Line(time.Now(), msg)
	m.mu.Lock()
	m.lines = append(m.lines, line)
	m.mu.Unlock()
	m.store.Append(line)
	m.log.Info(msg)
}

func (m *Manager) finish(ok bool) {
	m.mu.Lock()
	if ok {
		m.state = StateSuccess
	} else {
		m.state = StateError
	}
	m.finishedAt = time.Now()
	m.cancel = nil
	m.mu.Unlock()
}

// canceled reports (and logs) a pending cancellation at a phase boundary.
func (m *Manager) canceled(ctx context.Context, where string) bool {
	if ctx.Err() == nil {
		return false
	}
	m.logf("Canceled %s.", where)
	return true
}
