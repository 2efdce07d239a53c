package updater

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keukalabs/updaterd/internal/execrun"
	"github.com/keukalabs/updaterd/internal/runlog"
)

const (
	shaA = "aaaa111122223333444455556666777788889999"
	shaB = "bbbb111122223333444455556666777788889999"
)

type scriptedExec struct {
	mu      sync.Mutex
	calls   []execrun.Cmd
	handler func(c execrun.Cmd, onLine execrun.LineFunc) (int, string)
}

func (s *scriptedExec) Run(_ context.Context, c execrun.Cmd, onLine execrun.LineFunc) (int, string) {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		return 0, ""
	}
	if onLine == nil {
		onLine = func(string) {}
	}
	return handler(c, onLine)
}

func (s *scriptedExec) snapshot() []execrun.Cmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]execrun.Cmd(nil), s.calls...)
}

func (s *scriptedExec) sawGit(sub string) bool {
	for _, c := range s.snapshot() {
		if c.Name == "git" {
			for _, a := range c.Args {
				if a == sub {
					return true
				}
			}
		}
	}
	return false
}

type fakeVersioner struct {
	local   string
	source  string
	remote  string
	onLocal func()
}

func (f *fakeVersioner) LocalCommitWithSource(string) (string, string) {
	if f.onLocal != nil {
		f.onLocal()
	}
	return f.local, f.source
}

func (f *fakeVersioner) RemoteCommit(context.Context, string) (string, error) {
	return f.remote, nil
}

func newTestManager(t *testing.T, cfg Config, exe execrun.Runner, res Versioner) *Manager {
	t.Helper()
	return New(cfg, exe, res, runlog.New(filepath.Join(t.TempDir(), "updater.log")))
}

func waitTerminal(t *testing.T, m *Manager) Status {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Status().State != StateRunning
	}, 5*time.Second, 5*time.Millisecond)
	return m.Status()
}

func joined(st Status) string { return strings.Join(st.Lines, "\n") }

// writeAppRoot creates an app root with an apply script and returns both paths.
func writeAppRoot(t *testing.T, script string) (string, string) {
	t.Helper()
	root := t.TempDir()
	path := filepath.Join(root, "update_code_only.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return root, path
}

func TestStart_SingleFlight(t *testing.T) {
	release := make(chan struct{})
	exe := &scriptedExec{handler: func(c execrun.Cmd, _ execrun.LineFunc) (int, string) {
		if c.Name == "sudo" {
			<-release
			return 1, ""
		}
		return 0, ""
	}}
	m := newTestManager(t, Config{Sudo: "sudo"}, exe, &fakeVersioner{})

	require.True(t, m.Start())
	before := m.Status()
	require.Equal(t, StateRunning, before.State)

	require.False(t, m.Start(), "second start while running must be rejected")
	after := m.Status()
	require.Equal(t, before.Lines, after.Lines, "rejected start must not disturb logs")
	require.Equal(t, before.StartedAt, after.StartedAt)

	close(release)
	st := waitTerminal(t, m)
	require.Equal(t, StateError, st.State)

	// terminal again, a new start is accepted
	require.True(t, m.Start())
	waitTerminal(t, m)
}

func TestStart_IdempotentShortCircuit(t *testing.T) {
	t.Setenv("TMPDIR", t.TempDir())

	exe := &scriptedExec{}
	m := newTestManager(t, Config{RepoURL: "https://example.com/r.git"},
		exe, &fakeVersioner{local: shaA, source: "git", remote: shaA})

	require.True(t, m.Start())
	st := waitTerminal(t, m)

	require.Equal(t, StateSuccess, st.State)
	require.Contains(t, joined(st), "Already up to date; skipping apply.")
	require.False(t, exe.sawGit("clone"), "up-to-date attempt must not clone")

	entries, err := os.ReadDir(os.TempDir())
	require.NoError(t, err)
	require.Empty(t, entries, "up-to-date attempt must not touch the filesystem")
}

func TestCancel_BeforeClone(t *testing.T) {
	tmpRoot := t.TempDir()
	t.Setenv("TMPDIR", tmpRoot)
	appRoot, script := writeAppRoot(t, "#!/bin/sh\nexit 0\n")

	exe := &scriptedExec{}
	res := &fakeVersioner{local: shaA, source: "git", remote: shaB}
	m := newTestManager(t, Config{
		RepoURL:      "https://example.com/r.git",
		AppRoot:      appRoot,
		Subtree:      "app",
		UpdateScript: script,
	}, exe, res)
	res.onLocal = m.Cancel

	require.True(t, m.Start())
	st := waitTerminal(t, m)

	require.Equal(t, StateError, st.State)
	require.Contains(t, joined(st), "Canceled before clone.")
	require.False(t, exe.sawGit("clone"), "canceled attempt must not clone")

	entries, err := os.ReadDir(tmpRoot)
	require.NoError(t, err)
	require.Empty(t, entries, "scratch workspace must be cleaned up")
}

func TestCancel_AfterTerminalAddsNothing(t *testing.T) {
	m := newTestManager(t, Config{}, &scriptedExec{}, &fakeVersioner{local: shaA, source: "git", remote: shaA})
	require.True(t, m.Start())
	st := waitTerminal(t, m)
	before := len(st.Lines)

	m.Cancel()
	after := m.Status()
	require.Len(t, after.Lines, before, "cancel on a finished attempt must not log")
	require.NotContains(t, joined(after), "Cancellation requested")
}

func TestPipeline_PanicResolvesToError(t *testing.T) {
	res := &fakeVersioner{onLocal: func() { panic("marker file gone mid-read") }}
	m := newTestManager(t, Config{}, &scriptedExec{}, res)

	require.True(t, m.Start())
	st := waitTerminal(t, m)
	require.Equal(t, StateError, st.State, "a panicking attempt must still reach a terminal state")
	require.Contains(t, joined(st), "ERROR: unhandled panic: marker file gone mid-read")
	require.False(t, st.FinishedAt.IsZero())
}

func TestCancel_NoOpWhenIdle(t *testing.T) {
	m := newTestManager(t, Config{}, &scriptedExec{}, &fakeVersioner{})
	m.Cancel()
	st := m.Status()
	require.Equal(t, StateIdle, st.State)
	require.Empty(t, st.Lines)
}

func TestStatus_DurableRecovery(t *testing.T) {
	store := runlog.New(filepath.Join(t.TempDir(), "updater.log"))

	first := New(Config{}, &scriptedExec{}, &fakeVersioner{local: shaA, source: "git", remote: shaA}, store)
	require.True(t, first.Start())
	waitTerminal(t, first)

	second := New(Config{}, &scriptedExec{}, &fakeVersioner{local: shaB, source: "git", remote: shaB}, store)
	require.True(t, second.Start())
	waitTerminal(t, second)

	// fresh manager with an empty buffer, as after a process restart
	restarted := New(Config{}, &scriptedExec{}, &fakeVersioner{}, store)
	st := restarted.Status()
	require.Equal(t, StateIdle, st.State)
	require.Contains(t, joined(st), "bbbb111")
	require.NotContains(t, joined(st), "aaaa111", "replay must contain only the last attempt")
}

func TestStatus_LinesInAppendOrder(t *testing.T) {
	m := newTestManager(t, Config{}, &scriptedExec{}, &fakeVersioner{local: shaA, source: "git", remote: shaA})
	require.True(t, m.Start())
	st := waitTerminal(t, m)

	var wantOrder []int
	for i, ln := range st.Lines {
		switch {
		case strings.Contains(ln, "Local commit before"):
			wantOrder = append(wantOrder, i)
		case strings.Contains(ln, "Remote HEAD commit"):
			wantOrder = append(wantOrder, i)
		case strings.Contains(ln, "Already up to date"):
			wantOrder = append(wantOrder, i)
		}
	}
	require.Len(t, wantOrder, 3)
	require.True(t, wantOrder[0] < wantOrder[1] && wantOrder[1] < wantOrder[2])
}

func TestPipeline_MissingAppRoot(t *testing.T) {
	m := newTestManager(t, Config{
		AppRoot:      filepath.Join(t.TempDir(), "nope"),
		UpdateScript: "whatever",
	}, &scriptedExec{}, &fakeVersioner{local: shaA, source: "git", remote: shaB})

	require.True(t, m.Start())
	st := waitTerminal(t, m)
	require.Equal(t, StateError, st.State)
	require.Contains(t, joined(st), "app root does not exist")
}

func TestPipeline_MissingScript(t *testing.T) {
	root := t.TempDir()
	m := newTestManager(t, Config{
		AppRoot:      root,
		UpdateScript: filepath.Join(root, "missing.sh"),
	}, &scriptedExec{}, &fakeVersioner{local: shaA, source: "git", remote: shaB})

	require.True(t, m.Start())
	st := waitTerminal(t, m)
	require.Equal(t, StateError, st.State)
	require.Contains(t, joined(st), "update script not found")
}

func TestGetLogs_PrefersMemoryOverFile(t *testing.T) {
	store := runlog.New(filepath.Join(t.TempDir(), "updater.log"))
	store.MarkAttempt(runlog.Line(time.Now(), runlog.HeaderSuffix))
	store.Append(runlog.Line(time.Now(), "stale line from an old attempt"))

	m := New(Config{}, &scriptedExec{}, &fakeVersioner{local: shaA, source: "git", remote: shaA}, store)
	require.True(t, m.Start())
	st := waitTerminal(t, m)
	require.NotContains(t, joined(st), "stale line", "in-memory buffer wins while present")
}
