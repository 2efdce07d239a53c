package updater

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keukalabs/updaterd/internal/execrun"
	"github.com/keukalabs/updaterd/internal/version"
)

const (
	// scratch workspaces created by this process
	workspacePrefix = "sensor_update_"
	// snapshot dirs the apply script leaves under <root>/tmp
	applyLeftoverPrefix = "sensor_apply_"

	probeTimeout       = 10 * time.Second
	defaultSweepMaxAge = 6 * time.Hour
)

// run executes one attempt and always resolves to a terminal state, even on
// panic. The attempt context carries cancellation only; external commands run
// detached from it so a cancel request never kills a launched process.
func (m *Manager) run(ctx context.Context) {
	m.mu.Lock()
	attemptID := m.attemptID
	m.mu.Unlock()

	_, span := otel.Tracer("updaterd").Start(
		context.Background(),
		"update.attempt",
		trace.WithAttributes(attribute.String("attempt.id", attemptID)),
	)

	ok := false
	defer func() {
		if r := recover(); r != nil {
			m.logf("ERROR: unhandled panic: %v", r)
			span.SetStatus(codes.Error, "panic")
			ok = false
		}
		m.finish(ok)
		span.SetAttributes(attribute.Bool("attempt.ok", ok))
		span.End()
	}()

	ok = m.pipeline(ctx, span)
	if ok {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "attempt failed")
	}
}

func (m *Manager) pipeline(ctx context.Context, span trace.Span) bool {
	// Verify sudo works non-interactively before doing anything destructive;
	// a password prompt would hang the apply with no operator attached.
	if m.cfg.Sudo != "" {
		span.AddEvent("preflight")
		probeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), probeTimeout)
		rc, _ := m.exec.Run(probeCtx, execrun.Cmd{Name: m.cfg.Sudo, Args: []string{"-n", "true"}}, nil)
		cancel()
		if rc != 0 {
			m.logf("ERROR: sudo non-interactive check failed; configure passwordless sudo or unset the sudo command.")
			return false
		}
	}

	localBefore, _ := m.res.LocalCommitWithSource(m.cfg.AppRoot)
	remoteHead, _ := m.res.RemoteCommit(context.WithoutCancel(ctx), m.cfg.RepoURL)
	m.logf("Local commit before: %s", version.ShortSHA(localBefore))
	m.logf("Remote HEAD commit: %s", version.ShortSHA(remoteHead))

	if localBefore != "" && remoteHead != "" && localBefore == remoteHead {
		m.logf("Already up to date; skipping apply.")
		return true
	}

	m.logf("Starting code-only update...")
	if fi, err := os.Stat(m.cfg.AppRoot); err != nil || !fi.IsDir() {
		m.logf("ERROR: app root does not exist: %s", m.cfg.AppRoot)
		return false
	}
	if fi, err := os.Stat(m.cfg.UpdateScript); err != nil || fi.IsDir() {
		m.logf("ERROR: update script not found: %s", m.cfg.UpdateScript)
		return false
	}

	scratch, err := os.MkdirTemp("", workspacePrefix)
	if err != nil {
		m.logf("ERROR: cannot create scratch directory: %v", err)
		return false
	}
	defer m.cleanup(scratch)

	repoDir := filepath.Join(scratch, "repo")
	stageDir := filepath.Join(scratch, "stage")
	if err := os.MkdirAll(stageDir, 0o755); err != nil {
		m.logf("ERROR: cannot create stage directory: %v", err)
		return false
	}
	m.logf("Scratch directory: %s", scratch)

	if m.canceled(ctx, "before clone") {
		return false
	}

	span.AddEvent("clone")
	m.logf("Cloning repository (shallow): %s", m.cfg.RepoURL)
	rc, _ := m.runLogged(ctx, execrun.Cmd{
		Name: "git",
		Args: []string{"clone", "--depth", "1", m.cfg.RepoURL, repoDir},
		Dir:  scratch,
	})
	if rc != 0 {
		m.logf("ERROR: git clone failed.")
		return false
	}
	if m.canceled(ctx, "after clone") {
		return false
	}

	// Resolve the exact commit of the clone; the pre-flight comparison value
	// says nothing about what this tree actually is.
	rc, out := m.exec.Run(context.WithoutCancel(ctx), execrun.Cmd{
		Name: "git",
		Args: []string{"-C", repoDir, "rev-parse", "HEAD"},
	}, nil)
	head := lastNonEmptyLine(out)
	if rc != 0 || head == "" {
		m.logf("ERROR: could not determine cloned repository HEAD.")
		return false
	}
	m.logf("Cloned commit: %s", version.ShortSHA(head))

	srcTree := filepath.Join(repoDir, m.cfg.Subtree)
	if fi, err := os.Stat(srcTree); err != nil || !fi.IsDir() {
		m.logf("ERROR: %q directory not found in cloned repository.", m.cfg.Subtree)
		return false
	}

	span.AddEvent("stage")
	m.logf("Staging latest %s/ code...", m.cfg.Subtree)
	if err := os.CopyFS(filepath.Join(stageDir, m.cfg.Subtree), os.DirFS(srcTree)); err != nil {
		m.logf("ERROR: staging failed: %v", err)
		return false
	}
	if m.canceled(ctx, "before apply") {
		return false
	}

	script := m.prepareScript(m.cfg.UpdateScript, scratch)

	span.AddEvent("apply")
	m.logf("Executing apply script...")
	scriptArgs := []string{
		script,
		"--stage", stageDir,
		"--root", m.cfg.AppRoot,
		"--service", m.cfg.ServiceName,
		"--commit", head,
	}
	env := []string{
		"STAGE_DIR=" + stageDir,
		"APP_ROOT=" + m.cfg.AppRoot,
		"SERVICE_NAME=" + m.cfg.ServiceName,
	}
	cmd := execrun.Cmd{Name: "/bin/bash", Args: scriptArgs, Dir: m.cfg.AppRoot, Env: env}
	if m.cfg.Sudo != "" {
		cmd = execrun.Cmd{
			Name: m.cfg.Sudo,
			Args: append([]string{"-n", "--preserve-env=STAGE_DIR,APP_ROOT,SERVICE_NAME", "/bin/bash"}, scriptArgs...),
			Dir:  m.cfg.AppRoot,
			Env:  env,
		}
	}
	rc, _ = m.runLogged(ctx, cmd)
	if rc != 0 {
		m.logf("ERROR: apply script returned a non-zero exit code.")
		return false
	}

	m.logf("Apply detached; status may show a pending commit until the service restarts.")
	m.logf("Update requested for commit: %s", version.ShortSHA(head))
	return true
}

// runLogged streams every output line of the command into the attempt log as
// it is produced. The command is detached from the attempt context.
func (m *Manager) runLogged(ctx context.Context, cmd execrun.Cmd) (int, string) {
	return m.exec.Run(context.WithoutCancel(ctx), cmd, func(line string) {
		m.logf("%s", line)
	})
}

// prepareScript returns the path to run. A script with CR line endings (a
// common artifact of editing on Windows) gets a sanitized 0755 copy inside
// the scratch dir; otherwise the original is used with its execute bit
// ensured. On read failure the original path is returned and the apply phase
// surfaces the real error.
func (m *Manager) prepareScript(path, scratch string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		m.logf("ERROR: cannot read update script %s: %v", path, err)
		return path
	}

	if bytes.ContainsRune(data, '\r') {
		fixed := bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
		fixed = bytes.ReplaceAll(fixed, []byte("\r"), []byte("\n"))
		out := filepath.Join(scratch, "apply.sanitized.sh")
		if err := os.WriteFile(out, fixed, 0o755); err != nil {
			m.logf("WARNING: failed to write sanitized script copy (%v); using original.", err)
			return path
		}
		m.logf("NOTICE: update script has CR line endings; using sanitized copy: %s", out)
		return out
	}

	if fi, err := os.Stat(path); err == nil && fi.Mode()&0o111 == 0 {
		if err := os.Chmod(path, fi.Mode()|0o111); err == nil {
			m.logf("NOTICE: update script was not executable; added execute bit.")
		}
	}
	return path
}

// cleanup removes the attempt's scratch workspace and sweeps stale leftovers
// from prior crashed attempts. Runs on every attempt end, success or not.
func (m *Manager) cleanup(scratch string) {
	if err := os.RemoveAll(scratch); err != nil {
		m.logf("WARNING: scratch cleanup failed: %v", err)
	} else {
		m.logf("Cleaned up temporary files.")
	}
	m.sweepLeftovers()
}

func (m *Manager) sweepLeftovers() {
	maxAge := m.cfg.SweepMaxAge
	if maxAge <= 0 {
		maxAge = defaultSweepMaxAge
	}
	m.sweepDir(os.TempDir(), workspacePrefix, maxAge)
	m.sweepDir(filepath.Join(m.cfg.AppRoot, "tmp"), applyLeftoverPrefix, maxAge)
}

func (m *Manager) sweepDir(root, prefix string, maxAge time.Duration) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	now := time.Now()
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		path := filepath.Join(root, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > maxAge {
			if err := os.RemoveAll(path); err == nil {
				m.logf("Swept stale workspace: %s", path)
			}
		}
	}
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if ln := strings.TrimSpace(lines[i]); ln != "" {
			return ln
		}
	}
	return ""
}
