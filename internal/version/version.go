// Package version resolves the commit currently deployed on the device and
// the latest commit published upstream.
package version

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/keukalabs/updaterd/internal/execrun"
)

// Build information, overridden at link time.
var (
	Version = "dev"
	Commit  = "none"
)

// Source tags reported by LocalCommitWithSource.
const (
	SourcePending = "marker-pending"
	SourceSubtree = "marker-app"
	SourceRoot    = "marker-root"
	SourceGit     = "git"
	SourceNone    = "none"
)

const (
	// PendingMarker signals a deployment accepted and in progress. It wins
	// over every marker describing what is already applied.
	PendingMarker = ".sensor_commit.next"
	// AppliedMarker records the commit of applied code, either inside the
	// deployed subtree or at the application root.
	AppliedMarker = ".sensor_commit"

	defaultTimeout = 10 * time.Second
)

var shaRe = regexp.MustCompile(`^[0-9a-f]{7,40}$`)

// Resolver answers "what commit runs here" and "what commit is upstream".
// Git interaction goes through an injected runner so tests need no git binary.
type Resolver struct {
	exec    execrun.Runner
	subtree string
	timeout time.Duration
}

func NewResolver(exe execrun.Runner, subtree string, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Resolver{exec: exe, subtree: subtree, timeout: timeout}
}

// LocalCommitWithSource returns the effective local commit plus a tag naming
// which source satisfied it. Precedence, strict: pending marker, marker inside
// the deployed subtree, marker at the root, live git HEAD. Every failure falls
// through to the next candidate; ("", "none") means all of them failed.
func (r *Resolver) LocalCommitWithSource(root string) (string, string) {
	if v := readMarker(filepath.Join(root, PendingMarker)); v != "" {
		return v, SourcePending
	}
	if v := readMarker(filepath.Join(root, r.subtree, AppliedMarker)); v != "" {
		return v, SourceSubtree
	}
	if v := readMarker(filepath.Join(root, AppliedMarker)); v != "" {
		return v, SourceRoot
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	rc, out := r.exec.Run(ctx, execrun.Cmd{
		Name: "git",
		Args: []string{"-C", root, "rev-parse", "HEAD"},
	}, nil)
	if rc == 0 {
		if sha := lastNonEmptyLine(out); shaRe.MatchString(sha) {
			return sha, SourceGit
		}
	}
	return "", SourceNone
}

// RemoteCommit returns the upstream HEAD commit via a lightweight ls-remote
// query, bounded by the resolver timeout. The sha is empty on any network,
// tooling, or parse failure; the error describes what went wrong.
func (r *Resolver) RemoteCommit(ctx context.Context, repoURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rc, out := r.exec.Run(ctx, execrun.Cmd{
		Name: "git",
		Args: []string{"ls-remote", repoURL, "HEAD"},
	}, nil)
	if rc != 0 {
		return "", fmt.Errorf("git ls-remote exited %d: %s", rc, firstLine(out))
	}
	for _, field := range strings.Fields(out) {
		if shaRe.MatchString(field) {
			return field, nil
		}
	}
	return "", fmt.Errorf("no commit in ls-remote output")
}

// ShortSHA abbreviates a commit for display.
func ShortSHA(sha string) string {
	if sha == "" {
		return "unknown"
	}
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func readMarker(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
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

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
