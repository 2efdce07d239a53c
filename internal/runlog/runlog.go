// Package runlog persists updater output to an append-only file so the most
// recent attempt can be shown again after the service restarts itself.
package runlog

import (
	"os"
	"strings"
	"sync"
	"time"
)

const (
	// Sentinel is the literal line written before each attempt's header.
	Sentinel = "----"
	// HeaderSuffix appears in the timestamped header of every attempt.
	HeaderSuffix = "(new attempt) starting..."
	// TimeLayout is the timestamp prefix format of every log line.
	TimeLayout = "2006-01-02 15:04:05"
)

// Line formats a message the way it is stored on disk.
func Line(t time.Time, msg string) string {
	return "[" + t.Format(TimeLayout) + "] " + msg
}

// Store appends log lines to a single file for the lifetime of the service.
// Writes are synced to stable storage immediately: a successful apply restarts
// the process, and the file is the only record that survives.
type Store struct {
	mu   sync.Mutex
	path string
}

func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Append writes one line. Failures are swallowed: logging must never take the
// updater down, and there is nowhere better to report them.
func (s *Store) Append(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return
	}
	_ = f.Sync()
}

// MarkAttempt writes the sentinel followed by the attempt header, delimiting
// a new attempt in the flat file.
func (s *Store) MarkAttempt(header string) {
	s.Append(Sentinel)
	s.Append(header)
}

// LastAttempt returns only the lines of the most recent attempt: everything
// from its header to end of file. The backward scan stops at the first header
// or sentinel it meets, so the sentinel preceding the header is not included.
// At most maxLines tail lines are considered, bounding memory on a
// constrained device. A missing or unreadable file yields nil.
func (s *Store) LastAttempt(maxLines int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		return nil
	}
	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}

	for i := len(lines) - 1; i >= 0; i-- {
		ln := lines[i]
		if strings.TrimSpace(ln) == Sentinel || strings.Contains(ln, HeaderSuffix) {
			return lines[i:]
		}
	}
	return lines
}
