package execrun

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// exit code used when the executable itself is missing, matching shell convention
const exitNotFound = 127

// StreamRunner runs actual commands with os/exec, merging stdout and stderr
// into a single stream read with blocking line-buffered reads until EOF.
type StreamRunner struct{}

func (StreamRunner) Run(ctx context.Context, c Cmd, onLine LineFunc) (int, string) {
	if onLine == nil {
		onLine = func(string) {}
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		_ = pr.Close()
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			msg := fmt.Sprintf("command not found: %s", c.Name)
			onLine(msg)
			return exitNotFound, msg
		}
		msg := fmt.Sprintf("command failed to start: %v", err)
		onLine(msg)
		return 1, msg
	}

	var buf strings.Builder
	done := make(chan struct{})
	go func() {
		defer close(done)
		sc := bufio.NewScanner(pr)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			line := sc.Text()
			if buf.Len() > 0 {
				buf.WriteByte('\n')
			}
			buf.WriteString(line)
			onLine(line)
		}
	}()

	err := cmd.Wait()
	_ = pw.Close()
	<-done
	_ = pr.Close()

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), buf.String()
		}
		msg := fmt.Sprintf("command failed: %v", err)
		onLine(msg)
		if buf.Len() > 0 {
			return 1, buf.String() + "\n" + msg
		}
		return 1, msg
	}
	return 0, buf.String()
}
