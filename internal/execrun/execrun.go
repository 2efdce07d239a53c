package execrun

import "context"

// Cmd describes a single external command invocation.
type Cmd struct {
	Name string
	Args []string
	Dir  string
	Env  []string // appended to the current environment
}

// LineFunc receives each combined-output line as soon as it is produced.
type LineFunc func(line string)

// Runner abstracts execution of external commands so tests can inject fakes.
// Implementations never return a Go error: launch failures are folded into a
// non-zero exit code plus descriptive output, the way callers want to log them.
type Runner interface {
	// Run executes the command, streaming combined stdout+stderr line by line
	// into onLine (may be nil) while accumulating the full text. Exit code 127
	// means the executable could not be found.
	Run(ctx context.Context, cmd Cmd, onLine LineFunc) (exitCode int, output string)
}
