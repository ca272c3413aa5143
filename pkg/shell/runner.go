// Package shell runs the external commands of a firmware package: the
// archive extraction tool, the upgrade script and the result check script.
package shell

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/fly-io/fota-agent/pkg/errors"
)

// Result describes a finished command.
type Result struct {
	ExitCode int
	// Line is the last non-empty line the command printed, used as diagnostic.
	Line string
}

// Runner executes a command in dir and waits for it to exit.
// A non-zero exit status is reported as an error alongside the Result.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// NewExecRunner creates a runner backed by os/exec
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (Result, error) {
	slog.Info("command_start", "command", name, "args", args, "dir", dir)

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()

	res := Result{Line: LastLine(output)}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		slog.Error("command_failed", "command", name, "exit_code", res.ExitCode, "output", res.Line, "error", err)
		return res, errors.Wrap(err, "command "+name+" failed")
	}

	slog.Info("command_complete", "command", name, "exit_code", 0)
	return res, nil
}

// LastLine returns the last non-blank line of output. Lines of any length
// are handled.
func LastLine(output []byte) string {
	for len(output) > 0 {
		i := bytes.LastIndexByte(output, '\n')
		if line := strings.TrimSpace(string(output[i+1:])); line != "" {
			return line
		}
		if i < 0 {
			break
		}
		output = output[:i]
	}
	return ""
}
