package maester

// process.go contains child process execution with captured output.

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"
)

const waitDelay = 10 * time.Second

// Invocation describes a child process to run.
type Invocation struct {
	Executable string
	Args       []string
	Dir        string   // working directory (empty: inherit)
	Env        []string // added on top of the current environment
}

// Result is the outcome of a process that was started.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Process runs invocations as child processes of the current program.
type Process struct {
	logger zerolog.Logger
}

// NewProcess creates a process runner. Output lines are logged at debug level.
func NewProcess(logger zerolog.Logger) *Process {
	return &Process{logger: logger}
}

// Run executes the invocation and waits for it to exit.
//
// A non-zero exit code is not an error: it is reported in the Result. An
// error is returned when the process could not be started or was killed
// because ctx ended.
func (p *Process) Run(ctx context.Context, inv Invocation) (Result, error) {
	cmd := exec.CommandContext(ctx, inv.Executable, inv.Args...)
	cmd.Dir = inv.Dir
	// Grandchildren may keep the output pipes open after a kill
	cmd.WaitDelay = waitDelay
	if len(inv.Env) > 0 {
		cmd.Env = append(os.Environ(), inv.Env...)
	}

	// Capture stdout and stderr while mirroring them to the debug log
	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = io.MultiWriter(&stdoutBuf, logWriter{logger: p.logger, stream: "stdout"})
	cmd.Stderr = io.MultiWriter(&stderrBuf, logWriter{logger: p.logger, stream: "stderr"})

	p.logger.Debug().
		Str("executable", inv.Executable).
		Str("dir", inv.Dir).
		Msg("Starting process")

	err := cmd.Run()
	result := Result{
		Stdout: stdoutBuf.String(),
		Stderr: stderrBuf.String(),
	}

	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		result.ExitCode = -1
		return result, fmt.Errorf("process terminated: %w", ctxErr)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			p.logger.Debug().Int("exit_code", result.ExitCode).Msg("Process exited with failure")
			return result, nil
		}
		return result, fmt.Errorf("failed to start %s: %w", inv.Executable, err)
	}

	p.logger.Debug().Msg("Process exited successfully")
	return result, nil
}

type logWriter struct {
	logger zerolog.Logger
	stream string
}

func (w logWriter) Write(b []byte) (int, error) {
	for _, line := range bytes.Split(bytes.TrimRight(b, "\n"), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		w.logger.Debug().Str("stream", w.stream).Msg(string(line))
	}
	return len(b), nil
}
