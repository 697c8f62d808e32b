package supervisor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

// fallbackCols/fallbackRows are used when the caller's terminal size
// cannot be probed (spec.md §4.C).
const (
	fallbackCols = 120
	fallbackRows = 40
)

// runPTY implements the streaming pseudo-terminal transport: the
// subprocess is attached to a pty, its output is tee'd to onDisplay
// (preserving escape sequences) and to a capture buffer; the command's
// timeout context kills the process when the timeout expires, alongside
// the signal forwarder.
func (sup *Supervisor) runPTY(ctx context.Context, path string, args []string, s Spawn, onDisplay func(chunk []byte)) (Result, error) {
	start := time.Now()

	timeoutCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	cmd := exec.CommandContext(timeoutCtx, path, args...)
	cmd.Dir = s.WorkingDir
	cmd.Env = append(os.Environ(), "RALPH_NON_INTERACTIVE=1")

	ptmx, err := pty.StartWithSize(cmd, ptySize(s))
	if err != nil {
		return Result{}, &SpawnError{Err: err, Hint: spawnHint(s.Mode, err)}
	}
	defer ptmx.Close()

	watch := sup.watchSignalsPTY(timeoutCtx, cmd, ptmx)
	defer watch.cancel()

	var captured bytes.Buffer
	g, gctx := errgroup.WithContext(timeoutCtx)
	g.Go(func() error {
		buf := make([]byte, 32*1024)
		for {
			if gctx.Err() != nil {
				return nil
			}
			n, readErr := ptmx.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				captured.Write(chunk)
				if onDisplay != nil {
					onDisplay(chunk)
				}
			}
			if readErr != nil {
				if readErr == io.EOF {
					return nil
				}
				return readErr
			}
		}
	})

	waitErr := cmd.Wait()
	_ = g.Wait() // reader drains until EOF once the pty's slave side closes

	duration := time.Since(start)
	pid := processPid(cmd)

	if timeoutCtx.Err() == context.DeadlineExceeded {
		return Result{
			ExitCode:   -1,
			Stdout:     captured.String(),
			Stderr:     "Process timed out",
			DurationMs: duration.Milliseconds(),
			Pid:        pid,
		}, nil
	}

	if watch.interrupted() {
		return Result{
			ExitCode:    -1,
			Stdout:      captured.String(),
			DurationMs:  duration.Milliseconds(),
			Interrupted: true,
			Pid:         pid,
		}, nil
	}

	exitCode := 0
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, &SpawnError{Err: waitErr}
		}
	}

	return Result{
		ExitCode:   exitCode,
		Stdout:     captured.String(),
		DurationMs: duration.Milliseconds(),
		Pid:        pid,
	}, nil
}

// ptySize resolves the pty window size: the Spawn's explicit
// dimensions, else the caller's real terminal, else the documented
// 120x40 fallback.
func ptySize(s Spawn) *pty.Winsize {
	if s.TermWidth > 0 && s.TermHeight > 0 {
		return &pty.Winsize{Cols: uint16(s.TermWidth), Rows: uint16(s.TermHeight)}
	}
	if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 && h > 0 {
		return &pty.Winsize{Cols: uint16(w), Rows: uint16(h)}
	}
	return &pty.Winsize{Cols: fallbackCols, Rows: fallbackRows}
}

// watchSignalsPTY mirrors watchSignals; ptmx is not used. The reader
// goroutine ends when the pty's slave side closes after the process
// exits or is killed; the master itself is closed by runPTY's deferred
// Close only after that reader has finished.
func (sup *Supervisor) watchSignalsPTY(ctx context.Context, cmd *exec.Cmd, ptmx *os.File) signalWatch {
	return sup.watchSignals(ctx, cmd)
}
