// Package executor runs a single action on the local host. Every script
// runs in a fresh interpreter process from a throwaway script file, and
// cancellation tears the whole process group down after a grace period.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/deployflow/pkg/action"
	"github.com/rs/zerolog"
)

const (
	// NoOutput replaces an empty combined log.
	NoOutput = "(no output)"

	DefaultGracePeriod    = 5 * time.Second
	DefaultMaxOutputBytes = 1024 * 1024

	truncatedMarker = "\n[output truncated]"
)

// Result is the outcome of one action.
type Result struct {
	Status   action.Status
	ExitCode int
	Logs     string
	Duration time.Duration
}

// Interpreter describes how to launch a script file. The script path is
// appended after Args.
type Interpreter struct {
	Command   string
	Args      []string
	Extension string
}

// Options configures an Executor. Zero values select defaults.
type Options struct {
	ScriptDir      string
	GracePeriod    time.Duration
	MaxOutputBytes int
	Interpreters   map[action.Language]Interpreter
	Logger         zerolog.Logger
}

type Executor struct {
	scriptDir    string
	grace        time.Duration
	maxOutput    int
	interpreters map[action.Language]Interpreter
	logger       zerolog.Logger
}

// DefaultInterpreters returns the interpreters used on the current platform.
func DefaultInterpreters() map[action.Language]Interpreter {
	psArgs := []string{"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass", "-File"}
	ps := Interpreter{Command: "pwsh", Args: psArgs, Extension: ".ps1"}
	if runtime.GOOS == "windows" {
		ps.Command = "powershell.exe"
	}
	return map[action.Language]Interpreter{
		action.LanguagePowerShell: ps,
		action.LanguageBash:       {Command: "bash", Extension: ".sh"},
	}
}

// DefaultLanguage is used for uninstall cleanup scripts.
func DefaultLanguage() action.Language {
	if runtime.GOOS == "windows" {
		return action.LanguagePowerShell
	}
	return action.LanguageBash
}

func New(opts Options) *Executor {
	e := &Executor{
		scriptDir:    opts.ScriptDir,
		grace:        opts.GracePeriod,
		maxOutput:    opts.MaxOutputBytes,
		interpreters: DefaultInterpreters(),
		logger:       opts.Logger.With().Str("component", "executor").Logger(),
	}
	if e.scriptDir == "" {
		e.scriptDir = filepath.Join(os.TempDir(), "deployflow", "scripts")
	}
	if e.grace <= 0 {
		e.grace = DefaultGracePeriod
	}
	if e.maxOutput <= 0 {
		e.maxOutput = DefaultMaxOutputBytes
	}
	for lang, interp := range opts.Interpreters {
		e.interpreters[lang] = interp
	}
	return e
}

// Execute runs spec to completion or cancellation. It never returns an
// error: every fault becomes a failed Result with an explanatory log.
func (e *Executor) Execute(ctx context.Context, spec action.Spec) Result {
	start := time.Now()
	var res Result
	switch s := spec.(type) {
	case action.Test:
		msg := "test action completed"
		if strings.TrimSpace(s.Message) != "" {
			msg += ": " + s.Message
		}
		res = succeeded(FormatLogs(msg, ""))
	case action.Script:
		res = e.RunScript(ctx, s.Language, s.Source)
	case action.Uninstall:
		if strings.TrimSpace(s.Source) == "" {
			res = succeeded(FormatLogs("uninstall acknowledged", ""))
		} else {
			res = e.RunScript(ctx, DefaultLanguage(), s.Source)
		}
	case action.Unsupported:
		res = failed(1, s.Reason)
	case nil:
		res = failed(1, "no action to execute")
	default:
		res = failed(1, fmt.Sprintf("unsupported action variant %T", spec))
	}
	res.Duration = time.Since(start)
	return res
}

// RunScript writes source to a unique temp file, runs it with the
// interpreter registered for lang, and removes the file on every path.
func (e *Executor) RunScript(ctx context.Context, lang action.Language, source string) Result {
	if strings.TrimSpace(source) == "" {
		return failed(1, "script payload is empty")
	}
	interp, ok := e.interpreters[lang]
	if !ok || interp.Command == "" {
		return failed(1, fmt.Sprintf("no interpreter configured for %s", lang))
	}
	if err := ctx.Err(); err != nil {
		return failed(1, fmt.Sprintf("execution cancelled before start: %v", err))
	}

	path, err := e.writeScript(source, interp.Extension)
	if err != nil {
		return failed(1, fmt.Sprintf("failed to stage script: %v", err))
	}
	defer e.cleanup(path)

	args := append(append([]string(nil), interp.Args...), path)
	cmd := exec.Command(interp.Command, args...)
	cmd.Dir = e.scriptDir
	cmd.Env = os.Environ()
	cmd.WaitDelay = e.grace
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	outW := &limitedWriter{buf: &stdout, limit: e.maxOutput}
	errW := &limitedWriter{buf: &stderr, limit: e.maxOutput}
	cmd.Stdout = outW
	cmd.Stderr = errW

	logger := e.logger.With().Str("interpreter", interp.Command).Str("language", string(lang)).Logger()
	if err := cmd.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start interpreter")
		return failed(1, fmt.Sprintf("failed to start interpreter %s: %v", interp.Command, err))
	}
	logger.Debug().Int("pid", cmd.Process.Pid).Msg("Script started")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	cancelled := false
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		cancelled = true
		waitErr = e.stop(cmd, done, logger)
	}

	logs := FormatLogs(outW.String(), errW.String())
	if cancelled {
		return failed(1, joinLogs(fmt.Sprintf("execution cancelled: %v", ctx.Err()), logs))
	}
	if waitErr == nil {
		return succeeded(logs)
	}

	// A background child still holding stdout/stderr trips WaitDelay even
	// though the script itself has exited; its exit status still decides.
	if errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState != nil {
		note := fmt.Sprintf("output capture stopped %s after exit: a background process still holds the script's output", e.grace)
		logger.Warn().Int("exit_code", cmd.ProcessState.ExitCode()).Msg("Script left a background process attached to its output")
		if cmd.ProcessState.Success() {
			return succeeded(note + "\n\n" + logs)
		}
		if code := cmd.ProcessState.ExitCode(); code > 0 {
			return Result{Status: action.StatusFailed, ExitCode: code, Logs: joinLogs(note, logs)}
		}
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		code := exitErr.ExitCode()
		if code <= 0 {
			return failed(1, joinLogs(fmt.Sprintf("interpreter terminated abnormally: %v", waitErr), logs))
		}
		return Result{Status: action.StatusFailed, ExitCode: code, Logs: logs}
	}
	return failed(1, joinLogs(fmt.Sprintf("interpreter error: %v", waitErr), logs))
}

// stop asks the process group to exit and escalates to a kill once the
// grace period elapses.
func (e *Executor) stop(cmd *exec.Cmd, done <-chan error, logger zerolog.Logger) error {
	logger.Warn().Dur("grace", e.grace).Msg("Cancelling running script")
	if err := terminateProcessGroup(cmd); err != nil {
		logger.Debug().Err(err).Msg("Terminate signal failed")
	}
	timer := time.NewTimer(e.grace)
	defer timer.Stop()
	select {
	case err := <-done:
		return err
	case <-timer.C:
	}
	logger.Warn().Msg("Script ignored termination, killing process group")
	if err := killProcessGroup(cmd); err != nil {
		logger.Error().Err(err).Msg("Kill failed")
	}
	return <-done
}

func (e *Executor) writeScript(source, ext string) (string, error) {
	if err := os.MkdirAll(e.scriptDir, 0o700); err != nil {
		return "", err
	}
	path := filepath.Join(e.scriptDir, uuid.NewString()+ext)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(source); err != nil {
		f.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

func (e *Executor) cleanup(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove script file")
	}
}

// FormatLogs labels each non-empty stream and trims trailing whitespace.
func FormatLogs(stdout, stderr string) string {
	var parts []string
	if out := strings.TrimRight(stdout, " \t\r\n"); strings.TrimSpace(out) != "" {
		parts = append(parts, "STDOUT:\n"+out)
	}
	if errOut := strings.TrimRight(stderr, " \t\r\n"); strings.TrimSpace(errOut) != "" {
		parts = append(parts, "STDERR:\n"+errOut)
	}
	if len(parts) == 0 {
		return NoOutput
	}
	return strings.Join(parts, "\n\n")
}

func joinLogs(msg, logs string) string {
	if logs == NoOutput {
		return msg
	}
	return msg + "\n\n" + logs
}

func succeeded(logs string) Result {
	return Result{Status: action.StatusSucceeded, ExitCode: 0, Logs: logs}
}

func failed(code int, msg string) Result {
	if strings.TrimSpace(msg) == "" {
		msg = NoOutput
	}
	return Result{Status: action.StatusFailed, ExitCode: code, Logs: msg}
}

// limitedWriter keeps the first limit bytes and silently drops the rest.
type limitedWriter struct {
	buf       *bytes.Buffer
	limit     int
	written   int
	truncated bool
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	if w.written >= w.limit {
		w.truncated = w.truncated || len(p) > 0
		return len(p), nil
	}
	chunk := p
	if remaining := w.limit - w.written; len(chunk) > remaining {
		chunk = chunk[:remaining]
		w.truncated = true
	}
	n, err := w.buf.Write(chunk)
	w.written += n
	if err != nil {
		return n, err
	}
	return len(p), nil
}

func (w *limitedWriter) String() string {
	if w.truncated {
		return w.buf.String() + truncatedMarker
	}
	return w.buf.String()
}
