package infra

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/echidnad/internal/domain"
)

const (
	// DefaultSuBinary is the root shell used to escalate commands.
	DefaultSuBinary = "su"

	// DefaultCommandTimeout bounds a single privileged command.
	DefaultCommandTimeout = 30 * time.Second

	waitDelay = 2 * time.Second
)

// RootShellRunner implements domain.CommandRunner by wrapping every command
// in `<su> -c <command>`.
type RootShellRunner struct {
	suBinary string
	timeout  time.Duration
	journal  domain.OperationJournal
	metrics  *Metrics
	logger   *zap.Logger
	sequence atomic.Int64
}

// NewRootShellRunner creates a runner using the given su binary.
// A nil journal disables operation recording; nil metrics disables counting.
func NewRootShellRunner(suBinary string, timeout time.Duration, journal domain.OperationJournal, metrics *Metrics, logger *zap.Logger) *RootShellRunner {
	if suBinary == "" {
		suBinary = DefaultSuBinary
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &RootShellRunner{
		suBinary: suBinary,
		timeout:  timeout,
		journal:  journal,
		metrics:  metrics,
		logger:   logger,
	}
}

// ShellQuote wraps s in single quotes so a POSIX shell reads it back as one word.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ComposeCommand turns argv into the string handed to `su -c`.
func ComposeCommand(argv ...string) string {
	if len(argv) == 1 {
		return argv[0]
	}
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = ShellQuote(arg)
	}
	return strings.Join(quoted, " ")
}

// Run executes argv under the root shell and waits for it to exit.
func (r *RootShellRunner) Run(ctx context.Context, argv ...string) domain.CommandOutcome {
	id := r.sequence.Add(1)
	if len(argv) == 0 {
		return domain.CommandOutcome{Stderr: "empty command", ExitCode: -1}
	}
	command := ComposeCommand(argv...)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	outcome := r.exec(ctx, command)
	elapsed := time.Since(start)

	if outcome.Success {
		r.logger.Debug("root command succeeded",
			zap.Int64("seq", id),
			zap.String("command", command),
			zap.String("stdout", outcome.Stdout))
	} else {
		r.logger.Warn("root command failed",
			zap.Int64("seq", id),
			zap.String("command", command),
			zap.Int("exit_code", outcome.ExitCode),
			zap.String("stderr", outcome.Stderr))
	}

	if r.metrics != nil {
		result := "success"
		if !outcome.Success {
			result = "failure"
		}
		r.metrics.PrivilegedCommands.WithLabelValues(result).Inc()
		r.metrics.CommandDuration.Observe(elapsed.Seconds())
	}

	r.record(id, argv, outcome, elapsed)
	return outcome
}

// exec spawns the root shell. os/exec drains stdout and stderr concurrently
// while Wait blocks; WaitDelay bounds the drain if a grandchild keeps a pipe open.
func (r *RootShellRunner) exec(ctx context.Context, command string) domain.CommandOutcome {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, r.suBinary, "-c", command)
	cmd.Stdin = nil
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return domain.CommandOutcome{Stderr: err.Error(), ExitCode: -1}
	}

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
		if ctx.Err() != nil {
			exitCode = -1
			if stderr.Len() == 0 {
				stderr.WriteString(ctx.Err().Error())
			}
		}
	}

	return domain.CommandOutcome{
		Success:  exitCode == 0,
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		ExitCode: exitCode,
	}
}

func (r *RootShellRunner) record(id int64, argv []string, outcome domain.CommandOutcome, elapsed time.Duration) {
	if r.journal == nil {
		return
	}
	entry := domain.JournalEntry{
		Sequence:   id,
		Operation:  strings.Join(argv, " "),
		ExitCode:   outcome.ExitCode,
		DurationMs: elapsed.Milliseconds(),
		ExecutedAt: time.Now(),
	}
	if !outcome.Success {
		entry.Error = outcome.Stderr
	}
	if err := r.journal.Record(entry); err != nil {
		r.logger.Debug("failed to journal root command", zap.Int64("seq", id), zap.Error(err))
	}
}

// Ensure RootShellRunner implements domain.CommandRunner.
var _ domain.CommandRunner = (*RootShellRunner)(nil)
