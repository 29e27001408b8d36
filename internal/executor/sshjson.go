package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/vigil-io/vigil/internal/monitor"
)

const defaultSSHTimeout = 30 * time.Second

var defaultSSHArgs = []string{"-o", "BatchMode=yes", "-o", "ConnectTimeout=5"}

type sshJSONConfig struct {
	SSHArgs    []string   `json:"ssh_args"`
	User       string     `json:"user"`
	Command    commandArg `json:"command"`
	Timeout    float64    `json:"timeout"` // seconds
	Thresholds []Rule     `json:"thresholds"`
}

// commandArg accepts either a shell command string or an argv list; a list is
// joined with spaces since ssh hands the remote side a single command line
// anyway.
type commandArg []string

func (c *commandArg) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*c = commandArg{single}

		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("command must be a string or a list of strings")
	}

	*c = commandArg(list)

	return nil
}

func (c commandArg) line() string {
	return strings.Join(c, " ")
}

// SSHJSONExecutor runs a command on a remote host via the local ssh binary,
// parses its stdout as JSON, and applies threshold rules. Key-based
// non-interactive auth is assumed (BatchMode); a password prompt is a
// configuration problem, not something to wait on.
type SSHJSONExecutor struct {
	logger *slog.Logger

	// sshBinary is overridable in tests.
	sshBinary string
}

var _ Executor = (*SSHJSONExecutor)(nil)

// NewSSHJSONExecutor builds the executor.
func NewSSHJSONExecutor(logger *slog.Logger) *SSHJSONExecutor {
	return &SSHJSONExecutor{logger: logger, sshBinary: "ssh"}
}

// Execute performs the probe.
func (e *SSHJSONExecutor) Execute(ctx context.Context, check monitor.Check) *monitor.Result {
	var cfg sshJSONConfig
	if err := decodeData(check.Data, &cfg); err != nil {
		return configError(check.ID, err.Error())
	}

	if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command.line()) == "" {
		return configError(check.ID, "command is required")
	}

	if check.Target == "" {
		return configError(check.ID, "target host is required")
	}

	if len(cfg.Thresholds) == 0 {
		return configError(check.ID, "thresholds must not be empty")
	}

	sshArgs := cfg.SSHArgs
	if sshArgs == nil {
		sshArgs = defaultSSHArgs
	}

	destination := check.Target
	if cfg.User != "" {
		destination = cfg.User + "@" + check.Target
	}

	argv := make([]string, 0, len(sshArgs)+2)
	argv = append(argv, sshArgs...)
	argv = append(argv, destination, cfg.Command.line())

	timeout := timeoutSeconds(cfg.Timeout, defaultSSHTimeout)

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(attemptCtx, e.sshBinary, argv...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start).Milliseconds()

	if cancelled(ctx) {
		return nil
	}

	if err != nil {
		if attemptCtx.Err() != nil {
			return monitor.ErrorResult(check.ID, "timeout",
				fmt.Sprintf("ssh command timed out after %s", timeout))
		}

		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg = fmt.Sprintf("ssh exited with code %d: %s", exitErr.ExitCode(), msg)
		}

		result := monitor.ErrorResult(check.ID, "ssh_error", msg)
		result.Payload["duration_ms"] = duration

		return result
	}

	var doc any
	if err := json.Unmarshal(stdout.Bytes(), &doc); err != nil {
		result := monitor.ErrorResult(check.ID, "json_error",
			fmt.Sprintf("command output is not valid JSON: %v", err))
		result.Payload["duration_ms"] = duration

		return result
	}

	critical, warning := EvaluateRules(doc, cfg.Thresholds)

	if len(critical) > 0 {
		result := monitor.ErrorResult(check.ID, "threshold_failed",
			fmt.Sprintf("%d threshold rule(s) failed", len(critical)+len(warning)))
		result.Payload["failed_rules"] = FailurePayloads(append(critical, warning...))
		result.Payload["duration_ms"] = duration

		return result
	}

	payload := map[string]any{"duration_ms": duration}

	if len(warning) > 0 {
		payload["severity"] = SeverityWarning
		payload["failed_rules"] = FailurePayloads(warning)
	}

	return monitor.OKResult(check.ID, payload)
}

// Close implements Executor; SSH processes are per-call.
func (e *SSHJSONExecutor) Close() error { return nil }
