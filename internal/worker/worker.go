// Package worker implements WorkerNodeTaskInstance: the single-task agent a
// cluster invokes as the batch step. It reports its own lifecycle to the
// state server and tees its subprocess's stdout/stderr to both a logfile and
// an in-memory tail for the final log_done/log_error_worker_node call.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/afero"

	"jobmon/internal/logging"
	"jobmon/pkg/client"
	"jobmon/pkg/cluster"
	"jobmon/pkg/jobmonerr"
	"jobmon/pkg/models"
)

var log = logging.Named("worker")

const tailMaxBytes = 10000

// Config controls one worker invocation.
type Config struct {
	TaskInstanceID    int64
	HeartbeatInterval time.Duration
	ReportByBuffer    float64
	InterruptTimeout  time.Duration
	LogDir            string
}

// Worker runs a single TaskInstance's subprocess to completion.
type Worker struct {
	requester *client.Requester
	plugin    cluster.Plugin
	fs        afero.Fs
	cfg       Config
}

func New(requester *client.Requester, plugin cluster.Plugin, fs afero.Fs, cfg Config) *Worker {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Worker{requester: requester, plugin: plugin, fs: fs, cfg: cfg}
}

// tailBuffer keeps only the last maxBytes written to it, matching the
// worker's "keep the last 10,000 chars in memory" contract.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if t.buf.Len() > t.max {
		trimmed := t.buf.Bytes()[t.buf.Len()-t.max:]
		t.buf.Reset()
		t.buf.Write(trimmed)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}

// Run executes the worker's full lifecycle: log_running, subprocess spawn,
// tee'd stdout/stderr with a concurrent heartbeat poller, then a terminal
// log_done or log_error_worker_node call.
func (w *Worker) Run(ctx context.Context) error {
	nodename, err := os.Hostname()
	if err != nil {
		nodename = "unknown"
	}
	processGroupID := strconv.Itoa(os.Getpid())

	var running struct {
		TaskInstanceID int64                     `json:"task_instance_id"`
		Status         models.TaskInstanceStatus `json:"status"`
		Command        string                    `json:"command"`
		Stdout         string                    `json:"stdout"`
		Stderr         string                    `json:"stderr"`
	}
	path := fmt.Sprintf("/task_instance/%d/log_running", w.cfg.TaskInstanceID)
	if _, err := w.requester.Post(ctx, path, map[string]any{
		"nodename":              nodename,
		"process_group_id":      processGroupID,
		"next_report_increment": w.cfg.HeartbeatInterval.Seconds() * w.cfg.ReportByBuffer,
	}, &running); err != nil {
		return fmt.Errorf("log_running: %w", err)
	}
	if running.Status != models.TIRunning {
		return fmt.Errorf("%w: log_running returned status %s, expected RUNNING", jobmonerr.ErrInvalidResponse, running.Status)
	}

	stdoutPath := running.Stdout
	if stdoutPath == "" {
		stdoutPath = w.plugin.InitializeLogfile("stdout", w.cfg.LogDir, fmt.Sprintf("task_instance_%d", w.cfg.TaskInstanceID))
	}
	stderrPath := running.Stderr
	if stderrPath == "" {
		stderrPath = w.plugin.InitializeLogfile("stderr", w.cfg.LogDir, fmt.Sprintf("task_instance_%d", w.cfg.TaskInstanceID))
	}

	stdoutFile, err := w.fs.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open stdout logfile: %w", err)
	}
	defer stdoutFile.Close()
	stderrFile, err := w.fs.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("open stderr logfile: %w", err)
	}
	defer stderrFile.Close()

	cmd := exec.Command("sh", "-c", running.Command)
	cmd.Env = os.Environ()

	stdoutTail := newTailBuffer(tailMaxBytes)
	stderrTail := newTailBuffer(tailMaxBytes)
	cmd.Stdout = io.MultiWriter(stdoutFile, stdoutTail)
	cmd.Stderr = io.MultiWriter(stderrFile, stderrTail)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start subprocess: %w", err)
	}

	exitCode, runErr := w.superviseProcess(ctx, cmd)

	if runErr != nil {
		return w.logUnknownError(ctx, runErr)
	}

	if exitCode == 0 {
		return w.logDone(ctx, stdoutTail.String(), stderrTail.String())
	}

	status, message := w.plugin.GetExitInfo(exitCode, stderrTail.String())
	return w.logKnownError(ctx, models.TaskInstanceStatus(status), message)
}

// superviseProcess waits for cmd to exit, heartbeating via log_report_by at
// least once per HeartbeatInterval. If a heartbeat response reports a
// non-RUNNING status (the server moved this instance to KILL_SELF, most
// commonly from a resume), the subprocess is interrupted: SIGINT, then
// SIGKILL after InterruptTimeout if it hasn't exited.
func (w *Worker) superviseProcess(ctx context.Context, cmd *exec.Cmd) (int, error) {
	doneCh := make(chan error, 1)
	go func() { doneCh <- cmd.Wait() }()

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-doneCh:
			return exitCodeOf(cmd, err), nil

		case <-ctx.Done():
			w.interrupt(cmd, doneCh)
			return -1, ctx.Err()

		case <-ticker.C:
			increment := w.cfg.HeartbeatInterval.Seconds() * w.cfg.ReportByBuffer
			var resp struct {
				Status models.TaskInstanceStatus `json:"status"`
			}
			path := fmt.Sprintf("/task_instance/%d/log_report_by", w.cfg.TaskInstanceID)
			if _, err := w.requester.Post(ctx, path, map[string]any{"next_report_increment": increment}, &resp); err != nil {
				log.Error("log_report_by failed for task_instance %d: %v", w.cfg.TaskInstanceID, err)
				continue
			}
			if resp.Status != models.TIRunning {
				log.Info("task_instance %d heartbeat reports status %s, interrupting subprocess", w.cfg.TaskInstanceID, resp.Status)
				w.interrupt(cmd, doneCh)
				return -1, fmt.Errorf("%w: server reports %s", jobmonerr.ErrInvalidResponse, resp.Status)
			}
		}
	}
}

// interrupt sends SIGINT, waits up to InterruptTimeout, then escalates to
// SIGKILL.
func (w *Worker) interrupt(cmd *exec.Cmd, doneCh chan error) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
		log.Error("SIGINT to pid %d failed: %v", cmd.Process.Pid, err)
	}

	select {
	case <-doneCh:
		return
	case <-time.After(w.cfg.InterruptTimeout):
	}

	if err := cmd.Process.Kill(); err != nil {
		log.Error("SIGKILL to pid %d failed: %v", cmd.Process.Pid, err)
	}
	<-doneCh
}

func exitCodeOf(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return cmd.ProcessState.ExitCode()
}

func (w *Worker) logDone(ctx context.Context, stdoutTail, stderrTail string) error {
	path := fmt.Sprintf("/task_instance/%d/log_done", w.cfg.TaskInstanceID)
	_, err := w.requester.Post(ctx, path, map[string]any{
		"stdout_log": stdoutTail,
		"stderr_log": stderrTail,
	}, nil)
	return err
}

func (w *Worker) logKnownError(ctx context.Context, status models.TaskInstanceStatus, message string) error {
	path := fmt.Sprintf("/task_instance/%d/log_error_worker_node", w.cfg.TaskInstanceID)
	_, err := w.requester.Post(ctx, path, map[string]any{
		"status":      status,
		"description": message,
	}, nil)
	return err
}

func (w *Worker) logUnknownError(ctx context.Context, cause error) error {
	path := fmt.Sprintf("/task_instance/%d/log_unknown_error", w.cfg.TaskInstanceID)
	_, err := w.requester.Post(ctx, path, map[string]any{"description": cause.Error()}, nil)
	if err != nil {
		return fmt.Errorf("log_unknown_error after %v: %w", cause, err)
	}
	return cause
}
