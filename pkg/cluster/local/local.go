// Package local implements cluster.Plugin by running task instances as
// plain child processes on the distributor's own host — the default plugin
// for single-node operation and for tests.
package local

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/oklog/ulid/v2"

	"jobmon/internal/logging"
	"jobmon/pkg/cluster"
)

var log = logging.Named("cluster/local")

// Plugin runs WorkerCommands as local subprocesses, tracked by a
// distributor_id generated with ulid so IDs sort by submission time.
type Plugin struct {
	mu       sync.Mutex
	procs    map[string]*os.Process
	baseDir  string
}

// New returns a local plugin that writes worker logfiles under baseDir.
func New(baseDir string) *Plugin {
	return &Plugin{
		procs:   make(map[string]*os.Process),
		baseDir: baseDir,
	}
}

func (p *Plugin) Start(ctx context.Context) error { return nil }

func (p *Plugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, proc := range p.procs {
		if err := proc.Kill(); err != nil {
			log.Error("failed to kill process for distributor_id %s: %v", id, err)
		}
	}
	return nil
}

// SubmitToBatchDistributor launches cmd.Command as a detached subprocess
// and returns a freshly minted distributor_id.
func (p *Plugin) SubmitToBatchDistributor(ctx context.Context, cmd cluster.WorkerCommand, name string, resources cluster.RequestedResources) (string, error) {
	distributorID := ulid.Make().String()

	c := exec.Command("sh", "-c", cmd.Command)
	c.Env = os.Environ()
	if err := c.Start(); err != nil {
		return "", fmt.Errorf("local plugin: start %q: %w", name, err)
	}

	p.mu.Lock()
	p.procs[distributorID] = c.Process
	p.mu.Unlock()

	go func() {
		_ = c.Wait()
		p.mu.Lock()
		delete(p.procs, distributorID)
		p.mu.Unlock()
	}()

	return distributorID, nil
}

// SubmitArrayToBatchDistributor has no local analog to a scheduler-native
// array job; the distributor is expected to catch ErrArraysNotSupported
// and fall back to one SubmitToBatchDistributor call per step.
func (p *Plugin) SubmitArrayToBatchDistributor(ctx context.Context, cmd cluster.WorkerCommand, name string, resources cluster.RequestedResources, arrayLength int) (map[int]string, error) {
	return nil, cluster.ErrArraysNotSupported
}

// TerminateTaskInstances sends SIGKILL to every tracked distributor_id.
func (p *Plugin) TerminateTaskInstances(ctx context.Context, distributorIDs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, id := range distributorIDs {
		proc, ok := p.procs[id]
		if !ok {
			continue
		}
		if err := proc.Kill(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("local plugin: kill %s: %w", id, err)
		}
	}
	return firstErr
}

// GetRemoteExitInfo has nothing to ask a remote scheduler — a local process
// that is no longer tracked exited on its own, so its exit path runs
// through the worker's own log_done/log_error calls, not this one. Callers
// should not reach this for the local plugin under normal operation.
func (p *Plugin) GetRemoteExitInfo(ctx context.Context, distributorID string) (string, string, error) {
	return "", "", fmt.Errorf("local plugin: no remote exit info for %s, process exit is self-reported", distributorID)
}

// GetExitInfo maps a subprocess return code to a TaskInstanceStatus letter:
// anything nonzero is an application error.
func (p *Plugin) GetExitInfo(returnCode int, stderrTail string) (string, string) {
	if returnCode == 0 {
		return "D", ""
	}
	return "E", fmt.Sprintf("exit code %d: %s", returnCode, stderrTail)
}

// GetSubmittedOrRunning reports which of the given distributor_ids still
// have a tracked local process.
func (p *Plugin) GetSubmittedOrRunning(ctx context.Context, distributorIDs []string) (map[string]bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	result := make(map[string]bool, len(distributorIDs))
	for _, id := range distributorIDs {
		_, result[id] = p.procs[id]
	}
	return result, nil
}

// BuildWorkerNodeCommand renders the jobmon-worker invocation that
// reports the named task instance or array batch back to the state server.
func (p *Plugin) BuildWorkerNodeCommand(taskInstanceID, arrayID int64, arrayBatchNum int) string {
	if taskInstanceID != 0 {
		return fmt.Sprintf("jobmon-worker --task-instance-id %d", taskInstanceID)
	}
	return fmt.Sprintf("jobmon-worker --array-id %d --array-batch-num %d", arrayID, arrayBatchNum)
}

// InitializeLogfile returns a deterministic path under baseDir for stream
// ("stdout" or "stderr") output for taskName.
func (p *Plugin) InitializeLogfile(stream, dir, taskName string) string {
	base := dir
	if base == "" {
		base = p.baseDir
	}
	return filepath.Join(base, fmt.Sprintf("%s.%s.log", taskName, stream))
}
