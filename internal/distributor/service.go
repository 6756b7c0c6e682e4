// Package distributor implements the distributor agent: the single process
// per workflow-run that manages TaskInstance lifecycle between QUEUED and
// RUNNING/terminal by submitting to a cluster.Plugin and reporting results
// back to the state server.
package distributor

import (
	"context"
	"fmt"
	"os"
	"time"

	"jobmon/internal/config"
	"jobmon/internal/logging"
	"jobmon/pkg/client"
	"jobmon/pkg/cluster"
	"jobmon/pkg/jobmonerr"
	"jobmon/pkg/models"
)

var log = logging.Named("distributor")

// actionableStatuses is the ordered list of per-status work queues the
// distributor drains every tick, round-robin.
var actionableStatuses = []models.TaskInstanceStatus{
	models.TIQueued,
	models.TIInstantiated,
	models.TILaunched,
	models.TIRunning,
	models.TITriaging,
	models.TIKillSelf,
}

// Service runs the distributor's main loop for one workflow-run.
type Service struct {
	requester     *client.Requester
	plugin        cluster.Plugin
	workflowRunID int64
	cfg           config.DistributorConfig
	heartbeat     config.HeartbeatConfig

	workQueues map[models.TaskInstanceStatus][]int64
	batches    map[batchKey]*TaskInstanceBatch
}

// batchKey groups TaskInstances the same way the server's
// instantiate_task_instances response does.
type batchKey struct {
	ArrayID       int64
	ArrayBatchNum int
}

// TaskInstanceBatch is the unit of array submission: every TaskInstance
// sharing an (array_id, array_batch_num).
type TaskInstanceBatch struct {
	ArrayID         int64
	ArrayBatchNum   int
	TaskResourcesID int64
	Name            string
	TaskInstances   []models.TaskInstance
}

func New(requester *client.Requester, plugin cluster.Plugin, workflowRunID int64, cfg config.DistributorConfig, heartbeat config.HeartbeatConfig) *Service {
	return &Service{
		requester:     requester,
		plugin:        plugin,
		workflowRunID: workflowRunID,
		cfg:           cfg,
		heartbeat:     heartbeat,
		workQueues:    make(map[models.TaskInstanceStatus][]int64),
		batches:       make(map[batchKey]*TaskInstanceBatch),
	}
}

// Run drains work until ctx is cancelled or a SIGTERM/SIGHUP-derived
// DistributorInterruptedError reaches the caller (signal plumbing lives in
// cmd/distributor, which cancels ctx and lets Run return cleanly).
func (s *Service) Run(ctx context.Context) error {
	if err := s.plugin.Start(ctx); err != nil {
		return fmt.Errorf("start cluster plugin: %w", err)
	}
	defer func() {
		if err := s.plugin.Stop(context.Background()); err != nil {
			log.Error("plugin stop failed: %v", err)
		}
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.handleInterrupt(ctx)
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Service) handleInterrupt(ctx context.Context) error {
	log.Info("distributor for workflow_run %d interrupted, shutting down", s.workflowRunID)
	fmt.Fprintln(os.Stderr, "SHUTDOWN")
	return jobmonerr.ErrDistributorInterrupted
}

func (s *Service) tick(ctx context.Context) error {
	start := time.Now()

	if err := s.refreshWorkQueues(ctx); err != nil {
		return err
	}

	for _, status := range actionableStatuses {
		if time.Since(start) >= s.heartbeat.WorkflowRunInterval {
			break
		}
		if err := s.drainStatus(ctx, status); err != nil {
			return err
		}
	}

	return s.heartbeatLaunched(ctx)
}

// refreshWorkQueues asks the server which task-instance-ids currently hold
// each actionable status.
func (s *Service) refreshWorkQueues(ctx context.Context) error {
	var resp struct {
		TaskInstancesByStatus map[models.TaskInstanceStatus][]int64 `json:"task_instances_by_status"`
	}
	path := fmt.Sprintf("/workflow_run/%d/sync_status", s.workflowRunID)
	if _, err := s.requester.Post(ctx, path, map[string]any{"statuses": actionableStatuses}, &resp); err != nil {
		return fmt.Errorf("refresh distributor work queues: %w", err)
	}
	s.workQueues = resp.TaskInstancesByStatus
	return nil
}

func (s *Service) drainStatus(ctx context.Context, status models.TaskInstanceStatus) error {
	ids := s.workQueues[status]
	if len(ids) == 0 {
		return nil
	}

	switch status {
	case models.TIQueued:
		return s.instantiateQueued(ctx, ids)
	case models.TIInstantiated:
		return s.launchInstantiated(ctx)
	case models.TITriaging:
		return s.triageExited(ctx, ids)
	case models.TIKillSelf:
		return s.killTerminated(ctx, ids)
	default:
		return nil
	}
}

// instantiateQueued claims QUEUED instances in chunks and assigns each
// returned instance to its batch.
func (s *Service) instantiateQueued(ctx context.Context, taskInstanceIDs []int64) error {
	chunkSize := s.cfg.InstantiateChunkSize
	if chunkSize <= 0 {
		chunkSize = 500
	}

	for i := 0; i < len(taskInstanceIDs); i += chunkSize {
		end := i + chunkSize
		if end > len(taskInstanceIDs) {
			end = len(taskInstanceIDs)
		}
		chunk := taskInstanceIDs[i:end]

		// instantiate_task_instances is keyed by task_id on the server, but
		// the distributor only tracks task_instance_ids here; the server's
		// batches response already carries full TaskInstance rows (with
		// their task_id), so we forward the TaskInstance's owning task ids.
		taskIDs, err := s.taskIDsForInstances(ctx, chunk)
		if err != nil {
			return err
		}

		var resp struct {
			Batches []struct {
				ArrayID         int64                  `json:"array_id"`
				ArrayBatchNum   int                    `json:"array_batch_num"`
				TaskResourcesID int64                  `json:"task_resources_id"`
				TaskInstances   []models.TaskInstance  `json:"task_instances"`
			} `json:"batches"`
		}
		if _, err := s.requester.Post(ctx, "/task_instance/instantiate_task_instances", map[string]any{"task_ids": taskIDs}, &resp); err != nil {
			return fmt.Errorf("instantiate_task_instances: %w", err)
		}

		for _, b := range resp.Batches {
			key := batchKey{ArrayID: b.ArrayID, ArrayBatchNum: b.ArrayBatchNum}
			s.batches[key] = &TaskInstanceBatch{
				ArrayID:         b.ArrayID,
				ArrayBatchNum:   b.ArrayBatchNum,
				TaskResourcesID: b.TaskResourcesID,
				TaskInstances:   b.TaskInstances,
			}
		}
	}
	return nil
}

// taskIDsForInstances resolves each task_instance_id to its owning task_id.
func (s *Service) taskIDsForInstances(ctx context.Context, taskInstanceIDs []int64) ([]int64, error) {
	taskIDs := make([]int64, 0, len(taskInstanceIDs))
	for _, tiID := range taskInstanceIDs {
		var resp struct {
			TaskID int64 `json:"task_id"`
		}
		path := fmt.Sprintf("/task_instance/%d", tiID)
		if _, err := s.requester.Get(ctx, path, &resp); err != nil {
			return nil, fmt.Errorf("resolve task_instance %d: %w", tiID, err)
		}
		taskIDs = append(taskIDs, resp.TaskID)
	}
	return taskIDs, nil
}

// launchInstantiated submits every pending batch to the cluster plugin,
// falling back to per-instance submission when array submission isn't
// implemented.
func (s *Service) launchInstantiated(ctx context.Context) error {
	for key, batch := range s.batches {
		if err := s.launchBatch(ctx, batch); err != nil {
			log.Error("launch batch array=%d batch_num=%d: %v", key.ArrayID, key.ArrayBatchNum, err)
			continue
		}
		delete(s.batches, key)
	}
	return nil
}

func (s *Service) launchBatch(ctx context.Context, batch *TaskInstanceBatch) error {
	cmd := cluster.WorkerCommand{
		Command:       s.plugin.BuildWorkerNodeCommand(0, batch.ArrayID, batch.ArrayBatchNum),
		ArrayID:       batch.ArrayID,
		ArrayBatchNum: batch.ArrayBatchNum,
	}
	resources := cluster.RequestedResources{}

	stepToDistributorID, err := s.plugin.SubmitArrayToBatchDistributor(ctx, cmd, batch.Name, resources, len(batch.TaskInstances))
	if err == cluster.ErrArraysNotSupported {
		return s.launchPerInstance(ctx, batch)
	}
	if err != nil {
		return s.failBatch(ctx, batch, err)
	}

	stepMap := make(map[string]string, len(stepToDistributorID))
	for step, distID := range stepToDistributorID {
		stepMap[fmt.Sprintf("%d", step)] = distID
	}
	path := fmt.Sprintf("/array/%d/log_distributor_id", batch.ArrayID)
	if _, err := s.requester.Post(ctx, path, map[string]any{
		"batch_number":                  batch.ArrayBatchNum,
		"array_step_id_to_distributor_id": stepMap,
	}, nil); err != nil {
		return fmt.Errorf("log_distributor_id batch: %w", err)
	}

	return s.transitionBatchToLaunched(ctx, batch)
}

func (s *Service) launchPerInstance(ctx context.Context, batch *TaskInstanceBatch) error {
	for _, ti := range batch.TaskInstances {
		cmd := cluster.WorkerCommand{
			Command:        s.plugin.BuildWorkerNodeCommand(ti.ID, 0, 0),
			TaskInstanceID: ti.ID,
		}
		distID, err := s.plugin.SubmitToBatchDistributor(ctx, cmd, batch.Name, cluster.RequestedResources{})
		if err != nil {
			path := fmt.Sprintf("/task_instance/%d/log_no_distributor_id", ti.ID)
			if _, postErr := s.requester.Post(ctx, path, map[string]any{"description": err.Error()}, nil); postErr != nil {
				log.Error("log_no_distributor_id for task_instance %d: %v", ti.ID, postErr)
			}
			continue
		}
		path := fmt.Sprintf("/task_instance/%d/log_distributor_id", ti.ID)
		if _, err := s.requester.Post(ctx, path, map[string]any{"distributor_id": distID}, nil); err != nil {
			log.Error("log_distributor_id for task_instance %d: %v", ti.ID, err)
		}
	}
	return s.transitionBatchToLaunched(ctx, batch)
}

func (s *Service) failBatch(ctx context.Context, batch *TaskInstanceBatch, submitErr error) error {
	for _, ti := range batch.TaskInstances {
		path := fmt.Sprintf("/task_instance/%d/log_no_distributor_id", ti.ID)
		if _, err := s.requester.Post(ctx, path, map[string]any{"description": submitErr.Error()}, nil); err != nil {
			log.Error("log_no_distributor_id for task_instance %d: %v", ti.ID, err)
		}
	}
	return nil
}

func (s *Service) transitionBatchToLaunched(ctx context.Context, batch *TaskInstanceBatch) error {
	increment := s.heartbeat.TaskInstanceInterval.Seconds() * s.heartbeat.ReportByBuffer
	path := fmt.Sprintf("/array/%d/transition_to_launched", batch.ArrayID)
	_, err := s.requester.Post(ctx, path, map[string]any{
		"batch_number":        batch.ArrayBatchNum,
		"next_report_increment": increment,
	}, nil)
	if err != nil {
		return fmt.Errorf("transition_to_launched array=%d batch=%d: %w", batch.ArrayID, batch.ArrayBatchNum, err)
	}
	return nil
}

// triageExited asks the plugin why each TRIAGING instance's distributor_id
// is no longer running and reports the resulting error status.
func (s *Service) triageExited(ctx context.Context, taskInstanceIDs []int64) error {
	for _, tiID := range taskInstanceIDs {
		distID, err := s.distributorIDFor(ctx, tiID)
		if err != nil {
			log.Error("resolve distributor_id for task_instance %d: %v", tiID, err)
			continue
		}
		status, message, err := s.plugin.GetRemoteExitInfo(ctx, distID)
		if err != nil {
			log.Debug("no remote exit info yet for task_instance %d: %v", tiID, err)
			continue
		}
		path := fmt.Sprintf("/task_instance/%d/log_error_worker_node", tiID)
		if _, err := s.requester.Post(ctx, path, map[string]any{"status": status, "description": message}, nil); err != nil {
			log.Error("log_error_worker_node for task_instance %d: %v", tiID, err)
		}
	}
	return nil
}

// killTerminated terminates every KILL_SELF distributor_id via the plugin
// and transitions them to ERROR_FATAL.
func (s *Service) killTerminated(ctx context.Context, taskInstanceIDs []int64) error {
	distIDs := make([]string, 0, len(taskInstanceIDs))
	for _, tiID := range taskInstanceIDs {
		distID, err := s.distributorIDFor(ctx, tiID)
		if err != nil {
			continue
		}
		distIDs = append(distIDs, distID)
	}
	if len(distIDs) > 0 {
		if err := s.plugin.TerminateTaskInstances(ctx, distIDs); err != nil {
			log.Error("terminate_task_instances: %v", err)
		}
	}
	for _, tiID := range taskInstanceIDs {
		path := fmt.Sprintf("/task_instance/%d/log_error_worker_node", tiID)
		if _, err := s.requester.Post(ctx, path, map[string]any{"status": string(models.TIErrorFatal), "description": "killed by distributor"}, nil); err != nil {
			log.Error("log_error_worker_node (kill) for task_instance %d: %v", tiID, err)
		}
	}
	return nil
}

func (s *Service) distributorIDFor(ctx context.Context, tiID int64) (string, error) {
	var resp struct {
		DistributorID string `json:"distributor_id"`
	}
	path := fmt.Sprintf("/task_instance/%d", tiID)
	if _, err := s.requester.Get(ctx, path, &resp); err != nil {
		return "", err
	}
	return resp.DistributorID, nil
}

// heartbeatLaunched asks the plugin which LAUNCHED instances' distributor_ids
// are still submitted/running and bumps their report_by_date.
func (s *Service) heartbeatLaunched(ctx context.Context) error {
	ids := s.workQueues[models.TILaunched]
	if len(ids) == 0 {
		return nil
	}
	distIDs := make([]string, 0, len(ids))
	idByDistID := make(map[string]int64, len(ids))
	for _, tiID := range ids {
		distID, err := s.distributorIDFor(ctx, tiID)
		if err != nil || distID == "" {
			continue
		}
		distIDs = append(distIDs, distID)
		idByDistID[distID] = tiID
	}

	stillAlive, err := s.plugin.GetSubmittedOrRunning(ctx, distIDs)
	if err != nil {
		return fmt.Errorf("get_submitted_or_running: %w", err)
	}

	var aliveTaskInstanceIDs []int64
	for distID, alive := range stillAlive {
		if alive {
			aliveTaskInstanceIDs = append(aliveTaskInstanceIDs, idByDistID[distID])
		}
	}
	if len(aliveTaskInstanceIDs) == 0 {
		return nil
	}

	increment := s.heartbeat.TaskInstanceInterval.Seconds() * s.heartbeat.ReportByBuffer
	_, err = s.requester.Post(ctx, "/task_instance/log_report_by/batch", map[string]any{
		"task_instance_ids":    aliveTaskInstanceIDs,
		"next_report_increment": increment,
	}, nil)
	return err
}
