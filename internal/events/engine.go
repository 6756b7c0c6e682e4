// Package events publishes the notification traffic that doesn't fit the
// synchronous state-server request/response path: StateUpdate/status-change
// events the Synchronizer can also pick up incrementally, and the
// resume-request (COLD_RESUME/HOT_RESUME) fan-out that tells every running
// swarm/distributor/worker for a workflow-run to stop racing the reconstructed
// run. It is an optional accelerant — a sync that misses an event because NATS
// is unavailable still converges on the next poll — never a source of truth.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"jobmon/internal/logging"
	"jobmon/pkg/models"
)

var log = logging.Named("events")

// Options configures a JetStream connection. Embedded mode starts an
// in-process nats-server for single-binary/dev deployments; non-embedded
// mode dials an externally managed cluster.
type Options struct {
	Enabled       bool
	Embedded      bool
	URL           string
	Stream        string
	SubjectPrefix string
	ConsumerName  string
}

// DefaultOptions returns the options used when config.EventsConfig is left
// at its zero value with Enabled=true: an embedded single-node stream named
// after the workflow-run event domain.
func DefaultOptions() Options {
	return Options{
		Enabled:       true,
		Embedded:      true,
		Stream:        "JOBMON_EVENTS",
		SubjectPrefix: "jobmon",
		ConsumerName:  "jobmon-sync",
	}
}

// StatusChangeEvent is published whenever the state server commits a Task or
// TaskInstance status transition, keyed so a Synchronizer can tell at a
// glance whether it cares (it already knows the workflow_id it's watching).
type StatusChangeEvent struct {
	WorkflowID     int64  `json:"workflow_id"`
	WorkflowRunID  int64  `json:"workflow_run_id"`
	TaskID         int64  `json:"task_id,omitempty"`
	TaskInstanceID int64  `json:"task_instance_id,omitempty"`
	Status         string `json:"status"`
	OccurredAtNano int64  `json:"occurred_at_nano"`
}

// ResumeEvent is published when set_resume flips a WorkflowRun to
// COLD_RESUME or HOT_RESUME, so every agent attached to that run can exit
// its loop without waiting for its next heartbeat-interval poll.
type ResumeEvent struct {
	WorkflowID    int64                    `json:"workflow_id"`
	WorkflowRunID int64                    `json:"workflow_run_id"`
	Status        models.WorkflowRunStatus `json:"status"`
}

// Engine is the publish/subscribe surface every agent depends on. A nil
// *NATSEngine is valid: its publish methods and Close do nothing and return
// no error, so callers never need a feature-flag branch of their own around
// publishing; SubscribeResume on it returns an error.
type Engine interface {
	PublishStatusChange(ctx context.Context, event StatusChangeEvent) error
	PublishResume(ctx context.Context, event ResumeEvent) error
	SubscribeResume(workflowRunID int64, handler func(ResumeEvent)) (*nats.Subscription, error)
	Close()
}

// NATSEngine is the JetStream-backed Engine.
type NATSEngine struct {
	opts   Options
	server *natsserver.Server
	conn   *nats.Conn
	js     nats.JetStreamContext
}

// NewEngine connects to (or, if Embedded, starts and then connects to) a
// JetStream stream carrying every subject under opts.SubjectPrefix. It
// returns (nil, nil) when opts.Enabled is false, matching the teacher's
// "absent engine is a valid, inert engine" convention.
func NewEngine(opts Options) (*NATSEngine, error) {
	if !opts.Enabled {
		return nil, nil
	}

	engine := &NATSEngine{opts: opts}
	if opts.Embedded {
		srv, err := natsserver.NewServer(&natsserver.Options{Port: -1, JetStream: true})
		if err != nil {
			return nil, fmt.Errorf("start embedded nats: %w", err)
		}
		go srv.Start()
		if !srv.ReadyForConnections(5 * time.Second) {
			return nil, fmt.Errorf("embedded nats failed to start")
		}
		engine.server = srv
		engine.opts.URL = fmt.Sprintf("nats://%s", srv.Addr().String())
	}

	conn, err := nats.Connect(engine.opts.URL)
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	engine.conn = conn

	js, err := conn.JetStream()
	if err != nil {
		engine.Close()
		return nil, fmt.Errorf("init jetstream: %w", err)
	}
	engine.js = js

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     opts.Stream,
		Subjects: []string{fmt.Sprintf("%s.>", opts.SubjectPrefix)},
		Storage:  nats.FileStorage,
	})
	if err != nil && err != nats.ErrStreamNameAlreadyInUse {
		engine.Close()
		return nil, fmt.Errorf("create stream: %w", err)
	}

	return engine, nil
}

func (e *NATSEngine) statusSubject(workflowID int64) string {
	return fmt.Sprintf("%s.workflow.%d.status", e.opts.SubjectPrefix, workflowID)
}

func (e *NATSEngine) resumeSubject(workflowRunID int64) string {
	return fmt.Sprintf("%s.workflow_run.%d.resume", e.opts.SubjectPrefix, workflowRunID)
}

// PublishStatusChange publishes a Task/TaskInstance status transition. A
// nil engine returns nil without publishing; a publish failure is returned
// to the caller, which logs it rather than failing its request — the DB row
// the event describes is already committed by the time this is called, so a
// dropped event only costs the Synchronizer one extra poll.
func (e *NATSEngine) PublishStatusChange(ctx context.Context, event StatusChangeEvent) error {
	if e == nil || e.js == nil {
		return nil
	}
	return e.publishJSON(e.statusSubject(event.WorkflowID), event)
}

// PublishResume publishes a COLD_RESUME/HOT_RESUME transition so every
// agent subscribed to this workflow_run_id wakes immediately instead of
// waiting for its own heartbeat poll to notice.
func (e *NATSEngine) PublishResume(ctx context.Context, event ResumeEvent) error {
	if e == nil || e.js == nil {
		log.Info("resume published with no engine attached (workflow_run_id=%d, status=%s)", event.WorkflowRunID, event.Status)
		return nil
	}
	log.Info("publishing resume workflow_run_id=%d status=%s", event.WorkflowRunID, event.Status)
	return e.publishJSON(e.resumeSubject(event.WorkflowRunID), event)
}

// SubscribeResume hands the caller every ResumeEvent published for one
// workflow_run_id from this point forward, via a pull consumer with a fresh
// per-call name and DeliverNew, so a swarm/distributor process that restarts
// never re-replays a stale resume signal from before it existed.
func (e *NATSEngine) SubscribeResume(workflowRunID int64, handler func(ResumeEvent)) (*nats.Subscription, error) {
	if e == nil || e.js == nil {
		return nil, fmt.Errorf("events engine not initialized")
	}

	subject := e.resumeSubject(workflowRunID)
	consumer := fmt.Sprintf("%s-resume-%d-%d", e.opts.ConsumerName, workflowRunID, time.Now().UnixNano())

	sub, err := e.js.PullSubscribe(
		subject,
		consumer,
		nats.AckExplicit(),
		nats.ManualAck(),
		nats.DeliverNew(),
	)
	if err != nil {
		return nil, fmt.Errorf("jetstream pull subscribe: %w", err)
	}

	go e.pullFetchLoop(sub, func(msg *nats.Msg) {
		var event ResumeEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Error("malformed resume event on %s: %v", subject, err)
			msg.Ack()
			return
		}
		handler(event)
		msg.Ack()
	})

	return sub, nil
}

func (e *NATSEngine) pullFetchLoop(sub *nats.Subscription, handle func(msg *nats.Msg)) {
	for {
		if !sub.IsValid() {
			return
		}

		msgs, err := sub.Fetch(10, nats.MaxWait(5*time.Second))
		if err != nil {
			if err == nats.ErrTimeout {
				continue
			}
			if err == nats.ErrConnectionClosed || err == nats.ErrConsumerDeleted {
				return
			}
			log.Error("jetstream fetch error: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, msg := range msgs {
			handle(msg)
		}
	}
}

func (e *NATSEngine) publishJSON(subject string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = e.js.Publish(subject, data)
	return err
}

// Close drains the connection and, if this engine started an embedded
// server, shuts it down. Safe to call on a nil engine.
func (e *NATSEngine) Close() {
	if e == nil {
		return
	}
	if e.conn != nil {
		e.conn.Drain()
		e.conn.Close()
	}
	if e.server != nil {
		e.server.Shutdown()
	}
}
