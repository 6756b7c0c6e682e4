package repo

import (
	"context"
	"database/sql"
	"testing"

	"jobmon/internal/db"
	"jobmon/pkg/models"
)

func mustExec(t *testing.T, conn *sql.DB, query string) {
	t.Helper()
	if _, err := conn.Exec(query); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func TestTaskDependenciesResolvesUpstreamAndDownstream(t *testing.T) {
	tdb, err := db.NewTest(t)
	if err != nil {
		t.Fatalf("new test db: %v", err)
	}
	t.Cleanup(func() { tdb.Close() })
	conn := tdb.Conn()
	ctx := context.Background()

	mustExec(t, conn, `INSERT INTO dag (id, hash) VALUES (1, 'd1')`)
	mustExec(t, conn, `INSERT INTO node (id, dag_id, task_template_version_id) VALUES (1, 1, 1), (2, 1, 1), (3, 1, 1)`)
	// node1 -> node2 -> node3
	mustExec(t, conn, `INSERT INTO edge (dag_id, node_id, upstream_node_ids, downstream_node_ids) VALUES
		(1, 1, '[]', '[2]'),
		(1, 2, '[1]', '[3]'),
		(1, 3, '[2]', '[]')`)
	mustExec(t, conn, `INSERT INTO workflow (id, dag_id, args_hash, task_hash) VALUES (1, 1, 'a', 't')`)
	mustExec(t, conn, `INSERT INTO array (id, workflow_id) VALUES (1, 1)`)
	mustExec(t, conn, `INSERT INTO cluster (id, name, plugin_name) VALUES (1, 'c1', 'local')`)
	mustExec(t, conn, `INSERT INTO queue (id, cluster_id, name) VALUES (1, 1, 'q1')`)
	mustExec(t, conn, `INSERT INTO task_resources (id, queue_id) VALUES (1, 1)`)
	mustExec(t, conn, `INSERT INTO task (id, workflow_id, array_id, node_id, command, status, task_resources_id) VALUES
		(10, 1, 1, 1, 'cmd1', 'G', 1),
		(20, 1, 1, 2, 'cmd2', 'G', 1),
		(30, 1, 1, 3, 'cmd3', 'G', 1)`)

	repo := NewTaskRepo(conn)

	upstream, downstream, err := repo.TaskDependencies(ctx, 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(upstream) != 1 || upstream[0] != 10 {
		t.Fatalf("expected upstream [10], got %v", upstream)
	}
	if len(downstream) != 1 || downstream[0] != 30 {
		t.Fatalf("expected downstream [30], got %v", downstream)
	}
}

func TestTaskDependenciesRootTaskHasNoUpstream(t *testing.T) {
	tdb, err := db.NewTest(t)
	if err != nil {
		t.Fatalf("new test db: %v", err)
	}
	t.Cleanup(func() { tdb.Close() })
	conn := tdb.Conn()
	ctx := context.Background()

	mustExec(t, conn, `INSERT INTO dag (id, hash) VALUES (1, 'd1')`)
	mustExec(t, conn, `INSERT INTO node (id, dag_id, task_template_version_id) VALUES (1, 1, 1)`)
	mustExec(t, conn, `INSERT INTO edge (dag_id, node_id, upstream_node_ids, downstream_node_ids) VALUES (1, 1, '[]', '[]')`)
	mustExec(t, conn, `INSERT INTO workflow (id, dag_id, args_hash, task_hash) VALUES (1, 1, 'a', 't')`)
	mustExec(t, conn, `INSERT INTO array (id, workflow_id) VALUES (1, 1)`)
	mustExec(t, conn, `INSERT INTO cluster (id, name, plugin_name) VALUES (1, 'c1', 'local')`)
	mustExec(t, conn, `INSERT INTO queue (id, cluster_id, name) VALUES (1, 1, 'q1')`)
	mustExec(t, conn, `INSERT INTO task_resources (id, queue_id) VALUES (1, 1)`)
	mustExec(t, conn, `INSERT INTO task (id, workflow_id, array_id, node_id, command, status, task_resources_id) VALUES (10, 1, 1, 1, 'cmd1', 'G', 1)`)

	repo := NewTaskRepo(conn)
	upstream, downstream, err := repo.TaskDependencies(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(upstream) != 0 {
		t.Fatalf("expected no upstream tasks, got %v", upstream)
	}
	if len(downstream) != 0 {
		t.Fatalf("expected no downstream tasks, got %v", downstream)
	}
}

func TestUpdateStatusesForcesStatusBypassingTransitionTable(t *testing.T) {
	tdb, err := db.NewTest(t)
	if err != nil {
		t.Fatalf("new test db: %v", err)
	}
	t.Cleanup(func() { tdb.Close() })
	conn := tdb.Conn()
	ctx := context.Background()

	mustExec(t, conn, `INSERT INTO dag (id, hash) VALUES (1, 'd1')`)
	mustExec(t, conn, `INSERT INTO node (id, dag_id, task_template_version_id) VALUES (1, 1, 1)`)
	mustExec(t, conn, `INSERT INTO workflow (id, dag_id, args_hash, task_hash) VALUES (1, 1, 'a', 't')`)
	mustExec(t, conn, `INSERT INTO array (id, workflow_id) VALUES (1, 1)`)
	mustExec(t, conn, `INSERT INTO cluster (id, name, plugin_name) VALUES (1, 'c1', 'local')`)
	mustExec(t, conn, `INSERT INTO queue (id, cluster_id, name) VALUES (1, 1, 'q1')`)
	mustExec(t, conn, `INSERT INTO task_resources (id, queue_id) VALUES (1, 1)`)
	mustExec(t, conn, `INSERT INTO task (id, workflow_id, array_id, node_id, command, status, task_resources_id) VALUES
		(10, 1, 1, 1, 'cmd1', 'D', 1),
		(11, 1, 1, 1, 'cmd2', 'D', 1)`)

	repo := NewTaskRepo(conn)
	if err := repo.UpdateStatuses(ctx, []int64{10, 11}, models.TaskRegistering); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, id := range []int64{10, 11} {
		task, err := repo.GetByID(ctx, id)
		if err != nil {
			t.Fatalf("get task %d: %v", id, err)
		}
		if task.Status != models.TaskRegistering {
			t.Fatalf("expected task %d forced to REGISTERING despite being DONE, got %s", id, task.Status)
		}
	}
}

func TestUpdateStatusesEmptyIsNoop(t *testing.T) {
	tdb, err := db.NewTest(t)
	if err != nil {
		t.Fatalf("new test db: %v", err)
	}
	t.Cleanup(func() { tdb.Close() })

	repo := NewTaskRepo(tdb.Conn())
	if err := repo.UpdateStatuses(context.Background(), nil, models.TaskRegistering); err != nil {
		t.Fatalf("unexpected error for empty task id list: %v", err)
	}
}
