package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// runWithContext invokes cmd's RunE with a non-nil context: calling RunE
// directly (rather than through Execute/ExecuteC) leaves cmd.Context() nil,
// which the HTTP client layer rejects outright.
func runWithContext(cmd *cobra.Command) error {
	cmd.SetContext(context.Background())
	return cmd.RunE(cmd, nil)
}

func resetFlags() {
	flagWorkflowID = 0
	flagTaskIDs = nil
	flagStatus = ""
	flagLimit = 0
	flagJSON = false
}

func TestRequireWorkflowIDRejectsZero(t *testing.T) {
	resetFlags()
	if err := requireWorkflowID(); err == nil {
		t.Fatalf("expected an error when -w is unset")
	}
	flagWorkflowID = 5
	if err := requireWorkflowID(); err != nil {
		t.Fatalf("unexpected error once -w is set: %v", err)
	}
}

func TestRequireTaskIDRejectsZeroOrMultiple(t *testing.T) {
	resetFlags()
	if _, err := requireTaskID(); err == nil {
		t.Fatalf("expected an error when -t is unset")
	}
	flagTaskIDs = []int64{1, 2}
	if _, err := requireTaskID(); err == nil {
		t.Fatalf("expected an error when -t names more than one id")
	}
	flagTaskIDs = []int64{7}
	id, err := requireTaskID()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != 7 {
		t.Fatalf("expected 7, got %d", id)
	}
}

func TestCompactValueInlinesNestedStructuresAsJSON(t *testing.T) {
	got := compactValue(map[string]any{"a": 1.0})
	if got != `{"a":1}` {
		t.Fatalf("expected inline JSON for a nested map, got %q", got)
	}
	if compactValue("plain") != "plain" {
		t.Fatalf("expected scalar values to pass through unchanged")
	}
}

func withStateServer(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Setenv("JOBMON_STATE_SERVER_URL", srv.URL)
}

func TestTaskStatusCmdFetchesAndPrintsTaskJSON(t *testing.T) {
	resetFlags()
	flagTaskIDs = []int64{10}
	flagJSON = true

	withStateServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/task/10" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"task_id": 10, "status": "R"})
	})

	stdout := captureStdout(t, func() {
		if err := runWithContext(taskStatusCmd); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	if !strings.Contains(stdout, `"task_id": 10`) {
		t.Fatalf("expected JSON output to contain task_id, got: %s", stdout)
	}
}

func TestUpdateTaskStatusCmdRequiresStatusFlag(t *testing.T) {
	resetFlags()
	flagTaskIDs = []int64{10}

	err := runWithContext(updateTaskStatusCmd)
	if err == nil {
		t.Fatalf("expected an error when -s is not set")
	}
}

func TestConcurrencyLimitCmdGetsWithoutLimitAndSetsWithLimit(t *testing.T) {
	resetFlags()
	flagWorkflowID = 1

	var sawPut bool
	withStateServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"max_concurrently_running": 100})
		case http.MethodPut:
			sawPut = true
			json.NewEncoder(w).Encode(map[string]any{"max_concurrently_running": 200})
		}
	})

	if err := runWithContext(concurrencyLimitCmd); err != nil {
		t.Fatalf("unexpected error on get: %v", err)
	}
	if sawPut {
		t.Fatalf("expected a GET when -l is unset")
	}

	flagLimit = 200
	if err := runWithContext(concurrencyLimitCmd); err != nil {
		t.Fatalf("unexpected error on set: %v", err)
	}
	if !sawPut {
		t.Fatalf("expected a PUT once -l is set")
	}
}

func TestGetFilepathsCmdReadsTaskInstancePaths(t *testing.T) {
	resetFlags()
	flagTaskIDs = []int64{55}
	flagJSON = true

	withStateServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/task_instance/55" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"task_instance_id": 55,
			"stdout":           "/logs/55.out",
			"stderr":           "/logs/55.err",
		})
	})

	stdout := captureStdout(t, func() {
		if err := runWithContext(getFilepathsCmd); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	if !strings.Contains(stdout, "/logs/55.out") || !strings.Contains(stdout, "/logs/55.err") {
		t.Fatalf("expected output to contain both paths, got: %s", stdout)
	}
}

func TestCreateResourceYAMLCmdRendersYAML(t *testing.T) {
	resetFlags()
	flagTaskIDs = []int64{3}

	withStateServer(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"queue_id":               1,
			"task_resources_type_id": 1,
			"requested_resources":    `{"memory_gb": 8}`,
		})
	})

	stdout := captureStdout(t, func() {
		if err := runWithContext(createResourceYAMLCmd); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	if !strings.Contains(stdout, "memory_gb: 8") {
		t.Fatalf("expected YAML output to contain memory_gb, got: %s", stdout)
	}
}

// captureStdout redirects os.Stdout for the duration of fn and returns
// everything written to it.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("create pipe: %v", err)
	}
	os.Stdout = w
	fn()
	w.Close()
	os.Stdout = orig

	var buf bytes.Buffer
	buf.ReadFrom(r)
	return buf.String()
}
