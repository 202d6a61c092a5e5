package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"reliable-jobs/internal/app"
	"reliable-jobs/internal/config"
	"reliable-jobs/internal/models"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		QueueBackend:       app.BackendFile,
		IdempotencyBackend: app.BackendFile,
		AuditBackend:       app.BackendFile,
		DataDir:            t.TempDir(),
		MaxAttempts:        3,
		SoftLimit:          1,
		HardLimit:          1,
		FailureThreshold:   3,
		Cooldown:           time.Second,
		IdempotencyTTL:     time.Hour,
	}
}

func run(t *testing.T, cfg config.Config, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	open := func(ctx context.Context) (*app.Components, error) {
		return app.Build(ctx, cfg, nil)
	}
	cmd := NewRootCmd(open, &out)
	cmd.SetArgs(args)
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestEnqueueThenDepth(t *testing.T) {
	cfg := testConfig(t)

	out, err := run(t, cfg, "enqueue", models.JobTypeRender, "--id", "job-1", "--field", "publishId=pub_1", "--field", "tenantId=acme")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !strings.Contains(out, "job-1") || !strings.Contains(out, "pub_1") {
		t.Fatalf("expected the stored job in the table, got %q", out)
	}

	out, err = run(t, cfg, "--json", "queue", "depth")
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	var depth map[string]any
	if err := json.Unmarshal([]byte(out), &depth); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if depth["depth"] != float64(1) || depth["dlqDepth"] != float64(0) || depth["backend"] != "file" {
		t.Fatalf("unexpected depth %v", depth)
	}

	out, err = run(t, cfg, "audit", "list", "--tenant-id", "acme")
	if err != nil {
		t.Fatalf("audit list: %v", err)
	}
	if !strings.Contains(out, models.EventJobEnqueued) || !strings.Contains(out, operatorRole) {
		t.Fatalf("expected an operator enqueue event, got %q", out)
	}
}

func TestEnqueueHonoursBackpressureUnlessForced(t *testing.T) {
	cfg := testConfig(t)
	if _, err := run(t, cfg, "enqueue", models.JobTypePublish); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if _, err := run(t, cfg, "enqueue", models.JobTypePublish); err == nil || !strings.Contains(err.Error(), "QUEUE_BACKPRESSURE_REJECTED") {
		t.Fatalf("expected backpressure rejection, got %v", err)
	}
	if _, err := run(t, cfg, "enqueue", models.JobTypePublish, "--force"); err != nil {
		t.Fatalf("forced enqueue: %v", err)
	}
}

func TestEnqueueRejectsBadField(t *testing.T) {
	if _, err := run(t, testConfig(t), "enqueue", models.JobTypeRender, "--field", "novalue"); err == nil {
		t.Fatal("expected an error for a field without '='")
	}
}

func TestDLQList(t *testing.T) {
	cfg := testConfig(t)
	c, err := app.Build(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	job := models.Job{ID: "job-dead", Type: models.JobTypeRender, Attempt: 3, Payload: map[string]any{"publishId": "pub_1"}}
	if _, err := c.Queue.MoveToDlq(context.Background(), job, "CIRCUIT_OPEN:visual"); err != nil {
		t.Fatalf("move to dlq: %v", err)
	}
	_ = c.Close()

	out, err := run(t, cfg, "--json", "dlq", "list", "--limit", "10")
	if err != nil {
		t.Fatalf("dlq list: %v", err)
	}
	var entries []map[string]any
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(entries) != 1 || entries[0]["jobId"] != "job-dead" || entries[0]["error"] != "CIRCUIT_OPEN:visual" {
		t.Fatalf("unexpected dlq entries %v", entries)
	}
}

func TestAuditVerify(t *testing.T) {
	cfg := testConfig(t)
	if _, err := run(t, cfg, "enqueue", models.JobTypeOptimize, "--field", "publishId=pub_7"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	out, err := run(t, cfg, "--json", "audit", "verify", "--publish-id", "pub_7")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !strings.Contains(out, `"ok": true`) || !strings.Contains(out, `"total": 1`) {
		t.Fatalf("expected a valid chain of one event, got %q", out)
	}

	if err := os.WriteFile(filepath.Join(cfg.DataDir, "audit.jsonl"), []byte("{broken\n"), 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	out, err = run(t, cfg, "audit", "verify")
	if !errors.Is(err, ErrChainBroken) {
		t.Fatalf("expected ErrChainBroken, got %v", err)
	}
	if !strings.Contains(out, "INVALID_JSON_LINE") {
		t.Fatalf("expected the reason in the output, got %q", out)
	}
}
