package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dripgate/dripgate/internal/downstream"
	"github.com/dripgate/dripgate/internal/job"
	"github.com/dripgate/dripgate/internal/registry"
	"github.com/dripgate/dripgate/internal/webhook"
)

func testRegistry() *registry.Registry {
	return registry.New(registry.DefaultEntries())
}

func TestScheduler_HappyPath(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"name":"ok"}`))
	}))
	defer srv.Close()

	store := job.NewMemStore(0, 0, 0, 0)
	dc := downstream.New(downstream.Config{BaseURL: srv.URL, MaxRetries: 3})
	dispatcher := webhook.New(webhook.Config{})
	sched := New(store, testRegistry(), dc, dispatcher, Config{DripInterval: 5 * time.Millisecond})

	j := &job.Job{ID: "j1", Tool: "get_linkedin_profile", RowID: "r1", MaxAttempts: 3, Params: json.RawMessage(`{"user":"x"}`)}
	if err := store.PushOne(context.Background(), j); err != nil {
		t.Fatalf("PushOne: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = sched.Run(ctx)

	result, err := store.GetResult(context.Background(), "j1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if result == nil || result.Status != job.StatusCompleted {
		t.Fatalf("result = %+v, want completed", result)
	}
	if calls.Load() == 0 {
		t.Error("downstream was never called")
	}
}

func TestScheduler_UnknownToolIsTerminal(t *testing.T) {
	t.Parallel()
	store := job.NewMemStore(0, 0, 0, 0)
	dc := downstream.New(downstream.Config{BaseURL: "http://unused.invalid"})
	dispatcher := webhook.New(webhook.Config{})
	sched := New(store, testRegistry(), dc, dispatcher, Config{DripInterval: 5 * time.Millisecond})

	j := &job.Job{ID: "j1", Tool: "nonexistent", MaxAttempts: 3}
	if err := store.PushOne(context.Background(), j); err != nil {
		t.Fatalf("PushOne: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = sched.Run(ctx)

	result, err := store.GetResult(context.Background(), "j1")
	if err != nil {
		t.Fatalf("GetResult: %v", err)
	}
	if result == nil || result.Status != job.StatusFailed {
		t.Fatalf("result = %+v, want failed", result)
	}
}

func TestScheduler_RetryExhaustion(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	store := job.NewMemStore(0, 0, 0, 0)
	dc := downstream.New(downstream.Config{BaseURL: srv.URL, MaxRetries: 1})
	dispatcher := webhook.New(webhook.Config{})
	sched := New(store, testRegistry(), dc, dispatcher, Config{DripInterval: 2 * time.Millisecond})

	j := &job.Job{ID: "j1", Tool: "get_linkedin_profile", MaxAttempts: 2, Params: json.RawMessage(`{"user":"x"}`)}
	if err := store.PushOne(context.Background(), j); err != nil {
		t.Fatalf("PushOne: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var result *job.ResultRecord
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = sched.Run(ctx) }()

	for time.Now().Before(deadline) {
		r, err := store.GetResult(context.Background(), "j1")
		if err != nil {
			t.Fatalf("GetResult: %v", err)
		}
		if r != nil {
			result = r
			break
		}
		promoted, _ := store.PromoteDueDelayed(context.Background())
		_ = promoted
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if result == nil {
		t.Fatal("job never reached a terminal state")
	}
	if result.Status != job.StatusFailed {
		t.Fatalf("result status = %s, want failed", result.Status)
	}
}
