// Integration tests for the worker pool: claim/execute/report cycle and the
// no-duplicate-execution property under concurrent pools.
package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/torotorokou/sanbou-app-sub002/internal/store"
	"github.com/torotorokou/sanbou-app-sub002/internal/testutil"
	"github.com/torotorokou/sanbou-app-sub002/internal/worker"
)

func enqueue(t *testing.T, s *testutil.TestDB, kind string, payload string) uuid.UUID {
	t.Helper()
	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	id, err := s.EnqueueJob(context.Background(), store.EnqueueJobParams{
		Kind:       kind,
		WindowFrom: from,
		WindowTo:   from.AddDate(0, 0, 7),
		Actor:      "test",
		Payload:    json.RawMessage(payload),
	})
	if err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	return id
}

func jobStatus(t *testing.T, s *testutil.TestDB, id uuid.UUID) string {
	t.Helper()
	var status string
	if err := s.DB().QueryRowContext(context.Background(),
		`SELECT status FROM forecast_jobs WHERE id=$1`, id).Scan(&status); err != nil {
		t.Fatalf("jobStatus: %v", err)
	}
	return status
}

func TestPool_ExecutesAndMarksDone(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	var gotWindow worker.Window
	var gotPayload string
	p := worker.New(s.Store, worker.Config{PollInterval: time.Second, Runners: 1})
	p.Register("ok_kind", func(_ context.Context, w worker.Window, payload json.RawMessage) error {
		gotWindow = w
		gotPayload = string(payload)
		return nil
	})

	id := enqueue(t, s, "ok_kind", `{"metric":"sales"}`)
	p.RunOnce(ctx)

	if got := jobStatus(t, s, id); got != "done" {
		t.Errorf("status = %q, want done", got)
	}
	if gotPayload != `{"metric":"sales"}` {
		t.Errorf("payload = %q", gotPayload)
	}
	if gotWindow.From.IsZero() || !gotWindow.To.After(gotWindow.From) {
		t.Errorf("window = %+v, want populated half-open range", gotWindow)
	}
}

func TestPool_ExecutorErrorMarksFailed(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	p := worker.New(s.Store, worker.Config{PollInterval: time.Second, Runners: 1})
	p.Register("boom_kind", func(context.Context, worker.Window, json.RawMessage) error {
		return errors.New("model blew up")
	})

	id := enqueue(t, s, "boom_kind", `{}`)
	p.RunOnce(ctx)

	if got := jobStatus(t, s, id); got != "failed" {
		t.Errorf("status = %q, want failed", got)
	}
	var msg string
	if err := s.DB().QueryRowContext(ctx,
		`SELECT error_message FROM forecast_jobs WHERE id=$1`, id).Scan(&msg); err != nil {
		t.Fatalf("scan error_message: %v", err)
	}
	if msg != "model blew up" {
		t.Errorf("error_message = %q", msg)
	}
}

func TestPool_UnregisteredKindFailsJob(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	p := worker.New(s.Store, worker.Config{PollInterval: time.Second, Runners: 1})
	p.Register("known", func(context.Context, worker.Window, json.RawMessage) error { return nil })

	id := enqueue(t, s, "mystery", `{}`)
	p.RunOnce(ctx)

	if got := jobStatus(t, s, id); got != "failed" {
		t.Errorf("status = %q, want failed (no executor)", got)
	}
}

func TestPool_NoJobExecutedTwiceAcrossPools(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	const jobs = 3
	var mu sync.Mutex
	executions := make(map[uuid.UUID]int)

	newPool := func() *worker.Pool {
		p := worker.New(s.Store, worker.Config{PollInterval: time.Second, Runners: 1})
		p.Register("count_kind", func(_ context.Context, _ worker.Window, payload json.RawMessage) error {
			var body struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(payload, &body); err != nil {
				return err
			}
			mu.Lock()
			executions[uuid.MustParse(body.ID)]++
			mu.Unlock()
			return nil
		})
		return p
	}

	ids := make([]uuid.UUID, 0, jobs)
	for i := 0; i < jobs; i++ {
		marker := uuid.New()
		enqueue(t, s, "count_kind", `{"id":"`+marker.String()+`"}`)
		ids = append(ids, marker)
	}

	// Two pools drain the queue concurrently, coordinating only through the
	// claim operation.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		p := newPool()
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.RunOnce(ctx)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	total := 0
	for _, id := range ids {
		n := executions[id]
		if n != 1 {
			t.Errorf("job marker %v executed %d times, want 1", id, n)
		}
		total += n
	}
	if total != jobs {
		t.Errorf("total executions = %d, want %d", total, jobs)
	}
}
