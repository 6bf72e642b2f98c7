package jobs

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func newTestPool(t *testing.T, q *Queue) *Pool {
	t.Helper()
	p := NewPool(q, 1, time.Minute, nil)
	p.pollEvery = 5 * time.Millisecond
	t.Cleanup(p.Drain)
	return p
}

// waitForStatus polls until the job reaches status or the deadline hits.
func waitForStatus(t *testing.T, q *Queue, id, want string) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		status, _, err := q.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if status == want {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	status, _, _ := q.Status(context.Background(), id)
	t.Fatalf("job %s stuck at %s, want %s", id, status, want)
	return ""
}

func TestPoolRunsHandler(t *testing.T) {
	q := newTestQueue(t)
	p := newTestPool(t, q)

	var got atomic.Value
	p.Register(KindResearch, func(_ context.Context, job *Job) error {
		payload, err := job.DecodeResearch()
		if err != nil {
			return err
		}
		got.Store(payload.PersonID)
		return nil
	})
	p.Start(context.Background())

	id, err := q.Enqueue(context.Background(), KindResearch, ResearchPayload{PersonID: "P1"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	waitForStatus(t, q, id, "done")
	if got.Load() != "P1" {
		t.Errorf("handler saw %v, want P1", got.Load())
	}
}

func TestPoolRecordsHandlerError(t *testing.T) {
	q := newTestQueue(t)
	p := newTestPool(t, q)
	p.Register(KindResearch, func(context.Context, *Job) error {
		return errors.New("graph unavailable")
	})
	p.Start(context.Background())

	id, err := q.Enqueue(context.Background(), KindResearch, ResearchPayload{PersonID: "P1"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	waitForStatus(t, q, id, "failed")
	_, errText, err := q.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if !strings.Contains(errText, "graph unavailable") {
		t.Errorf("error text = %q", errText)
	}
}

func TestPoolSurvivesPanic(t *testing.T) {
	q := newTestQueue(t)
	p := newTestPool(t, q)

	var ran atomic.Bool
	p.Register(KindResearch, func(context.Context, *Job) error {
		panic("handler bug")
	})
	p.Register(KindLabelMedia, func(context.Context, *Job) error {
		ran.Store(true)
		return nil
	})
	p.Start(context.Background())

	bad, err := q.Enqueue(context.Background(), KindResearch, ResearchPayload{PersonID: "P1"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	good, err := q.Enqueue(context.Background(), KindLabelMedia, LabelMediaPayload{MediaID: "m1"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	waitForStatus(t, q, bad, "failed")
	_, errText, _ := q.Status(context.Background(), bad)
	if !strings.Contains(errText, "panicked") {
		t.Errorf("panic not recorded: %q", errText)
	}

	// The worker that caught the panic keeps consuming.
	waitForStatus(t, q, good, "done")
	if !ran.Load() {
		t.Error("subsequent job did not run")
	}
}

func TestPoolFailsUnroutedKind(t *testing.T) {
	q := newTestQueue(t)
	p := newTestPool(t, q)
	p.Start(context.Background())

	id, err := q.Enqueue(context.Background(), KindLabelMedia, LabelMediaPayload{MediaID: "m1"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	waitForStatus(t, q, id, "failed")
	_, errText, _ := q.Status(context.Background(), id)
	if !strings.Contains(errText, "no handler") {
		t.Errorf("error text = %q", errText)
	}
}

func TestDrainWaitsForInFlightJob(t *testing.T) {
	q := newTestQueue(t)
	p := newTestPool(t, q)

	started := make(chan struct{})
	release := make(chan struct{})
	p.Register(KindResearch, func(context.Context, *Job) error {
		close(started)
		<-release
		return nil
	})
	p.Start(context.Background())

	id, err := q.Enqueue(context.Background(), KindResearch, ResearchPayload{PersonID: "P1"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	<-started

	drained := make(chan struct{})
	go func() {
		p.Drain()
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("Drain returned while a job was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-drained:
	case <-time.After(3 * time.Second):
		t.Fatal("Drain did not return after the job finished")
	}

	// The in-flight job finished and was acknowledged, not redelivered.
	status, _, err := q.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status != "done" {
		t.Errorf("status = %s, want done", status)
	}
}
