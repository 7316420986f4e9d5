package scheduler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/votaryx/backend/internal/faults"
	"github.com/votaryx/backend/internal/observability"
)

type fakeBus struct {
	mu        sync.Mutex
	published []Envelope
	failWith  error
}

func (b *fakeBus) Publish(queue string, env *Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failWith != nil {
		return b.failWith
	}
	b.published = append(b.published, *env)
	return nil
}

func (b *fakeBus) countByJob() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int)
	for _, env := range b.published {
		out[env.JobID]++
	}
	return out
}

type fakeListener struct {
	mu        sync.Mutex
	terminal  []Chunk
	instances []ProgressSnapshot
}

func (l *fakeListener) ChunkTerminal(c Chunk) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.terminal = append(l.terminal, c)
}

func (l *fakeListener) InstanceTerminal(snap ProgressSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.instances = append(l.instances, snap)
}

func testLogger() *observability.Logger {
	return observability.NewLogger("scheduler-test", "0.0.0", io.Discard)
}

func makeChunks(jobID string, n int) []*Chunk {
	chunks := make([]*Chunk, n)
	for i := 0; i < n; i++ {
		chunks[i] = &Chunk{
			ID:      fmt.Sprintf("%s-chunk-%d", jobID, i),
			Number:  i,
			Payload: json.RawMessage(`{}`),
		}
	}
	return chunks
}

func newTestScheduler(bus Publisher, listener Listener) *Scheduler {
	return New(Options{
		Tick:             time.Millisecond,
		MaxRetryAttempts: 3,
		BackoffBase:      5 * time.Second,
	}, bus, listener, testLogger(), nil)
}

func TestTick_RoundRobinAcrossInstances(t *testing.T) {
	bus := &fakeBus{}
	s := newTestScheduler(bus, &fakeListener{})

	for _, job := range []struct {
		id string
		n  int
	}{{"j1", 10}, {"j2", 5}, {"j3", 20}} {
		ti := NewTaskInstance(job.id, "e1", TaskTally, makeChunks(job.id, job.n))
		if err := s.Register(ti); err != nil {
			t.Fatalf("Register(%s) failed: %v", job.id, err)
		}
	}

	// Three ticks publish exactly one chunk from each instance.
	for i := 0; i < 3; i++ {
		s.tick()
	}
	counts := bus.countByJob()
	for _, job := range []string{"j1", "j2", "j3"} {
		if counts[job] != 1 {
			t.Errorf("after 3 ticks job %s published %d chunks, want 1", job, counts[job])
		}
	}

	// Five ticks total: no instance is more than one publish ahead.
	s.tick()
	s.tick()
	counts = bus.countByJob()
	min, max := counts["j1"], counts["j1"]
	for _, c := range counts {
		if c < min {
			min = c
		}
		if c > max {
			max = c
		}
	}
	if max-min > 1 {
		t.Errorf("unfair publication spread %v", counts)
	}
}

func TestTick_PublishesLowestChunkNumberFirst(t *testing.T) {
	bus := &fakeBus{}
	s := newTestScheduler(bus, &fakeListener{})

	ti := NewTaskInstance("j1", "e1", TaskTally, makeChunks("j1", 3))
	if err := s.Register(ti); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	s.tick()
	s.tick()
	s.tick()

	if len(bus.published) != 3 {
		t.Fatalf("published %d chunks, want 3", len(bus.published))
	}
	for i, env := range bus.published {
		want := fmt.Sprintf("j1-chunk-%d", i)
		if env.ChunkID != want {
			t.Errorf("publish %d = %s, want %s", i, env.ChunkID, want)
		}
	}
}

func TestTick_EmptyRegistryIsNoop(t *testing.T) {
	bus := &fakeBus{}
	s := newTestScheduler(bus, &fakeListener{})

	s.tick()
	if len(bus.published) != 0 {
		t.Errorf("tick with no instances published %d chunks", len(bus.published))
	}
}

func TestTick_PublishFailureLeavesChunkPending(t *testing.T) {
	bus := &fakeBus{failWith: errors.New("bus down")}
	s := newTestScheduler(bus, &fakeListener{})

	ti := NewTaskInstance("j1", "e1", TaskTally, makeChunks("j1", 1))
	if err := s.Register(ti); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	s.tick()
	snap, _ := s.Progress("j1")
	if snap.Pending != 1 || snap.Queued != 0 {
		t.Errorf("after failed publish: pending=%d queued=%d, want 1/0", snap.Pending, snap.Queued)
	}

	// Bus recovers; next tick retries the same chunk.
	bus.failWith = nil
	s.tick()
	snap, _ = s.Progress("j1")
	if snap.Queued != 1 {
		t.Errorf("after recovery: queued=%d, want 1", snap.Queued)
	}
}

func TestRetry_TransientFailureBacksOffThenRedispatches(t *testing.T) {
	bus := &fakeBus{}
	listener := &fakeListener{}
	s := newTestScheduler(bus, listener)

	ti := NewTaskInstance("j1", "e1", TaskPartialDecrypt, makeChunks("j1", 1))
	if err := s.Register(ti); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	chunk := ti.chunks[0]

	s.tick()
	s.handleReport(report{chunkID: chunk.ID, state: ChunkProcessing})
	s.handleReport(report{
		chunkID: chunk.ID,
		state:   ChunkFailed,
		cause:   faults.Newf(faults.KindTransientCWS, "503 from CWS"),
	})

	if chunk.State != ChunkPending {
		t.Fatalf("chunk state = %v, want PENDING after transient failure", chunk.State)
	}
	if chunk.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", chunk.RetryCount)
	}
	if !chunk.notBefore.After(time.Now().Add(4 * time.Second)) {
		t.Error("backoff window not applied")
	}

	// Backoff window holds the chunk back from dispatch.
	s.tick()
	if len(bus.published) != 1 {
		t.Errorf("chunk dispatched during backoff window")
	}

	// Backoff elapsed: the chunk is dispatched again.
	s.stateMu.Lock()
	chunk.notBefore = time.Now().Add(-time.Second)
	s.stateMu.Unlock()
	s.tick()
	if len(bus.published) != 2 {
		t.Errorf("chunk not redispatched after backoff, published=%d", len(bus.published))
	}
}

func TestRetry_ExhaustionIsTerminal(t *testing.T) {
	bus := &fakeBus{}
	listener := &fakeListener{}
	s := newTestScheduler(bus, listener)

	ti := NewTaskInstance("j1", "e1", TaskTally, makeChunks("j1", 1))
	if err := s.Register(ti); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	chunk := ti.chunks[0]

	for attempt := 0; attempt < 4; attempt++ {
		s.handleReport(report{
			chunkID: chunk.ID,
			state:   ChunkFailed,
			cause:   faults.Newf(faults.KindTransientStore, "store busy"),
		})
	}

	if chunk.State != ChunkFailed {
		t.Fatalf("chunk state = %v, want FAILED after retry exhaustion", chunk.State)
	}
	if chunk.RetryCount != 3 {
		t.Errorf("retry count = %d, want 3 (capped)", chunk.RetryCount)
	}
	if len(listener.terminal) != 1 {
		t.Errorf("listener saw %d terminal chunks, want 1", len(listener.terminal))
	}
	if len(listener.instances) != 1 {
		t.Errorf("listener saw %d terminal instances, want 1", len(listener.instances))
	}
}

func TestFailure_NonRetryableIsImmediatelyTerminal(t *testing.T) {
	bus := &fakeBus{}
	listener := &fakeListener{}
	s := newTestScheduler(bus, listener)

	ti := NewTaskInstance("j1", "e1", TaskPartialDecrypt, makeChunks("j1", 1))
	if err := s.Register(ti); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	s.handleReport(report{
		chunkID: ti.chunks[0].ID,
		state:   ChunkFailed,
		cause:   faults.New(faults.KindCredentialsExpired, errors.New("secret expired")),
	})

	if ti.chunks[0].State != ChunkFailed {
		t.Errorf("chunk state = %v, want FAILED with no retry", ti.chunks[0].State)
	}
	if ti.chunks[0].RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", ti.chunks[0].RetryCount)
	}
}

func TestCompletion_HookFiresOnceAndInstanceIsRemoved(t *testing.T) {
	bus := &fakeBus{}
	listener := &fakeListener{}
	s := newTestScheduler(bus, listener)

	ti := NewTaskInstance("j1", "e1", TaskTally, makeChunks("j1", 2))
	if err := s.Register(ti); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	fired := 0
	s.RegisterCompletionHook("j1", func(snap ProgressSnapshot) {
		fired++
		if snap.Completed != 2 {
			t.Errorf("hook snapshot completed = %d, want 2", snap.Completed)
		}
	})

	s.handleReport(report{chunkID: ti.chunks[0].ID, state: ChunkCompleted})
	s.handleReport(report{chunkID: ti.chunks[1].ID, state: ChunkCompleted})
	// Duplicate completion report after settle is an idempotent no-op.
	s.handleReport(report{chunkID: ti.chunks[1].ID, state: ChunkCompleted})

	if fired != 1 {
		t.Errorf("completion hook fired %d times, want 1", fired)
	}
	if _, ok := s.Progress("j1"); ok {
		t.Error("instance still registered after completion")
	}
}

func TestCancel_SkipsPendingLetsInflightFinish(t *testing.T) {
	bus := &fakeBus{}
	listener := &fakeListener{}
	s := newTestScheduler(bus, listener)

	ti := NewTaskInstance("j1", "e1", TaskCombine, makeChunks("j1", 3))
	if err := s.Register(ti); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	s.tick() // chunk 0 queued
	s.handleReport(report{chunkID: ti.chunks[0].ID, state: ChunkProcessing})

	if !s.Cancel("j1") {
		t.Fatal("Cancel returned false for live job")
	}
	s.handleReport(report{recheck: "j1"})

	// Pending chunks are no longer dispatched.
	s.tick()
	if len(bus.published) != 1 {
		t.Errorf("cancelled job dispatched more chunks: %d", len(bus.published))
	}

	// Instance stays alive until the in-flight chunk finishes.
	if _, ok := s.Progress("j1"); !ok {
		t.Fatal("cancelled instance settled while a chunk was processing")
	}

	s.handleReport(report{chunkID: ti.chunks[0].ID, state: ChunkCompleted})
	if _, ok := s.Progress("j1"); ok {
		t.Error("cancelled instance not settled after in-flight chunk finished")
	}
}

func TestRegister_ZeroChunkInstanceSettlesImmediately(t *testing.T) {
	bus := &fakeBus{}
	listener := &fakeListener{}
	s := newTestScheduler(bus, listener)

	ti := NewTaskInstance("j0", "e1", TaskTally, nil)
	if err := s.Register(ti); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	// Drain the recheck the way the completion goroutine would.
	s.handleReport(<-s.reports)

	if len(listener.instances) != 1 {
		t.Fatalf("zero-chunk instance did not settle")
	}
	if !listener.instances[0].Done() {
		t.Error("snapshot for empty instance not done")
	}
}

func TestStop_DrainsQueuedTerminalReports(t *testing.T) {
	bus := &fakeBus{}
	listener := &fakeListener{}
	s := newTestScheduler(bus, listener)

	ti := NewTaskInstance("j1", "e1", TaskTally, makeChunks("j1", 1))
	if err := s.Register(ti); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	s.Start()
	s.ReportStateChange(ti.chunks[0].ID, ChunkProcessing, nil)
	s.ReportStateChange(ti.chunks[0].ID, ChunkCompleted, nil)
	s.Stop()

	// A terminal outcome accepted before Stop must settle the instance;
	// losing it would leave the job open forever.
	listener.mu.Lock()
	settled := len(listener.instances)
	listener.mu.Unlock()
	if settled != 1 {
		t.Fatalf("listener saw %d terminal instances after Stop, want 1", settled)
	}
	if _, ok := s.Progress("j1"); ok {
		t.Error("instance still registered after drained terminal report")
	}
}

func TestProgress_CountsAndElectionListing(t *testing.T) {
	bus := &fakeBus{}
	s := newTestScheduler(bus, &fakeListener{})

	ti1 := NewTaskInstance("j1", "e1", TaskTally, makeChunks("j1", 4))
	ti2 := NewTaskInstance("j2", "e1", TaskPartialDecrypt, makeChunks("j2", 2))
	ti3 := NewTaskInstance("j3", "e2", TaskTally, makeChunks("j3", 1))
	for _, ti := range []*TaskInstance{ti1, ti2, ti3} {
		if err := s.Register(ti); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}

	s.tick() // j1 chunk 0 queued
	s.handleReport(report{chunkID: ti1.chunks[0].ID, state: ChunkProcessing})
	s.handleReport(report{chunkID: ti1.chunks[0].ID, state: ChunkCompleted})

	snap, ok := s.Progress("j1")
	if !ok {
		t.Fatal("Progress(j1) not found")
	}
	if snap.Completed != 1 || snap.Pending != 3 || snap.Total != 4 {
		t.Errorf("snapshot = %+v, want completed=1 pending=3 total=4", snap)
	}

	listed := s.ProgressByElection("e1")
	if len(listed) != 2 {
		t.Errorf("ProgressByElection(e1) returned %d instances, want 2", len(listed))
	}
	if got := s.ProgressByElection("e2"); len(got) != 1 {
		t.Errorf("ProgressByElection(e2) returned %d instances, want 1", len(got))
	}
}

func TestRegister_DuplicateRejected(t *testing.T) {
	s := newTestScheduler(&fakeBus{}, &fakeListener{})

	ti := NewTaskInstance("j1", "e1", TaskTally, makeChunks("j1", 1))
	if err := s.Register(ti); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	dup := NewTaskInstance("j1", "e1", TaskTally, makeChunks("j1", 1))
	if err := s.Register(dup); !errors.Is(err, ErrInstanceAlreadyExists) {
		t.Errorf("expected ErrInstanceAlreadyExists, got %v", err)
	}
}
