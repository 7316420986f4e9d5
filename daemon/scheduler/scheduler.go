package scheduler

import (
	"sync"
	"time"

	"github.com/votaryx/backend/internal/faults"
	"github.com/votaryx/backend/internal/observability"
)

// Publisher publishes chunk envelopes to a durable queue.
type Publisher interface {
	Publish(queue string, env *Envelope) error
}

// Listener receives chunk and instance terminal transitions. Both are
// invoked from a single goroutine, so job mutation downstream needs no
// further serialization.
type Listener interface {
	ChunkTerminal(chunk Chunk)
	InstanceTerminal(snap ProgressSnapshot)
}

// Options tunes the dispatch loop.
type Options struct {
	Tick             time.Duration
	MaxRetryAttempts int
	BackoffBase      time.Duration
}

// DefaultOptions match the documented configuration defaults.
func DefaultOptions() Options {
	return Options{
		Tick:             100 * time.Millisecond,
		MaxRetryAttempts: 3,
		BackoffBase:      5 * time.Second,
	}
}

type report struct {
	chunkID string
	state   ChunkState
	cause   error
	// recheck asks the completion goroutine to re-evaluate instance
	// termination without a chunk transition (used by Cancel).
	recheck string
}

// Scheduler is the centralized round-robin chunk dispatcher. One instance
// runs per backend process.
type Scheduler struct {
	opts     Options
	bus      Publisher
	listener Listener
	log      *observability.Logger
	metrics  *observability.Metrics

	reg    *registry
	cursor int

	hookMu sync.Mutex
	hooks  map[string]func(ProgressSnapshot)

	// stateMu guards chunk state and instance flags.
	stateMu sync.Mutex

	reports  chan report
	stop     chan struct{}
	done     chan struct{}
	compDone chan struct{}

	runMu   sync.Mutex
	running bool
}

// New creates a scheduler. The metrics argument may be nil.
func New(opts Options, bus Publisher, listener Listener, log *observability.Logger, metrics *observability.Metrics) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = DefaultOptions().Tick
	}
	if opts.MaxRetryAttempts <= 0 {
		opts.MaxRetryAttempts = DefaultOptions().MaxRetryAttempts
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultOptions().BackoffBase
	}
	return &Scheduler{
		opts:     opts,
		bus:      bus,
		listener: listener,
		log:      log,
		metrics:  metrics,
		reg:      newRegistry(),
		hooks:    make(map[string]func(ProgressSnapshot)),
		reports:  make(chan report, 256),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		compDone: make(chan struct{}),
	}
}

// SetListener installs the terminal-transition listener. Must be called
// before Start; the listener and the scheduler usually reference each
// other, so one of them is wired late.
func (s *Scheduler) SetListener(l Listener) {
	s.listener = l
}

// Register adds a task instance. Safe to call from any goroutine; the
// instance becomes eligible for dispatch on the next tick.
func (s *Scheduler) Register(ti *TaskInstance) error {
	if err := s.reg.add(ti); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.SchedulerActiveTasks.Set(float64(s.reg.count()))
	}
	s.log.JobRegistered(ti.ID, ti.ElectionID, ti.TaskType.String(), len(ti.chunks))

	// A zero-chunk instance is already terminal; settle it immediately.
	if len(ti.chunks) == 0 {
		s.reports <- report{recheck: ti.ID}
	}
	return nil
}

// RegisterCompletionHook installs a hook fired exactly once when the
// job's instance reaches a terminal state. Chained phases (partial ->
// compensated decryption) register here instead of calling each other.
func (s *Scheduler) RegisterCompletionHook(jobID string, hook func(ProgressSnapshot)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.hooks[jobID] = hook
}

// Start launches the dispatch loop and the completion goroutine.
func (s *Scheduler) Start() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	s.running = true

	go s.completionLoop()
	go s.dispatchLoop()
}

// Stop halts dispatch. State reports queued before Stop are drained, so
// workers stopped ahead of the scheduler lose no terminal outcome;
// unacked queue messages are redelivered on restart.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stop)
	<-s.done
	<-s.compDone
}

// Running reports whether the dispatch loop is live.
func (s *Scheduler) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

func (s *Scheduler) dispatchLoop() {
	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()
	defer close(s.done)

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

// tick publishes at most one chunk: the next dispatchable chunk of the
// instance under the round-robin cursor. Instances with nothing to
// dispatch are skipped, so one stalled job never blocks the ring.
func (s *Scheduler) tick() {
	if s.metrics != nil {
		s.metrics.SchedulerTicksTotal.Inc()
	}

	active := s.reg.ordered()
	if len(active) == 0 {
		return
	}

	now := time.Now()
	start := s.cursor % len(active)
	s.cursor++

	for i := 0; i < len(active); i++ {
		ti := active[(start+i)%len(active)]

		s.stateMu.Lock()
		chunk := ti.nextDispatchable(now)
		if chunk == nil {
			s.stateMu.Unlock()
			continue
		}
		env := &Envelope{
			ChunkID:  chunk.ID,
			JobID:    chunk.JobID,
			TaskType: chunk.TaskType.String(),
			Payload:  chunk.Payload,
		}
		queue := chunk.TaskType.Queue()
		pendingFor := now.Sub(chunk.pendingSince)
		s.stateMu.Unlock()

		// Publish outside the lock; the chunk stays PENDING until the
		// publish succeeds, so a bus outage is retried next tick.
		if err := s.bus.Publish(queue, env); err != nil {
			s.log.Error(err, "chunk publish failed, will retry next tick")
			return
		}

		s.stateMu.Lock()
		if chunk.State == ChunkPending {
			chunk.State = ChunkQueued
		}
		s.stateMu.Unlock()

		if s.metrics != nil {
			s.metrics.RecordChunkPublished(queue, pendingFor.Seconds())
		}
		s.log.ChunkPublished(chunk.JobID, chunk.Number, queue)
		return
	}
}

// ReportStateChange is called by workers after each queue transition.
// Terminal outcomes are funneled through the completion goroutine.
func (s *Scheduler) ReportStateChange(chunkID string, state ChunkState, cause error) {
	select {
	case s.reports <- report{chunkID: chunkID, state: state, cause: cause}:
	case <-s.stop:
	}
}

func (s *Scheduler) completionLoop() {
	defer close(s.compDone)
	for {
		select {
		case <-s.stop:
			// Drain reports accepted before the stop so in-flight
			// terminal outcomes still settle their instances.
			for {
				select {
				case r := <-s.reports:
					s.handleReport(r)
				default:
					return
				}
			}
		case r := <-s.reports:
			s.handleReport(r)
		}
	}
}

func (s *Scheduler) handleReport(r report) {
	if r.recheck != "" {
		s.settleIfTerminal(r.recheck)
		return
	}

	chunk, ok := s.reg.chunk(r.chunkID)
	if !ok {
		// Duplicate delivery after the instance settled; idempotent no-op.
		return
	}

	s.stateMu.Lock()
	if chunk.State.Terminal() {
		s.stateMu.Unlock()
		return
	}

	var terminal bool
	switch r.state {
	case ChunkProcessing:
		chunk.State = ChunkProcessing

	case ChunkCompleted:
		chunk.State = ChunkCompleted
		chunk.LastError = ""
		terminal = true

	case ChunkFailed:
		kind := faults.Classify(r.cause)
		if r.cause != nil {
			chunk.LastError = r.cause.Error()
		}
		if faults.Retryable(kind) && chunk.RetryCount < s.opts.MaxRetryAttempts {
			// Exponential backoff: base * 2^n.
			backoff := s.opts.BackoffBase << uint(chunk.RetryCount)
			chunk.RetryCount++
			chunk.State = ChunkPending
			chunk.notBefore = time.Now().Add(backoff)
			chunk.pendingSince = time.Now()
			if s.metrics != nil {
				s.metrics.RecordChunkRetry(chunk.TaskType.Queue())
			}
			s.log.ChunkFailed(chunk.JobID, chunk.Number, kind.String(), chunk.LastError, chunk.RetryCount)
		} else {
			chunk.State = ChunkFailed
			terminal = true
			s.log.ChunkFailed(chunk.JobID, chunk.Number, kind.String(), chunk.LastError, chunk.RetryCount)
		}
	}

	var view Chunk
	if terminal {
		view = *chunk
	}
	s.stateMu.Unlock()

	if !terminal {
		return
	}

	if ti, ok := s.reg.get(chunk.JobID); ok {
		_ = ti.terminal.SetChunk(chunk.Number)
	}
	if s.listener != nil {
		s.listener.ChunkTerminal(view)
	}
	s.settleIfTerminal(chunk.JobID)
}

// settleIfTerminal removes a finished instance and fires its completion
// hook. Removal from the registry guarantees the hook runs at most once.
func (s *Scheduler) settleIfTerminal(jobID string) {
	ti, ok := s.reg.get(jobID)
	if !ok {
		return
	}

	s.stateMu.Lock()
	done := ti.allTerminal()
	var snap ProgressSnapshot
	if done {
		snap = ti.snapshot()
	}
	s.stateMu.Unlock()

	if !done {
		return
	}

	s.reg.remove(jobID)
	if s.metrics != nil {
		s.metrics.SchedulerActiveTasks.Set(float64(s.reg.count()))
	}

	if s.listener != nil {
		s.listener.InstanceTerminal(snap)
	}

	s.hookMu.Lock()
	hook := s.hooks[jobID]
	delete(s.hooks, jobID)
	s.hookMu.Unlock()
	if hook != nil {
		hook(snap)
	}
}

// Cancel marks a job cancelled: its pending chunks are skipped and
// in-flight chunks run to completion. Returns false for unknown jobs.
func (s *Scheduler) Cancel(jobID string) bool {
	ti, ok := s.reg.get(jobID)
	if !ok {
		return false
	}

	s.stateMu.Lock()
	ti.cancelled = true
	s.stateMu.Unlock()

	select {
	case s.reports <- report{recheck: jobID}:
	case <-s.stop:
	}
	return true
}

// Progress returns the live snapshot for a job, if still registered.
func (s *Scheduler) Progress(jobID string) (ProgressSnapshot, bool) {
	ti, ok := s.reg.get(jobID)
	if !ok {
		return ProgressSnapshot{}, false
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return ti.snapshot(), true
}

// ProgressByElection returns snapshots for all live instances of an election.
func (s *Scheduler) ProgressByElection(electionID string) []ProgressSnapshot {
	var out []ProgressSnapshot
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	for _, ti := range s.reg.ordered() {
		if ti.ElectionID == electionID {
			out = append(out, ti.snapshot())
		}
	}
	return out
}
