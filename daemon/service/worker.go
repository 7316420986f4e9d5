package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/votaryx/backend/daemon/manager"
	"github.com/votaryx/backend/daemon/scheduler"
	"github.com/votaryx/backend/internal/observability"
)

// Reporter is the scheduler surface workers report chunk transitions to.
type Reporter interface {
	ReportStateChange(chunkID string, state scheduler.ChunkState, cause error)
}

// Handler processes one chunk payload.
type Handler func(ctx context.Context, payload json.RawMessage) error

// WorkerOptions tunes the pool.
type WorkerOptions struct {
	Concurrency    int
	TallyTimeout   time.Duration
	DecryptTimeout time.Duration
	CombineTimeout time.Duration
	// PostChunkDelay is the pause after each chunk, keeping a single
	// worker from monopolizing the CWS.
	PostChunkDelay time.Duration
}

// DefaultWorkerOptions match the documented configuration defaults.
func DefaultWorkerOptions() WorkerOptions {
	return WorkerOptions{
		Concurrency:    4,
		TallyTimeout:   30 * time.Minute,
		DecryptTimeout: 10 * time.Minute,
		CombineTimeout: 10 * time.Minute,
		PostChunkDelay: 100 * time.Millisecond,
	}
}

// WorkerPool runs a fixed set of goroutines per queue. Each worker
// consumes one message at a time: report PROCESSING, run the handler,
// persist an audit row, report the terminal outcome, then ack. The ack
// comes last so a crash mid-chunk leaves the message redeliverable.
type WorkerPool struct {
	opts     WorkerOptions
	bus      *Bus
	reporter Reporter
	store    *manager.Store
	handlers map[string]Handler
	log      *observability.Logger
	metrics  *observability.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup

	runMu   sync.Mutex
	running bool
}

// NewWorkerPool wires the pool. The metrics argument may be nil.
func NewWorkerPool(opts WorkerOptions, bus *Bus, reporter Reporter, store *manager.Store,
	h *Handlers, log *observability.Logger, metrics *observability.Metrics) *WorkerPool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultWorkerOptions().Concurrency
	}
	return &WorkerPool{
		opts:     opts,
		bus:      bus,
		reporter: reporter,
		store:    store,
		handlers: map[string]Handler{
			scheduler.TaskTally.Queue():              h.HandleTally,
			scheduler.TaskPartialDecrypt.Queue():     h.HandlePartialDecrypt,
			scheduler.TaskCompensatedDecrypt.Queue(): h.HandleCompensated,
			scheduler.TaskCombine.Queue():            h.HandleCombine,
		},
		log:     log,
		metrics: metrics,
	}
}

// Start launches Concurrency workers per queue.
func (wp *WorkerPool) Start() {
	wp.runMu.Lock()
	defer wp.runMu.Unlock()
	if wp.running {
		return
	}
	wp.running = true

	ctx, cancel := context.WithCancel(context.Background())
	wp.cancel = cancel

	for queue, handler := range wp.handlers {
		for i := 0; i < wp.opts.Concurrency; i++ {
			wp.wg.Add(1)
			go wp.runWorker(ctx, queue, handler)
		}
	}
}

// Stop signals the workers and waits for in-flight chunks to finish.
func (wp *WorkerPool) Stop() {
	wp.runMu.Lock()
	defer wp.runMu.Unlock()
	if !wp.running {
		return
	}
	wp.running = false
	wp.cancel()
	wp.wg.Wait()
}

func (wp *WorkerPool) runWorker(ctx context.Context, queue string, handler Handler) {
	defer wp.wg.Done()

	for {
		d, err := wp.bus.Consume(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wp.log.Error(err, "consume failed")
			continue
		}

		wp.processDelivery(ctx, queue, handler, d)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wp.opts.PostChunkDelay):
		}
	}
}

func (wp *WorkerPool) processDelivery(ctx context.Context, queue string, handler Handler, d *Delivery) {
	env := &d.Envelope
	wp.reporter.ReportStateChange(env.ChunkID, scheduler.ChunkProcessing, nil)

	timeout := timeoutFor(queue, wp.opts.TallyTimeout, wp.opts.DecryptTimeout, wp.opts.CombineTimeout)
	chunkCtx, cancel := context.WithTimeout(ctx, timeout)

	start := time.Now()
	err := handler(chunkCtx, env.Payload)
	cancel()
	elapsed := time.Since(start)

	// Shutdown interrupted the chunk mid-flight: put it back on the
	// queue for the next run instead of recording a failure.
	if err != nil && ctx.Err() != nil {
		if nackErr := wp.bus.Nack(d); nackErr != nil {
			wp.log.Error(nackErr, "nack failed")
		}
		return
	}

	wp.appendAuditRow(env, start, err)

	if err != nil {
		wp.reporter.ReportStateChange(env.ChunkID, scheduler.ChunkFailed, err)
	} else {
		wp.reporter.ReportStateChange(env.ChunkID, scheduler.ChunkCompleted, nil)
	}
	if wp.metrics != nil {
		wp.metrics.RecordChunkProcessed(queue, err == nil, elapsed.Seconds())
	}

	// Ack after the outcome is reported. The scheduler dedupes, so a
	// crash between report and ack only costs a redelivered no-op.
	if ackErr := wp.bus.Ack(d); ackErr != nil {
		wp.log.Error(ackErr, "ack failed")
	}
}

func (wp *WorkerPool) appendAuditRow(env *scheduler.Envelope, start time.Time, err error) {
	subject, election := subjectAndElection(env.Payload)
	row := &manager.WorkerLog{
		ElectionID: election,
		SubjectID:  subject,
		Phase:      env.TaskType,
		StartTime:  start,
		EndTime:    time.Now(),
		Status:     "COMPLETED",
	}
	if err != nil {
		row.Status = "FAILED"
		row.ErrorMessage = err.Error()
	}
	if logErr := wp.store.AppendWorkerLog(row); logErr != nil {
		wp.log.Error(logErr, "worker log append failed")
	}
}
