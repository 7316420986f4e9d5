package service

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/votaryx/backend/daemon/manager"
	"github.com/votaryx/backend/daemon/scheduler"
	"github.com/votaryx/backend/internal/faults"
	"github.com/votaryx/backend/internal/observability"
)

// LockHeldError is returned when an election phase is already running.
// It carries the holder metadata so the API can tell the caller who owns
// the election and since when.
type LockHeldError struct {
	Meta *manager.LockMetadata
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("held by %s (%s) since %s",
		e.Meta.Holder, e.Meta.OperationType, e.Meta.AcquiredAt.Format(time.RFC3339))
}

// GuardianSpec describes one guardian in an incoming request.
type GuardianSpec struct {
	GuardianID string `json:"guardianId"`
	Sequence   int    `json:"sequence"`
	Present    bool   `json:"present"`
}

// Options tunes the orchestrator.
type Options struct {
	ChunkSize int
	// ProcessID identifies this backend process as a lock holder, so a
	// graceful shutdown can release exactly its own locks.
	ProcessID string
}

// Orchestrator owns the write path of every job: it validates requests,
// takes the phase lock, plans chunks, persists the job and hands the
// task instance to the scheduler. It is also the scheduler's Listener,
// mirroring chunk and instance transitions into the store.
type Orchestrator struct {
	opts    Options
	store   *manager.Store
	locks   *manager.LockManager
	secrets *manager.SecretCache
	sched   *scheduler.Scheduler
	events  *EventPublisher
	log     *observability.Logger
	metrics *observability.Metrics
}

// NewOrchestrator wires the orchestrator. The metrics argument may be nil.
func NewOrchestrator(opts Options, store *manager.Store, locks *manager.LockManager,
	secrets *manager.SecretCache, sched *scheduler.Scheduler, events *EventPublisher,
	log *observability.Logger, metrics *observability.Metrics) *Orchestrator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 64
	}
	if opts.ProcessID == "" {
		opts.ProcessID = uuid.NewString()
	}
	return &Orchestrator{
		opts:    opts,
		store:   store,
		locks:   locks,
		secrets: secrets,
		sched:   sched,
		events:  events,
		log:     log,
		metrics: metrics,
	}
}

// ProcessID returns this process's lock holder identity.
func (o *Orchestrator) ProcessID() string { return o.opts.ProcessID }

// acquireLock takes a phase lock or returns a KindLocked fault carrying
// the holder metadata.
func (o *Orchestrator) acquireLock(key, operationType string) error {
	acquired, holder, err := o.locks.TryAcquire(key, o.opts.ProcessID, operationType)
	if err != nil {
		return faults.New(faults.KindInternal, err)
	}
	if o.metrics != nil {
		o.metrics.RecordLockAcquisition(acquired)
	}
	if !acquired {
		o.log.LockHeld(key, holder.Holder, holder.AcquiredAt)
		return faults.New(faults.KindLocked, &LockHeldError{Meta: holder})
	}
	return nil
}

// launchJob persists the job row, installs the completion hook and
// registers the instance with the scheduler, in that order: the hook
// must be in place before a zero-chunk instance can settle.
func (o *Orchestrator) launchJob(job *manager.Job, taskType scheduler.TaskType,
	chunks []*scheduler.Chunk, hook func(scheduler.ProgressSnapshot)) error {

	if err := o.store.CreateJob(job); err != nil {
		return faults.New(faults.KindTransientStore, err)
	}

	ti := scheduler.NewTaskInstance(job.ID, job.ElectionID, taskType, chunks)
	if hook != nil {
		o.sched.RegisterCompletionHook(job.ID, hook)
	}
	if err := o.sched.Register(ti); err != nil {
		return faults.New(faults.KindInternal, err)
	}

	if o.metrics != nil {
		o.metrics.RecordJobStart()
	}
	o.events.PublishJobStarted(job.ID, job.ElectionID, job.OperationType, job.TotalChunks)
	if err := o.store.UpdateJobStatus(job.ID, manager.JobInProgress, ""); err != nil {
		o.log.Error(err, "job status update failed")
	}
	return nil
}

func (o *Orchestrator) newJob(electionID, operationType, createdBy string, totalChunks int, metadata map[string]string) *manager.Job {
	return &manager.Job{
		ID:            uuid.NewString(),
		ElectionID:    electionID,
		OperationType: operationType,
		Status:        manager.JobQueued,
		TotalChunks:   totalChunks,
		CreatedBy:     createdBy,
		StartedAt:     time.Now(),
		Metadata:      metadata,
	}
}

func mustMarshal(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}

// ChunkTerminal mirrors one settled chunk into the job counters. Invoked
// from the scheduler's single completion goroutine.
func (o *Orchestrator) ChunkTerminal(chunk scheduler.Chunk) {
	success := chunk.State == scheduler.ChunkCompleted
	job, err := o.store.RecordChunkOutcome(chunk.JobID, success, chunk.LastError)
	if err != nil {
		o.log.Error(err, "chunk outcome persist failed")
		return
	}

	if success {
		o.events.PublishChunkCompleted(job.ID, job.ElectionID, chunk.Number,
			job.ProcessedChunks+job.FailedChunks, job.TotalChunks)
	} else {
		o.events.PublishChunkFailed(job.ID, job.ElectionID, chunk.Number, chunk.LastError)
	}
	o.log.JobProgress(job.ID, job.ProcessedChunks, job.FailedChunks, job.TotalChunks)
}

// InstanceTerminal finalizes the job row once every chunk has settled.
func (o *Orchestrator) InstanceTerminal(snap scheduler.ProgressSnapshot) {
	status := manager.JobCompleted
	errorMessage := ""
	switch {
	case snap.Cancelled:
		status = manager.JobCancelled
	case snap.Failed > 0:
		status = manager.JobFailed
		errorMessage = snap.LastError
	}

	if err := o.store.UpdateJobStatus(snap.JobID, status, errorMessage); err != nil {
		o.log.Error(err, "job finalize failed")
	}
	if o.metrics != nil {
		o.metrics.RecordJobComplete(snap.TaskType.String(), status == manager.JobCompleted,
			time.Since(snap.RegisteredAt).Seconds())
	}

	if status == manager.JobCompleted {
		o.events.PublishJobCompleted(snap.JobID, snap.ElectionID, time.Since(snap.RegisteredAt))
		o.log.JobCompleted(snap.JobID, snap.Total, time.Since(snap.RegisteredAt))
	} else {
		o.events.PublishJobFailed(snap.JobID, snap.ElectionID, errorMessage)
		o.log.JobFailed(snap.JobID, snap.Failed, errorMessage)
	}
}

// JobProgress reports a job's progress, preferring the live scheduler
// view and falling back to the persisted row for settled jobs.
type JobProgress struct {
	JobID           string  `json:"jobId"`
	ElectionID      string  `json:"electionId"`
	OperationType   string  `json:"operationType"`
	Status          string  `json:"status"`
	TotalChunks     int     `json:"totalChunks"`
	ProcessedChunks int     `json:"processedChunks"`
	FailedChunks    int     `json:"failedChunks"`
	Pending         int     `json:"pending"`
	Queued          int     `json:"queued"`
	Processing      int     `json:"processing"`
	PercentComplete float64 `json:"percentComplete"`
	ErrorMessage    string  `json:"errorMessage,omitempty"`
	// Lock lease the job runs under, present while held.
	LockHolder    string     `json:"lockHolder,omitempty"`
	LockStartTime *time.Time `json:"lockStartTime,omitempty"`
}

// Progress returns the progress of one job.
func (o *Orchestrator) Progress(jobID string) (*JobProgress, error) {
	job, err := o.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	var progress *JobProgress
	if snap, ok := o.sched.Progress(jobID); ok {
		progress = progressFromSnapshot(job, snap)
	} else {
		progress = progressFromJob(job)
	}
	o.attachLockMetadata(progress, job)
	return progress, nil
}

// ElectionProgress returns the progress of every job of an election.
func (o *Orchestrator) ElectionProgress(electionID string) ([]*JobProgress, error) {
	live := make(map[string]scheduler.ProgressSnapshot)
	for _, snap := range o.sched.ProgressByElection(electionID) {
		live[snap.JobID] = snap
	}

	jobs, err := o.store.ListJobsByElection(electionID)
	if err != nil {
		return nil, err
	}

	out := make([]*JobProgress, 0, len(jobs))
	for _, job := range jobs {
		var progress *JobProgress
		if snap, ok := live[job.ID]; ok {
			progress = progressFromSnapshot(job, snap)
		} else {
			progress = progressFromJob(job)
		}
		o.attachLockMetadata(progress, job)
		out = append(out, progress)
	}
	return out, nil
}

// Cancel cancels a live job. Settled jobs return false.
func (o *Orchestrator) Cancel(jobID string) bool {
	return o.sched.Cancel(jobID)
}

// Shutdown clears all secrets and releases this process's locks.
func (o *Orchestrator) Shutdown() {
	o.secrets.Flush()
	released, err := o.locks.ReleaseAllHeldBy(o.opts.ProcessID)
	if err != nil {
		o.log.Error(err, "lock release on shutdown failed")
		return
	}
	if released > 0 {
		o.log.Info("released held locks on shutdown")
	}
}

// lockKeyForJob names the phase lock a job runs under. Decryption jobs
// carry the guardian in their metadata; the compensated phase shares the
// chain's lock.
func lockKeyForJob(job *manager.Job) string {
	switch job.OperationType {
	case manager.OpTally:
		return manager.TallyLockKey(job.ElectionID)
	case manager.OpPartialDecrypt, manager.OpCompensatedDecrypt:
		return manager.DecryptionLockKey(job.ElectionID, job.Metadata["guardian_id"])
	case manager.OpCombine:
		return manager.CombineLockKey(job.ElectionID)
	}
	return ""
}

// attachLockMetadata surfaces the live lock lease on a progress view.
// A settled job whose lock was released reads back clean.
func (o *Orchestrator) attachLockMetadata(progress *JobProgress, job *manager.Job) {
	key := lockKeyForJob(job)
	if key == "" {
		return
	}
	meta, err := o.locks.GetMetadata(key)
	if err != nil || meta == nil {
		return
	}
	progress.LockHolder = meta.Holder
	acquiredAt := meta.AcquiredAt
	progress.LockStartTime = &acquiredAt
}

func progressFromSnapshot(job *manager.Job, snap scheduler.ProgressSnapshot) *JobProgress {
	percent := 0.0
	if snap.Total > 0 {
		percent = float64(snap.Completed+snap.Failed) / float64(snap.Total) * 100
	}
	return &JobProgress{
		JobID:           job.ID,
		ElectionID:      job.ElectionID,
		OperationType:   job.OperationType,
		Status:          job.Status,
		TotalChunks:     snap.Total,
		ProcessedChunks: snap.Completed,
		FailedChunks:    snap.Failed,
		Pending:         snap.Pending,
		Queued:          snap.Queued,
		Processing:      snap.Processing,
		PercentComplete: percent,
		ErrorMessage:    snap.LastError,
	}
}

func progressFromJob(job *manager.Job) *JobProgress {
	percent := 0.0
	if job.TotalChunks > 0 {
		percent = float64(job.ProcessedChunks+job.FailedChunks) / float64(job.TotalChunks) * 100
	}
	return &JobProgress{
		JobID:           job.ID,
		ElectionID:      job.ElectionID,
		OperationType:   job.OperationType,
		Status:          job.Status,
		TotalChunks:     job.TotalChunks,
		ProcessedChunks: job.ProcessedChunks,
		FailedChunks:    job.FailedChunks,
		PercentComplete: percent,
		ErrorMessage:    job.ErrorMessage,
	}
}
