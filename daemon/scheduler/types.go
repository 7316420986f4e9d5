// Package scheduler dispatches chunk tasks across all active jobs in a
// single backend process. Dispatch is round-robin over task instances:
// every tick publishes at most one chunk, taken from the instance under
// the cursor, so no job can starve another regardless of size.
package scheduler

import (
	"encoding/json"
	"time"
)

// TaskType identifies one of the four chunk task families.
type TaskType int

const (
	TaskTally TaskType = iota + 1
	TaskPartialDecrypt
	TaskCompensatedDecrypt
	TaskCombine
)

func (t TaskType) String() string {
	switch t {
	case TaskTally:
		return "TALLY"
	case TaskPartialDecrypt:
		return "PARTIAL_DECRYPT"
	case TaskCompensatedDecrypt:
		return "COMPENSATED_DECRYPT"
	case TaskCombine:
		return "COMBINE"
	default:
		return "UNKNOWN"
	}
}

// Queue returns the durable queue name for this task type.
func (t TaskType) Queue() string {
	switch t {
	case TaskTally:
		return "tally.queue"
	case TaskPartialDecrypt:
		return "partial_decryption.queue"
	case TaskCompensatedDecrypt:
		return "compensated_decryption.queue"
	case TaskCombine:
		return "combine.queue"
	default:
		return ""
	}
}

// ChunkState is the lifecycle state of a single chunk.
type ChunkState int

const (
	ChunkPending ChunkState = iota + 1
	ChunkQueued
	ChunkProcessing
	ChunkCompleted
	ChunkFailed
)

func (s ChunkState) String() string {
	switch s {
	case ChunkPending:
		return "PENDING"
	case ChunkQueued:
		return "QUEUED"
	case ChunkProcessing:
		return "PROCESSING"
	case ChunkCompleted:
		return "COMPLETED"
	case ChunkFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the state is final.
func (s ChunkState) Terminal() bool {
	return s == ChunkCompleted || s == ChunkFailed
}

// Chunk is the scheduler's view of one unit of work. The payload is kept
// as serialized bytes, never as loaded entities, so registering a large
// job does not pin its data in memory.
type Chunk struct {
	ID         string
	JobID      string
	TaskType   TaskType
	Number     int
	State      ChunkState
	RetryCount int
	LastError  string
	Payload    json.RawMessage

	// notBefore delays re-dispatch after a transient failure.
	notBefore    time.Time
	pendingSince time.Time
}

// Envelope is the message published to a queue for one chunk.
type Envelope struct {
	ChunkID  string          `json:"chunkId"`
	JobID    string          `json:"jobId"`
	TaskType string          `json:"taskType"`
	Payload  json.RawMessage `json:"payload"`
}

// TaskInstance is the scheduler's handle for a job's live chunks.
type TaskInstance struct {
	ID           string // = jobID
	TaskType     TaskType
	ElectionID   string
	RegisteredAt time.Time

	chunks    []*Chunk // ordered by Number, dense in [0, len)
	terminal  *ChunkBitmap
	cancelled bool
	seq       uint64 // stable round-robin ordering
}

// NewTaskInstance builds an instance over pre-planned chunks. Chunks must
// be dense in chunk number starting at zero.
func NewTaskInstance(jobID, electionID string, taskType TaskType, chunks []*Chunk) *TaskInstance {
	now := time.Now()
	for _, c := range chunks {
		c.JobID = jobID
		c.TaskType = taskType
		c.State = ChunkPending
		c.pendingSince = now
	}
	return &TaskInstance{
		ID:           jobID,
		TaskType:     taskType,
		ElectionID:   electionID,
		RegisteredAt: now,
		chunks:       chunks,
		terminal:     NewChunkBitmap(len(chunks)),
	}
}

// nextDispatchable returns the lowest-numbered pending chunk whose backoff
// window has elapsed, or nil.
func (ti *TaskInstance) nextDispatchable(now time.Time) *Chunk {
	if ti.cancelled {
		return nil
	}
	for _, c := range ti.chunks {
		if c.State == ChunkPending && !now.Before(c.notBefore) {
			return c
		}
	}
	return nil
}

// allTerminal reports whether no chunk can make further progress. For a
// cancelled instance, pending chunks count as settled: only queued and
// processing chunks keep it alive.
func (ti *TaskInstance) allTerminal() bool {
	if ti.terminal.IsComplete() {
		return true
	}
	if !ti.cancelled {
		return false
	}
	for _, c := range ti.chunks {
		if c.State == ChunkQueued || c.State == ChunkProcessing {
			return false
		}
	}
	return true
}

func (ti *TaskInstance) snapshot() ProgressSnapshot {
	snap := ProgressSnapshot{
		JobID:        ti.ID,
		ElectionID:   ti.ElectionID,
		TaskType:     ti.TaskType,
		Total:        len(ti.chunks),
		Cancelled:    ti.cancelled,
		RegisteredAt: ti.RegisteredAt,
	}
	for _, c := range ti.chunks {
		switch c.State {
		case ChunkPending:
			snap.Pending++
		case ChunkQueued:
			snap.Queued++
		case ChunkProcessing:
			snap.Processing++
		case ChunkCompleted:
			snap.Completed++
		case ChunkFailed:
			snap.Failed++
		}
		if c.LastError != "" {
			snap.LastError = c.LastError
		}
	}
	return snap
}

// ProgressSnapshot is a point-in-time view of one task instance.
type ProgressSnapshot struct {
	JobID        string
	ElectionID   string
	TaskType     TaskType
	Pending      int
	Queued       int
	Processing   int
	Completed    int
	Failed       int
	Total        int
	Cancelled    bool
	LastError    string
	RegisteredAt time.Time
}

// Done reports whether the snapshot describes a finished instance.
func (p ProgressSnapshot) Done() bool {
	return p.Completed+p.Failed == p.Total || (p.Cancelled && p.Queued == 0 && p.Processing == 0)
}
