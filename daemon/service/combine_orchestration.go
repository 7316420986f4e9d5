package service

import (
	"github.com/google/uuid"

	"github.com/votaryx/backend/daemon/manager"
	"github.com/votaryx/backend/daemon/scheduler"
	"github.com/votaryx/backend/internal/faults"
	"github.com/votaryx/backend/internal/validation"
)

// CombineJobRequest starts the final combine phase of an election.
type CombineJobRequest struct {
	ElectionID string `json:"electionId"`
	CreatedBy  string `json:"createdBy"`
}

// StartCombine registers the combine job, one chunk per election center.
// It refuses to run until every present guardian has finished its
// decryption chain.
func (o *Orchestrator) StartCombine(req *CombineJobRequest) (*manager.Job, error) {
	if err := validation.ValidateStringNonEmpty("electionId", req.ElectionID); err != nil {
		return nil, faults.New(faults.KindInvalidInput, err)
	}

	ready, err := o.store.AllPresentGuardiansDecrypted(req.ElectionID)
	if err != nil {
		return nil, faults.New(faults.KindTransientStore, err)
	}
	if !ready {
		return nil, faults.Newf(faults.KindInvalidInput,
			"election %s has guardians that have not decrypted yet", req.ElectionID)
	}

	centers, err := o.store.ListElectionCenters(req.ElectionID)
	if err != nil {
		return nil, faults.New(faults.KindTransientStore, err)
	}
	if len(centers) == 0 {
		return nil, faults.Newf(faults.KindInvalidInput, "election %s has no tally to combine", req.ElectionID)
	}

	lockKey := manager.CombineLockKey(req.ElectionID)
	if err := o.acquireLock(lockKey, manager.OpCombine); err != nil {
		return nil, err
	}

	chunks := make([]*scheduler.Chunk, 0, len(centers))
	for number, centerID := range centers {
		chunks = append(chunks, &scheduler.Chunk{
			ID:     uuid.NewString(),
			Number: number,
			Payload: mustMarshal(CombinePayload{
				ElectionID:       req.ElectionID,
				ElectionCenterID: centerID,
			}),
		})
	}

	job := o.newJob(req.ElectionID, manager.OpCombine, req.CreatedBy, len(chunks), nil)

	err = o.launchJob(job, scheduler.TaskCombine, chunks, func(snap scheduler.ProgressSnapshot) {
		o.releaseLock(lockKey)
	})
	if err != nil {
		o.releaseLock(lockKey)
		return nil, err
	}
	return job, nil
}
