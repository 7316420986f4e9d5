package service

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/votaryx/backend/daemon/manager"
	"github.com/votaryx/backend/daemon/scheduler"
	"github.com/votaryx/backend/internal/faults"
	"github.com/votaryx/backend/internal/planner"
	"github.com/votaryx/backend/internal/validation"
)

// TallyJobRequest starts the homomorphic tally of an election. The
// guardian roster rides along so later phases know who can decrypt.
type TallyJobRequest struct {
	ElectionID        string         `json:"electionId"`
	ManifestHash      string         `json:"manifestHash"`
	BallotCiphertexts []string       `json:"ballotCiphertexts"`
	Guardians         []GuardianSpec `json:"guardians"`
	CreatedBy         string         `json:"createdBy"`
}

// StartTally plans the election's ballots into chunks, persists one
// election center per chunk and registers the tally job. At most one
// tally runs per election; a duplicate request gets the holder back.
func (o *Orchestrator) StartTally(req *TallyJobRequest) (*manager.Job, error) {
	if err := validation.ValidateStringNonEmpty("electionId", req.ElectionID); err != nil {
		return nil, faults.New(faults.KindInvalidInput, err)
	}
	if len(req.BallotCiphertexts) == 0 {
		return nil, faults.Newf(faults.KindInvalidInput, "no ballots to tally")
	}

	lockKey := manager.TallyLockKey(req.ElectionID)
	if err := o.acquireLock(lockKey, manager.OpTally); err != nil {
		return nil, err
	}

	sizes := planner.Plan(len(req.BallotCiphertexts), o.opts.ChunkSize)
	seed := planner.Seed(req.ElectionID, manager.OpTally)
	assignment := planner.Assign(req.BallotCiphertexts, sizes, seed)

	for _, g := range req.Guardians {
		err := o.store.UpsertGuardian(&manager.Guardian{
			ElectionID: req.ElectionID,
			GuardianID: g.GuardianID,
			Sequence:   g.Sequence,
			Present:    g.Present,
		})
		if err != nil {
			o.releaseLock(lockKey)
			return nil, faults.New(faults.KindTransientStore, err)
		}
	}

	chunks := make([]*scheduler.Chunk, 0, len(sizes))
	for number := range sizes {
		centerID := fmt.Sprintf("%s-center-%d", req.ElectionID, number)
		if err := o.store.CreateElectionCenter(centerID, req.ElectionID, number); err != nil {
			o.releaseLock(lockKey)
			return nil, faults.New(faults.KindTransientStore, err)
		}
		chunks = append(chunks, &scheduler.Chunk{
			ID:     uuid.NewString(),
			Number: number,
			Payload: mustMarshal(TallyPayload{
				ElectionID:        req.ElectionID,
				ElectionCenterID:  centerID,
				BallotCiphertexts: assignment[number],
				ManifestHash:      req.ManifestHash,
			}),
		})
	}

	job := o.newJob(req.ElectionID, manager.OpTally, req.CreatedBy, len(chunks), map[string]string{
		"ballots": fmt.Sprintf("%d", len(req.BallotCiphertexts)),
	})

	err := o.launchJob(job, scheduler.TaskTally, chunks, func(snap scheduler.ProgressSnapshot) {
		o.releaseLock(lockKey)
	})
	if err != nil {
		o.releaseLock(lockKey)
		return nil, err
	}
	return job, nil
}

func (o *Orchestrator) releaseLock(key string) {
	if err := o.locks.Release(key, o.opts.ProcessID); err != nil && err != manager.ErrLockNotHeld {
		o.log.Error(err, "lock release failed")
	}
}
