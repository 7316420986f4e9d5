package service

import (
	"errors"

	"github.com/google/uuid"

	"github.com/votaryx/backend/daemon/manager"
	"github.com/votaryx/backend/daemon/scheduler"
	"github.com/votaryx/backend/internal/crypto"
	"github.com/votaryx/backend/internal/faults"
	"github.com/votaryx/backend/internal/validation"
)

// DecryptionJobRequest starts one guardian's decryption chain: a partial
// decryption job over every election center, chained into a compensated
// decryption job when the roster has missing guardians.
type DecryptionJobRequest struct {
	ElectionID       string                `json:"electionId"`
	GuardianID       string                `json:"guardianId"`
	GuardianSequence int                   `json:"guardianSequence"`
	Credentials      crypto.CredentialBlob `json:"credentials"`
	Passphrase       string                `json:"-"`
	CreatedBy        string                `json:"createdBy"`
}

// StartDecryption decrypts the guardian's credential blob into the
// in-memory secret cache and registers the partial decryption job. The
// compensated phase is chained through a completion hook, not a direct
// call, and the secrets are dropped as soon as the chain settles.
func (o *Orchestrator) StartDecryption(req *DecryptionJobRequest) (*manager.Job, error) {
	if err := validation.ValidateStringNonEmpty("electionId", req.ElectionID); err != nil {
		return nil, faults.New(faults.KindInvalidInput, err)
	}
	if err := validation.ValidateStringNonEmpty("guardianId", req.GuardianID); err != nil {
		return nil, faults.New(faults.KindInvalidInput, err)
	}

	material, err := crypto.DecryptMaterial(&req.Credentials, req.Passphrase)
	if err != nil {
		if errors.Is(err, crypto.ErrInvalidPassphrase) {
			return nil, faults.Newf(faults.KindInvalidInput, "invalid passphrase for guardian %s", req.GuardianID)
		}
		return nil, faults.New(faults.KindInvalidInput, err)
	}

	centers, err := o.store.ListElectionCenters(req.ElectionID)
	if err != nil {
		return nil, faults.New(faults.KindTransientStore, err)
	}
	if len(centers) == 0 {
		return nil, faults.Newf(faults.KindInvalidInput, "election %s has no tally to decrypt", req.ElectionID)
	}

	lockKey := manager.DecryptionLockKey(req.ElectionID, req.GuardianID)
	if err := o.acquireLock(lockKey, manager.OpPartialDecrypt); err != nil {
		return nil, err
	}

	o.secrets.PutCredentials(req.ElectionID, req.GuardianID, material.PrivateKey, material.Polynomial)

	err = o.store.UpsertGuardian(&manager.Guardian{
		ElectionID: req.ElectionID,
		GuardianID: req.GuardianID,
		Sequence:   req.GuardianSequence,
		Present:    true,
	})
	if err != nil {
		o.abortDecryption(req.ElectionID, req.GuardianID, lockKey)
		return nil, faults.New(faults.KindTransientStore, err)
	}

	chunks := make([]*scheduler.Chunk, 0, len(centers))
	for number, centerID := range centers {
		chunks = append(chunks, &scheduler.Chunk{
			ID:     uuid.NewString(),
			Number: number,
			Payload: mustMarshal(PartialDecryptPayload{
				ElectionID:       req.ElectionID,
				ElectionCenterID: centerID,
				GuardianID:       req.GuardianID,
				GuardianSequence: req.GuardianSequence,
			}),
		})
	}

	job := o.newJob(req.ElectionID, manager.OpPartialDecrypt, req.CreatedBy, len(chunks), map[string]string{
		"guardian_id": req.GuardianID,
	})

	hook := func(snap scheduler.ProgressSnapshot) {
		o.onPartialSettled(req, centers, lockKey, snap)
	}
	if err := o.launchJob(job, scheduler.TaskPartialDecrypt, chunks, hook); err != nil {
		o.abortDecryption(req.ElectionID, req.GuardianID, lockKey)
		return nil, err
	}
	return job, nil
}

// onPartialSettled runs on the scheduler's completion goroutine when the
// partial phase settles. It either chains the compensated phase or ends
// the guardian's chain.
func (o *Orchestrator) onPartialSettled(req *DecryptionJobRequest, centers []string,
	lockKey string, snap scheduler.ProgressSnapshot) {

	if snap.Failed > 0 || snap.Cancelled {
		o.abortDecryption(req.ElectionID, req.GuardianID, lockKey)
		return
	}

	missing, err := o.missingGuardians(req.ElectionID)
	if err != nil {
		o.log.Error(err, "missing guardian lookup failed")
		o.abortDecryption(req.ElectionID, req.GuardianID, lockKey)
		return
	}
	if len(missing) == 0 {
		o.finishDecryptionChain(req.ElectionID, req.GuardianID, lockKey)
		return
	}

	o.events.PublishPhaseTransition(snap.JobID, req.ElectionID,
		manager.OpPartialDecrypt, manager.OpCompensatedDecrypt)

	// One chunk per (center, missing guardian) pair.
	chunks := make([]*scheduler.Chunk, 0, len(centers)*len(missing))
	for _, m := range missing {
		for _, centerID := range centers {
			chunks = append(chunks, &scheduler.Chunk{
				ID:     uuid.NewString(),
				Number: len(chunks),
				Payload: mustMarshal(CompensatedPayload{
					ElectionID:       req.ElectionID,
					ElectionCenterID: centerID,
					CompensatingID:   req.GuardianID,
					CompensatingSeq:  req.GuardianSequence,
					MissingSeq:       m.Sequence,
				}),
			})
		}
	}

	job := o.newJob(req.ElectionID, manager.OpCompensatedDecrypt, "system", len(chunks), map[string]string{
		"guardian_id":   req.GuardianID,
		"parent_job_id": snap.JobID,
	})

	hook := func(compSnap scheduler.ProgressSnapshot) {
		if compSnap.Failed > 0 || compSnap.Cancelled {
			o.abortDecryption(req.ElectionID, req.GuardianID, lockKey)
			return
		}
		o.finishDecryptionChain(req.ElectionID, req.GuardianID, lockKey)
	}
	if err := o.launchJob(job, scheduler.TaskCompensatedDecrypt, chunks, hook); err != nil {
		o.log.Error(err, "compensated job launch failed")
		o.abortDecryption(req.ElectionID, req.GuardianID, lockKey)
	}
}

func (o *Orchestrator) missingGuardians(electionID string) ([]*manager.Guardian, error) {
	guardians, err := o.store.ListGuardians(electionID)
	if err != nil {
		return nil, err
	}
	var missing []*manager.Guardian
	for _, g := range guardians {
		if !g.Present {
			missing = append(missing, g)
		}
	}
	return missing, nil
}

// finishDecryptionChain marks the guardian done and drops every secret.
func (o *Orchestrator) finishDecryptionChain(electionID, guardianID, lockKey string) {
	if err := o.store.SetGuardianDecrypted(electionID, guardianID); err != nil {
		o.log.Error(err, "guardian decrypted flag update failed")
	}
	o.secrets.DeleteCredentials(electionID, guardianID)
	o.releaseLock(lockKey)
}

// abortDecryption cleans up a failed or cancelled chain without marking
// the guardian done.
func (o *Orchestrator) abortDecryption(electionID, guardianID, lockKey string) {
	o.secrets.DeleteCredentials(electionID, guardianID)
	o.releaseLock(lockKey)
}
