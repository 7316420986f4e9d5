package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/votaryx/backend/daemon/manager"
	"github.com/votaryx/backend/internal/cws"
	"github.com/votaryx/backend/internal/faults"
)

// TallyPayload is the chunk payload on the tally queue. Ballot
// ciphertexts ride in the payload; the worker persists them alongside
// the tally so later phases read projections from the store.
type TallyPayload struct {
	ElectionID        string   `json:"electionId"`
	ElectionCenterID  string   `json:"electionCenterId"`
	BallotCiphertexts []string `json:"ballotCiphertexts"`
	ManifestHash      string   `json:"manifestHash"`
}

// PartialDecryptPayload is the chunk payload on the partial decryption
// queue. It carries identifiers only; the private key is read from the
// in-memory secret cache at processing time.
type PartialDecryptPayload struct {
	ElectionID       string `json:"electionId"`
	ElectionCenterID string `json:"electionCenterId"`
	GuardianID       string `json:"guardianId"`
	GuardianSequence int    `json:"guardianSequence"`
}

// CompensatedPayload is the chunk payload on the compensated queue.
type CompensatedPayload struct {
	ElectionID       string `json:"electionId"`
	ElectionCenterID string `json:"electionCenterId"`
	CompensatingID   string `json:"compensatingGuardianId"`
	CompensatingSeq  int    `json:"compensatingGuardianSequence"`
	MissingSeq       int    `json:"missingGuardianSequence"`
}

// CombinePayload is the chunk payload on the combine queue.
type CombinePayload struct {
	ElectionID       string `json:"electionId"`
	ElectionCenterID string `json:"electionCenterId"`
}

// Handlers holds the per-queue chunk processors. Each handler performs
// exactly one CWS call and one short store transaction; both are
// idempotent so a redelivered chunk converges to the same rows.
type Handlers struct {
	store   *manager.Store
	secrets *manager.SecretCache
	cws     *cws.Client
}

// NewHandlers wires the chunk processors.
func NewHandlers(store *manager.Store, secrets *manager.SecretCache, client *cws.Client) *Handlers {
	return &Handlers{store: store, secrets: secrets, cws: client}
}

// HandleTally accumulates one chunk of ballots into an encrypted tally.
func (h *Handlers) HandleTally(ctx context.Context, raw json.RawMessage) error {
	var p TallyPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return faults.New(faults.KindInvalidInput, err)
	}

	resp, err := h.cws.CreateEncryptedTally(ctx, &cws.TallyRequest{
		ElectionID:        p.ElectionID,
		ElectionCenterID:  p.ElectionCenterID,
		BallotCiphertexts: p.BallotCiphertexts,
		ManifestHash:      p.ManifestHash,
	})
	if err != nil {
		return err
	}

	ballots := make([]manager.SubmittedBallot, 0, len(resp.SubmittedBallots))
	for _, b := range resp.SubmittedBallots {
		ballots = append(ballots, manager.SubmittedBallot{
			ID:         b.ID,
			CenterID:   p.ElectionCenterID,
			CipherText: b.CipherText,
		})
	}
	if err := h.store.SaveTallyResult(p.ElectionCenterID, resp.EncryptedTally, ballots); err != nil {
		return faults.New(faults.KindTransientStore, err)
	}
	return nil
}

// HandlePartialDecrypt computes one guardian's share over one chunk.
// The decrypted key lives in the request body and local variables only;
// both go out of scope when this returns.
func (h *Handlers) HandlePartialDecrypt(ctx context.Context, raw json.RawMessage) error {
	var p PartialDecryptPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return faults.New(faults.KindInvalidInput, err)
	}

	// Fail before touching the store when the TTL already expired; the
	// cache can still evict between here and the read, so the read keeps
	// its own error path.
	if !h.secrets.HasCredentials(p.ElectionID, p.GuardianID) {
		return faults.Newf(faults.KindCredentialsExpired,
			"credentials for guardian %s expired or missing", p.GuardianID)
	}
	privateKey, err := h.secrets.GetPrivateKey(p.ElectionID, p.GuardianID)
	if err != nil {
		return faults.Newf(faults.KindCredentialsExpired,
			"credentials for guardian %s expired or missing", p.GuardianID)
	}

	encryptedTally, err := h.store.GetEncryptedTally(p.ElectionCenterID)
	if err != nil {
		return faults.New(faults.KindTransientStore, err)
	}

	resp, err := h.cws.CreatePartialDecryption(ctx, &cws.PartialDecryptionRequest{
		ElectionID:       p.ElectionID,
		ElectionCenterID: p.ElectionCenterID,
		GuardianID:       p.GuardianID,
		GuardianSequence: p.GuardianSequence,
		PrivateKey:       privateKey,
		EncryptedTally:   encryptedTally,
	})
	if err != nil {
		return err
	}

	err = h.store.SaveDecryptionShare(p.ElectionCenterID, p.GuardianID,
		resp.PartialDecryptedTally, resp.TallyShare, resp.BallotShare)
	if err != nil {
		return faults.New(faults.KindTransientStore, err)
	}
	return nil
}

// HandleCompensated computes a compensated share for a missing guardian.
func (h *Handlers) HandleCompensated(ctx context.Context, raw json.RawMessage) error {
	var p CompensatedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return faults.New(faults.KindInvalidInput, err)
	}

	if !h.secrets.HasCredentials(p.ElectionID, p.CompensatingID) {
		return faults.Newf(faults.KindCredentialsExpired,
			"credentials for guardian %s expired or missing", p.CompensatingID)
	}
	polynomial, err := h.secrets.GetPolynomial(p.ElectionID, p.CompensatingID)
	if err != nil {
		return faults.Newf(faults.KindCredentialsExpired,
			"credentials for guardian %s expired or missing", p.CompensatingID)
	}

	encryptedTally, err := h.store.GetEncryptedTally(p.ElectionCenterID)
	if err != nil {
		return faults.New(faults.KindTransientStore, err)
	}

	resp, err := h.cws.CreateCompensatedDecryption(ctx, &cws.CompensatedDecryptionRequest{
		ElectionID:       p.ElectionID,
		ElectionCenterID: p.ElectionCenterID,
		CompensatingSeq:  p.CompensatingSeq,
		MissingSeq:       p.MissingSeq,
		Polynomial:       polynomial,
		EncryptedTally:   encryptedTally,
	})
	if err != nil {
		return err
	}

	err = h.store.SaveCompensatedShare(p.ElectionCenterID, p.CompensatingSeq, p.MissingSeq,
		resp.CompensatedTallyShare, resp.CompensatedBallotShare)
	if err != nil {
		return faults.New(faults.KindTransientStore, err)
	}
	return nil
}

// HandleCombine combines all shares of one chunk into plaintext.
func (h *Handlers) HandleCombine(ctx context.Context, raw json.RawMessage) error {
	var p CombinePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return faults.New(faults.KindInvalidInput, err)
	}

	encryptedTally, err := h.store.GetEncryptedTally(p.ElectionCenterID)
	if err != nil {
		return faults.New(faults.KindTransientStore, err)
	}
	partials, compensated, err := h.store.GetSharesForCenter(p.ElectionCenterID)
	if err != nil {
		return faults.New(faults.KindTransientStore, err)
	}

	seqByGuardian := make(map[string]int)
	guardians, err := h.store.ListGuardians(p.ElectionID)
	if err != nil {
		return faults.New(faults.KindTransientStore, err)
	}
	for _, g := range guardians {
		seqByGuardian[g.GuardianID] = g.Sequence
	}

	req := &cws.CombineRequest{
		ElectionID:       p.ElectionID,
		ElectionCenterID: p.ElectionCenterID,
		EncryptedTally:   encryptedTally,
	}
	for _, share := range partials {
		req.PartialShares = append(req.PartialShares, cws.ShareInput{
			GuardianSequence: seqByGuardian[share.GuardianID],
			TallyShare:       share.TallyShare,
			BallotShare:      share.BallotShare,
		})
	}
	for _, share := range compensated {
		req.CompensatedShares = append(req.CompensatedShares, cws.ShareInput{
			GuardianSequence: share.CompensatingSeq,
			MissingSequence:  share.MissingSeq,
			TallyShare:       share.TallyShare,
			BallotShare:      share.BallotShare,
		})
	}

	resp, err := h.cws.CombineDecryptionShares(ctx, req)
	if err != nil {
		return err
	}
	if err := h.store.SaveElectionResult(p.ElectionCenterID, resp.ElectionResult); err != nil {
		return faults.New(faults.KindTransientStore, err)
	}
	return nil
}

// subjectAndElection extracts the audit identifiers from a raw payload
// without knowing its concrete type.
func subjectAndElection(raw json.RawMessage) (subject, election string) {
	var p struct {
		ElectionID       string `json:"electionId"`
		ElectionCenterID string `json:"electionCenterId"`
		GuardianID       string `json:"guardianId"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", ""
	}
	subject = p.ElectionCenterID
	if subject == "" {
		subject = p.GuardianID
	}
	return subject, p.ElectionID
}

// timeoutFor maps a queue to its per-chunk processing deadline.
func timeoutFor(queue string, tally, decrypt, combine time.Duration) time.Duration {
	switch queue {
	case "tally.queue":
		return tally
	case "combine.queue":
		return combine
	default:
		return decrypt
	}
}
