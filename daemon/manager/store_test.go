package manager

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testJob(id string) *Job {
	return &Job{
		ID:            id,
		ElectionID:    "election-1",
		OperationType: OpTally,
		Status:        JobQueued,
		TotalChunks:   3,
		CreatedBy:     "admin",
		StartedAt:     time.Now(),
		Metadata:      map[string]string{"chunk_size": "64"},
	}
}

func TestStore_CreateAndGetJob(t *testing.T) {
	store := newTestStore(t)

	if err := store.CreateJob(testJob("job-1")); err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	job, err := store.GetJob("job-1")
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if job.ElectionID != "election-1" {
		t.Errorf("ElectionID = %q, want election-1", job.ElectionID)
	}
	if job.OperationType != OpTally {
		t.Errorf("OperationType = %q, want %q", job.OperationType, OpTally)
	}
	if job.TotalChunks != 3 {
		t.Errorf("TotalChunks = %d, want 3", job.TotalChunks)
	}
	if job.Metadata["chunk_size"] != "64" {
		t.Errorf("Metadata = %v, want chunk_size=64", job.Metadata)
	}
	if job.CompletedAt != nil {
		t.Error("CompletedAt should be nil for a queued job")
	}
}

func TestStore_GetJobNotFound(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.GetJob("missing"); err != ErrJobNotFound {
		t.Errorf("GetJob = %v, want ErrJobNotFound", err)
	}
}

func TestStore_UpdateJobStatus(t *testing.T) {
	store := newTestStore(t)
	store.CreateJob(testJob("job-1"))

	if err := store.UpdateJobStatus("job-1", JobInProgress, ""); err != nil {
		t.Fatalf("UpdateJobStatus failed: %v", err)
	}
	job, _ := store.GetJob("job-1")
	if job.Status != JobInProgress {
		t.Errorf("Status = %q, want IN_PROGRESS", job.Status)
	}
	if job.CompletedAt != nil {
		t.Error("non-terminal transition must not set completed_at")
	}

	if err := store.UpdateJobStatus("job-1", JobCompleted, ""); err != nil {
		t.Fatalf("UpdateJobStatus terminal failed: %v", err)
	}
	job, _ = store.GetJob("job-1")
	if job.Status != JobCompleted {
		t.Errorf("Status = %q, want COMPLETED", job.Status)
	}
	if job.CompletedAt == nil {
		t.Fatal("terminal transition must set completed_at")
	}

	// Replaying the terminal transition keeps the first completed_at.
	first := *job.CompletedAt
	time.Sleep(10 * time.Millisecond)
	store.UpdateJobStatus("job-1", JobCompleted, "")
	job, _ = store.GetJob("job-1")
	if !job.CompletedAt.Equal(first) {
		t.Error("replayed terminal transition changed completed_at")
	}
}

func TestStore_UpdateJobStatusNotFound(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpdateJobStatus("missing", JobInProgress, ""); err != ErrJobNotFound {
		t.Errorf("UpdateJobStatus = %v, want ErrJobNotFound", err)
	}
}

func TestStore_RecordChunkOutcome(t *testing.T) {
	store := newTestStore(t)
	store.CreateJob(testJob("job-1"))

	job, err := store.RecordChunkOutcome("job-1", true, "")
	if err != nil {
		t.Fatalf("RecordChunkOutcome failed: %v", err)
	}
	if job.ProcessedChunks != 1 || job.FailedChunks != 0 {
		t.Errorf("counters = (%d, %d), want (1, 0)", job.ProcessedChunks, job.FailedChunks)
	}

	job, err = store.RecordChunkOutcome("job-1", false, "cws timeout")
	if err != nil {
		t.Fatalf("RecordChunkOutcome failed: %v", err)
	}
	if job.ProcessedChunks != 1 || job.FailedChunks != 1 {
		t.Errorf("counters = (%d, %d), want (1, 1)", job.ProcessedChunks, job.FailedChunks)
	}
	if job.ErrorMessage != "cws timeout" {
		t.Errorf("ErrorMessage = %q, want cws timeout", job.ErrorMessage)
	}
}

func TestStore_ListJobsByElection(t *testing.T) {
	store := newTestStore(t)

	j1 := testJob("job-1")
	j1.StartedAt = time.Now().Add(-time.Hour)
	store.CreateJob(j1)

	j2 := testJob("job-2")
	j2.OperationType = OpPartialDecrypt
	store.CreateJob(j2)

	other := testJob("job-3")
	other.ElectionID = "election-2"
	store.CreateJob(other)

	jobs, err := store.ListJobsByElection("election-1")
	if err != nil {
		t.Fatalf("ListJobsByElection failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("got %d jobs, want 2", len(jobs))
	}
	if jobs[0].ID != "job-2" {
		t.Errorf("newest-first order: got %q first, want job-2", jobs[0].ID)
	}
}

func TestStore_Guardians(t *testing.T) {
	store := newTestStore(t)

	for i, id := range []string{"g-a", "g-b", "g-c"} {
		err := store.UpsertGuardian(&Guardian{
			ElectionID: "election-1",
			GuardianID: id,
			Sequence:   i + 1,
			Present:    id != "g-c",
		})
		if err != nil {
			t.Fatalf("UpsertGuardian failed: %v", err)
		}
	}

	guardians, err := store.ListGuardians("election-1")
	if err != nil {
		t.Fatalf("ListGuardians failed: %v", err)
	}
	if len(guardians) != 3 {
		t.Fatalf("got %d guardians, want 3", len(guardians))
	}
	if guardians[0].GuardianID != "g-a" || guardians[2].GuardianID != "g-c" {
		t.Error("guardians not ordered by sequence")
	}

	ok, err := store.AllPresentGuardiansDecrypted("election-1")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("no guardian decrypted yet, precondition must fail")
	}

	store.SetGuardianDecrypted("election-1", "g-a")
	store.SetGuardianDecrypted("election-1", "g-b")

	// g-c is absent, so its flag does not gate the combine.
	ok, err = store.AllPresentGuardiansDecrypted("election-1")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("all present guardians decrypted, precondition must pass")
	}

	g, err := store.GetGuardian("election-1", "g-a")
	if err != nil {
		t.Fatal(err)
	}
	if !g.DecryptedOrNot {
		t.Error("g-a should be marked decrypted")
	}
}

func TestStore_SetGuardianDecryptedNotFound(t *testing.T) {
	store := newTestStore(t)

	if err := store.SetGuardianDecrypted("election-1", "missing"); err != ErrGuardianNotFound {
		t.Errorf("got %v, want ErrGuardianNotFound", err)
	}
}

func TestStore_TallyResultIdempotent(t *testing.T) {
	store := newTestStore(t)
	store.CreateElectionCenter("center-1", "election-1", 0)

	ballots := []SubmittedBallot{
		{ID: "b-1", CenterID: "center-1", CipherText: "ct-1"},
		{ID: "b-2", CenterID: "center-1", CipherText: "ct-2"},
	}
	if err := store.SaveTallyResult("center-1", "tally-ct", ballots); err != nil {
		t.Fatalf("SaveTallyResult failed: %v", err)
	}
	// A replayed chunk writes the same rows again.
	if err := store.SaveTallyResult("center-1", "tally-ct", ballots); err != nil {
		t.Fatalf("replayed SaveTallyResult failed: %v", err)
	}

	tally, err := store.GetEncryptedTally("center-1")
	if err != nil {
		t.Fatal(err)
	}
	if tally != "tally-ct" {
		t.Errorf("tally = %q, want tally-ct", tally)
	}

	var n int
	err = store.db.QueryRow(
		"SELECT COUNT(*) FROM submitted_ballot WHERE election_center_id = ?",
		"center-1").Scan(&n)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("got %d ballots, want 2 (replay must not duplicate)", n)
	}
}

func TestStore_SaveTallyResultUnknownCenter(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveTallyResult("missing", "ct", nil); err != ErrCenterNotFound {
		t.Errorf("got %v, want ErrCenterNotFound", err)
	}
}

func TestStore_ListElectionCenters(t *testing.T) {
	store := newTestStore(t)
	store.CreateElectionCenter("center-b", "election-1", 1)
	store.CreateElectionCenter("center-a", "election-1", 0)
	store.CreateElectionCenter("center-x", "election-2", 0)

	centers, err := store.ListElectionCenters("election-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(centers) != 2 || centers[0] != "center-a" || centers[1] != "center-b" {
		t.Errorf("centers = %v, want [center-a center-b] in chunk order", centers)
	}
}

func TestStore_Shares(t *testing.T) {
	store := newTestStore(t)
	store.CreateElectionCenter("center-1", "election-1", 0)

	if err := store.SaveDecryptionShare("center-1", "g-a", "pt", "ts-a", "bs-a"); err != nil {
		t.Fatal(err)
	}
	// Replay overwrites, no duplicate row.
	if err := store.SaveDecryptionShare("center-1", "g-a", "pt", "ts-a2", "bs-a2"); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveCompensatedShare("center-1", 1, 3, "cts", "cbs"); err != nil {
		t.Fatal(err)
	}

	partials, compensated, err := store.GetSharesForCenter("center-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(partials) != 1 {
		t.Fatalf("got %d partial shares, want 1", len(partials))
	}
	if partials[0].TallyShare != "ts-a2" {
		t.Errorf("TallyShare = %q, want ts-a2 (upsert)", partials[0].TallyShare)
	}
	if len(compensated) != 1 {
		t.Fatalf("got %d compensated shares, want 1", len(compensated))
	}
	if compensated[0].CompensatingSeq != 1 || compensated[0].MissingSeq != 3 {
		t.Errorf("compensated seq = (%d, %d), want (1, 3)",
			compensated[0].CompensatingSeq, compensated[0].MissingSeq)
	}
}

func TestStore_ElectionResult(t *testing.T) {
	store := newTestStore(t)
	store.CreateElectionCenter("center-1", "election-1", 0)

	if err := store.SaveElectionResult("center-1", "plaintext-result"); err != nil {
		t.Fatal(err)
	}
	if err := store.SaveElectionResult("missing", "x"); err != ErrCenterNotFound {
		t.Errorf("got %v, want ErrCenterNotFound", err)
	}
}

func TestStore_WorkerLog(t *testing.T) {
	store := newTestStore(t)

	now := time.Now()
	for i := 0; i < 2; i++ {
		err := store.AppendWorkerLog(&WorkerLog{
			ElectionID: "election-1",
			SubjectID:  "center-1",
			Phase:      "TALLY",
			StartTime:  now,
			EndTime:    now.Add(time.Second),
			Status:     "COMPLETED",
		})
		if err != nil {
			t.Fatalf("AppendWorkerLog failed: %v", err)
		}
	}
	store.AppendWorkerLog(&WorkerLog{
		ElectionID: "election-1", SubjectID: "g-a", Phase: "PARTIAL",
		StartTime: now, EndTime: now, Status: "FAILED", ErrorMessage: "timeout",
	})

	var n int
	err := store.db.QueryRow(
		"SELECT COUNT(*) FROM worker_log WHERE election_id = ? AND phase = ?",
		"election-1", "TALLY").Scan(&n)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("got %d TALLY audit rows, want 2", n)
	}
}
