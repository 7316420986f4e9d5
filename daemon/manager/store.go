package manager

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrDatabaseNotInitialized = errors.New("database not initialized")
	ErrJobNotFound            = errors.New("job not found")
	ErrCenterNotFound         = errors.New("election center not found")
	ErrGuardianNotFound       = errors.New("guardian not found")
)

// Operation types persisted on a job.
const (
	OpTally              = "TALLY"
	OpPartialDecrypt     = "PARTIAL_DECRYPT"
	OpCompensatedDecrypt = "COMPENSATED_DECRYPT"
	OpCombine            = "COMBINE"
)

// Job statuses.
const (
	JobQueued     = "QUEUED"
	JobInProgress = "IN_PROGRESS"
	JobCompleted  = "COMPLETED"
	JobFailed     = "FAILED"
	JobCancelled  = "CANCELLED"
)

// Job is the persisted view of one user-initiated operation.
type Job struct {
	ID              string
	ElectionID      string
	OperationType   string
	Status          string
	TotalChunks     int
	ProcessedChunks int
	FailedChunks    int
	CreatedBy       string
	StartedAt       time.Time
	CompletedAt     *time.Time
	ErrorMessage    string
	Metadata        map[string]string
}

// Guardian is one holder of a threshold key share.
type Guardian struct {
	ElectionID     string
	GuardianID     string
	Sequence       int
	Present        bool
	DecryptedOrNot bool
}

// SubmittedBallot is one encrypted ballot attached to an election center.
type SubmittedBallot struct {
	ID         string
	CenterID   string
	CipherText string
}

// WorkerLog is one per-chunk audit row; retries append further rows.
type WorkerLog struct {
	ElectionID   string
	SubjectID    string // election center, guardian, etc.
	Phase        string // TALLY, PARTIAL, COMPENSATED, COMBINE
	StartTime    time.Time
	EndTime      time.Time
	Status       string
	ErrorMessage string
}

// Store manages SQLite-backed persistence for jobs, election centers,
// shares and audit logs. Decrypted guardian material never goes here.
type Store struct {
	db   *sql.DB
	path string
	// jobMu serializes job counter updates; the scheduler's completion
	// goroutine is the only writer in practice, this guards tests and
	// orchestrator-side status writes.
	jobMu sync.Mutex
}

// NewStore opens (and if needed initializes) the store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	store := &Store{db: db, path: dbPath}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS job (
			job_id TEXT PRIMARY KEY,
			election_id TEXT NOT NULL,
			operation_type TEXT NOT NULL,
			status TEXT NOT NULL,
			total_chunks INTEGER NOT NULL,
			processed_chunks INTEGER NOT NULL DEFAULT 0,
			failed_chunks INTEGER NOT NULL DEFAULT 0,
			created_by TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			error_message TEXT,
			metadata TEXT
		);

		CREATE TABLE IF NOT EXISTS guardian (
			election_id TEXT NOT NULL,
			guardian_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			present INTEGER NOT NULL DEFAULT 1,
			decrypted_or_not INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (election_id, guardian_id)
		);

		CREATE TABLE IF NOT EXISTS election_center (
			election_center_id TEXT PRIMARY KEY,
			election_id TEXT NOT NULL,
			chunk_number INTEGER NOT NULL,
			encrypted_tally TEXT,
			election_result TEXT
		);

		CREATE TABLE IF NOT EXISTS submitted_ballot (
			id TEXT PRIMARY KEY,
			election_center_id TEXT NOT NULL,
			cipher_text TEXT NOT NULL,
			FOREIGN KEY (election_center_id) REFERENCES election_center(election_center_id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS decryption (
			election_center_id TEXT NOT NULL,
			guardian_id TEXT NOT NULL,
			partial_decrypted_tally TEXT,
			tally_share TEXT,
			ballot_share TEXT,
			PRIMARY KEY (election_center_id, guardian_id)
		);

		CREATE TABLE IF NOT EXISTS compensated_decryption (
			election_center_id TEXT NOT NULL,
			compensating_guardian_seq INTEGER NOT NULL,
			missing_guardian_seq INTEGER NOT NULL,
			compensated_tally_share TEXT,
			compensated_ballot_share TEXT,
			PRIMARY KEY (election_center_id, compensating_guardian_seq, missing_guardian_seq)
		);

		CREATE TABLE IF NOT EXISTS worker_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			election_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			start_time TIMESTAMP NOT NULL,
			end_time TIMESTAMP NOT NULL,
			status TEXT NOT NULL,
			error_message TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_job_election ON job(election_id);
		CREATE INDEX IF NOT EXISTS idx_job_status ON job(status);
		CREATE INDEX IF NOT EXISTS idx_center_election ON election_center(election_id);
		CREATE INDEX IF NOT EXISTS idx_ballot_center ON submitted_ballot(election_center_id);
		CREATE INDEX IF NOT EXISTS idx_worker_log_election ON worker_log(election_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to query schema version: %w", err)
	}

	return nil
}

// CreateJob persists a new job row.
func (s *Store) CreateJob(job *Job) error {
	metadataJSON, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT INTO job
		(job_id, election_id, operation_type, status, total_chunks,
		 processed_chunks, failed_chunks, created_by, started_at, error_message, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.Exec(query,
		job.ID,
		job.ElectionID,
		job.OperationType,
		job.Status,
		job.TotalChunks,
		job.ProcessedChunks,
		job.FailedChunks,
		job.CreatedBy,
		job.StartedAt,
		job.ErrorMessage,
		string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(jobID string) (*Job, error) {
	var (
		job          Job
		completedAt  sql.NullTime
		errorMessage sql.NullString
		metadataJSON sql.NullString
	)
	job.ID = jobID

	query := `
		SELECT election_id, operation_type, status, total_chunks,
		       processed_chunks, failed_chunks, created_by, started_at,
		       completed_at, error_message, metadata
		FROM job WHERE job_id = ?
	`

	err := s.db.QueryRow(query, jobID).Scan(
		&job.ElectionID, &job.OperationType, &job.Status, &job.TotalChunks,
		&job.ProcessedChunks, &job.FailedChunks, &job.CreatedBy, &job.StartedAt,
		&completedAt, &errorMessage, &metadataJSON,
	)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to load job: %w", err)
	}

	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	job.ErrorMessage = errorMessage.String
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &job.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return &job, nil
}

// UpdateJobStatus transitions a job's status. Terminal transitions set
// completed_at; repeating a terminal transition is a no-op.
func (s *Store) UpdateJobStatus(jobID, status, errorMessage string) error {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	terminal := status == JobCompleted || status == JobFailed || status == JobCancelled

	var result sql.Result
	var err error
	if terminal {
		result, err = s.db.Exec(
			`UPDATE job SET status = ?, error_message = ?, completed_at = ?
			 WHERE job_id = ? AND completed_at IS NULL`,
			status, errorMessage, time.Now(), jobID,
		)
	} else {
		result, err = s.db.Exec(
			`UPDATE job SET status = ?, error_message = ? WHERE job_id = ?`,
			status, errorMessage, jobID,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	if !terminal {
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrJobNotFound
		}
	}
	return nil
}

// RecordChunkOutcome increments the processed or failed counter for a job
// inside one short transaction and returns the updated row.
func (s *Store) RecordChunkOutcome(jobID string, success bool, errorMessage string) (*Job, error) {
	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	column := "processed_chunks"
	if !success {
		column = "failed_chunks"
	}
	query := fmt.Sprintf("UPDATE job SET %s = %s + 1 WHERE job_id = ?", column, column)
	if _, err := tx.Exec(query, jobID); err != nil {
		return nil, fmt.Errorf("failed to record chunk outcome: %w", err)
	}
	if !success && errorMessage != "" {
		if _, err := tx.Exec("UPDATE job SET error_message = ? WHERE job_id = ?", errorMessage, jobID); err != nil {
			return nil, fmt.Errorf("failed to record chunk error: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return s.GetJob(jobID)
}

// ListJobsByElection returns all jobs for an election, newest first.
func (s *Store) ListJobsByElection(electionID string) ([]*Job, error) {
	rows, err := s.db.Query(
		"SELECT job_id FROM job WHERE election_id = ? ORDER BY started_at DESC", electionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(id)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// UpsertGuardian creates or updates a guardian row.
func (s *Store) UpsertGuardian(g *Guardian) error {
	query := `
		INSERT OR REPLACE INTO guardian
		(election_id, guardian_id, sequence, present, decrypted_or_not)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, g.ElectionID, g.GuardianID, g.Sequence, g.Present, g.DecryptedOrNot)
	if err != nil {
		return fmt.Errorf("failed to upsert guardian: %w", err)
	}
	return nil
}

// ListGuardians returns all guardians of an election ordered by sequence.
func (s *Store) ListGuardians(electionID string) ([]*Guardian, error) {
	rows, err := s.db.Query(`
		SELECT guardian_id, sequence, present, decrypted_or_not
		FROM guardian WHERE election_id = ? ORDER BY sequence`, electionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query guardians: %w", err)
	}
	defer rows.Close()

	var out []*Guardian
	for rows.Next() {
		g := &Guardian{ElectionID: electionID}
		if err := rows.Scan(&g.GuardianID, &g.Sequence, &g.Present, &g.DecryptedOrNot); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GetGuardian loads one guardian row.
func (s *Store) GetGuardian(electionID, guardianID string) (*Guardian, error) {
	g := &Guardian{ElectionID: electionID, GuardianID: guardianID}
	err := s.db.QueryRow(`
		SELECT sequence, present, decrypted_or_not
		FROM guardian WHERE election_id = ? AND guardian_id = ?`,
		electionID, guardianID).Scan(&g.Sequence, &g.Present, &g.DecryptedOrNot)
	if err == sql.ErrNoRows {
		return nil, ErrGuardianNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to load guardian: %w", err)
	}
	return g, nil
}

// SetGuardianDecrypted marks a guardian's decryption chain done.
func (s *Store) SetGuardianDecrypted(electionID, guardianID string) error {
	result, err := s.db.Exec(`
		UPDATE guardian SET decrypted_or_not = 1
		WHERE election_id = ? AND guardian_id = ?`, electionID, guardianID)
	if err != nil {
		return fmt.Errorf("failed to mark guardian decrypted: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrGuardianNotFound
	}
	return nil
}

// AllPresentGuardiansDecrypted reports whether every present guardian has
// finished its decryption chain. The combine precondition.
func (s *Store) AllPresentGuardiansDecrypted(electionID string) (bool, error) {
	var remaining int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM guardian
		WHERE election_id = ? AND present = 1 AND decrypted_or_not = 0`,
		electionID).Scan(&remaining)
	if err != nil {
		return false, fmt.Errorf("failed to count undecrypted guardians: %w", err)
	}
	return remaining == 0, nil
}

// CreateElectionCenter inserts the persisted form of a tally chunk.
func (s *Store) CreateElectionCenter(centerID, electionID string, chunkNumber int) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO election_center (election_center_id, election_id, chunk_number)
		VALUES (?, ?, ?)`, centerID, electionID, chunkNumber)
	if err != nil {
		return fmt.Errorf("failed to create election center: %w", err)
	}
	return nil
}

// ListElectionCenters returns center IDs for an election in chunk order.
func (s *Store) ListElectionCenters(electionID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT election_center_id FROM election_center
		WHERE election_id = ? ORDER BY chunk_number`, electionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query election centers: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SaveTallyResult upserts the encrypted tally of a center together with
// its submitted ballots in one short transaction. Replaying the same
// chunk produces the same rows.
func (s *Store) SaveTallyResult(centerID, encryptedTally string, ballots []SubmittedBallot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		UPDATE election_center SET encrypted_tally = ? WHERE election_center_id = ?`,
		encryptedTally, centerID)
	if err != nil {
		return fmt.Errorf("failed to save encrypted tally: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrCenterNotFound
	}

	for _, b := range ballots {
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO submitted_ballot (id, election_center_id, cipher_text)
			VALUES (?, ?, ?)`, b.ID, centerID, b.CipherText); err != nil {
			return fmt.Errorf("failed to save submitted ballot: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetEncryptedTally loads only the ciphertext column for a center.
func (s *Store) GetEncryptedTally(centerID string) (string, error) {
	var tally sql.NullString
	err := s.db.QueryRow(`
		SELECT encrypted_tally FROM election_center WHERE election_center_id = ?`,
		centerID).Scan(&tally)
	if err == sql.ErrNoRows {
		return "", ErrCenterNotFound
	} else if err != nil {
		return "", fmt.Errorf("failed to load encrypted tally: %w", err)
	}
	return tally.String, nil
}

// SaveDecryptionShare upserts one guardian's partial share for a center.
func (s *Store) SaveDecryptionShare(centerID, guardianID, partialTally, tallyShare, ballotShare string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO decryption
		(election_center_id, guardian_id, partial_decrypted_tally, tally_share, ballot_share)
		VALUES (?, ?, ?, ?, ?)`,
		centerID, guardianID, partialTally, tallyShare, ballotShare)
	if err != nil {
		return fmt.Errorf("failed to save decryption share: %w", err)
	}
	return nil
}

// SaveCompensatedShare upserts a compensated share for a center.
func (s *Store) SaveCompensatedShare(centerID string, compensatingSeq, missingSeq int, tallyShare, ballotShare string) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO compensated_decryption
		(election_center_id, compensating_guardian_seq, missing_guardian_seq,
		 compensated_tally_share, compensated_ballot_share)
		VALUES (?, ?, ?, ?, ?)`,
		centerID, compensatingSeq, missingSeq, tallyShare, ballotShare)
	if err != nil {
		return fmt.Errorf("failed to save compensated share: %w", err)
	}
	return nil
}

// DecryptionShare is a projection row for the combine phase.
type DecryptionShare struct {
	GuardianID  string
	TallyShare  string
	BallotShare string
}

// CompensatedShare is a projection row for the combine phase.
type CompensatedShare struct {
	CompensatingSeq int
	MissingSeq      int
	TallyShare      string
	BallotShare     string
}

// GetSharesForCenter loads all partial and compensated shares of a center.
func (s *Store) GetSharesForCenter(centerID string) ([]DecryptionShare, []CompensatedShare, error) {
	rows, err := s.db.Query(`
		SELECT guardian_id, tally_share, ballot_share
		FROM decryption WHERE election_center_id = ?`, centerID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query decryption shares: %w", err)
	}
	defer rows.Close()

	var partials []DecryptionShare
	for rows.Next() {
		var d DecryptionShare
		var tallyShare, ballotShare sql.NullString
		if err := rows.Scan(&d.GuardianID, &tallyShare, &ballotShare); err != nil {
			return nil, nil, err
		}
		d.TallyShare = tallyShare.String
		d.BallotShare = ballotShare.String
		partials = append(partials, d)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	crows, err := s.db.Query(`
		SELECT compensating_guardian_seq, missing_guardian_seq,
		       compensated_tally_share, compensated_ballot_share
		FROM compensated_decryption WHERE election_center_id = ?`, centerID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query compensated shares: %w", err)
	}
	defer crows.Close()

	var compensated []CompensatedShare
	for crows.Next() {
		var c CompensatedShare
		var tallyShare, ballotShare sql.NullString
		if err := crows.Scan(&c.CompensatingSeq, &c.MissingSeq, &tallyShare, &ballotShare); err != nil {
			return nil, nil, err
		}
		c.TallyShare = tallyShare.String
		c.BallotShare = ballotShare.String
		compensated = append(compensated, c)
	}
	return partials, compensated, crows.Err()
}

// SaveElectionResult stores the decrypted result of a center.
func (s *Store) SaveElectionResult(centerID, electionResult string) error {
	result, err := s.db.Exec(`
		UPDATE election_center SET election_result = ? WHERE election_center_id = ?`,
		electionResult, centerID)
	if err != nil {
		return fmt.Errorf("failed to save election result: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrCenterNotFound
	}
	return nil
}

// AppendWorkerLog writes one audit row for a chunk attempt.
func (s *Store) AppendWorkerLog(log *WorkerLog) error {
	_, err := s.db.Exec(`
		INSERT INTO worker_log
		(election_id, subject_id, phase, start_time, end_time, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		log.ElectionID, log.SubjectID, log.Phase, log.StartTime, log.EndTime,
		log.Status, log.ErrorMessage)
	if err != nil {
		return fmt.Errorf("failed to append worker log: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return ErrDatabaseNotInitialized
	}
	return s.db.Close()
}
