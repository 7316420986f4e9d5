package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithJob adds job_id context to logger.
func (l *Logger) WithJob(jobID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("job_id", jobID).Logger(),
	}
}

// WithElection adds election_id context to logger.
func (l *Logger) WithElection(electionID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("election_id", electionID).Logger(),
	}
}

// WithChunk adds chunk context to logger.
func (l *Logger) WithChunk(chunkID string, chunkNumber int) *Logger {
	return &Logger{
		logger: l.logger.With().
			Str("chunk_id", chunkID).
			Int("chunk_number", chunkNumber).
			Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// JobRegistered logs job registration with the scheduler.
func (l *Logger) JobRegistered(jobID, electionID, operationType string, totalChunks int) {
	l.logger.Info().
		Str("job_id", jobID).
		Str("election_id", electionID).
		Str("operation_type", operationType).
		Int("total_chunks", totalChunks).
		Msg("job registered with scheduler")
}

// ChunkPublished logs a chunk publish event.
func (l *Logger) ChunkPublished(jobID string, chunkNumber int, queue string) {
	l.logger.Debug().
		Str("job_id", jobID).
		Int("chunk_number", chunkNumber).
		Str("queue", queue).
		Msg("chunk published to queue")
}

// ChunkCompleted logs chunk completion.
func (l *Logger) ChunkCompleted(jobID string, chunkNumber int, duration time.Duration) {
	l.logger.Debug().
		Str("job_id", jobID).
		Int("chunk_number", chunkNumber).
		Float64("duration_seconds", duration.Seconds()).
		Msg("chunk completed")
}

// ChunkFailed logs a chunk failure.
func (l *Logger) ChunkFailed(jobID string, chunkNumber int, kind string, errMsg string, retryCount int) {
	l.logger.Error().
		Str("job_id", jobID).
		Int("chunk_number", chunkNumber).
		Str("fault_kind", kind).
		Str("error_message", errMsg).
		Int("retry_count", retryCount).
		Msg("chunk failed")
}

// JobProgress logs scheduler-side job progress.
func (l *Logger) JobProgress(jobID string, processed, failed, total int) {
	progress := 0.0
	if total > 0 {
		progress = float64(processed) / float64(total) * 100.0
	}

	l.logger.Info().
		Str("job_id", jobID).
		Int("processed_chunks", processed).
		Int("failed_chunks", failed).
		Int("total_chunks", total).
		Float64("progress_percent", progress).
		Msg("job progress")
}

// JobCompleted logs job completion.
func (l *Logger) JobCompleted(jobID string, totalChunks int, duration time.Duration) {
	l.logger.Info().
		Str("job_id", jobID).
		Int("total_chunks", totalChunks).
		Float64("duration_seconds", duration.Seconds()).
		Msg("job completed")
}

// JobFailed logs terminal job failure.
func (l *Logger) JobFailed(jobID string, failedChunks int, lastError string) {
	l.logger.Error().
		Str("job_id", jobID).
		Int("failed_chunks", failedChunks).
		Str("last_error", lastError).
		Msg("job failed")
}

// LockHeld logs a rejected duplicate initiation.
func (l *Logger) LockHeld(key, holder string, acquiredAt time.Time) {
	l.logger.Info().
		Str("lock_key", key).
		Str("holder", holder).
		Time("acquired_at", acquiredAt).
		Msg("operation already in progress, lock held")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
