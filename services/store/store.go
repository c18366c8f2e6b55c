package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// MediaType categorises an uploaded artifact.
type MediaType string

const (
	MediaCapture MediaType = "capture"
	MediaLog     MediaType = "log"
)

// Status is the processing state of an artifact. Transitions are monotonic:
// pending -> processing -> completed|failed.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Artifact is one uploaded capture or log file and its processing record.
type Artifact struct {
	ID           uuid.UUID      `json:"id"`
	Name         string         `json:"name"`
	MediaType    MediaType      `json:"media_type"`
	SizeBytes    int64          `json:"size_bytes"`
	Status       Status         `json:"status"`
	AnomalyCount int64          `json:"anomaly_count"`
	DurationMS   int64          `json:"duration_ms"`
	ErrorDetail  string         `json:"error_detail,omitempty"`
	ArchiveKey   string         `json:"archive_key,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Anomaly is one finding reported by an analyzer for an artifact.
type Anomaly struct {
	ID           uuid.UUID      `json:"id"`
	ArtifactID   uuid.UUID      `json:"artifact_id"`
	Type         string         `json:"type"`
	Description  string         `json:"description"`
	Severity     string         `json:"severity"`
	SourceFile   string         `json:"source_file"`
	PacketNumber int64          `json:"packet_number"`
	Confidence   float64        `json:"confidence"`
	Details      map[string]any `json:"details,omitempty"`
	DetectedAt   time.Time      `json:"detected_at"`
}

// Session aggregates the outcome of a group of processed artifacts for the
// dashboard's session view.
type Session struct {
	ID             uuid.UUID  `json:"id"`
	SourceFile     string     `json:"source_file"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	FilesSubmitted int64      `json:"files_submitted"`
	FilesProcessed int64      `json:"files_processed"`
	AnomaliesFound int64      `json:"anomalies_found"`
	ProcessingMS   int64      `json:"processing_ms"`
	CapturesCount  int64      `json:"captures_count"`
	LogFilesCount  int64      `json:"log_files_count"`
	Status         string     `json:"status"`
}

// DashboardSummary holds the counters rendered on the dashboard landing page.
type DashboardSummary struct {
	TotalArtifacts      int64            `json:"total_artifacts"`
	ArtifactsByStatus   map[Status]int64 `json:"artifacts_by_status"`
	TotalAnomalies      int64            `json:"total_anomalies"`
	AnomaliesBySeverity map[string]int64 `json:"anomalies_by_severity"`
}

// Outcome is the terminal result of one analysis.
type Outcome struct {
	Status       Status
	AnomalyCount int64
	Duration     time.Duration
	ErrorDetail  string
}

// Completed builds a successful Outcome.
func Completed(anomalies int64, duration time.Duration) Outcome {
	return Outcome{Status: StatusCompleted, AnomalyCount: anomalies, Duration: duration}
}

// Failed builds a failed Outcome. Detail must be non-empty; callers pass a
// generic message when the analyzer reported nothing useful.
func Failed(duration time.Duration, detail string) Outcome {
	return Outcome{Status: StatusFailed, Duration: duration, ErrorDetail: detail}
}

// AnomalyFilter narrows anomaly listings.
type AnomalyFilter struct {
	ArtifactID uuid.UUID
	Severity   string
	Limit      int
}

var (
	// ErrNotFound is returned when the identified record does not exist.
	ErrNotFound = errors.New("store: record not found")
	// ErrConflict is returned when a state transition is requested from a
	// state that does not permit it, including a second terminal write.
	ErrConflict = errors.New("store: conflicting state transition")
)

// Store is the single owner of artifact records. Implementations serialize
// read-modify-write operations per identifier so a terminal write always
// wins over a racing progress update, and a second terminal write is
// rejected with ErrConflict.
type Store interface {
	CreateArtifact(ctx context.Context, artifact Artifact) error
	Artifact(ctx context.Context, id uuid.UUID) (Artifact, error)
	Artifacts(ctx context.Context) ([]Artifact, error)

	// BeginProcessing transitions pending -> processing.
	BeginProcessing(ctx context.Context, id uuid.UUID) error
	// RecordProgress updates the running anomaly count while processing.
	RecordProgress(ctx context.Context, id uuid.UUID, anomalies int64) error
	// FinishArtifact transitions processing -> completed|failed and persists
	// all terminal fields atomically.
	FinishArtifact(ctx context.Context, id uuid.UUID, outcome Outcome) error
	// SetArchiveKey records where the artifact bytes were archived.
	SetArchiveKey(ctx context.Context, id uuid.UUID, key string) error

	InsertAnomalies(ctx context.Context, anomalies []Anomaly) error
	Anomaly(ctx context.Context, id uuid.UUID) (Anomaly, error)
	Anomalies(ctx context.Context, filter AnomalyFilter) ([]Anomaly, error)

	Sessions(ctx context.Context) ([]Session, error)
	DashboardSummary(ctx context.Context) (DashboardSummary, error)
}
