package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"l1gw/pkg/bus"
	"l1gw/services/pipeline"
	"l1gw/services/store"
)

const (
	durableProcessing = "sessions-processing"
	durableFinished   = "sessions-finished"
)

// sessionRow mirrors the sessions table for the aggregator's counter updates.
type sessionRow struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey"`
	SourceFile     string     `gorm:"type:text"`
	StartedAt      time.Time  `gorm:"type:timestamptz;not null;default:now()"`
	EndedAt        *time.Time `gorm:"type:timestamptz"`
	FilesSubmitted int64      `gorm:"type:bigint;not null;default:0"`
	FilesProcessed int64      `gorm:"type:bigint;not null;default:0"`
	AnomaliesFound int64      `gorm:"type:bigint;not null;default:0"`
	ProcessingMS   int64      `gorm:"type:bigint;not null;default:0"`
	CapturesCount  int64      `gorm:"type:bigint;not null;default:0"`
	LogFilesCount  int64      `gorm:"type:bigint;not null;default:0"`
	Status         string     `gorm:"type:text;not null;default:'active'"`
}

func (sessionRow) TableName() string { return "sessions" }

type artifactRow struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text"`
	MediaType string    `gorm:"type:text"`
}

func (artifactRow) TableName() string { return "artifacts" }

type processingEvent struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
}

type finishedEvent struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
	Status     string    `json:"status"`
	Anomalies  int64     `json:"anomalies"`
	DurationMS int64     `json:"duration_ms"`
}

// Aggregator folds artifact lifecycle events into troubleshooting sessions.
// One session row is active at a time; processing events attribute submitted
// files to it and terminal events accumulate outcome counters. Closing the
// aggregator ends the active session.
type Aggregator struct {
	orm    *gorm.DB
	bus    *bus.Bus
	logger zerolog.Logger

	mu       sync.Mutex
	activeID uuid.UUID
	subs     []io.Closer
}

// NewAggregator builds an Aggregator on an open gorm handle and bus.
func NewAggregator(orm *gorm.DB, b *bus.Bus, logger zerolog.Logger) (*Aggregator, error) {
	if orm == nil {
		return nil, errors.New("gorm handle is required")
	}
	if b == nil {
		return nil, errors.New("bus is required")
	}
	return &Aggregator{orm: orm, bus: b, logger: logger}, nil
}

// Start subscribes to the lifecycle subjects with durable consumers so
// events survive an aggregator restart.
func (a *Aggregator) Start(ctx context.Context) error {
	sub, err := a.bus.Subscribe(ctx, pipeline.SubjectProcessing, durableProcessing, a.onProcessing)
	if err != nil {
		return err
	}
	a.subs = append(a.subs, sub)

	sub, err = a.bus.Subscribe(ctx, pipeline.SubjectFinished, durableFinished, a.onFinished)
	if err != nil {
		return err
	}
	a.subs = append(a.subs, sub)
	return nil
}

// Close unsubscribes and ends the active session.
func (a *Aggregator) Close() error {
	for _, sub := range a.subs {
		sub.Close()
	}
	a.subs = nil

	a.mu.Lock()
	id := a.activeID
	a.activeID = uuid.Nil
	a.mu.Unlock()
	if id == uuid.Nil {
		return nil
	}

	now := time.Now().UTC()
	return a.orm.Model(&sessionRow{}).Where("id = ?", id).Updates(map[string]any{
		"status":   "closed",
		"ended_at": &now,
	}).Error
}

func (a *Aggregator) onProcessing(ctx context.Context, data []byte) error {
	var evt processingEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		a.logger.Warn().Err(err).Msg("malformed processing event")
		return nil
	}

	var artifact artifactRow
	if err := a.orm.WithContext(ctx).First(&artifact, "id = ?", evt.ArtifactID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			a.logger.Warn().Stringer("artifact_id", evt.ArtifactID).Msg("processing event for unknown artifact")
			return nil
		}
		return err
	}

	sessionID, err := a.ensureActive(ctx, artifact.Name)
	if err != nil {
		return err
	}

	updates := map[string]any{
		"files_submitted": gorm.Expr("files_submitted + 1"),
	}
	switch store.MediaType(artifact.MediaType) {
	case store.MediaCapture:
		updates["captures_count"] = gorm.Expr("captures_count + 1")
	case store.MediaLog:
		updates["log_files_count"] = gorm.Expr("log_files_count + 1")
	}

	return a.orm.WithContext(ctx).Model(&sessionRow{}).
		Where("id = ?", sessionID).
		Updates(updates).Error
}

func (a *Aggregator) onFinished(ctx context.Context, data []byte) error {
	var evt finishedEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		a.logger.Warn().Err(err).Msg("malformed finished event")
		return nil
	}

	sessionID, err := a.ensureActive(ctx, "")
	if err != nil {
		return err
	}

	return a.orm.WithContext(ctx).Model(&sessionRow{}).
		Where("id = ?", sessionID).
		Updates(map[string]any{
			"files_processed": gorm.Expr("files_processed + 1"),
			"anomalies_found": gorm.Expr("anomalies_found + ?", evt.Anomalies),
			"processing_ms":   gorm.Expr("processing_ms + ?", evt.DurationMS),
		}).Error
}

// ensureActive returns the active session id, creating a new session when
// none is active. sourceFile labels a freshly created session only.
func (a *Aggregator) ensureActive(ctx context.Context, sourceFile string) (uuid.UUID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.activeID != uuid.Nil {
		return a.activeID, nil
	}

	// Adopt an active session left by a previous aggregator run.
	var existing sessionRow
	err := a.orm.WithContext(ctx).Where("status = ?", "active").Order("started_at DESC").First(&existing).Error
	switch {
	case err == nil:
		a.activeID = existing.ID
		return a.activeID, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return uuid.Nil, err
	}

	row := sessionRow{
		ID:         uuid.New(),
		SourceFile: sourceFile,
		StartedAt:  time.Now().UTC(),
		Status:     "active",
	}
	if err := a.orm.WithContext(ctx).Create(&row).Error; err != nil {
		return uuid.Nil, err
	}
	a.activeID = row.ID
	a.logger.Info().Stringer("session_id", row.ID).Msg("session started")
	return a.activeID, nil
}
