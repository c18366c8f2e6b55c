package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"gorm.io/gorm"

	"l1gw/pkg/db"
)

// Postgres persists artifact records through GORM. Transition methods are
// written as conditional updates guarded on the current status, so racing
// writers resolve at the database without any coordination in this process.
// Aggregate reads go through the pgx pool directly.
type Postgres struct {
	orm  *gorm.DB
	pool *pgxpool.Pool
}

// NewPostgres wraps an existing GORM handle and the underlying pool.
func NewPostgres(orm *gorm.DB, pool *pgxpool.Pool) (*Postgres, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Postgres{orm: orm, pool: pool}, nil
}

func (p *Postgres) CreateArtifact(ctx context.Context, artifact Artifact) error {
	model := artifactToModel(artifact)
	if err := p.orm.WithContext(ctx).Create(&model).Error; err != nil {
		return err
	}
	p.audit(ctx, "artifact.create", artifact.ID.String(), map[string]any{
		"name":       artifact.Name,
		"media_type": string(artifact.MediaType),
		"size_bytes": artifact.SizeBytes,
	})
	return nil
}

func (p *Postgres) Artifact(ctx context.Context, id uuid.UUID) (Artifact, error) {
	var model artifactModel
	if err := p.orm.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Artifact{}, ErrNotFound
		}
		return Artifact{}, err
	}
	return model.toAPI(), nil
}

func (p *Postgres) Artifacts(ctx context.Context) ([]Artifact, error) {
	var models []artifactModel
	if err := p.orm.WithContext(ctx).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	artifacts := make([]Artifact, 0, len(models))
	for _, m := range models {
		artifacts = append(artifacts, m.toAPI())
	}
	return artifacts, nil
}

func (p *Postgres) BeginProcessing(ctx context.Context, id uuid.UUID) error {
	return p.transition(ctx, id, StatusPending, map[string]any{
		"status":     string(StatusProcessing),
		"updated_at": time.Now().UTC(),
	})
}

func (p *Postgres) RecordProgress(ctx context.Context, id uuid.UUID, anomalies int64) error {
	return p.transition(ctx, id, StatusProcessing, map[string]any{
		"anomaly_count": anomalies,
		"updated_at":    time.Now().UTC(),
	})
}

func (p *Postgres) FinishArtifact(ctx context.Context, id uuid.UUID, outcome Outcome) error {
	if !outcome.Status.Terminal() {
		return fmt.Errorf("store: outcome status %q is not terminal", outcome.Status)
	}
	updates := map[string]any{
		"status":      string(outcome.Status),
		"duration_ms": outcome.Duration.Milliseconds(),
		"updated_at":  time.Now().UTC(),
	}
	if outcome.Status == StatusCompleted {
		updates["anomaly_count"] = outcome.AnomalyCount
	} else {
		updates["error_detail"] = outcome.ErrorDetail
	}
	if err := p.transition(ctx, id, StatusProcessing, updates); err != nil {
		return err
	}
	p.audit(ctx, "artifact.finish", id.String(), map[string]any{
		"status":      string(outcome.Status),
		"duration_ms": outcome.Duration.Milliseconds(),
	})
	return nil
}

// audit records a trail row. Best effort: a failed audit insert never fails
// the operation it describes.
func (p *Postgres) audit(ctx context.Context, action, obj string, details map[string]any) {
	payload, err := json.Marshal(details)
	if err != nil {
		return
	}
	_, _ = db.Exec(ctx, p.pool,
		`INSERT INTO audit (actor, action, obj, details) VALUES ($1, $2, $3, $4::jsonb)`,
		"gateway", action, obj, string(payload))
}

func (p *Postgres) SetArchiveKey(ctx context.Context, id uuid.UUID, key string) error {
	res := p.orm.WithContext(ctx).
		Model(&artifactModel{}).
		Where("id = ?", id).
		Update("archive_key", key)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// transition applies updates only when the artifact is currently in from.
func (p *Postgres) transition(ctx context.Context, id uuid.UUID, from Status, updates map[string]any) error {
	res := p.orm.WithContext(ctx).
		Model(&artifactModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := p.orm.WithContext(ctx).Model(&artifactModel{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

func (p *Postgres) InsertAnomalies(ctx context.Context, anomalies []Anomaly) error {
	if len(anomalies) == 0 {
		return nil
	}
	models := make([]anomalyModel, 0, len(anomalies))
	for _, a := range anomalies {
		artifactID := a.ArtifactID
		models = append(models, anomalyModel{
			ID:           a.ID,
			ArtifactID:   &artifactID,
			Type:         a.Type,
			Description:  a.Description,
			Severity:     a.Severity,
			SourceFile:   a.SourceFile,
			PacketNumber: a.PacketNumber,
			Confidence:   a.Confidence,
			Details:      toJSONMap(a.Details),
			DetectedAt:   a.DetectedAt,
		})
	}
	return p.orm.WithContext(ctx).Create(&models).Error
}

func (p *Postgres) Anomaly(ctx context.Context, id uuid.UUID) (Anomaly, error) {
	var model anomalyModel
	if err := p.orm.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Anomaly{}, ErrNotFound
		}
		return Anomaly{}, err
	}
	return model.toAPI(), nil
}

func (p *Postgres) Anomalies(ctx context.Context, filter AnomalyFilter) ([]Anomaly, error) {
	q := p.orm.WithContext(ctx).Model(&anomalyModel{}).Order("detected_at DESC")
	if filter.ArtifactID != uuid.Nil {
		q = q.Where("artifact_id = ?", filter.ArtifactID)
	}
	if filter.Severity != "" {
		q = q.Where("severity = ?", filter.Severity)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var models []anomalyModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	anomalies := make([]Anomaly, 0, len(models))
	for _, m := range models {
		anomalies = append(anomalies, m.toAPI())
	}
	return anomalies, nil
}

func (p *Postgres) Sessions(ctx context.Context) ([]Session, error) {
	var models []sessionModel
	if err := p.orm.WithContext(ctx).Order("started_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	sessions := make([]Session, 0, len(models))
	for _, m := range models {
		sessions = append(sessions, m.toAPI())
	}
	return sessions, nil
}

type statusCount struct {
	Status string
	Count  int64
}

type severityCount struct {
	Severity string
	Count    int64
}

func (p *Postgres) DashboardSummary(ctx context.Context) (DashboardSummary, error) {
	var byStatus []statusCount
	if err := db.Select(ctx, p.pool, &byStatus,
		`SELECT status, count(*) AS count FROM artifacts GROUP BY status`); err != nil {
		return DashboardSummary{}, err
	}

	var bySeverity []severityCount
	if err := db.Select(ctx, p.pool, &bySeverity,
		`SELECT severity, count(*) AS count FROM anomalies GROUP BY severity`); err != nil {
		return DashboardSummary{}, err
	}

	return summarize(byStatus, bySeverity), nil
}

// summarize folds grouped counts into the dashboard view.
func summarize(byStatus []statusCount, bySeverity []severityCount) DashboardSummary {
	summary := DashboardSummary{
		ArtifactsByStatus:   make(map[Status]int64),
		AnomaliesBySeverity: make(map[string]int64),
	}
	for _, sc := range byStatus {
		summary.ArtifactsByStatus[Status(sc.Status)] = sc.Count
		summary.TotalArtifacts += sc.Count
	}
	for _, sc := range bySeverity {
		summary.AnomaliesBySeverity[sc.Severity] = sc.Count
		summary.TotalAnomalies += sc.Count
	}
	return summary
}

var _ Store = (*Postgres)(nil)
