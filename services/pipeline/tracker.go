package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"l1gw/pkg/bus"
	"l1gw/services/store"
)

const (
	// SubjectProcessing carries artifact transitions into processing.
	SubjectProcessing = "l1.artifact.processing"
	// SubjectFinished carries terminal transitions, success and failure.
	SubjectFinished = "l1.artifact.finished"
)

// Tracker applies lifecycle transitions to the record store and announces
// them on the bus. The store enforces the transition rules; the tracker's
// job is to keep illegal transitions from becoming faults. They are logged
// and dropped, never propagated.
type Tracker struct {
	store   store.Store
	bus     *bus.Bus
	metrics *Metrics
	logger  zerolog.Logger
}

// NewTracker builds a Tracker. The bus and metrics may be nil.
func NewTracker(st store.Store, b *bus.Bus, metrics *Metrics, logger zerolog.Logger) (*Tracker, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	return &Tracker{store: st, bus: b, metrics: metrics, logger: logger}, nil
}

// Begin transitions pending -> processing. A missing or non-pending artifact
// is a logged no-op.
func (t *Tracker) Begin(ctx context.Context, id uuid.UUID) {
	if err := t.store.BeginProcessing(ctx, id); err != nil {
		t.logger.Warn().Err(err).Stringer("artifact_id", id).Msg("begin processing skipped")
		return
	}
	t.metrics.analysisStarted()
	t.publish(ctx, SubjectProcessing, map[string]any{
		"artifact_id": id,
		"status":      store.StatusProcessing,
	})
}

// Progress records an incremental anomaly count while processing. Updates
// arriving after a terminal transition are dropped by the store.
func (t *Tracker) Progress(ctx context.Context, id uuid.UUID, anomalies int64) {
	if err := t.store.RecordProgress(ctx, id, anomalies); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return
		}
		t.logger.Warn().Err(err).Stringer("artifact_id", id).Msg("record progress failed")
	}
}

// Finish applies the terminal transition exactly once. The first terminal
// write wins; a second call is reported as already finished and has no
// effect. A store outage here is silent data loss from the operator's point
// of view, so it is logged at error level.
func (t *Tracker) Finish(ctx context.Context, id uuid.UUID, outcome store.Outcome) {
	if err := t.store.FinishArtifact(ctx, id, outcome); err != nil {
		if errors.Is(err, store.ErrConflict) {
			t.logger.Warn().Stringer("artifact_id", id).Msg("artifact already finished")
			return
		}
		t.logger.Error().Err(err).Stringer("artifact_id", id).
			Str("status", string(outcome.Status)).
			Msg("persist terminal state failed; analysis result lost")
		return
	}

	if outcome.Status == store.StatusFailed {
		t.metrics.failure("analyzer")
	}
	t.metrics.analysisEnded(outcome.Duration.Seconds())

	t.publish(ctx, SubjectFinished, map[string]any{
		"artifact_id":  id,
		"status":       outcome.Status,
		"anomalies":    outcome.AnomalyCount,
		"duration_ms":  outcome.Duration.Milliseconds(),
		"error_detail": outcome.ErrorDetail,
		"finished_at":  time.Now().UTC(),
	})
}

func (t *Tracker) publish(ctx context.Context, subject string, payload map[string]any) {
	if t.bus == nil {
		return
	}
	if err := t.bus.Publish(ctx, subject, payload); err != nil {
		t.logger.Warn().Err(err).Str("subject", subject).Msg("publish lifecycle event failed")
	}
}
