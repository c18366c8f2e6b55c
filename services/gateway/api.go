package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"l1gw/services/pipeline"
	"l1gw/services/recommender"
	"l1gw/services/store"
)

// Presigner mints time-limited download URLs for archived artifacts.
// *s3.Client satisfies it; a nil Presigner disables downloads.
type Presigner interface {
	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// API wires the HTTP handlers to the record store, the ingestion pipeline,
// the recommendation streamer, and the dashboard event hub.
type API struct {
	store     store.Store
	pipe      *pipeline.Pipeline
	streamer  *recommender.Streamer
	hub       *Hub
	presigner Presigner
	ready     func(context.Context) error
	config    Config
	logger    zerolog.Logger
}

// New initialises the API layer. pipe, streamer, hub, presigner, and ready
// may each be nil; the corresponding endpoints degrade individually.
func New(st store.Store, pipe *pipeline.Pipeline, streamer *recommender.Streamer, hub *Hub, presigner Presigner, ready func(context.Context) error, cfg Config, logger zerolog.Logger) (*API, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = 15 * time.Minute
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 3 * 1024 * 1024 * 1024
	}

	return &API{
		store:     st,
		pipe:      pipe,
		streamer:  streamer,
		hub:       hub,
		presigner: presigner,
		ready:     ready,
		config:    cfg,
		logger:    logger,
	}, nil
}
