package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"l1gw/services/store"
)

const defaultMaxUploadBytes = 3 * 1024 * 1024 * 1024

// ErrTooLarge rejects an upload before any artifact record is created.
var ErrTooLarge = errors.New("pipeline: artifact exceeds maximum upload size")

// ErrUnknownArtifact is returned by Cancel for identifiers with no running
// analysis.
var ErrUnknownArtifact = errors.New("pipeline: no running analysis for artifact")

// Config controls ingestion behaviour.
type Config struct {
	// MaxUploadBytes caps accepted artifact sizes. Defaults to 3 GiB.
	MaxUploadBytes int64
	// AnalysisTimeout bounds a single analyzer run. Zero disables the bound
	// and preserves the legacy run-forever behaviour.
	AnalysisTimeout time.Duration
	// StagingDir receives staged artifact bytes. Defaults to os.TempDir().
	StagingDir string
}

// Upload is an inbound file accepted from the HTTP layer.
type Upload struct {
	Name    string
	Size    int64
	Content io.Reader
}

// Pipeline owns the ingestion flow: classify, record, dispatch, track, and
// reconcile. Each accepted upload runs on its own detached goroutine with an
// isolated analyzer process and state machine instance.
type Pipeline struct {
	cfg        Config
	store      store.Store
	tracker    *Tracker
	dispatcher *Dispatcher
	reconciler *Reconciler
	metrics    *Metrics
	logger     zerolog.Logger

	mu     sync.Mutex
	active map[uuid.UUID]context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Pipeline from its collaborators. metrics may be nil.
func New(cfg Config, st store.Store, tracker *Tracker, dispatcher *Dispatcher, reconciler *Reconciler, metrics *Metrics, logger zerolog.Logger) (*Pipeline, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if tracker == nil || dispatcher == nil || reconciler == nil {
		return nil, errors.New("tracker, dispatcher, and reconciler are required")
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = os.TempDir()
	}

	return &Pipeline{
		cfg:        cfg,
		store:      st,
		tracker:    tracker,
		dispatcher: dispatcher,
		reconciler: reconciler,
		metrics:    metrics,
		logger:     logger,
		active:     make(map[uuid.UUID]context.CancelFunc),
	}, nil
}

// Submit validates and stages an upload, creates the pending artifact
// record, and kicks off analysis without blocking the caller. Oversized
// uploads are rejected before any record exists.
func (p *Pipeline) Submit(ctx context.Context, upload Upload) (store.Artifact, error) {
	if upload.Name == "" {
		return store.Artifact{}, errors.New("pipeline: upload name is required")
	}
	if upload.Size > p.cfg.MaxUploadBytes {
		p.metrics.rejected()
		return store.Artifact{}, ErrTooLarge
	}

	stagedPath, stagedSize, err := p.stage(upload)
	if err != nil {
		p.metrics.rejected()
		return store.Artifact{}, err
	}

	cls := Classify(upload.Name, stagedSize)
	now := time.Now().UTC()
	artifact := store.Artifact{
		ID:        uuid.New(),
		Name:      upload.Name,
		MediaType: cls.MediaType,
		SizeBytes: stagedSize,
		Status:    store.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := p.store.CreateArtifact(ctx, artifact); err != nil {
		os.Remove(stagedPath)
		return store.Artifact{}, fmt.Errorf("create artifact record: %w", err)
	}

	p.metrics.upload(string(cls.MediaType))
	p.logger.Info().
		Stringer("artifact_id", artifact.ID).
		Str("name", artifact.Name).
		Str("profile", string(cls.Profile)).
		Int64("size_bytes", stagedSize).
		Msg("artifact accepted")

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.process(artifact, cls, stagedPath)
	}()

	return artifact, nil
}

// Cancel forcibly terminates the analyzer for the given artifact. The
// reconciler observes the kill and records a failed terminal state.
func (p *Pipeline) Cancel(id uuid.UUID) error {
	p.mu.Lock()
	cancel, ok := p.active[id]
	p.mu.Unlock()
	if !ok {
		return ErrUnknownArtifact
	}
	cancel()
	return nil
}

// Wait blocks until all in-flight analyses have reconciled.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

// stage copies the upload to a temp file, enforcing the size cap on the
// actual byte count rather than the client-declared one.
func (p *Pipeline) stage(upload Upload) (string, int64, error) {
	f, err := os.CreateTemp(p.cfg.StagingDir, "l1gw-staged-*")
	if err != nil {
		return "", 0, fmt.Errorf("stage artifact: %w", err)
	}

	limited := io.LimitReader(upload.Content, p.cfg.MaxUploadBytes+1)
	size, err := io.Copy(f, limited)
	closeErr := f.Close()

	switch {
	case err != nil:
		os.Remove(f.Name())
		return "", 0, fmt.Errorf("stage artifact: %w", err)
	case closeErr != nil:
		os.Remove(f.Name())
		return "", 0, fmt.Errorf("stage artifact: %w", closeErr)
	case size > p.cfg.MaxUploadBytes:
		os.Remove(f.Name())
		return "", 0, ErrTooLarge
	}

	return f.Name(), size, nil
}

// process is the detached unit of work for one artifact. It owns the
// process-control context registered for cancellation.
func (p *Pipeline) process(artifact store.Artifact, cls Classification, stagedPath string) {
	var (
		procCtx context.Context
		cancel  context.CancelFunc
	)
	if p.cfg.AnalysisTimeout > 0 {
		procCtx, cancel = context.WithTimeout(context.Background(), p.cfg.AnalysisTimeout)
	} else {
		procCtx, cancel = context.WithCancel(context.Background())
	}

	p.mu.Lock()
	p.active[artifact.ID] = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.active, artifact.ID)
		p.mu.Unlock()
	}()

	p.tracker.Begin(procCtx, artifact.ID)

	start := time.Now()
	handle, err := p.dispatcher.Dispatch(procCtx, artifact, cls, stagedPath)
	if err != nil {
		p.tracker.Finish(context.Background(), artifact.ID, store.Failed(time.Since(start), err.Error()))
		if removeErr := os.Remove(stagedPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			p.logger.Warn().Err(removeErr).Str("path", stagedPath).Msg("remove staged artifact")
		}
		return
	}

	p.reconciler.Run(procCtx, artifact, handle, stagedPath)
}
