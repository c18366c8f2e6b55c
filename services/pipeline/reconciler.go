package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"

	"l1gw/services/store"
)

// Archiver uploads terminal artifacts to the object store. *s3.Client
// satisfies it; a nil Archiver disables archiving.
type Archiver interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, sha256 string) error
}

// Reconciler drives one dispatched analyzer to a terminal state: it observes
// the process exit, maps it to an outcome, persists the terminal record, and
// cleans up the staged file on both success and failure paths.
type Reconciler struct {
	tracker  *Tracker
	store    store.Store
	archiver Archiver
	bucket   string
	logger   zerolog.Logger
}

// NewReconciler builds a Reconciler. archiver may be nil.
func NewReconciler(tracker *Tracker, st store.Store, archiver Archiver, bucket string, logger zerolog.Logger) (*Reconciler, error) {
	if tracker == nil {
		return nil, errors.New("tracker is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	return &Reconciler{tracker: tracker, store: st, archiver: archiver, bucket: bucket, logger: logger}, nil
}

// Run blocks until the analyzer exits and the terminal record is persisted.
// procCtx is the process-control context; its cancellation or deadline only
// shapes the failure detail, never the persistence calls.
func (r *Reconciler) Run(procCtx context.Context, artifact store.Artifact, handle *Handle, stagedPath string) {
	persistCtx := context.WithoutCancel(procCtx)

	var accumulated int64
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		for count := range handle.Progress() {
			accumulated = count
			r.tracker.Progress(persistCtx, artifact.ID, count)
		}
	}()

	waitErr := handle.Wait()
	<-progressDone
	elapsed := time.Since(handle.StartedAt())

	outcome := r.outcome(procCtx, handle, waitErr, accumulated, elapsed)
	r.tracker.Finish(persistCtx, artifact.ID, outcome)

	if stagedPath != "" {
		r.archive(persistCtx, artifact, stagedPath)
		if err := os.Remove(stagedPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn().Err(err).Str("path", stagedPath).Msg("remove staged artifact")
		}
	}
}

func (r *Reconciler) outcome(procCtx context.Context, handle *Handle, waitErr error, accumulated int64, elapsed time.Duration) store.Outcome {
	if waitErr == nil {
		return store.Completed(accumulated, elapsed)
	}

	switch procCtx.Err() {
	case context.DeadlineExceeded:
		return store.Failed(elapsed, "analysis timed out")
	case context.Canceled:
		return store.Failed(elapsed, "analysis cancelled")
	}

	if detail := handle.LastStderr(); detail != "" {
		return store.Failed(elapsed, detail)
	}
	return store.Failed(elapsed, "Processing failed")
}

// archive compresses the staged bytes and uploads them for later retrieval.
// Failures are logged and swallowed; archiving never affects the recorded
// outcome.
func (r *Reconciler) archive(ctx context.Context, artifact store.Artifact, stagedPath string) {
	if r.archiver == nil || r.bucket == "" {
		return
	}

	compressed, size, digest, err := compressStaged(stagedPath)
	if err != nil {
		r.logger.Warn().Err(err).Stringer("artifact_id", artifact.ID).Msg("compress staged artifact")
		return
	}
	defer func() {
		compressed.Close()
		os.Remove(compressed.Name())
	}()

	key := fmt.Sprintf("artifacts/%s/%s.zst", artifact.MediaType, artifact.ID)
	if err := r.archiver.PutObject(ctx, r.bucket, key, compressed, size, digest); err != nil {
		r.logger.Warn().Err(err).Stringer("artifact_id", artifact.ID).Msg("archive artifact")
		return
	}
	if err := r.store.SetArchiveKey(ctx, artifact.ID, key); err != nil {
		r.logger.Warn().Err(err).Stringer("artifact_id", artifact.ID).Msg("record archive key")
	}
}

func compressStaged(stagedPath string) (*os.File, int64, string, error) {
	src, err := os.Open(stagedPath)
	if err != nil {
		return nil, 0, "", err
	}
	defer src.Close()

	dst, err := os.CreateTemp(filepath.Dir(stagedPath), "l1gw-archive-*.zst")
	if err != nil {
		return nil, 0, "", err
	}

	hasher := sha256.New()
	enc, err := zstd.NewWriter(io.MultiWriter(dst, hasher))
	if err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return nil, 0, "", err
	}

	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		dst.Close()
		os.Remove(dst.Name())
		return nil, 0, "", err
	}
	if err := enc.Close(); err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return nil, 0, "", err
	}

	size, err := dst.Seek(0, io.SeekCurrent)
	if err == nil {
		_, err = dst.Seek(0, io.SeekStart)
	}
	if err != nil {
		dst.Close()
		os.Remove(dst.Name())
		return nil, 0, "", err
	}

	return dst, size, hex.EncodeToString(hasher.Sum(nil)), nil
}
