package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"l1gw/services/store"
)

type reconcilerFixture struct {
	st         *store.Memory
	tracker    *Tracker
	dispatcher *Dispatcher
	reconciler *Reconciler
}

func newReconcilerFixture(t *testing.T, cmds Commands) *reconcilerFixture {
	t.Helper()

	st := store.NewMemory()
	tracker, err := NewTracker(st, nil, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	dispatcher, err := NewDispatcher(cmds, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	reconciler, err := NewReconciler(tracker, st, nil, "", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	return &reconcilerFixture{st: st, tracker: tracker, dispatcher: dispatcher, reconciler: reconciler}
}

func (f *reconcilerFixture) run(t *testing.T, procCtx context.Context, cls Classification) (uuid.UUID, string) {
	t.Helper()

	staged := filepath.Join(t.TempDir(), "staged")
	if err := os.WriteFile(staged, []byte("payload"), 0o600); err != nil {
		t.Fatalf("write staged: %v", err)
	}

	artifact := store.Artifact{
		ID:        uuid.New(),
		Name:      "trace.pcap",
		MediaType: cls.MediaType,
		Status:    store.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := f.st.CreateArtifact(context.Background(), artifact); err != nil {
		t.Fatalf("CreateArtifact: %v", err)
	}

	f.tracker.Begin(procCtx, artifact.ID)
	handle, err := f.dispatcher.Dispatch(procCtx, artifact, cls, staged)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	f.reconciler.Run(procCtx, artifact, handle, staged)
	return artifact.ID, staged
}

func captureCls() Classification {
	return Classification{MediaType: store.MediaCapture, Profile: ProfileStandardCapture}
}

func TestReconcilerCompleted(t *testing.T) {
	cmds := testCommands()
	cmds.StandardCapture = []string{"sh", "-c", `echo '{"event":"progress","anomalies":4}'`}
	f := newReconcilerFixture(t, cmds)

	id, staged := f.run(t, context.Background(), captureCls())

	artifact, err := f.st.Artifact(context.Background(), id)
	if err != nil {
		t.Fatalf("Artifact: %v", err)
	}
	if artifact.Status != store.StatusCompleted {
		t.Fatalf("status = %q, want completed", artifact.Status)
	}
	if artifact.AnomalyCount != 4 {
		t.Errorf("anomaly count = %d, want 4", artifact.AnomalyCount)
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Errorf("staged file was not cleaned up")
	}
}

func TestReconcilerFailedWithStderrDetail(t *testing.T) {
	cmds := testCommands()
	cmds.StandardCapture = []string{"sh", "-c", `echo 'corrupt pcap global header' >&2; exit 2`}
	f := newReconcilerFixture(t, cmds)

	id, staged := f.run(t, context.Background(), captureCls())

	artifact, err := f.st.Artifact(context.Background(), id)
	if err != nil {
		t.Fatalf("Artifact: %v", err)
	}
	if artifact.Status != store.StatusFailed {
		t.Fatalf("status = %q, want failed", artifact.Status)
	}
	if artifact.ErrorDetail != "corrupt pcap global header" {
		t.Errorf("error detail = %q, want stderr line", artifact.ErrorDetail)
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Errorf("staged file was not cleaned up after failure")
	}
}

func TestReconcilerFailedWithoutStderr(t *testing.T) {
	cmds := testCommands()
	cmds.StandardCapture = []string{"sh", "-c", "exit 1"}
	f := newReconcilerFixture(t, cmds)

	id, _ := f.run(t, context.Background(), captureCls())

	artifact, err := f.st.Artifact(context.Background(), id)
	if err != nil {
		t.Fatalf("Artifact: %v", err)
	}
	if artifact.Status != store.StatusFailed {
		t.Fatalf("status = %q, want failed", artifact.Status)
	}
	if artifact.ErrorDetail != "Processing failed" {
		t.Errorf("error detail = %q, want generic message", artifact.ErrorDetail)
	}
}

func TestReconcilerCancelled(t *testing.T) {
	cmds := testCommands()
	cmds.StandardCapture = []string{"sh", "-c", "exec sleep 30"}
	f := newReconcilerFixture(t, cmds)

	procCtx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	id, _ := f.run(t, procCtx, captureCls())

	artifact, err := f.st.Artifact(context.Background(), id)
	if err != nil {
		t.Fatalf("Artifact: %v", err)
	}
	if artifact.Status != store.StatusFailed {
		t.Fatalf("status = %q, want failed", artifact.Status)
	}
	if artifact.ErrorDetail != "analysis cancelled" {
		t.Errorf("error detail = %q, want cancellation message", artifact.ErrorDetail)
	}
}

func TestReconcilerTimedOut(t *testing.T) {
	cmds := testCommands()
	cmds.StandardCapture = []string{"sh", "-c", "exec sleep 30"}
	f := newReconcilerFixture(t, cmds)

	procCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	id, _ := f.run(t, procCtx, captureCls())

	artifact, err := f.st.Artifact(context.Background(), id)
	if err != nil {
		t.Fatalf("Artifact: %v", err)
	}
	if artifact.Status != store.StatusFailed {
		t.Fatalf("status = %q, want failed", artifact.Status)
	}
	if artifact.ErrorDetail != "analysis timed out" {
		t.Errorf("error detail = %q, want timeout message", artifact.ErrorDetail)
	}
}
