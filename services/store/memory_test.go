package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func seedPending(t *testing.T, m *Memory) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := m.CreateArtifact(context.Background(), Artifact{
		ID:        id,
		Name:      "trace.pcap",
		MediaType: MediaCapture,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("CreateArtifact: %v", err)
	}
	return id
}

func TestBeginProcessingTransitions(t *testing.T) {
	m := NewMemory()
	id := seedPending(t, m)

	if err := m.BeginProcessing(context.Background(), id); err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}

	if err := m.BeginProcessing(context.Background(), id); !errors.Is(err, ErrConflict) {
		t.Errorf("second begin = %v, want ErrConflict", err)
	}
	if err := m.BeginProcessing(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id = %v, want ErrNotFound", err)
	}
}

func TestRecordProgressRequiresProcessing(t *testing.T) {
	m := NewMemory()
	id := seedPending(t, m)

	if err := m.RecordProgress(context.Background(), id, 1); !errors.Is(err, ErrConflict) {
		t.Fatalf("progress while pending = %v, want ErrConflict", err)
	}

	if err := m.BeginProcessing(context.Background(), id); err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}
	if err := m.RecordProgress(context.Background(), id, 4); err != nil {
		t.Fatalf("RecordProgress: %v", err)
	}

	artifact, err := m.Artifact(context.Background(), id)
	if err != nil {
		t.Fatalf("Artifact: %v", err)
	}
	if artifact.AnomalyCount != 4 {
		t.Errorf("anomaly count = %d, want 4", artifact.AnomalyCount)
	}
}

func TestFinishArtifactRejectsNonTerminal(t *testing.T) {
	m := NewMemory()
	id := seedPending(t, m)
	if err := m.BeginProcessing(context.Background(), id); err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}

	err := m.FinishArtifact(context.Background(), id, Outcome{Status: StatusProcessing})
	if err == nil {
		t.Fatal("expected error for non-terminal outcome")
	}
}

func TestFinishArtifactExactlyOnceUnderRace(t *testing.T) {
	m := NewMemory()
	id := seedPending(t, m)
	if err := m.BeginProcessing(context.Background(), id); err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}

	outcomes := []Outcome{
		Completed(2, time.Second),
		Failed(time.Second, "late failure"),
	}

	errs := make([]error, len(outcomes))
	var wg sync.WaitGroup
	for i, outcome := range outcomes {
		wg.Add(1)
		go func(i int, outcome Outcome) {
			defer wg.Done()
			errs[i] = m.FinishArtifact(context.Background(), id, outcome)
		}(i, outcome)
	}
	wg.Wait()

	var ok, conflict int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrConflict):
			conflict++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflict != 1 {
		t.Fatalf("got %d successes and %d conflicts, want exactly one of each", ok, conflict)
	}

	artifact, err := m.Artifact(context.Background(), id)
	if err != nil {
		t.Fatalf("Artifact: %v", err)
	}
	if !artifact.Status.Terminal() {
		t.Fatalf("status = %q, want terminal", artifact.Status)
	}
}

func TestFinishArtifactAtomicTerminalWrite(t *testing.T) {
	m := NewMemory()
	id := seedPending(t, m)
	if err := m.BeginProcessing(context.Background(), id); err != nil {
		t.Fatalf("BeginProcessing: %v", err)
	}

	if err := m.FinishArtifact(context.Background(), id, Failed(3*time.Second, "analyzer crashed")); err != nil {
		t.Fatalf("FinishArtifact: %v", err)
	}

	artifact, err := m.Artifact(context.Background(), id)
	if err != nil {
		t.Fatalf("Artifact: %v", err)
	}
	if artifact.Status != StatusFailed || artifact.DurationMS != 3000 || artifact.ErrorDetail != "analyzer crashed" {
		t.Errorf("terminal fields not written atomically: %+v", artifact)
	}
}

func TestAnomalyFilter(t *testing.T) {
	m := NewMemory()
	artifactID := uuid.New()
	now := time.Now().UTC()

	anomalies := []Anomaly{
		{ID: uuid.New(), ArtifactID: artifactID, Severity: "high", DetectedAt: now},
		{ID: uuid.New(), ArtifactID: artifactID, Severity: "medium", DetectedAt: now.Add(time.Second)},
		{ID: uuid.New(), ArtifactID: uuid.New(), Severity: "high", DetectedAt: now.Add(2 * time.Second)},
	}
	if err := m.InsertAnomalies(context.Background(), anomalies); err != nil {
		t.Fatalf("InsertAnomalies: %v", err)
	}

	tests := []struct {
		name   string
		filter AnomalyFilter
		want   int
	}{
		{name: "no filter", filter: AnomalyFilter{}, want: 3},
		{name: "by artifact", filter: AnomalyFilter{ArtifactID: artifactID}, want: 2},
		{name: "by severity", filter: AnomalyFilter{Severity: "high"}, want: 2},
		{name: "by artifact and severity", filter: AnomalyFilter{ArtifactID: artifactID, Severity: "high"}, want: 1},
		{name: "limited", filter: AnomalyFilter{Limit: 1}, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Anomalies(context.Background(), tt.filter)
			if err != nil {
				t.Fatalf("Anomalies: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d anomalies, want %d", len(got), tt.want)
			}
		})
	}
}

func TestDashboardSummary(t *testing.T) {
	m := NewMemoryWithFixtures()

	summary, err := m.DashboardSummary(context.Background())
	if err != nil {
		t.Fatalf("DashboardSummary: %v", err)
	}
	if summary.TotalArtifacts == 0 {
		t.Error("fixtures must include artifacts")
	}
	if summary.TotalAnomalies == 0 {
		t.Error("fixtures must include anomalies")
	}

	var byStatus int64
	for _, n := range summary.ArtifactsByStatus {
		byStatus += n
	}
	if byStatus != summary.TotalArtifacts {
		t.Errorf("status breakdown sums to %d, want %d", byStatus, summary.TotalArtifacts)
	}
}

func TestFixturesAreConsistent(t *testing.T) {
	m := NewMemoryWithFixtures()

	artifacts, err := m.Artifacts(context.Background())
	if err != nil {
		t.Fatalf("Artifacts: %v", err)
	}
	if len(artifacts) == 0 {
		t.Fatal("fixture store has no artifacts")
	}

	for _, a := range artifacts {
		if a.Status == StatusCompleted {
			anomalies, err := m.Anomalies(context.Background(), AnomalyFilter{ArtifactID: a.ID})
			if err != nil {
				t.Fatalf("Anomalies: %v", err)
			}
			if int64(len(anomalies)) != a.AnomalyCount {
				t.Errorf("artifact %s reports %d anomalies but %d fixture rows exist",
					a.Name, a.AnomalyCount, len(anomalies))
			}
		}
	}

	sessions, err := m.Sessions(context.Background())
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) == 0 {
		t.Fatal("fixture store has no sessions")
	}
}
