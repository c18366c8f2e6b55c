package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a mutex-guarded in-process Store. It backs unit tests and the
// gateway's degraded mode, where the analytics database is unreachable and
// the operator has explicitly opted into serving fixture data.
type Memory struct {
	mu        sync.Mutex
	artifacts map[uuid.UUID]Artifact
	anomalies map[uuid.UUID]Anomaly
	sessions  map[uuid.UUID]Session
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		artifacts: make(map[uuid.UUID]Artifact),
		anomalies: make(map[uuid.UUID]Anomaly),
		sessions:  make(map[uuid.UUID]Session),
	}
}

// NewMemoryWithFixtures returns an in-memory store pre-populated with the
// canned sample data served in degraded mode.
func NewMemoryWithFixtures() *Memory {
	m := NewMemory()
	for _, a := range fixtureArtifacts() {
		m.artifacts[a.ID] = a
	}
	for _, a := range fixtureAnomalies() {
		m.anomalies[a.ID] = a
	}
	for _, s := range fixtureSessions() {
		m.sessions[s.ID] = s
	}
	return m
}

func (m *Memory) CreateArtifact(_ context.Context, artifact Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.artifacts[artifact.ID]; exists {
		return fmt.Errorf("store: artifact %s already exists", artifact.ID)
	}
	m.artifacts[artifact.ID] = artifact
	return nil
}

func (m *Memory) Artifact(_ context.Context, id uuid.UUID) (Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	artifact, ok := m.artifacts[id]
	if !ok {
		return Artifact{}, ErrNotFound
	}
	return artifact, nil
}

func (m *Memory) Artifacts(_ context.Context) ([]Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	artifacts := make([]Artifact, 0, len(m.artifacts))
	for _, a := range m.artifacts {
		artifacts = append(artifacts, a)
	}
	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].CreatedAt.After(artifacts[j].CreatedAt)
	})
	return artifacts, nil
}

func (m *Memory) BeginProcessing(_ context.Context, id uuid.UUID) error {
	return m.transition(id, StatusPending, func(a *Artifact) {
		a.Status = StatusProcessing
	})
}

func (m *Memory) RecordProgress(_ context.Context, id uuid.UUID, anomalies int64) error {
	return m.transition(id, StatusProcessing, func(a *Artifact) {
		a.AnomalyCount = anomalies
	})
}

func (m *Memory) FinishArtifact(_ context.Context, id uuid.UUID, outcome Outcome) error {
	if !outcome.Status.Terminal() {
		return fmt.Errorf("store: outcome status %q is not terminal", outcome.Status)
	}
	return m.transition(id, StatusProcessing, func(a *Artifact) {
		a.Status = outcome.Status
		a.DurationMS = outcome.Duration.Milliseconds()
		if outcome.Status == StatusCompleted {
			a.AnomalyCount = outcome.AnomalyCount
		} else {
			a.ErrorDetail = outcome.ErrorDetail
		}
	})
}

func (m *Memory) SetArchiveKey(_ context.Context, id uuid.UUID, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	artifact, ok := m.artifacts[id]
	if !ok {
		return ErrNotFound
	}
	artifact.ArchiveKey = key
	artifact.UpdatedAt = time.Now().UTC()
	m.artifacts[id] = artifact
	return nil
}

func (m *Memory) transition(id uuid.UUID, from Status, mutate func(*Artifact)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	artifact, ok := m.artifacts[id]
	if !ok {
		return ErrNotFound
	}
	if artifact.Status != from {
		return ErrConflict
	}
	mutate(&artifact)
	artifact.UpdatedAt = time.Now().UTC()
	m.artifacts[id] = artifact
	return nil
}

func (m *Memory) InsertAnomalies(_ context.Context, anomalies []Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range anomalies {
		m.anomalies[a.ID] = a
	}
	return nil
}

func (m *Memory) Anomaly(_ context.Context, id uuid.UUID) (Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	anomaly, ok := m.anomalies[id]
	if !ok {
		return Anomaly{}, ErrNotFound
	}
	return anomaly, nil
}

func (m *Memory) Anomalies(_ context.Context, filter AnomalyFilter) ([]Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	anomalies := make([]Anomaly, 0, len(m.anomalies))
	for _, a := range m.anomalies {
		if filter.ArtifactID != uuid.Nil && a.ArtifactID != filter.ArtifactID {
			continue
		}
		if filter.Severity != "" && a.Severity != filter.Severity {
			continue
		}
		anomalies = append(anomalies, a)
	}
	sort.Slice(anomalies, func(i, j int) bool {
		return anomalies[i].DetectedAt.After(anomalies[j].DetectedAt)
	})
	if filter.Limit > 0 && len(anomalies) > filter.Limit {
		anomalies = anomalies[:filter.Limit]
	}
	return anomalies, nil
}

func (m *Memory) Sessions(_ context.Context) ([]Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions, nil
}

func (m *Memory) DashboardSummary(_ context.Context) (DashboardSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	summary := DashboardSummary{
		ArtifactsByStatus:   make(map[Status]int64),
		AnomaliesBySeverity: make(map[string]int64),
	}
	for _, a := range m.artifacts {
		summary.ArtifactsByStatus[a.Status]++
		summary.TotalArtifacts++
	}
	for _, a := range m.anomalies {
		summary.AnomaliesBySeverity[a.Severity]++
		summary.TotalAnomalies++
	}
	return summary, nil
}

var _ Store = (*Memory)(nil)
