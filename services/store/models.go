package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type artifactModel struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey"`
	Name         string            `gorm:"type:text;not null"`
	MediaType    string            `gorm:"type:text;not null"`
	SizeBytes    int64             `gorm:"type:bigint;not null"`
	Status       string            `gorm:"type:text;not null;default:'pending';index"`
	AnomalyCount int64             `gorm:"type:bigint;not null;default:0"`
	DurationMS   int64             `gorm:"type:bigint;not null;default:0"`
	ErrorDetail  string            `gorm:"type:text"`
	ArchiveKey   string            `gorm:"type:text"`
	Meta         datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt    time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
	UpdatedAt    time.Time         `gorm:"type:timestamptz;not null;default:now();autoUpdateTime"`
}

func (artifactModel) TableName() string { return "artifacts" }

func (m artifactModel) toAPI() Artifact {
	return Artifact{
		ID:           m.ID,
		Name:         m.Name,
		MediaType:    MediaType(m.MediaType),
		SizeBytes:    m.SizeBytes,
		Status:       Status(m.Status),
		AnomalyCount: m.AnomalyCount,
		DurationMS:   m.DurationMS,
		ErrorDetail:  m.ErrorDetail,
		ArchiveKey:   m.ArchiveKey,
		Meta:         mapFromJSONMap(m.Meta),
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func artifactToModel(a Artifact) artifactModel {
	return artifactModel{
		ID:           a.ID,
		Name:         a.Name,
		MediaType:    string(a.MediaType),
		SizeBytes:    a.SizeBytes,
		Status:       string(a.Status),
		AnomalyCount: a.AnomalyCount,
		DurationMS:   a.DurationMS,
		ErrorDetail:  a.ErrorDetail,
		ArchiveKey:   a.ArchiveKey,
		Meta:         toJSONMap(a.Meta),
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

type anomalyModel struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey"`
	ArtifactID   *uuid.UUID        `gorm:"type:uuid;index"`
	Type         string            `gorm:"type:text;not null"`
	Description  string            `gorm:"type:text"`
	Severity     string            `gorm:"type:text;not null;index"`
	SourceFile   string            `gorm:"type:text"`
	PacketNumber int64             `gorm:"type:bigint"`
	Confidence   float64           `gorm:"type:double precision"`
	Details      datatypes.JSONMap `gorm:"type:jsonb"`
	DetectedAt   time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (anomalyModel) TableName() string { return "anomalies" }

func (m anomalyModel) toAPI() Anomaly {
	return Anomaly{
		ID:           m.ID,
		ArtifactID:   valueOrZero(m.ArtifactID),
		Type:         m.Type,
		Description:  m.Description,
		Severity:     m.Severity,
		SourceFile:   m.SourceFile,
		PacketNumber: m.PacketNumber,
		Confidence:   m.Confidence,
		Details:      mapFromJSONMap(m.Details),
		DetectedAt:   m.DetectedAt,
	}
}

type sessionModel struct {
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

func (sessionModel) TableName() string { return "sessions" }

func (m sessionModel) toAPI() Session {
	return Session{
		ID:             m.ID,
		SourceFile:     m.SourceFile,
		StartedAt:      m.StartedAt,
		EndedAt:        m.EndedAt,
		FilesSubmitted: m.FilesSubmitted,
		FilesProcessed: m.FilesProcessed,
		AnomaliesFound: m.AnomaliesFound,
		ProcessingMS:   m.ProcessingMS,
		CapturesCount:  m.CapturesCount,
		LogFilesCount:  m.LogFilesCount,
		Status:         m.Status,
	}
}

func mapFromJSONMap(src datatypes.JSONMap) map[string]any {
	if src == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func toJSONMap(src map[string]any) datatypes.JSONMap {
	out := datatypes.JSONMap{}
	if src == nil {
		return out
	}
	for k, v := range src {
		out[k] = v
	}
	return out
}

func valueOrZero(id *uuid.UUID) uuid.UUID {
	if id == nil {
		return uuid.Nil
	}
	return *id
}
