package migrations

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func init() {
	goose.AddMigrationContext(upInit, downInit)
}

type Artifact struct {
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

type Anomaly struct {
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
	Artifact     Artifact          `gorm:"foreignKey:ArtifactID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

type Session struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey"`
	SourceFile      string     `gorm:"type:text"`
	StartedAt       time.Time  `gorm:"type:timestamptz;not null;default:now()"`
	EndedAt         *time.Time `gorm:"type:timestamptz"`
	FilesProcessed  int64      `gorm:"type:bigint;not null;default:0"`
	AnomaliesFound  int64      `gorm:"type:bigint;not null;default:0"`
	ProcessingMS    int64      `gorm:"type:bigint;not null;default:0"`
	Status          string     `gorm:"type:text;not null;default:'active'"`
	FilesSubmitted  int64      `gorm:"type:bigint;not null;default:0"`
	CapturesCount   int64      `gorm:"type:bigint;not null;default:0"`
	LogFilesCount   int64      `gorm:"type:bigint;not null;default:0"`
}

type Audit struct {
	ID      int64             `gorm:"type:bigserial;primaryKey"`
	Actor   string            `gorm:"type:text;not null"`
	Action  string            `gorm:"type:text;not null"`
	Obj     string            `gorm:"type:text"`
	Details datatypes.JSONMap `gorm:"type:jsonb"`
	At      time.Time         `gorm:"type:timestamptz;not null;default:now();autoCreateTime"`
}

func (Audit) TableName() string { return "audit" }

func upInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).AutoMigrate(
		&Artifact{},
		&Anomaly{},
		&Session{},
		&Audit{},
	); err != nil {
		return err
	}

	m := gormDB.WithContext(ctx).Migrator()
	if err := m.CreateConstraint(&Anomaly{}, "Artifact"); err != nil {
		return err
	}

	return nil
}

func downInit(ctx context.Context, tx *sql.Tx) error {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: tx, PreferSimpleProtocol: true}), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{SingularTable: false},
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return err
	}

	if err := gormDB.WithContext(ctx).Migrator().DropTable(
		&Audit{},
		&Session{},
		&Anomaly{},
		&Artifact{},
	); err != nil {
		return err
	}

	return nil
}
