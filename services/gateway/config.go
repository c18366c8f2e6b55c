package gateway

import (
	"strings"
	"time"

	"l1gw/services/pipeline"
	"l1gw/services/recommender"
)

// Config is the gateway's environment-driven configuration.
type Config struct {
	Addr           string   `env:"GATEWAY_ADDR, default=:8080"`
	DatabaseURL    string   `env:"DATABASE_URL"`
	NATSURL        string   `env:"NATS_URL, default=nats://127.0.0.1:4222"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS, default=http://localhost:5173"`
	RatePerMinute  int      `env:"RATE_LIMIT_PER_MINUTE, default=300"`

	MaxUploadBytes  int64         `env:"MAX_UPLOAD_BYTES, default=3221225472"`
	AnalysisTimeout time.Duration `env:"ANALYSIS_TIMEOUT"`
	StagingDir      string        `env:"STAGING_DIR"`
	ArchiveBucket   string        `env:"ARCHIVE_BUCKET"`
	PresignTTL      time.Duration `env:"PRESIGN_TTL, default=15m"`

	// DegradedFixtures serves canned demo data from an in-memory store when
	// no database is reachable. It must be opted into explicitly.
	DegradedFixtures bool `env:"DEGRADED_FIXTURES, default=false"`

	PCAPAnalyzerCmd      string `env:"PCAP_ANALYZER_CMD"`
	LargePCAPAnalyzerCmd string `env:"LARGE_PCAP_ANALYZER_CMD"`
	LogAnalyzerCmd       string `env:"LOG_ANALYZER_CMD"`

	InferenceCmd       string `env:"INFERENCE_CMD, default=python3 analyzers/tslam_service.py"`
	RemoteInferenceURL string `env:"REMOTE_INFERENCE_URL"`
}

// AnalyzerCommands resolves the analyzer argv table, falling back to the
// bundled analyzer scripts for any command left unset.
func (c Config) AnalyzerCommands() pipeline.Commands {
	cmds := pipeline.DefaultCommands()
	if argv := strings.Fields(c.PCAPAnalyzerCmd); len(argv) > 0 {
		cmds.StandardCapture = argv
	}
	if argv := strings.Fields(c.LargePCAPAnalyzerCmd); len(argv) > 0 {
		cmds.LargeCapture = argv
	}
	if argv := strings.Fields(c.LogAnalyzerCmd); len(argv) > 0 {
		cmds.Log = argv
	}
	return cmds
}

// RecommenderConfig maps the gateway settings onto the streamer's.
func (c Config) RecommenderConfig() recommender.Config {
	return recommender.Config{
		Command:   strings.Fields(c.InferenceCmd),
		RemoteURL: c.RemoteInferenceURL,
	}
}
