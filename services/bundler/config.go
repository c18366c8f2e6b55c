package bundler

import (
	"io"
	"net/http"
	"time"
)

// BuildConfig configures support bundle creation.
type BuildConfig struct {
	// EvidenceDir is the directory of capture, log, and report files to
	// include.
	EvidenceDir string
	// Gateway optionally points at a running gateway whose artifact records
	// are exported into the bundle as records.json.
	Gateway    string
	Output     string
	Signer     *Signer
	HTTPClient *http.Client
	Now        func() time.Time
	Stdout     io.Writer
}

// VerifyConfig configures bundle verification.
type VerifyConfig struct {
	BundlePath string
	Signer     *Signer
	Stdout     io.Writer
}
