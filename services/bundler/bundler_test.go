package bundler

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcutil/bech32"
)

func newTestKey(t *testing.T) string {
	t.Helper()
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		t.Fatalf("generate seed: %v", err)
	}
	converted, err := bech32.ConvertBits(seed, 8, 5, true)
	if err != nil {
		t.Fatalf("convert seed: %v", err)
	}
	key, err := bech32.Encode("age-secret-key-", converted)
	if err != nil {
		t.Fatalf("encode key: %v", err)
	}
	return key
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	t.Setenv(envAgeSecretKey, newTestKey(t))
	t.Setenv(envAgePublicKey, "")
	signer, err := NewSignerFromEnv()
	if err != nil {
		t.Fatalf("NewSignerFromEnv: %v", err)
	}
	return signer
}

func writeEvidence(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"fronthaul_trace.pcap": "pcap payload",
		"ue_attach.log":        "attach log lines",
		"analysis_report.json": `{"anomalies":3}`,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func TestBuildAndVerifyRoundTrip(t *testing.T) {
	signer := newTestSigner(t)
	evidenceDir := writeEvidence(t)
	output := filepath.Join(t.TempDir(), "support.tar.zst")

	var buildOut bytes.Buffer
	manifest, err := Build(context.Background(), BuildConfig{
		EvidenceDir: evidenceDir,
		Output:      output,
		Signer:      signer,
		Now:         func() time.Time { return time.Date(2026, time.August, 25, 12, 0, 0, 0, time.UTC) },
		Stdout:      &buildOut,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(manifest.Evidence) != 3 {
		t.Fatalf("manifest lists %d evidence files, want 3", len(manifest.Evidence))
	}
	if manifest.Signature == "" {
		t.Fatal("manifest is unsigned")
	}

	kinds := map[string]string{}
	for _, entry := range manifest.Evidence {
		kinds[entry.Path] = entry.Kind
	}
	if kinds["fronthaul_trace.pcap"] != "capture" {
		t.Errorf("pcap kind = %q, want capture", kinds["fronthaul_trace.pcap"])
	}
	if kinds["ue_attach.log"] != "log" {
		t.Errorf("log kind = %q, want log", kinds["ue_attach.log"])
	}
	if kinds["analysis_report.json"] != "report" {
		t.Errorf("json kind = %q, want report", kinds["analysis_report.json"])
	}

	verified, err := Verify(context.Background(), VerifyConfig{
		BundlePath: output,
		Signer:     signer,
		Stdout:     &bytes.Buffer{},
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(verified.Evidence) != 3 {
		t.Errorf("verified manifest lists %d evidence files, want 3", len(verified.Evidence))
	}
}

func TestVerifyRejectsUnexpectedKey(t *testing.T) {
	signer := newTestSigner(t)
	evidenceDir := writeEvidence(t)
	output := filepath.Join(t.TempDir(), "support.tar.zst")

	if _, err := Build(context.Background(), BuildConfig{
		EvidenceDir: evidenceDir,
		Output:      output,
		Signer:      signer,
		Stdout:      &bytes.Buffer{},
	}); err != nil {
		t.Fatalf("Build: %v", err)
	}

	// A verifier pinned to a different public key must refuse the bundle.
	otherPub := make([]byte, 32)
	if _, err := rand.Read(otherPub); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	t.Setenv(envAgeSecretKey, "")
	t.Setenv(envAgePublicKey, base64.StdEncoding.EncodeToString(otherPub))
	verifier, err := NewSignerFromEnv()
	if err != nil {
		t.Fatalf("NewSignerFromEnv: %v", err)
	}

	if _, err := Verify(context.Background(), VerifyConfig{
		BundlePath: output,
		Signer:     verifier,
		Stdout:     &bytes.Buffer{},
	}); err == nil {
		t.Fatal("expected verification failure with mismatched key")
	}
}

func TestBuildExportsGatewayRecords(t *testing.T) {
	signer := newTestSigner(t)
	evidenceDir := writeEvidence(t)
	output := filepath.Join(t.TempDir(), "support.tar.zst")

	gateway := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/artifacts" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"artifacts":[{"id":"abc","name":"trace.pcap"}]}`))
	}))
	defer gateway.Close()

	manifest, err := Build(context.Background(), BuildConfig{
		EvidenceDir: evidenceDir,
		Gateway:     gateway.URL,
		Output:      output,
		Signer:      signer,
		Stdout:      &bytes.Buffer{},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var found bool
	for _, entry := range manifest.Evidence {
		if entry.Path == recordsFileName {
			found = true
			if entry.Kind != "records" {
				t.Errorf("records kind = %q", entry.Kind)
			}
			if entry.Size == 0 {
				t.Error("records entry has zero size")
			}
		}
	}
	if !found {
		t.Fatal("manifest missing records.json entry")
	}

	if _, err := Verify(context.Background(), VerifyConfig{
		BundlePath: output,
		Signer:     signer,
		Stdout:     &bytes.Buffer{},
	}); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestBuildRequiresEvidence(t *testing.T) {
	signer := newTestSigner(t)
	output := filepath.Join(t.TempDir(), "support.tar.zst")

	if _, err := Build(context.Background(), BuildConfig{
		EvidenceDir: t.TempDir(),
		Output:      output,
		Signer:      signer,
		Stdout:      &bytes.Buffer{},
	}); err == nil {
		t.Fatal("expected error for empty evidence directory")
	}
}

func TestInferKind(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"trace.pcap", "capture"},
		{"trace.pcapng", "capture"},
		{"trace.CAP", "capture"},
		{"console.log", "log"},
		{"notes.txt", "log"},
		{"report.json", "report"},
		{"archive.zst", "archive"},
		{"mystery.bin", "file"},
	}
	for _, tt := range tests {
		if got := inferKind(tt.path); got != tt.want {
			t.Errorf("inferKind(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
