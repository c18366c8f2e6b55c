package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"l1gw/services/store"
)

func testCommands() Commands {
	return Commands{
		StandardCapture: []string{"analyze-pcap"},
		LargeCapture:    []string{"analyze-pcap-chunked"},
		Log:             []string{"analyze-log"},
	}
}

func TestBuildArgv(t *testing.T) {
	d, err := NewDispatcher(testCommands(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	id := uuid.MustParse("a2b62cb2-43ab-4b4f-9c26-5361a8e58c43")
	artifact := store.Artifact{ID: id, Name: "trace.pcap"}

	tests := []struct {
		name   string
		cls    Classification
		staged string
		want   []string
	}{
		{
			name:   "standard capture gets the staged path",
			cls:    Classification{MediaType: store.MediaCapture, Profile: ProfileStandardCapture},
			staged: "/tmp/staged-1",
			want:   []string{"analyze-pcap", "/tmp/staged-1", id.String(), "trace.pcap"},
		},
		{
			name:   "large capture adds the chunk size flag",
			cls:    Classification{MediaType: store.MediaCapture, Profile: ProfileLargeCapture, ChunkSize: 5000},
			staged: "/tmp/staged-2",
			want:   []string{"analyze-pcap-chunked", "/tmp/staged-2", id.String(), "trace.pcap", "--chunk-size", "5000"},
		},
		{
			name:   "log omits the path because bytes arrive on stdin",
			cls:    Classification{MediaType: store.MediaLog, Profile: ProfileLog},
			staged: "/tmp/staged-3",
			want:   []string{"analyze-log", id.String(), "trace.pcap"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.buildArgv(artifact, tt.cls, tt.staged)
			if err != nil {
				t.Fatalf("buildArgv: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("argv = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildArgvUnknownProfile(t *testing.T) {
	d, err := NewDispatcher(testCommands(), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	if _, err := d.buildArgv(store.Artifact{}, Classification{Profile: Profile("bogus")}, ""); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestNewDispatcherRequiresAllCommands(t *testing.T) {
	cmds := testCommands()
	cmds.Log = nil
	if _, err := NewDispatcher(cmds, zerolog.Nop()); err == nil {
		t.Fatal("expected error for missing log command")
	}
}

func TestDispatchCollectsProgressAndExit(t *testing.T) {
	cmds := testCommands()
	cmds.StandardCapture = []string{"sh", "-c",
		`echo '{"event":"progress","anomalies":2}'; echo '{"event":"progress","anomalies":5}'`}

	d, err := NewDispatcher(cmds, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	artifact := store.Artifact{ID: uuid.New(), Name: "trace.pcap"}
	cls := Classification{MediaType: store.MediaCapture, Profile: ProfileStandardCapture}

	handle, err := d.Dispatch(context.Background(), artifact, cls, "/dev/null")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	var last int64
	for count := range handle.Progress() {
		last = count
	}
	if err := handle.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if last != 5 {
		t.Errorf("last progress = %d, want 5", last)
	}
}

func TestDispatchCapturesLastStderrLine(t *testing.T) {
	cmds := testCommands()
	cmds.StandardCapture = []string{"sh", "-c",
		`echo 'opening capture' >&2; echo 'truncated packet at offset 9000' >&2; exit 3`}

	d, err := NewDispatcher(cmds, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	artifact := store.Artifact{ID: uuid.New(), Name: "trace.pcap"}
	cls := Classification{MediaType: store.MediaCapture, Profile: ProfileStandardCapture}

	handle, err := d.Dispatch(context.Background(), artifact, cls, "/dev/null")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if err := handle.Wait(); err == nil {
		t.Fatal("expected nonzero exit error")
	}
	if got := handle.LastStderr(); got != "truncated packet at offset 9000" {
		t.Errorf("LastStderr = %q, want last diagnostic line", got)
	}
}

func TestDispatchStreamsLogOverStdin(t *testing.T) {
	dir := t.TempDir()
	staged := filepath.Join(dir, "staged.log")
	if err := os.WriteFile(staged, []byte("line one\nline two\n"), 0o600); err != nil {
		t.Fatalf("write staged file: %v", err)
	}
	sink := filepath.Join(dir, "sink")

	cmds := testCommands()
	cmds.Log = []string{"sh", "-c", "cat > " + sink}

	d, err := NewDispatcher(cmds, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	artifact := store.Artifact{ID: uuid.New(), Name: "ue.log"}
	cls := Classification{MediaType: store.MediaLog, Profile: ProfileLog}

	handle, err := d.Dispatch(context.Background(), artifact, cls, staged)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if err := handle.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	got, err := os.ReadFile(sink)
	if err != nil {
		t.Fatalf("read sink: %v", err)
	}
	if string(got) != "line one\nline two\n" {
		t.Errorf("analyzer received %q over stdin", got)
	}
}

func TestDispatchKill(t *testing.T) {
	cmds := testCommands()
	cmds.StandardCapture = []string{"sleep", "30"}

	d, err := NewDispatcher(cmds, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}

	artifact := store.Artifact{ID: uuid.New(), Name: "trace.pcap"}
	cls := Classification{MediaType: store.MediaCapture, Profile: ProfileStandardCapture}

	handle, err := d.Dispatch(context.Background(), artifact, cls, "/dev/null")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	handle.Kill()

	done := make(chan error, 1)
	go func() { done <- handle.Wait() }()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error after kill")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return after Kill")
	}
}
