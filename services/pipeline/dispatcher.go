package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"l1gw/services/store"
)

// Commands holds the argv prefixes for the external analyzers, one per
// profile. The artifact-specific arguments are appended at dispatch time.
type Commands struct {
	StandardCapture []string
	LargeCapture    []string
	Log             []string
}

// DefaultCommands matches the analyzer scripts shipped alongside the
// gateway deployment.
func DefaultCommands() Commands {
	return Commands{
		StandardCapture: []string{"python3", "analyzers/pcap_analyzer.py"},
		LargeCapture:    []string{"python3", "analyzers/large_pcap_processor.py"},
		Log:             []string{"python3", "analyzers/log_analyzer.py"},
	}
}

// Dispatcher starts exactly one external analyzer process per artifact and
// exposes its output and exit through a Handle.
type Dispatcher struct {
	cmds   Commands
	logger zerolog.Logger
}

// NewDispatcher validates the command table and returns a Dispatcher.
func NewDispatcher(cmds Commands, logger zerolog.Logger) (*Dispatcher, error) {
	if len(cmds.StandardCapture) == 0 || len(cmds.LargeCapture) == 0 || len(cmds.Log) == 0 {
		return nil, errors.New("analyzer commands for all profiles are required")
	}
	return &Dispatcher{cmds: cmds, logger: logger}, nil
}

// progressLine is the structured form analyzers may emit on stdout.
type progressLine struct {
	Event     string `json:"event"`
	Anomalies int64  `json:"anomalies"`
}

// Handle tracks one running analyzer process.
type Handle struct {
	startedAt time.Time
	cmd       *exec.Cmd
	cancel    context.CancelFunc

	progress chan int64
	scanners sync.WaitGroup

	stderrMu   sync.Mutex
	lastStderr string

	waitOnce sync.Once
	waitErr  error
}

// StartedAt is the dispatch timestamp used for elapsed-duration accounting.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// Progress yields the running anomaly count as the analyzer reports it. The
// channel is closed when the analyzer's stdout reaches EOF.
func (h *Handle) Progress() <-chan int64 { return h.progress }

// LastStderr returns the most recent non-empty diagnostic line, if any.
func (h *Handle) LastStderr() string {
	h.stderrMu.Lock()
	defer h.stderrMu.Unlock()
	return h.lastStderr
}

// Kill forcibly terminates the analyzer process.
func (h *Handle) Kill() {
	if h.cancel != nil {
		h.cancel()
	}
}

// Wait blocks until the output streams are drained and the process has
// exited, then returns the process error (nil on exit code zero).
func (h *Handle) Wait() error {
	h.waitOnce.Do(func() {
		h.scanners.Wait()
		h.waitErr = h.cmd.Wait()
	})
	return h.waitErr
}

// Dispatch launches the analyzer selected by cls for the given artifact.
// Capture profiles receive the staged file by path; the log profile receives
// the staged bytes on stdin, with stdin closed at EOF to signal end-of-data.
func (d *Dispatcher) Dispatch(ctx context.Context, artifact store.Artifact, cls Classification, stagedPath string) (*Handle, error) {
	argv, err := d.buildArgv(artifact, cls, stagedPath)
	if err != nil {
		return nil, err
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, argv[0], argv[1:]...)

	var stdin io.WriteCloser
	if cls.Profile == ProfileLog {
		stdin, err = cmd.StdinPipe()
		if err != nil {
			cancel()
			return nil, fmt.Errorf("stdin pipe: %w", err)
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start analyzer: %w", err)
	}

	handle := &Handle{
		startedAt: time.Now().UTC(),
		cmd:       cmd,
		cancel:    cancel,
		progress:  make(chan int64, 64),
	}

	logger := d.logger.With().
		Stringer("artifact_id", artifact.ID).
		Str("profile", string(cls.Profile)).
		Logger()

	if stdin != nil {
		go streamStagedFile(stagedPath, stdin, logger)
	}

	handle.scanners.Add(2)
	go handle.scanStdout(stdout, logger)
	go handle.scanStderr(stderr, logger)

	logger.Info().Str("command", argv[0]).Msg("analyzer dispatched")
	return handle, nil
}

func (d *Dispatcher) buildArgv(artifact store.Artifact, cls Classification, stagedPath string) ([]string, error) {
	switch cls.Profile {
	case ProfileStandardCapture:
		argv := append([]string{}, d.cmds.StandardCapture...)
		return append(argv, stagedPath, artifact.ID.String(), artifact.Name), nil
	case ProfileLargeCapture:
		argv := append([]string{}, d.cmds.LargeCapture...)
		argv = append(argv, stagedPath, artifact.ID.String(), artifact.Name)
		return append(argv, "--chunk-size", strconv.Itoa(cls.ChunkSize)), nil
	case ProfileLog:
		argv := append([]string{}, d.cmds.Log...)
		return append(argv, artifact.ID.String(), artifact.Name), nil
	default:
		return nil, fmt.Errorf("unknown profile %q", cls.Profile)
	}
}

func streamStagedFile(path string, stdin io.WriteCloser, logger zerolog.Logger) {
	defer stdin.Close()

	f, err := os.Open(path)
	if err != nil {
		logger.Error().Err(err).Msg("open staged artifact for stdin")
		return
	}
	defer f.Close()

	if _, err := io.Copy(stdin, f); err != nil {
		logger.Warn().Err(err).Msg("stream artifact to analyzer stdin")
	}
}

func (h *Handle) scanStdout(r io.Reader, logger zerolog.Logger) {
	defer h.scanners.Done()
	defer close(h.progress)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var p progressLine
		if err := json.Unmarshal(line, &p); err == nil && p.Event == "progress" {
			select {
			case h.progress <- p.Anomalies:
			default:
				// A slow consumer only loses intermediate counts; the
				// terminal write carries the final one.
			}
			continue
		}

		logger.Debug().Str("line", string(line)).Msg("analyzer output")
	}
}

func (h *Handle) scanStderr(r io.Reader, logger zerolog.Logger) {
	defer h.scanners.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		h.stderrMu.Lock()
		h.lastStderr = line
		h.stderrMu.Unlock()
		logger.Debug().Str("line", line).Msg("analyzer diagnostics")
	}
}
