package recommender

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"l1gw/pkg/render"
)

const promptTemplate = "troubleshoot.tmpl"

// Config selects how remediation text is produced. When RemoteURL is set the
// streamer relays frames from a remote inference WebSocket; otherwise it
// spawns the local inference command.
type Config struct {
	Command      []string
	RemoteURL    string
	MaxTokens    int
	Temperature  float64
	DialTimeout  time.Duration
	ChunkBufSize int
}

// Frame is one unit of streamed remediation output.
type Frame struct {
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Streamer produces AI-generated remediation text for an anomaly and feeds
// it, frame by frame, to the caller's emit function.
type Streamer struct {
	cfg      Config
	renderer *render.Engine
	logger   zerolog.Logger
}

// New builds a Streamer.
func New(cfg Config, renderer *render.Engine, logger zerolog.Logger) (*Streamer, error) {
	if renderer == nil {
		return nil, errors.New("renderer is required")
	}
	if cfg.RemoteURL == "" && len(cfg.Command) == 0 {
		return nil, errors.New("an inference command or remote URL is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 500
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.3
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ChunkBufSize <= 0 {
		cfg.ChunkBufSize = 256
	}
	return &Streamer{cfg: cfg, renderer: renderer, logger: logger}, nil
}

// Stream generates remediation text for the anomaly and invokes emit with
// each marshaled frame. Inference failures surface as error frames followed
// by a fallback explanation; emit errors abort the stream.
func (s *Streamer) Stream(ctx context.Context, anomalyID, description string, emit func([]byte) error) error {
	if s.cfg.RemoteURL != "" {
		return s.streamRemote(ctx, anomalyID, description, emit)
	}
	return s.streamLocal(ctx, anomalyID, description, emit)
}

// streamLocal spawns the inference binary with the anomaly id and
// description as positional arguments and relays stdout chunks.
func (s *Streamer) streamLocal(ctx context.Context, anomalyID, description string, emit func([]byte) error) error {
	argv := append([]string{}, s.cfg.Command...)
	argv = append(argv, anomalyID, description)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	var stderrBuf strings.Builder
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		s.logger.Error().Err(err).Str("anomaly_id", anomalyID).Msg("start inference process")
		return s.emitFallback(anomalyID, description, emit)
	}

	reader := bufio.NewReader(stdout)
	buf := make([]byte, s.cfg.ChunkBufSize)
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			if err := s.emitFrame(emit, "chunk", string(buf[:n])); err != nil {
				cmd.Process.Kill()
				cmd.Wait()
				return err
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				s.logger.Warn().Err(readErr).Msg("read inference output")
			}
			break
		}
	}

	if err := cmd.Wait(); err != nil {
		s.logger.Error().Err(err).Str("anomaly_id", anomalyID).
			Str("stderr", lastLine(stderrBuf.String())).
			Msg("inference process failed")
		return s.emitFallback(anomalyID, description, emit)
	}

	return s.emitFrame(emit, "complete", "")
}

// streamRemote relays frames from the remote inference WebSocket verbatim.
// A dial failure yields an error frame rather than a dropped connection.
func (s *Streamer) streamRemote(ctx context.Context, anomalyID, description string, emit func([]byte) error) error {
	prompt, err := s.renderer.Render(promptTemplate, map[string]string{
		"AnomalyID":   anomalyID,
		"Description": description,
	})
	if err != nil {
		return fmt.Errorf("render prompt: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.RemoteURL, nil)
	if err != nil {
		s.logger.Error().Err(err).Str("url", s.cfg.RemoteURL).Msg("dial remote inference")
		return s.emitFrame(emit, "error", fmt.Sprintf("Remote inference connection failed: %v", err))
	}
	defer conn.Close()

	request, err := json.Marshal(map[string]any{
		"prompt":      prompt,
		"max_tokens":  s.cfg.MaxTokens,
		"temperature": s.cfg.Temperature,
	})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, request); err != nil {
		return s.emitFrame(emit, "error", fmt.Sprintf("Remote inference request failed: %v", err))
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return s.emitFrame(emit, "error", fmt.Sprintf("Remote inference stream ended: %v", err))
		}
		if err := emit(message); err != nil {
			return err
		}
	}
}

func (s *Streamer) emitFrame(emit func([]byte) error, frameType, content string) error {
	data, err := json.Marshal(Frame{Type: frameType, Content: content, Timestamp: time.Now().UTC()})
	if err != nil {
		return err
	}
	return emit(data)
}

// emitFallback streams a human-readable explanation when the inference
// service is unavailable, so the dashboard never shows a silent failure.
func (s *Streamer) emitFallback(anomalyID, description string, emit func([]byte) error) error {
	message := fmt.Sprintf(`## AI Recommendations Unavailable

**Anomaly ID:** %s
**Description:** %s

The inference service could not produce recommendations for this anomaly.

**To resolve this issue:**
1. Verify the inference service binary is installed and on PATH
2. Check GPU availability on the inference host
3. Review gateway logs for detailed error information

Please contact your system administrator if the problem persists.
`, anomalyID, description)

	if err := s.emitFrame(emit, "fallback", message); err != nil {
		return err
	}
	return s.emitFrame(emit, "complete", "")
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
