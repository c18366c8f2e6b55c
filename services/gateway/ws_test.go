package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"l1gw/pkg/render"
	"l1gw/services/pipeline"
	"l1gw/services/recommender"
	"l1gw/services/store"
)

func wsURL(t *testing.T, server *httptest.Server, path string) string {
	t.Helper()
	return "ws" + strings.TrimPrefix(server.URL, "http") + path
}

func TestEventsSocketReceivesBroadcasts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewHub(zerolog.Nop())
	if err := hub.Start(ctx, nil); err != nil {
		t.Fatalf("hub.Start: %v", err)
	}

	api, err := New(store.NewMemoryWithFixtures(), nil, nil, hub, nil, nil, Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	router, err := api.Routes()
	if err != nil {
		t.Fatalf("Routes: %v", err)
	}

	server := httptest.NewServer(router)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(t, server, "/ws/events"), nil)
	if err != nil {
		t.Fatalf("dial events socket: %v", err)
	}
	defer conn.Close()

	// Registration races the broadcast; retry until the client is attached.
	payload := json.RawMessage(`{"artifact_id":"abc","status":"completed"}`)
	go func() {
		for i := 0; i < 50; i++ {
			hub.Broadcast(pipeline.SubjectFinished, payload)
			time.Sleep(20 * time.Millisecond)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read broadcast: %v", err)
	}

	var envelope struct {
		Subject string          `json:"subject"`
		Event   json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(message, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Subject != pipeline.SubjectFinished {
		t.Errorf("subject = %q, want %q", envelope.Subject, pipeline.SubjectFinished)
	}
	if string(envelope.Event) != string(payload) {
		t.Errorf("event = %s, want original payload", envelope.Event)
	}
}

func TestRecommendationsSocketStreamsFrames(t *testing.T) {
	st := store.NewMemoryWithFixtures()
	anomalies, err := st.Anomalies(context.Background(), store.AnomalyFilter{Limit: 1})
	if err != nil {
		t.Fatalf("Anomalies: %v", err)
	}
	anomalyID := anomalies[0].ID

	renderer, err := render.New()
	if err != nil {
		t.Fatalf("render.New: %v", err)
	}
	streamer, err := recommender.New(recommender.Config{
		Command: []string{"sh", "-c", `printf 'Check the eCPRI flow control settings.'`},
	}, renderer, zerolog.Nop())
	if err != nil {
		t.Fatalf("recommender.New: %v", err)
	}

	api, err := New(st, nil, streamer, nil, nil, nil, Config{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	router, err := api.Routes()
	if err != nil {
		t.Fatalf("Routes: %v", err)
	}

	server := httptest.NewServer(router)
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(
		wsURL(t, server, "/ws/recommendations?anomaly_id="+anomalyID.String()), nil)
	if err != nil {
		t.Fatalf("dial recommendations socket: %v", err)
	}
	defer conn.Close()

	var chunks []string
	var sawComplete bool
	for {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var frame recommender.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		switch frame.Type {
		case "chunk":
			chunks = append(chunks, frame.Content)
		case "complete":
			sawComplete = true
		}
		if sawComplete {
			break
		}
	}

	if !sawComplete {
		t.Fatal("stream ended without a complete frame")
	}
	if got := strings.Join(chunks, ""); got != "Check the eCPRI flow control settings." {
		t.Errorf("streamed text = %q", got)
	}
}

func TestRecommendationsSocketUnknownAnomaly(t *testing.T) {
	renderer, err := render.New()
	if err != nil {
		t.Fatalf("render.New: %v", err)
	}
	streamer, err := recommender.New(recommender.Config{Command: []string{"true"}}, renderer, zerolog.Nop())
	if err != nil {
		t.Fatalf("recommender.New: %v", err)
	}

	router := func() *httptest.Server {
		api, err := New(store.NewMemory(), nil, streamer, nil, nil, nil, Config{}, zerolog.Nop())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		r, err := api.Routes()
		if err != nil {
			t.Fatalf("Routes: %v", err)
		}
		return httptest.NewServer(r)
	}()
	defer router.Close()

	_, resp, err := websocket.DefaultDialer.Dial(
		wsURL(t, router, "/ws/recommendations?anomaly_id=11111111-2222-3333-4444-555555555555"), nil)
	if err == nil {
		t.Fatal("expected dial to fail for unknown anomaly")
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Fatalf("expected 404 before upgrade, got %+v", resp)
	}
}
