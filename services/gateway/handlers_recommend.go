package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"l1gw/services/store"
)

var errNoHub = errors.New("event hub is not running")

// handleRecommendations streams AI remediation frames for one anomaly over
// a WebSocket. Validation failures are reported before the upgrade so the
// client sees a proper HTTP status.
func (a *API) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	if a.streamer == nil {
		respondError(w, http.StatusServiceUnavailable, errors.New("recommendations are not configured"))
		return
	}

	id, err := uuid.Parse(r.URL.Query().Get("anomaly_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, errors.New("anomaly_id query parameter is required"))
		return
	}

	lookupCtx, cancelLookup := withTimeout(r.Context())
	anomaly, err := a.store.Anomaly(lookupCtx, id)
	cancelLookup()
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondError(w, http.StatusNotFound, errors.New("anomaly not found"))
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn().Err(err).Msg("upgrade recommendations socket")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Detect the client hanging up mid-stream so the inference process is
	// torn down rather than left writing into the void.
	go func() {
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	emit := func(frame []byte) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, frame)
	}

	if err := a.streamer.Stream(ctx, anomaly.ID.String(), anomaly.Description, emit); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn().Err(err).Stringer("anomaly_id", id).Msg("recommendation stream ended with error")
	}

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
