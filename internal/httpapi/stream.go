package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/kaelmora/relaygate/internal/eventbus"
	"github.com/kaelmora/relaygate/internal/relayerr"
)

// streamRequests backs GET /api/requests/stream: SSE by
// default, or a parallel websocket transport when ?transport=ws is
// set — both subscribe to the same request event bus, so a dashboard
// can pick whichever framing its client stack prefers.
func (h *handlers) streamRequests(w http.ResponseWriter, r *http.Request) {
	ch, unsubscribe, ok := h.d.Events.Requests.Subscribe()
	if !ok {
		h.writeError(w, relayerr.New(relayerr.CodeServiceUnavailable, "too many request-stream subscribers"))
		return
	}
	defer unsubscribe()

	if r.URL.Query().Get("transport") == "ws" {
		h.streamRequestsWS(w, r, ch)
		return
	}
	h.streamRequestsSSE(w, r, ch)
}

func (h *handlers) streamRequestsSSE(w http.ResponseWriter, r *http.Request, ch <-chan eventbus.RequestEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, relayerr.New(relayerr.CodeInternal, "streaming unsupported by this response writer"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, "event: connected\ndata: ok\n\n")
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// streamLogs backs GET /api/logs/stream: same SSE-by-default,
// websocket-on-request framing as streamRequests, subscribed to the
// log event bus instead.
func (h *handlers) streamLogs(w http.ResponseWriter, r *http.Request) {
	ch, unsubscribe, ok := h.d.Events.Logs.Subscribe()
	if !ok {
		h.writeError(w, relayerr.New(relayerr.CodeServiceUnavailable, "too many log-stream subscribers"))
		return
	}
	defer unsubscribe()

	if r.URL.Query().Get("transport") == "ws" {
		h.streamLogsWS(w, r, ch)
		return
	}
	h.streamLogsSSE(w, r, ch)
}

func (h *handlers) streamLogsSSE(w http.ResponseWriter, r *http.Request, ch <-chan eventbus.LogEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, relayerr.New(relayerr.CodeInternal, "streaming unsupported by this response writer"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, "event: connected\ndata: ok\n\n")
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (h *handlers) streamLogsWS(w http.ResponseWriter, r *http.Request, ch <-chan eventbus.LogEvent) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.d.Logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, open := <-ch:
			if !open {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}
}

func (h *handlers) streamRequestsWS(w http.ResponseWriter, r *http.Request, ch <-chan eventbus.RequestEvent) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.d.Logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, open := <-ch:
			if !open {
				_ = conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}
}
