package host

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/fae-run/fae-core/pkg/eventbus"
)

// WebSocketBridge is the optional browser/remote-friendly alternative to
// Mode B's Unix-domain socket: the same envelope protocol carried over a
// websocket connection instead of a raw stream, for embedders that cannot
// open a local socket (a sandboxed companion app, a dashboard in a browser).
type WebSocketBridge struct {
	boundary    *Boundary
	bus         *eventbus.Bus
	bearerToken string
}

// NewWebSocketBridge returns an http.Handler suitable for mounting on any
// *http.ServeMux path (e.g. "/ws").
func NewWebSocketBridge(boundary *Boundary, bus *eventbus.Bus, bearerToken string) *WebSocketBridge {
	return &WebSocketBridge{boundary: boundary, bus: bus, bearerToken: bearerToken}
}

func (b *WebSocketBridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if b.bearerToken != "" {
		if got := r.Header.Get("Authorization"); got != "Bearer "+b.bearerToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("host: websocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub := b.boundary.Subscribe(b.bus, 64)
	defer sub.Close()

	go func() {
		for env := range sub.Envelopes() {
			data, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusNormalClosure, "done")
			return
		}
		resp := b.boundary.DispatchJSON(ctx, data)
		if err := conn.Write(ctx, websocket.MessageText, resp); err != nil {
			return
		}
	}
}
