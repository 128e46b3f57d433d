package httpapi

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kasuganosora/ldm/pkg/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// identity is header-based, origin enforcement is the proxy's job
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleFileEvents upgrades the connection and streams the file room's
// events. The socket closes when the client leaves or falls behind the
// bus queue; the client is expected to rejoin and re-pull state.
func (s *Server) handleFileEvents(w http.ResponseWriter, r *http.Request) {
	fileID := r.PathValue("id")
	user := UserFromContext(r.Context())
	if user == "" {
		writeError(w, types.E(types.KindUnauthorized, "identity required to join a file room"))
		return
	}
	if _, err := s.store.GetFile(r.Context(), fileID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the handshake error
		log.Printf("[HTTP API] websocket upgrade failed: %v", err)
		return
	}

	sub := s.hub.Join(fileID, user)
	defer s.hub.Leave(sub)
	defer conn.Close()

	// reader only watches for the client going away
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	grace := s.hub.DisconnectGrace()
	if grace <= 0 {
		grace = 10 * time.Second
	}
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				// dropped for falling behind
				deadline := time.Now().Add(grace)
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "event queue overflow"),
					deadline)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(grace))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
