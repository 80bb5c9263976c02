package handlers

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/net/websocket"

	"github.com/wolfman30/clinic-scribe/internal/session"
	"github.com/wolfman30/clinic-scribe/pkg/logging"
)

// Subscriber streams session snapshots.
type Subscriber interface {
	Subscribe(ctx context.Context) <-chan session.Snapshot
}

// StateStream pushes a snapshot over a websocket after every transition.
type StateStream struct {
	subs         Subscriber
	logger       *logging.Logger
	writeTimeout time.Duration
}

// NewStateStream creates a websocket snapshot stream.
func NewStateStream(subs Subscriber, logger *logging.Logger) *StateStream {
	if logger == nil {
		logger = logging.Default()
	}
	return &StateStream{subs: subs, logger: logger.Component("http.ws"), writeTimeout: 10 * time.Second}
}

type streamFrame struct {
	Type  string           `json:"type"` // "state"
	State session.Snapshot `json:"state"`
}

// ServeHTTP upgrades the request and streams until either side closes.
// GET /ws/state
func (s *StateStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(func(conn *websocket.Conn) {
		s.serve(r.Context(), conn)
	}).ServeHTTP(w, r)
}

func (s *StateStream) serve(parent context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// Client frames are ignored; a read error means the peer went away.
	go func() {
		defer cancel()
		var discard []byte
		for {
			if err := websocket.Message.Receive(conn, &discard); err != nil {
				return
			}
		}
	}()

	s.logger.Debug("state stream opened")
	for snap := range s.subs.Subscribe(ctx) {
		_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		if err := websocket.JSON.Send(conn, streamFrame{Type: "state", State: snap}); err != nil {
			s.logger.Debug("state stream closed", "error", err)
			return
		}
	}
}
