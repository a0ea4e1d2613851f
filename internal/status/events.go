package status

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/InsulaLabs/lantorrent/pkg/models"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 512                 // Clients have nothing to say.
)

// eventSession streams tracker snapshots to one websocket client.
type eventSession struct {
	conn   *websocket.Conn
	server *Server
	events <-chan models.TrackedRequest
	stop   func()
	done   chan struct{}
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	s.wsLock.Lock()
	if s.activeConns >= s.cfg.MaxConnections {
		s.wsLock.Unlock()
		s.logger.Warn("max websocket connections reached", "current", s.activeConns, "max", s.cfg.MaxConnections)
		s.writeError(w, http.StatusServiceUnavailable, "too_many_connections", "too many connections")
		return
	}
	s.activeConns++
	s.wsLock.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.releaseConn()
		s.logger.Error("failed to upgrade websocket connection", "error", err)
		return
	}
	s.logger.Info("websocket subscriber connected", "remote_addr", conn.RemoteAddr().String())

	events, stop := s.cfg.Tracker.Subscribe()
	session := &eventSession{
		conn:   conn,
		server: s,
		events: events,
		stop:   stop,
		done:   make(chan struct{}),
	}
	go session.writePump()
	go session.readPump()
}

func (s *Server) releaseConn() {
	s.wsLock.Lock()
	defer s.wsLock.Unlock()
	if s.activeConns > 0 {
		s.activeConns--
	}
}

// readPump only watches for the client going away.
func (e *eventSession) readPump() {
	defer func() {
		close(e.done)
		e.conn.Close()
	}()
	e.conn.SetReadLimit(maxMessageSize)
	e.conn.SetReadDeadline(time.Now().Add(pongWait))
	e.conn.SetPongHandler(func(string) error {
		e.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := e.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				e.server.logger.Warn("websocket read error", "remote_addr", e.conn.RemoteAddr(), "error", err)
			}
			return
		}
	}
}

func (e *eventSession) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		e.stop()
		e.conn.Close()
		e.server.releaseConn()
		e.server.logger.Info("websocket subscriber disconnected", "remote_addr", e.conn.RemoteAddr())
	}()
	for {
		select {
		case rec, ok := <-e.events:
			e.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				e.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "tracker closed"))
				return
			}
			message, err := json.Marshal(models.NewEventPayload(rec))
			if err != nil {
				e.server.logger.Error("failed to encode event", "request_id", rec.RequestID, "error", err)
				continue
			}
			if err := e.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				e.server.logger.Warn("websocket write error", "remote_addr", e.conn.RemoteAddr(), "error", err)
				return
			}
		case <-ticker.C:
			e.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := e.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-e.done:
			return
		case <-e.server.appCtx.Done():
			e.conn.SetWriteDeadline(time.Now().Add(writeWait))
			e.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		}
	}
}
