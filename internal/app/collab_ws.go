package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"carenote/api/internal/collab"
	"carenote/api/internal/syncerr"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// Close codes sent when a handshake is rejected. Browsers cannot read the
// HTTP status of a failed upgrade, so rejections happen after the upgrade.
const (
	closeAuth         = 4401
	closeAccessDenied = 4403
	closeProtocol     = 4400
	closeUnavailable  = 4503
)

func (s *HTTPServer) upgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  16 * 1024,
		WriteBufferSize: 16 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return s.corsOrigin == "*" || origin == "" || origin == s.corsOrigin
		},
	}
}

func (s *HTTPServer) handleCollab(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	sessionName := r.URL.Query().Get("session")

	upgrader := s.upgrader()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "request_id", requestIDFrom(r.Context()), "error", err)
		return
	}
	defer ws.Close()

	conn, err := s.service.OpenSession(r.Context(), token, sessionName)
	if err != nil {
		rejectSession(ws, err)
		return
	}
	defer conn.Close()

	pump := newWSPump(ws, conn)
	go pump.run()
	defer pump.stop()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg collab.Message
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("websocket closed", "note_id", conn.Auth().NoteID, "conn_id", conn.ID(), "error", err)
			}
			return
		}
		if err := conn.Handle(r.Context(), msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Warn("session message rejected",
				"note_id", conn.Auth().NoteID,
				"conn_id", conn.ID(),
				"type", string(msg.Type),
				"error", err,
			)
			pump.sendError(err)
		}
	}
}

func errorMessage(err error) collab.Message {
	kind, ok := syncerr.KindOf(err)
	if !ok {
		kind = "SERVER_ERROR"
	}
	return collab.Message{Type: collab.TypeError, Error: &collab.ErrorBody{Code: string(kind), Message: err.Error()}}
}

func closeCode(err error) int {
	kind, _ := syncerr.KindOf(err)
	switch kind {
	case syncerr.KindAuth:
		return closeAuth
	case syncerr.KindAccessDenied:
		return closeAccessDenied
	case syncerr.KindProtocol:
		return closeProtocol
	default:
		return closeUnavailable
	}
}

func rejectSession(ws *websocket.Conn, err error) {
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = ws.WriteJSON(errorMessage(err))
	kind, _ := syncerr.KindOf(err)
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeCode(err), string(kind)),
		time.Now().Add(writeWait))
}

// wsPump is the single writer for one websocket.
type wsPump struct {
	ws     *websocket.Conn
	conn   *collab.Conn
	errs   chan collab.Message
	done   chan struct{}
	exited chan struct{}
	once   sync.Once
}

func newWSPump(ws *websocket.Conn, conn *collab.Conn) *wsPump {
	return &wsPump{
		ws:     ws,
		conn:   conn,
		errs:   make(chan collab.Message, 8),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

func (p *wsPump) sendError(err error) {
	select {
	case p.errs <- errorMessage(err):
	default:
	}
}

func (p *wsPump) stop() {
	p.once.Do(func() { close(p.done) })
	<-p.exited
}

func (p *wsPump) run() {
	defer close(p.exited)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-p.conn.Outbound():
			if !p.write(msg) {
				return
			}
		case msg := <-p.errs:
			if !p.write(msg) {
				return
			}
		case <-p.conn.Dropped():
			// The client fell behind; it resyncs on reconnect.
			_ = p.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"),
				time.Now().Add(writeWait))
			_ = p.ws.Close()
			return
		case <-ticker.C:
			_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

func (p *wsPump) write(msg collab.Message) bool {
	_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := p.ws.WriteJSON(msg); err != nil {
		_ = p.ws.Close()
		return false
	}
	return true
}
