package server

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"formrunner/internal/progress"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// progressStream upgrades to a websocket and forwards hub events. A new
// subscriber first receives the retained log history, then live status and
// log events. Disconnecting one subscriber never affects the runner or
// other subscribers.
func (s *Server) progressStream(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	events, cancel := s.hub.Subscribe()
	defer cancel()
	defer conn.Close()

	// Send the current snapshot immediately so the client does not have to
	// wait for the next item boundary
	snap := s.runs.Status()
	if err := conn.WriteJSON(progress.Event{Kind: progress.KindStatus, Status: &snap}); err != nil {
		return nil
	}

	// Drain client reads so close frames are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for ev := range events {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
			return nil
		}
		if err := conn.WriteJSON(ev); err != nil {
			log.Printf("websocket subscriber dropped: %v", err)
			return nil
		}
	}
	return nil
}
