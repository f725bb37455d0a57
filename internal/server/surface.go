package server

import (
	"sync"

	"github.com/gorilla/websocket"
)

// wsSurface adapts a gorilla websocket connection to the bridge.Surface
// contract. Gorilla connections allow one concurrent writer, hence the
// mutex.
type wsSurface struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSurface) WriteMessage(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
