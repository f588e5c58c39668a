package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// wsFeed pushes events to websocket clients. Writes are serialized per
// connection; a failed write drops the client.
type wsFeed struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]bool
}

func newWSFeed() *wsFeed {
	return &wsFeed{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Status feed only, no mutations over this channel
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]bool),
	}
}

func (f *wsFeed) add(conn *websocket.Conn) {
	f.mu.Lock()
	f.conns[conn] = true
	f.mu.Unlock()
}

func (f *wsFeed) remove(conn *websocket.Conn) {
	f.mu.Lock()
	if f.conns[conn] {
		delete(f.conns, conn)
		conn.Close()
	}
	f.mu.Unlock()
}

func (f *wsFeed) broadcast(event Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for conn := range f.conns {
		if err := conn.WriteJSON(event); err != nil {
			delete(f.conns, conn)
			conn.Close()
		}
	}
}

func (f *wsFeed) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for conn := range f.conns {
		conn.Close()
		delete(f.conns, conn)
	}
}

func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.feed.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Greet with the current summary before joining the feed, so the
		// greeting never interleaves with a broadcast write.
		if err := conn.WriteJSON(Event{Type: "summary", Data: s.runs.Summary()}); err != nil {
			conn.Close()
			return
		}
		s.feed.add(conn)

		// Reader loop only detects disconnects; inbound frames are ignored
		go func() {
			defer s.feed.remove(conn)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}
