package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/bhandras/delight/hub/internal/api/middleware"
	"github.com/bhandras/delight/hub/internal/syncengine"
	"github.com/bhandras/delight/hub/pkg/logger"
	"github.com/bhandras/delight/hub/pkg/types"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	sendBufferSize = 64
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
)

// EventSource is where the update stream gets its events from.
type EventSource interface {
	Subscribe(fn syncengine.Listener) func()
}

// ClientConnection is one viewer of a namespace's update stream.
type ClientConnection struct {
	ID        string
	Namespace string

	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

func (c *ClientConnection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Server fans SyncEvents out to every websocket of the event's namespace.
type Server struct {
	manager  *ConnectionManager
	upgrader websocket.Upgrader
	now      func() time.Time

	// sendMu orders seq assignment with enqueueing, so every connection
	// receives frames in seq order.
	sendMu sync.Mutex
	seq    int64

	mu          sync.Mutex
	unsubscribe func()
}

// NewServer subscribes a new update stream server to source.
func NewServer(source EventSource, allowedOrigins []string) *Server {
	s := &Server{
		manager: NewConnectionManager(),
		now:     time.Now,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)}
	s.unsubscribe = source.Subscribe(s.broadcast)
	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// Manager exposes the connection registry.
func (s *Server) Manager() *ConnectionManager { return s.manager }

// broadcast queues evt on every connection of its namespace. It never
// blocks: a connection whose buffer is full is dropped.
func (s *Server) broadcast(evt syncengine.SyncEvent) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	conns := s.manager.NamespaceConnections(evt.Namespace)
	if len(conns) == 0 {
		return
	}

	s.seq++
	data, err := json.Marshal(types.UpdateEvent{
		ID:        types.NewID(),
		Seq:       s.seq,
		Body:      evt,
		CreatedAt: s.now().UnixMilli(),
	})
	if err != nil {
		logger.Errorf("[ws] marshal %s: %v", evt.Type, err)
		return
	}

	for _, conn := range conns {
		select {
		case conn.send <- data:
		default:
			logger.Warnf("[ws] dropping slow connection %s in %s", conn.ID, conn.Namespace)
			s.drop(conn)
		}
	}
}

func (s *Server) drop(conn *ClientConnection) {
	s.manager.RemoveConnection(conn)
	conn.close()
}

// HandleUpdates upgrades GET /v1/updates. The route must sit behind the
// auth middleware.
func (s *Server) HandleUpdates(c *gin.Context) {
	ns, ok := middleware.GetNamespace(c)
	if !ok || ns == "" {
		c.JSON(http.StatusUnauthorized, types.ErrorResponse{Error: string(syncengine.AccessNamespaceMissing)})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warnf("[ws] upgrade failed: %v", err)
		return
	}

	conn := &ClientConnection{
		ID:        types.NewID(),
		Namespace: ns,
		conn:      ws,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
	}
	s.manager.AddConnection(conn)
	logger.Debugf("[ws] %s connected to %s (%d total)", conn.ID, ns, s.manager.GetConnectionCount())

	go s.writePump(conn)
	s.readPump(conn)
}

// readPump only exists to observe pongs and the peer closing.
func (s *Server) readPump(conn *ClientConnection) {
	defer func() {
		s.drop(conn)
		logger.Debugf("[ws] %s disconnected", conn.ID)
	}()

	conn.conn.SetReadLimit(4096)
	_ = conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debugf("[ws] %s read: %v", conn.ID, err)
			}
			return
		}
	}
}

func (s *Server) writePump(conn *ClientConnection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.conn.Close()
	}()

	for {
		select {
		case data := <-conn.send:
			_ = conn.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debugf("[ws] %s write: %v", conn.ID, err)
				s.drop(conn)
				return
			}
		case <-ticker.C:
			_ = conn.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.drop(conn)
				return
			}
		case <-conn.done:
			_ = conn.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// Close unsubscribes from the event source and closes every connection.
func (s *Server) Close() {
	s.mu.Lock()
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}

	for _, conn := range s.manager.All() {
		s.drop(conn)
	}
}
