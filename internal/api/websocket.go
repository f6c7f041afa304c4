package api

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/tos-network/apow-miner/internal/miner"
	"github.com/tos-network/apow-miner/internal/util"
)

const (
	defaultWSInterval = 2 * time.Second
	wsWriteWait       = 10 * time.Second
	solutionQueueSize = 64
)

// WSNotify is a server push message
type WSNotify struct {
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

// SolutionEvent is pushed to stream clients when the engine finds a nonce
type SolutionEvent struct {
	JobID  string `json:"jobId"`
	Nonce  string `json:"nonce"`
	Epoch  uint32 `json:"epoch"`
	Target string `json:"target"`
	Time   int64  `json:"time"`
}

type wsClient struct {
	id         uint64
	conn       *websocket.Conn
	remoteAddr string

	writeMu sync.Mutex
	quit    chan struct{}
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(s.cfg.CORSOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, o := range s.cfg.CORSOrigins {
				if o == "*" || o == origin {
					return true
				}
			}
			return false
		},
	}
}

// handleWebSocket upgrades the connection and streams snapshots every
// WSInterval until the client goes away
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.Warnf("WebSocket upgrade error: %v", err)
		return
	}

	client := &wsClient{
		id:         atomic.AddUint64(&s.clientSeq, 1),
		conn:       conn,
		remoteAddr: c.ClientIP(),
		quit:       make(chan struct{}),
	}
	s.clients.Store(client.id, client)
	util.Debugf("Stats stream client %d connected from %s", client.id, client.remoteAddr)

	s.wg.Add(2)
	go s.readClient(client)
	go s.pushStats(client)
}

// readClient discards inbound frames and notices disconnects
func (s *Server) readClient(client *wsClient) {
	defer s.wg.Done()
	defer func() {
		client.conn.Close()
		s.clients.Delete(client.id)
		close(client.quit)
		util.Debugf("Stats stream client %d disconnected", client.id)
	}()

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) pushStats(client *wsClient) {
	defer s.wg.Done()

	interval := s.cfg.WSInterval
	if interval <= 0 {
		interval = defaultWSInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Send the current state right away
	if err := s.send(client, "stats", s.buildStats()); err != nil {
		client.conn.Close()
		return
	}

	for {
		select {
		case <-s.quit:
			return
		case <-client.quit:
			return
		case <-ticker.C:
			if err := s.send(client, "stats", s.buildStats()); err != nil {
				client.conn.Close()
				return
			}
		}
	}
}

func (s *Server) send(client *wsClient, method string, params ...interface{}) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return client.conn.WriteJSON(WSNotify{Method: method, Params: params})
}

// BroadcastResult queues a found nonce for stream clients. It is called
// from the mining goroutine and never waits on a client; when the queue is
// full the event is dropped.
func (s *Server) BroadcastResult(r miner.Result) {
	event := SolutionEvent{
		JobID:  r.JobID,
		Nonce:  util.NonceToHex(r.Nonce),
		Epoch:  r.Epoch,
		Target: util.Uint64ToHex(r.Target),
		Time:   r.Time.Unix(),
	}

	select {
	case s.events <- event:
	default:
		util.Warnf("Stats stream backlog full, dropped solution event %s", event.Nonce)
	}
}

// broadcastLoop writes queued solution events to every stream client
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.quit:
			return
		case event := <-s.events:
			s.clients.Range(func(key, value interface{}) bool {
				client := value.(*wsClient)
				if err := s.send(client, "solution", event); err != nil {
					util.Debugf("Stats stream client %d write failed: %v", client.id, err)
					client.conn.Close()
				}
				return true
			})
		}
	}
}

// ClientCount returns the number of connected stream clients
func (s *Server) ClientCount() int {
	n := 0
	s.clients.Range(func(key, value interface{}) bool {
		n++
		return true
	})
	return n
}
