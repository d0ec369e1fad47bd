package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsReadDeadline  = 90 * time.Second
	wsPingInterval  = 30 * time.Second
	wsWriteDeadline = 5 * time.Second
)

type wsEnvelope struct {
	Type      string        `json:"type"`
	Token     string        `json:"token,omitempty"`
	Data      string        `json:"data,omitempty"`
	Message   string        `json:"message,omitempty"`
	Devkit    *devkitStatus `json:"devkit,omitempty"`
	Timestamp string        `json:"timestamp,omitempty"`
}

type wsMessage struct {
	msgType int
	payload []byte
}

type wsClient struct {
	conn    *websocket.Conn
	writeCh chan wsMessage

	mu            sync.Mutex
	authenticated bool
}

func (c *wsClient) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

func (c *wsClient) setAuthenticated() {
	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
}

// enqueue hands an envelope to the client's writer. Slow browsers drop
// messages rather than stalling broadcasts.
func (c *wsClient) enqueue(env wsEnvelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	select {
	case c.writeCh <- wsMessage{msgType: websocket.TextMessage, payload: payload}:
	default:
	}
}

// wsHub bridges browser control clients to the devkit. Clients authenticate
// with the shared token before any command or status traffic flows.
type wsHub struct {
	upgrader websocket.Upgrader
	token    string
	devkit   *devkitServer
	log      *zap.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func newWSHub(token string, devkit *devkitServer, log *zap.Logger) *wsHub {
	return &wsHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Reverse proxy deployments rewrite the origin.
				return true
			},
		},
		token:   token,
		devkit:  devkit,
		log:     log,
		clients: make(map[*wsClient]struct{}),
	}
}

// Broadcast delivers an envelope to every authenticated client.
func (h *wsHub) Broadcast(env wsEnvelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.isAuthenticated() {
			client.enqueue(env)
		}
	}
}

func (h *wsHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *wsHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	remote := r.RemoteAddr
	h.log.Info("web client connecting", zap.String("remote", remote))

	client := &wsClient{
		conn:    conn,
		writeCh: make(chan wsMessage, 64),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	writerDone := make(chan struct{})
	go wsWriter(conn, client.writeCh, writerDone)

	closeWriter := sync.Once{}
	shutdownWriter := func() {
		closeWriter.Do(func() {
			close(client.writeCh)
			<-writerDone
		})
	}

	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		h.mu.Unlock()
		shutdownWriter()
		h.log.Info("web client disconnected", zap.String("remote", remote))
	}()

	_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
		return nil
	})

	client.enqueue(wsEnvelope{Type: "auth_required"})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			client.enqueue(wsEnvelope{Type: "error", Message: "invalid JSON message"})
			continue
		}

		if env.Type == "auth" {
			if secureStringEqual(env.Token, h.token) {
				client.setAuthenticated()
				h.log.Info("web client authenticated", zap.String("remote", remote))
				status := h.devkit.Status()
				client.enqueue(wsEnvelope{Type: "auth_success", Devkit: &status})
			} else {
				h.log.Warn("web client auth failed", zap.String("remote", remote))
				client.enqueue(wsEnvelope{Type: "auth_failed"})
				// Give the writer a moment to flush the rejection.
				time.Sleep(100 * time.Millisecond)
				return
			}
			continue
		}

		if !client.isAuthenticated() {
			client.enqueue(wsEnvelope{Type: "auth_required"})
			continue
		}

		switch env.Type {
		case "ping":
			client.enqueue(wsEnvelope{Type: "pong"})
		case "send_to_devkit":
			h.handleSendToDevkit(client, env.Data)
		default:
			client.enqueue(wsEnvelope{Type: "error", Message: "unknown message type: " + env.Type})
		}
	}
}

func (h *wsHub) handleSendToDevkit(client *wsClient, data string) {
	if data == "" {
		client.enqueue(wsEnvelope{Type: "error", Message: "no command provided"})
		return
	}
	if err := h.devkit.Send(data); err != nil {
		client.enqueue(wsEnvelope{
			Type:      "error",
			Message:   err.Error(),
			Timestamp: time.Now().Format(time.RFC3339),
		})
		return
	}
	h.Broadcast(wsEnvelope{
		Type:      "sent_to_devkit",
		Data:      data,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func wsWriter(conn *websocket.Conn, writeCh <-chan wsMessage, done chan<- struct{}) {
	defer close(done)

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case msg, ok := <-writeCh:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteMessage(msg.msgType, msg.payload); err != nil {
				return
			}
		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
