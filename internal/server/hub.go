package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/collabflow/types"
	"github.com/BaSui01/collabflow/workflow"
)

// sendBuffer is the per-client outbound queue. A client that falls
// this far behind starts losing events.
const sendBuffer = 64

// Hub fans engine events out to WebSocket clients. It implements
// workflow.Notifier and http.Handler.
type Hub struct {
	logger  *zap.Logger
	mu      sync.RWMutex
	clients map[*hubClient]struct{}
	closed  bool
}

type hubClient struct {
	// workflowID scopes the subscription; empty receives everything.
	workflowID string
	send       chan []byte
}

// NewHub creates an empty hub. logger may be nil.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:  logger.With(zap.String("component", "hub")),
		clients: make(map[*hubClient]struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket subscription. The
// optional workflow_id query parameter scopes the stream to one
// workflow.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}

	client := &hubClient{
		workflowID: r.URL.Query().Get("workflow_id"),
		send:       make(chan []byte, sendBuffer),
	}
	if !h.register(client) {
		conn.Close(websocket.StatusGoingAway, "hub closed")
		return
	}
	defer h.unregister(client)

	reqCtx := types.WithConnectionID(r.Context(), uuid.NewString())
	if client.workflowID != "" {
		reqCtx = types.WithWorkflowID(reqCtx, client.workflowID)
	}

	g, ctx := errgroup.WithContext(reqCtx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok := <-client.send:
				if !ok {
					return conn.Close(websocket.StatusGoingAway, "hub closed")
				}
				if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
					return err
				}
			}
		}
	})

	// Drain the client side; returning an error here tears the
	// subscription down.
	g.Go(func() error {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return err
			}
		}
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		connID, _ := types.ConnectionID(reqCtx)
		h.logger.Debug("websocket client detached",
			zap.String("connection_id", connID),
			zap.Error(err),
		)
	}
	conn.CloseNow()
}

// Publish implements workflow.Notifier. Events are delivered best
// effort; a full client queue drops the event for that client only.
func (h *Hub) Publish(_ context.Context, ev workflow.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil
	}

	for client := range h.clients {
		if client.workflowID != "" && client.workflowID != ev.WorkflowID {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.logger.Warn("dropping event for slow client",
				zap.String("type", string(ev.Type)),
				zap.String("workflow_id", ev.WorkflowID),
			)
		}
	}
	return nil
}

// ClientCount reports the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close detaches every client. Publish becomes a no-op afterwards.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) register(client *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client] = struct{}{}
	return true
}

func (h *Hub) unregister(client *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client)
}
