// internal/websocket/hub.go
package websocket

import (
	"context"
	"sync"

	wstypes "clinic-billing-service/internal/domain/websocket"
	"clinic-billing-service/internal/pkg/jwt"

	"go.uber.org/zap"
)

// TokenVerifier validates access tokens presented by websocket clients.
type TokenVerifier interface {
	VerifyAccessToken(token string) (*jwt.Claims, error)
}

type Hub struct {
	// Registered clients by tenant ID
	clients map[string]map[*Client]bool
	mu      sync.RWMutex

	Register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	handlerRegistry *HandlerRegistry
	verifier        TokenVerifier
	logger          *zap.Logger
}

// BroadcastMessage targets the listed tenants, or every tenant when TenantIDs is nil.
type BroadcastMessage struct {
	TenantIDs []string
	Channel   wstypes.ChannelType
	Message   *wstypes.WSMessage
}

func NewHub(verifier TokenVerifier, logger *zap.Logger) *Hub {
	return &Hub{
		clients:         make(map[string]map[*Client]bool),
		Register:        make(chan *Client),
		unregister:      make(chan *Client, 64),
		broadcast:       make(chan *BroadcastMessage, 256),
		handlerRegistry: NewHandlerRegistry(),
		verifier:        verifier,
		logger:          logger,
	}
}

// AuthenticateClient validates the JWT token. Operators connect without a tenant
// and only receive system broadcasts.
func (h *Hub) AuthenticateClient(ctx context.Context, token string) (*ClientAuth, error) {
	claims, err := h.verifier.VerifyAccessToken(token)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return &ClientAuth{
		Subject:   claims.Subject,
		TenantID:  claims.TenantID,
		SessionID: claims.ID,
		Roles:     claims.Roles,
	}, nil
}

// RegisterHandler registers a message handler
func (h *Hub) RegisterHandler(handler MessageHandler) {
	h.handlerRegistry.Register(handler)
}

// HandleClientMessage routes a message to its registered handler. It reports
// false when no handler claims the event type.
func (h *Hub) HandleClientMessage(ctx context.Context, client *Client, msg *wstypes.WSMessage) (bool, error) {
	handler, exists := h.handlerRegistry.GetHandler(msg.Type)
	if !exists {
		return false, nil
	}
	return true, handler.HandleMessage(ctx, client, msg)
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.Register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	if h.clients[client.tenantID] == nil {
		h.clients[client.tenantID] = make(map[*Client]bool)
	}
	h.clients[client.tenantID][client] = true
	total := h.totalClients()
	h.mu.Unlock()

	h.logger.Info("websocket client connected",
		zap.String("tenant_id", client.tenantID),
		zap.String("subject", client.subject),
		zap.Int("total", total))

	client.SendMessage(wstypes.NewMessage(wstypes.EventTypeConnected, map[string]interface{}{
		"tenant_id":  client.tenantID,
		"session_id": client.sessionID,
		"roles":      client.roles,
	}))
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.clients[client.tenantID]
	if !ok {
		return
	}
	if _, exists := clients[client]; !exists {
		return
	}
	delete(clients, client)
	client.Close()
	if len(clients) == 0 {
		delete(h.clients, client.tenantID)
	}

	h.logger.Info("websocket client disconnected",
		zap.String("tenant_id", client.tenantID),
		zap.Int("total", h.totalClients()))
}

func (h *Hub) deliver(msg *BroadcastMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	send := func(clients map[*Client]bool) {
		for client := range clients {
			if client.IsSubscribed(msg.Channel) {
				client.SendMessage(msg.Message)
			}
		}
	}

	if msg.TenantIDs == nil {
		for _, clients := range h.clients {
			send(clients)
		}
		return
	}
	for _, tenantID := range msg.TenantIDs {
		send(h.clients[tenantID])
	}
}

// Broadcast queues a message without blocking; it reports false when the
// broadcast buffer is full.
func (h *Hub) Broadcast(msg *BroadcastMessage) bool {
	select {
	case h.broadcast <- msg:
		return true
	default:
		h.logger.Warn("websocket broadcast buffer full", zap.String("channel", string(msg.Channel)))
		return false
	}
}

// BroadcastBillingStatus pushes a status change to the tenant's billing subscribers.
func (h *Hub) BroadcastBillingStatus(data *wstypes.BillingStatusData) bool {
	return h.Broadcast(&BroadcastMessage{
		TenantIDs: []string{data.TenantID},
		Channel:   wstypes.ChannelBilling,
		Message:   wstypes.NewMessage(wstypes.EventTypeBillingStatusChanged, data),
	})
}

func (h *Hub) ConnectedClients(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[tenantID])
}

func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.totalClients()
}

func (h *Hub) totalClients() int {
	total := 0
	for _, clients := range h.clients {
		total += len(clients)
	}
	return total
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for tenantID, clients := range h.clients {
		for client := range clients {
			client.Close()
		}
		delete(h.clients, tenantID)
	}
	h.logger.Info("websocket hub stopped")
}
