package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/lastbid-gg/lastbid/internal/models"
)

// ConnectionManager manages WebSocket connections subscribed to auction
// tiers. It implements round.BroadcastSink: machines hand it snapshot
// copies and it fans them out without ever blocking the caller.
type ConnectionManager struct {
	// Connection pools organized by tier
	tierConnections map[string]map[*Connection]bool
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	broadcastCh chan BroadcastMessage
}

// Connection represents a WebSocket connection to a client.
type Connection struct {
	ID      string
	Account string
	Tier    string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	// Inbound message budget; abusive clients are disconnected.
	limiter *rate.Limiter

	ConnectedAt time.Time
	LastPing    time.Time
}

// ConnectionConfig holds configuration for WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	// MaxInboundRate caps client messages per second; exceeding the
	// burst gets the connection dropped.
	MaxInboundRate   float64
	MaxInboundBurst  int
	BroadcastBacklog int
	CheckOrigin      func(r *http.Request) bool
}

// BroadcastMessage represents a message to broadcast to a tier's
// connections.
type BroadcastMessage struct {
	Tier  string
	Event *TierEvent
}

// DefaultConnectionConfig returns default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     30 * time.Second,
		MaxMessageSize:   1024,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		MaxInboundRate:   20,
		MaxInboundBurst:  40,
		BroadcastBacklog: 1000,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		tierConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan BroadcastMessage, config.BroadcastBacklog),
	}
}

// Start begins processing broadcast messages.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// PublishSnapshot implements round.BroadcastSink. It never blocks: if
// the broadcast backlog is full the snapshot is dropped, since the next
// one supersedes it anyway.
func (cm *ConnectionManager) PublishSnapshot(snap models.RoundSnapshot) {
	event, err := NewSnapshotEvent(snap)
	if err != nil {
		log.Error().Err(err).Str("tier", snap.Tier).Msg("failed to build snapshot event")
		return
	}
	select {
	case cm.broadcastCh <- BroadcastMessage{Tier: snap.Tier, Event: event}:
	default:
		log.Warn().Str("tier", snap.Tier).Msg("broadcast channel full, dropping snapshot")
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket and
// subscribes it to a tier.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, account, tier string) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		Account:     account,
		Tier:        tier,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		limiter:     rate.NewLimiter(rate.Limit(cm.config.MaxInboundRate), cm.config.MaxInboundBurst),
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("account", account).
		Str("tier", tier).
		Msg("WebSocket connection established")

	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.tierConnections[conn.Tier] == nil {
		cm.tierConnections[conn.Tier] = make(map[*Connection]bool)
	}
	cm.tierConnections[conn.Tier][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("tier", conn.Tier).
		Int("total_connections", len(cm.tierConnections[conn.Tier])).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if connections, exists := cm.tierConnections[conn.Tier]; exists {
		if _, exists := connections[conn]; exists {
			delete(connections, conn)
			close(conn.Send)

			if len(connections) == 0 {
				delete(cm.tierConnections, conn.Tier)
			}

			log.Info().
				Str("connection_id", conn.ID).
				Str("account", conn.Account).
				Str("tier", conn.Tier).
				Msg("connection unregistered")
		}
	}
}

// handleBroadcast sends an event to every connection on a tier.
func (cm *ConnectionManager) handleBroadcast(message BroadcastMessage) {
	cm.mu.RLock()
	connections, exists := cm.tierConnections[message.Tier]
	if !exists {
		cm.mu.RUnlock()
		return
	}

	targets := make([]*Connection, 0, len(connections))
	for conn := range connections {
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	eventData, err := json.Marshal(message.Event)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event for broadcast")
		return
	}

	for _, conn := range targets {
		select {
		case conn.Send <- eventData:
		default:
			// Connection is slow/dead, close it
			log.Warn().
				Str("connection_id", conn.ID).
				Str("account", conn.Account).
				Msg("connection send buffer full, closing connection")
			cm.unregisterConnection(conn)
			conn.Conn.Close()
		}
	}

	log.Debug().
		Str("event_type", string(message.Event.Type)).
		Str("tier", message.Tier).
		Int("connections", len(targets)).
		Msg("event broadcasted")
}

// GetConnectionStats returns statistics about active connections.
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	totalConnections := 0
	tierCounts := make(map[string]int)

	for tier, connections := range cm.tierConnections {
		count := len(connections)
		totalConnections += count
		tierCounts[tier] = count
	}

	return map[string]interface{}{
		"total_connections": totalConnections,
		"active_tiers":      len(cm.tierConnections),
		"tier_connections":  tierCounts,
	}
}

// writePump handles sending messages to the WebSocket connection.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump handles reading messages from the WebSocket connection.
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		// Spam control: kick clients that flood the socket.
		if !c.limiter.Allow() {
			log.Warn().
				Str("connection_id", c.ID).
				Str("account", c.Account).
				Msg("kicking connection for message flooding")
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage processes messages received from the client. Bids
// and state reads go over HTTP; inbound socket traffic is only logged.
func (c *Connection) handleClientMessage(message []byte) {
	log.Debug().
		Str("connection_id", c.ID).
		Str("account", c.Account).
		RawJSON("message", message).
		Msg("received client message")
}
