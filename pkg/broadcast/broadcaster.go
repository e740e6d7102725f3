package broadcast

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/syncrail/syncrail-engine/pkg/auth"
	"github.com/syncrail/syncrail-engine/pkg/logging"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	pongWait       = 60 * time.Second
	sendBufferSize = 64
)

type subKey struct {
	tenantID int
	jobName  string
}

type subscriber struct {
	conn *websocket.Conn
	send chan Event
	once sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() {
		close(s.send)
	})
}

// Broadcaster routes pipeline events to WebSocket subscribers. Subscribers
// authenticate with a bearer JWT at handshake; the tenant scope comes from
// the token, never from the client's request.
type Broadcaster struct {
	jwks   auth.JWKSClientInterface
	logger *zap.Logger

	upgrader websocket.Upgrader

	mu          sync.RWMutex
	subscribers map[subKey]map[*subscriber]struct{}
}

// NewBroadcaster creates a broadcaster validating tokens against the given
// JWKS client.
func NewBroadcaster(jwks auth.JWKSClientInterface, logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		jwks:   jwks,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		subscribers: make(map[subKey]map[*subscriber]struct{}),
	}
}

// Publish delivers an event to every subscriber of the event's (tenant, job
// name), plus tenant-wide subscribers. Slow subscribers lose events rather
// than stalling the pipeline.
func (b *Broadcaster) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, key := range []subKey{
		{tenantID: event.TenantID, jobName: event.JobName},
		{tenantID: event.TenantID, jobName: ""},
	} {
		for sub := range b.subscribers[key] {
			select {
			case sub.send <- event:
			default:
				b.logger.Warn("dropping event for slow subscriber",
					zap.Int("tenant_id", event.TenantID),
					zap.String("event_type", event.Type))
			}
		}
	}
}

// SubscriberCount reports how many connections are subscribed for a tenant
// and job name. Serves tests and the ops surface.
func (b *Broadcaster) SubscriberCount(tenantID int, jobName string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[subKey{tenantID: tenantID, jobName: jobName}])
}

// Disconnect closes every live session of a tenant. Called on logout and on
// credential rotation; closing the send channel makes the write loop emit a
// close frame and the read loop unregister the subscriber.
func (b *Broadcaster) Disconnect(tenantID int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, subs := range b.subscribers {
		if key.tenantID != tenantID {
			continue
		}
		for sub := range subs {
			sub.close()
		}
		delete(b.subscribers, key)
	}
}

// HandleWS upgrades the connection and streams events for the job name given
// in the "job" query parameter (empty subscribes to all of the tenant's
// jobs). Invalid credentials close the socket with policy violation (1008).
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	token := bearerToken(r)
	claims, err := b.validate(token)
	if err != nil {
		b.logger.Warn("websocket auth rejected",
			zap.String("credential", logging.MaskCredential(token)),
			zap.Error(err))
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid credentials"), deadline)
		_ = conn.Close()
		return
	}

	key := subKey{tenantID: claims.TenantID, jobName: r.URL.Query().Get("job")}
	sub := &subscriber{conn: conn, send: make(chan Event, sendBufferSize)}
	b.add(key, sub)
	b.logger.Info("websocket subscriber connected",
		zap.Int("tenant_id", claims.TenantID),
		zap.String("job_name", key.jobName))

	go b.writeLoop(sub)
	b.readLoop(key, sub)
}

func (b *Broadcaster) validate(token string) (*auth.Claims, error) {
	claims, err := b.jwks.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	if claims.TenantID == 0 {
		return nil, fmt.Errorf("token carries no tenant claim")
	}
	return claims, nil
}

func (b *Broadcaster) add(key subKey, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[key] == nil {
		b.subscribers[key] = make(map[*subscriber]struct{})
	}
	b.subscribers[key][sub] = struct{}{}
}

func (b *Broadcaster) remove(key subKey, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.subscribers[key]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.subscribers, key)
		}
	}
	sub.close()
}

// readLoop consumes control frames until the client disconnects, then
// unregisters the subscriber.
func (b *Broadcaster) readLoop(key subKey, sub *subscriber) {
	defer func() {
		b.remove(key, sub)
		_ = sub.conn.Close()
	}()

	sub.conn.SetReadLimit(512)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *Broadcaster) writeLoop(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sub.conn.Close()
	}()

	for {
		select {
		case event, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sub.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	// Browser WebSocket clients cannot set headers; accept the token as a
	// query parameter too.
	return r.URL.Query().Get("token")
}
