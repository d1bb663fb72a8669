package realtime

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/fleetgrid/fleetgrid-core/internal/infrastructure/logging"
	"github.com/fleetgrid/fleetgrid-core/internal/user"
)

// Transport identifies which delivery mechanism a connection uses.
type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportSSE       Transport = "sse"
)

// Conn is the registry's view of one live client connection. Implemented
// by the gateway's transport adapters.
//
// Deliver must fail soft: a slow or dead client may drop the event or
// return an error, but must never block the publisher. An error return
// means the connection is torn down and causes its unregistration.
type Conn interface {
	ID() string
	UserID() string
	Role() user.Role
	Transport() Transport

	// Deliver hands the event to the connection's outbound path.
	Deliver(evt *Event) error

	// Kick asks the transport to close the connection, telling the client
	// why. Idempotent; called for forced logout and idle pruning.
	Kick(reason string)

	// LastActive reports the time of the connection's last inbound or
	// outbound activity, used for idle pruning.
	LastActive() time.Time
}

// topicShardCount must be a power of two.
const topicShardCount = 16

// topicShard holds the subscriber sets for topics hashing into it.
type topicShard struct {
	mu     sync.RWMutex
	topics map[string]map[string]Conn // topic → connID → conn
}

// connState tracks a registered connection and the topics it has joined.
// closed flips when Unregister starts tearing the state down; a Subscribe
// racing the teardown must not re-add the connection to a topic shard.
type connState struct {
	conn Conn

	mu     sync.Mutex
	closed bool
	topics map[string]struct{}
}

// Registry tracks live connections, keyed by connection ID, user identity,
// and topic subscriptions.
//
// Topic maps are sharded so fan-out reads for one topic never contend
// with subscription churn on unrelated topics. The connection and user
// indexes sit under their own locks. Lock ordering is always
// conn index, then conn state, then topic shard; no path holds two shard
// locks, and shard membership changes for a connection only happen under
// its state lock so subscribe and unregister serialize per connection.
//
// Thread Safety: all methods are safe for arbitrary concurrent callers.
type Registry struct {
	logger *logging.Logger

	connMu sync.RWMutex
	conns  map[string]*connState

	userMu sync.RWMutex
	users  map[string]map[string]Conn // userID → connID → conn

	shards [topicShardCount]*topicShard
}

// RegistryStats is the observability surface for the registry.
type RegistryStats struct {
	Connections int            `json:"connections"`
	Users       int            `json:"users"`
	Topics      map[string]int `json:"topics"` // topic → subscriber count
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger *logging.Logger) *Registry {
	r := &Registry{
		logger: logger.With("component", "registry"),
		conns:  make(map[string]*connState),
		users:  make(map[string]map[string]Conn),
	}
	for i := range r.shards {
		r.shards[i] = &topicShard{topics: make(map[string]map[string]Conn)}
	}
	return r
}

func (r *Registry) shardFor(topic string) *topicShard {
	h := fnv.New32a()
	h.Write([]byte(topic)) //nolint:errcheck // fnv writes never fail
	return r.shards[h.Sum32()&(topicShardCount-1)]
}

// Register adds a connection and auto-subscribes it to the owning user's
// personal topic and role topic. Registering an already-known connection
// ID is a no-op.
func (r *Registry) Register(conn Conn) {
	state := &connState{conn: conn, topics: make(map[string]struct{})}

	r.connMu.Lock()
	if _, exists := r.conns[conn.ID()]; exists {
		r.connMu.Unlock()
		return
	}
	r.conns[conn.ID()] = state
	r.connMu.Unlock()

	r.userMu.Lock()
	set, ok := r.users[conn.UserID()]
	if !ok {
		set = make(map[string]Conn)
		r.users[conn.UserID()] = set
	}
	set[conn.ID()] = conn
	r.userMu.Unlock()

	r.Subscribe(conn.ID(), UserTopic(conn.UserID()))
	r.Subscribe(conn.ID(), RoleTopic(conn.Role()))

	r.logger.Debug("connection registered",
		"conn_id", conn.ID(), "user_id", conn.UserID(), "transport", conn.Transport())
}

// Subscribe joins the connection to a topic. Idempotent; unknown or
// already-closed connection IDs are ignored (the connection raced an
// unregister).
func (r *Registry) Subscribe(connID, topic string) {
	r.connMu.RLock()
	state, ok := r.conns[connID]
	r.connMu.RUnlock()
	if !ok {
		return
	}

	// The shard insert happens under the state lock so it serializes
	// against Unregister: either this subscription completes before the
	// teardown drains the topic set, or closed is already set and the
	// shard is never touched. Released between, a full teardown could
	// slip in and the insert would leave a permanent stale subscriber.
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.closed {
		return
	}
	state.topics[topic] = struct{}{}

	shard := r.shardFor(topic)
	shard.mu.Lock()
	subs, ok := shard.topics[topic]
	if !ok {
		subs = make(map[string]Conn)
		shard.topics[topic] = subs
	}
	subs[connID] = state.conn
	shard.mu.Unlock()
}

// Unsubscribe removes the connection from a topic. Idempotent.
func (r *Registry) Unsubscribe(connID, topic string) {
	r.connMu.RLock()
	state, ok := r.conns[connID]
	r.connMu.RUnlock()
	if !ok {
		r.removeFromTopic(connID, topic)
		return
	}

	state.mu.Lock()
	delete(state.topics, topic)
	r.removeFromTopic(connID, topic)
	state.mu.Unlock()
}

func (r *Registry) removeFromTopic(connID, topic string) {
	shard := r.shardFor(topic)
	shard.mu.Lock()
	if subs, ok := shard.topics[topic]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(shard.topics, topic)
		}
	}
	shard.mu.Unlock()
}

// Unregister removes the connection from every topic set and the user
// index. Not an error if already absent; a disconnect racing a forced
// logout must both converge to "gone".
func (r *Registry) Unregister(connID string) {
	r.connMu.Lock()
	state, ok := r.conns[connID]
	delete(r.conns, connID)
	r.connMu.Unlock()
	if !ok {
		return
	}

	// closed and the shard removals sit under the state lock together;
	// once the lock is released no Subscribe can re-add this connection
	// to any shard.
	state.mu.Lock()
	state.closed = true
	for topic := range state.topics {
		r.removeFromTopic(connID, topic)
	}
	state.topics = make(map[string]struct{})
	state.mu.Unlock()

	r.userMu.Lock()
	if set, ok := r.users[state.conn.UserID()]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.users, state.conn.UserID())
		}
	}
	r.userMu.Unlock()

	r.logger.Debug("connection unregistered", "conn_id", connID)
}

// ConnectionsFor returns a snapshot of the topic's current subscribers.
// The snapshot is taken under the shard's read lock and never blocks
// register/unregister traffic on other topics.
func (r *Registry) ConnectionsFor(topic string) []Conn {
	shard := r.shardFor(topic)
	shard.mu.RLock()
	subs := shard.topics[topic]
	conns := make([]Conn, 0, len(subs))
	for _, c := range subs {
		conns = append(conns, c)
	}
	shard.mu.RUnlock()
	return conns
}

// ConnectionsForUser returns a snapshot of every connection the user owns.
func (r *Registry) ConnectionsForUser(userID string) []Conn {
	r.userMu.RLock()
	set := r.users[userID]
	conns := make([]Conn, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	r.userMu.RUnlock()
	return conns
}

// ForceDisconnect tears down every connection owned by the user. This is
// what makes token revocation observable on already-open connections.
// When it returns, the registry holds zero connections for the user.
func (r *Registry) ForceDisconnect(userID, reason string) int {
	conns := r.ConnectionsForUser(userID)
	for _, c := range conns {
		c.Kick(reason)
		r.Unregister(c.ID())
	}
	if len(conns) > 0 {
		r.logger.Info("forced disconnect",
			"user_id", userID, "connections", len(conns), "reason", reason)
	}
	return len(conns)
}

// PruneIdle tears down connections with no activity since the bound.
// Defensive cleanup against leaked handles from abnormal transport
// termination that bypassed normal unregister.
func (r *Registry) PruneIdle(bound time.Duration) int {
	cutoff := time.Now().Add(-bound)

	r.connMu.RLock()
	var idle []Conn
	for _, state := range r.conns {
		if state.conn.LastActive().Before(cutoff) {
			idle = append(idle, state.conn)
		}
	}
	r.connMu.RUnlock()

	for _, c := range idle {
		c.Kick("idle timeout")
		r.Unregister(c.ID())
	}
	if len(idle) > 0 {
		r.logger.Info("pruned idle connections", "count", len(idle))
	}
	return len(idle)
}

// Stats returns total connections, distinct users, and per-topic
// subscriber counts.
func (r *Registry) Stats() RegistryStats {
	r.connMu.RLock()
	connections := len(r.conns)
	r.connMu.RUnlock()

	r.userMu.RLock()
	users := len(r.users)
	r.userMu.RUnlock()

	topics := make(map[string]int)
	for _, shard := range r.shards {
		shard.mu.RLock()
		for topic, subs := range shard.topics {
			topics[topic] = len(subs)
		}
		shard.mu.RUnlock()
	}

	return RegistryStats{
		Connections: connections,
		Users:       users,
		Topics:      topics,
	}
}
