package meshnet

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shurlinet/meshnet/internal/broadcast"
)

// SendFunc is the link-layer delivery callback the router uses to hand a
// message to a specific direct peer. MeshNode supplies the implementation
// (encode + pick the adapter holding directPeerID); per-recipient errors
// are logged by the router and never abort a multi-cast (spec §4.1
// Failure semantics).
type SendFunc func(ctx context.Context, directPeerID string, msg Message) error

// DeliveredMessage pairs a locally-destined message with the direct peer
// id it arrived from, so the mesh node can recover "received-from" for
// peerAnnounce dispatch without the router needing to know about
// message types beyond what forwarding requires.
type DeliveredMessage struct {
	Message      Message
	ReceivedFrom string
}

// RouterConfig holds the tunables a Router is constructed with; zero
// values fall back to spec §6.2 defaults.
type RouterConfig struct {
	HealthCheckInterval time.Duration
	StaleTimeout        time.Duration
	DedupWindow         time.Duration
	DedupCacheSize      int
}

func (c RouterConfig) withDefaults() RouterConfig {
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = PeerHealthCheckInterval
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = PeerStaleTimeout
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = MessageDeduplicationWindow
	}
	if c.DedupCacheSize <= 0 {
		c.DedupCacheSize = MaxDeduplicationCacheSize
	}
	return c
}

// Router owns the routing table and dedup cache (spec §4.1). It is the
// single mutator of routing state; all mutation methods take an internal
// mutex so concurrent adapter callbacks and periodic ticks serialize
// correctly (spec §5).
type Router struct {
	localID       string
	localUsername string
	cfg           RouterConfig
	metrics       *Metrics
	sendFn        SendFunc

	mu     sync.Mutex
	table  map[string]Peer
	direct map[string]Peer
	dedup  *dedupCache

	delivered    *broadcast.Broadcaster[DeliveredMessage]
	peerUpdates  *broadcast.Broadcaster[Peer]
	peerRemovals *broadcast.Broadcaster[string]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRouter constructs a Router for the local peer identity. Call Start
// before use and Stop when done.
func NewRouter(localID, localUsername string, cfg RouterConfig, metrics *Metrics) *Router {
	cfg = cfg.withDefaults()
	return &Router{
		localID:       localID,
		localUsername: localUsername,
		cfg:           cfg,
		metrics:       metrics,
		table:         make(map[string]Peer),
		direct:        make(map[string]Peer),
		dedup:         newDedupCache(cfg.DedupCacheSize, cfg.DedupWindow),
		delivered:     broadcast.New[DeliveredMessage](64),
		peerUpdates:   broadcast.New[Peer](64),
		peerRemovals:  broadcast.New[string](64),
	}
}

// SetSendFunc installs the link-layer delivery callback. Must be called
// before Start (the mesh node wires this once its adapters exist).
func (r *Router) SetSendFunc(fn SendFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendFn = fn
}

// Start begins the health-check and dedup-cleanup timers.
func (r *Router) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(2)
	go r.healthLoop()
	go r.dedupCleanupLoop()
}

// Stop cancels the timers and waits for them to exit. It does not close
// the outward streams (callers may still want to drain Delivered/PeerUpdates
// after Stop during node shutdown sequencing).
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Close releases the outward broadcast streams. Call once, after Stop.
func (r *Router) Close() {
	r.delivered.Close()
	r.peerUpdates.Close()
	r.peerRemovals.Close()
}

// Delivered is the stream of messages destined for the local node.
func (r *Router) Delivered() (<-chan DeliveredMessage, func()) {
	return r.delivered.Subscribe()
}

// PeerUpdates is the stream of peer table mutations (add/refresh/stale).
func (r *Router) PeerUpdates() (<-chan Peer, func()) {
	return r.peerUpdates.Subscribe()
}

// PeerRemovals is the stream of peer ids evicted from the table.
func (r *Router) PeerRemovals() (<-chan string, func()) {
	return r.peerRemovals.Subscribe()
}

// AddDirectPeer registers p as a one-hop peer (spec §4.1 Direct-peer
// addition).
func (r *Router) AddDirectPeer(p Peer) {
	r.mu.Lock()
	p.HopCount = 0
	p.NextHopPeerID = nil
	p.State = PeerConnected
	p.LastSeenAt = nowMillis()
	r.table[p.ID] = p
	r.direct[p.ID] = p
	r.mu.Unlock()

	r.metrics.incPeerTransition(PeerConnected)
	r.peerUpdates.Publish(p.Clone())
}

// RemoveDirectPeer removes id from the direct set and cascades eviction
// to any peer whose next hop was id (spec §4.1 Direct-peer removal).
func (r *Router) RemoveDirectPeer(id string) {
	r.mu.Lock()
	delete(r.direct, id)

	removed := []string{}
	if _, ok := r.table[id]; ok {
		delete(r.table, id)
		removed = append(removed, id)
	}
	for pid, p := range r.table {
		if p.NextHopPeerID != nil && *p.NextHopPeerID == id {
			delete(r.table, pid)
			removed = append(removed, pid)
		}
	}
	r.mu.Unlock()

	for _, rid := range removed {
		r.peerRemovals.Publish(rid)
	}
}

// HandlePeerAnnounce processes an inbound PeerAnnounce arriving from the
// direct peer receivedFrom (spec §4.1 Peer announce handling).
func (r *Router) HandlePeerAnnounce(ann PeerAnnounce, receivedFrom string) {
	r.mu.Lock()
	now := nowMillis()

	if existing, ok := r.table[ann.Peer.ID]; ok {
		existing.LastSeenAt = now
		r.table[ann.Peer.ID] = existing
	}

	var updated []Peer
	for _, kp := range ann.KnownPeers {
		if kp.ID == r.localID {
			continue
		}
		candidateHops := kp.HopCount + 1
		existing, exists := r.table[kp.ID]
		if !exists || existing.HopCount > candidateHops {
			nh := receivedFrom
			installed := Peer{
				ID:            kp.ID,
				Username:      kp.Username,
				TransportType: kp.TransportType,
				State:         PeerConnected,
				HopCount:      candidateHops,
				NextHopPeerID: &nh,
				LastSeenAt:    now,
				Metadata:      kp.Metadata,
			}
			r.table[kp.ID] = installed
			updated = append(updated, installed)
		}
		// else: existing route is shorter or equal cost; keep it
		// (ties never replace, avoiding route flapping per spec §4.1/§9).
	}
	r.mu.Unlock()

	for _, p := range updated {
		r.metrics.incPeerTransition(p.State)
		r.peerUpdates.Publish(p.Clone())
	}
}

// ProcessIncomingMessage runs the inbound-message pipeline (spec §4.1):
// dedup, mark-seen, sender liveness refresh, local delivery, and forward.
// receivedFrom is the direct peer id the bytes arrived from. Returns
// false (not processed) on a dedup drop, true otherwise.
func (r *Router) ProcessIncomingMessage(ctx context.Context, msg Message, receivedFrom string) (bool, error) {
	now := time.Now()

	if !r.dedup.Mark(msg.ID, now) {
		r.metrics.incDropped("duplicate")
		return false, nil
	}
	r.metrics.setDedupSize(r.dedup.Len())

	r.mu.Lock()
	if existing, ok := r.table[msg.SourceID]; ok {
		existing.LastSeenAt = nowMillis()
		r.table[msg.SourceID] = existing
	}
	r.mu.Unlock()

	r.metrics.incProcessed(msg.Type)

	isForUs := msg.IsBroadcast() || msg.TargetsInclude(r.localID)
	if isForUs {
		r.metrics.incDelivered()
		r.delivered.Publish(DeliveredMessage{Message: msg, ReceivedFrom: receivedFrom})
	}

	hasOtherTarget := false
	for _, t := range msg.TargetIDs {
		if t != r.localID {
			hasOtherTarget = true
			break
		}
	}
	shouldForward := msg.CanForward() && (msg.IsBroadcast() || hasOtherTarget)
	if shouldForward {
		r.forward(ctx, msg.Forwarded(), receivedFrom)
	}

	return true, nil
}

// forward implements the forwarding rule of spec §4.1: horizon split for
// broadcast, next-hop resolution with no-bounceback and recipient dedup
// for targeted messages. fwd already has TTL decremented by the caller.
func (r *Router) forward(ctx context.Context, fwd Message, receivedFrom string) {
	if fwd.IsBroadcast() {
		for _, peerID := range r.directPeerIDs() {
			if peerID == receivedFrom {
				continue
			}
			r.send(ctx, peerID, fwd)
		}
		r.metrics.incForwarded("broadcast")
		return
	}

	nextHops := make(map[string]struct{})
	for _, target := range fwd.TargetIDs {
		if target == r.localID {
			continue
		}
		nh, ok := r.NextHop(target)
		if !ok || nh == "" {
			continue
		}
		if nh == receivedFrom {
			continue
		}
		nextHops[nh] = struct{}{}
	}
	for nh := range nextHops {
		r.send(ctx, nh, fwd)
	}
	r.metrics.incForwarded("targeted")
}

func (r *Router) send(ctx context.Context, directPeerID string, msg Message) {
	r.mu.Lock()
	fn := r.sendFn
	r.mu.Unlock()
	if fn == nil {
		return
	}
	if err := fn(ctx, directPeerID, msg); err != nil {
		slog.Warn("router: send failed", "peer", directPeerID, "error", err)
	}
}

// Send originates a new message locally (spec §4.1 Locally originated
// send): pre-marks the id as seen so an echo is suppressed, then sends to
// every direct peer (broadcast) or resolves next hops (targeted).
func (r *Router) Send(ctx context.Context, msg Message) error {
	r.dedup.Mark(msg.ID, time.Now())
	r.metrics.setDedupSize(r.dedup.Len())

	if msg.IsBroadcast() {
		for _, peerID := range r.directPeerIDs() {
			r.send(ctx, peerID, msg)
		}
		return nil
	}

	nextHops := make(map[string]struct{})
	for _, target := range msg.TargetIDs {
		if target == r.localID {
			continue
		}
		if nh, ok := r.NextHop(target); ok && nh != "" {
			nextHops[nh] = struct{}{}
		}
	}
	if len(nextHops) == 0 {
		return ErrRoutingUnavailable
	}
	for nh := range nextHops {
		r.send(ctx, nh, msg)
	}
	return nil
}

// NextHop resolves the direct peer a message for target must first be
// sent to (spec §4.1 Next-hop resolution).
func (r *Router) NextHop(target string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.direct[target]; ok {
		return target, true
	}
	if p, ok := r.table[target]; ok {
		if p.NextHopPeerID == nil {
			return "", false
		}
		return *p.NextHopPeerID, true
	}
	return "", false
}

func (r *Router) directPeerIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.direct))
	for id := range r.direct {
		ids = append(ids, id)
	}
	return ids
}

// Peers returns a snapshot of every peer in the table.
func (r *Router) Peers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.table))
	for _, p := range r.table {
		out = append(out, p.Clone())
	}
	return out
}

// DirectPeers returns a snapshot of the direct-peer subset.
func (r *Router) DirectPeers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.direct))
	for _, p := range r.direct {
		out = append(out, p.Clone())
	}
	return out
}

// PeerCount returns the size of the full routing table.
func (r *Router) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.table)
}

// GetPeer looks up a single peer by id.
func (r *Router) GetPeer(id string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.table[id]
	if !ok {
		return Peer{}, false
	}
	return p.Clone(), true
}

// BuildSelfAnnounce builds the payload for a periodic peer-announce tick
// (spec §4.2 Periodic announce): the local peer at hop_count 0 plus every
// non-local entry currently in the table.
func (r *Router) BuildSelfAnnounce(localTransport TransportType) PeerAnnounce {
	r.mu.Lock()
	defer r.mu.Unlock()

	self := Peer{
		ID:            r.localID,
		Username:      r.localUsername,
		TransportType: localTransport,
		State:         PeerConnected,
		HopCount:      0,
		LastSeenAt:    nowMillis(),
	}

	known := make([]Peer, 0, len(r.table))
	for id, p := range r.table {
		if id == r.localID {
			continue
		}
		known = append(known, p.Clone())
	}

	return PeerAnnounce{Peer: self, KnownPeers: known}
}

func (r *Router) healthLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.runHealthTick(time.Now())
		}
	}
}

// runHealthTick is the spec §4.1 health tick, exposed for deterministic
// testing without waiting on a real ticker.
func (r *Router) runHealthTick(now time.Time) {
	cutoff := now.Add(-r.cfg.StaleTimeout).UnixMilli()

	r.mu.Lock()
	var becameStale []Peer
	for id, p := range r.table {
		if p.LastSeenAt < cutoff && p.State != PeerStale {
			p.State = PeerStale
			r.table[id] = p
			becameStale = append(becameStale, p)
		}
	}
	r.mu.Unlock()

	for _, p := range becameStale {
		r.metrics.incPeerTransition(PeerStale)
		r.peerUpdates.Publish(p.Clone())
	}
	r.metrics.setRoutingTableSize(r.PeerCount())
}

func (r *Router) dedupCleanupLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.DedupWindow)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.dedup.Cleanup(time.Now())
			r.metrics.setDedupSize(r.dedup.Len())
		}
	}
}
