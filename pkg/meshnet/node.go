package meshnet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/shurlinet/meshnet/internal/broadcast"
)

// InboundMessage is what MeshNode hands to application subscribers for a
// locally-destined MsgData message.
type InboundMessage struct {
	SourceID       string
	SourceUsername string
	Payload        DataPayload
}

// FileProgressEvent reports announce-time bookkeeping for a file transfer.
// Actual chunk transport/reassembly is out of scope for this package
// (spec Non-goals); this stream only ever sees the announce step
// published by AnnounceFile. No chunk-send events are published, and
// PeerID and BytesAccounted are left zero.
type FileProgressEvent struct {
	FileID        string
	PeerID        string
	Stage         string // "announced"
	BytesAccounted int64
	TotalBytes    int64
}

// autoConnectState bounds how eagerly the node dials discovered peers:
// a rate limiter caps attempts per second, a semaphore caps in-flight
// dials, and a per-peer cooldown stops repeat dials to a peer still
// settling a previous attempt. None of this is the spec's forbidden
// message-level congestion control; it only shapes outbound connection
// attempts.
type autoConnectState struct {
	limiter *rate.Limiter
	sem     chan struct{}

	mu       sync.Mutex
	inFlight map[string]bool
}

func newAutoConnectState() *autoConnectState {
	return &autoConnectState{
		limiter:  rate.NewLimiter(rate.Limit(5), 5),
		sem:      make(chan struct{}, 4),
		inFlight: make(map[string]bool),
	}
}

func (a *autoConnectState) tryReserve(peerID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inFlight[peerID] {
		return false
	}
	a.inFlight[peerID] = true
	return true
}

func (a *autoConnectState) release(peerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.inFlight, peerID)
}

// MeshNode composes a Router with one or more transport Adapters (spec
// §4.2). It owns adapter lifecycle, auto-connect policy, inbound
// dispatch by message type, and the periodic peer-announce tick.
type MeshNode struct {
	cfg     NodeConfig
	router  *Router
	metrics *Metrics

	adapters []Adapter
	discCache map[string]DiscoveredPeer
	discMu    sync.Mutex

	autoConn *autoConnectState

	messages     *broadcast.Broadcaster[InboundMessage]
	peerUpdates  *broadcast.Broadcaster[Peer]
	peerRemovals *broadcast.Broadcaster[string]
	fileProgress *broadcast.Broadcaster[FileProgressEvent]

	mu      sync.Mutex
	started bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMeshNode constructs a node. Adapters are registered at construction
// time; Start probes and activates each one.
func NewMeshNode(cfg NodeConfig, metrics *Metrics, adapters ...Adapter) (*MeshNode, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = NewMetrics()
	}

	router := NewRouter(cfg.PeerID, cfg.Username, RouterConfig{}, metrics)

	n := &MeshNode{
		cfg:          cfg,
		router:       router,
		metrics:      metrics,
		adapters:     adapters,
		discCache:    make(map[string]DiscoveredPeer),
		autoConn:     newAutoConnectState(),
		messages:     broadcast.New[InboundMessage](64),
		peerUpdates:  broadcast.New[Peer](64),
		peerRemovals: broadcast.New[string](64),
		fileProgress: broadcast.New[FileProgressEvent](64),
	}
	router.SetSendFunc(n.deliverToDirectPeer)
	return n, nil
}

// LocalPeerID returns the node's own peer id.
func (n *MeshNode) LocalPeerID() string { return n.cfg.PeerID }

// Router exposes the underlying router for callers that need direct
// access to routing-table introspection beyond MeshNode's own surface.
func (n *MeshNode) Router() *Router { return n.router }

// Start runs the startup sequence from spec §4.2: start the router's
// timers, probe and initialize each adapter, subscribe to every stream,
// start discovery/advertising, and schedule the periodic announce.
func (n *MeshNode) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return nil
	}
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.mu.Unlock()

	n.router.Start(n.ctx)

	n.wg.Add(1)
	go n.dispatchDelivered()
	n.wg.Add(1)
	go n.relayPeerUpdates()
	n.wg.Add(1)
	go n.relayPeerRemovals()

	active := make([]Adapter, 0, len(n.adapters))
	for _, a := range n.adapters {
		if !a.IsAvailable(n.ctx) {
			slog.Info("meshnet: adapter unavailable, skipping", "adapter", a.Name())
			continue
		}
		if err := a.Initialize(n.ctx); err != nil {
			slog.Warn("meshnet: adapter init failed, skipping", "adapter", a.Name(), "error", err)
			continue
		}
		active = append(active, a)
	}
	n.adapters = active

	for _, a := range active {
		n.wg.Add(3)
		go n.watchDiscovered(a)
		go n.watchPeerStates(a)
		go n.watchInbound(a)

		if err := a.StartDiscovery(n.ctx, n.cfg.ServiceName); err != nil {
			slog.Warn("meshnet: start discovery failed", "adapter", a.Name(), "error", err)
		}
		if n.cfg.IsAutoAdvertiseEnabled() {
			local := n.localPeerDescriptor()
			if err := a.StartAdvertising(n.ctx, local, n.cfg.ServiceName); err != nil {
				slog.Warn("meshnet: start advertising failed", "adapter", a.Name(), "error", err)
			}
		}
	}

	n.wg.Add(1)
	go n.announceLoop()

	n.mu.Lock()
	n.started = true
	n.mu.Unlock()
	return nil
}

// Stop runs the shutdown sequence: cancel the context, tear down every
// adapter (tolerant of individual failures), stop the router, and close
// every outward stream.
func (n *MeshNode) Stop(ctx context.Context) error {
	n.mu.Lock()
	if !n.started {
		n.mu.Unlock()
		return nil
	}
	n.started = false
	n.mu.Unlock()

	if n.cancel != nil {
		n.cancel()
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range n.adapters {
		a := a
		g.Go(func() error {
			_ = a.StopDiscovery()
			_ = a.StopAdvertising()
			if err := a.Dispose(gctx); err != nil {
				slog.Warn("meshnet: adapter dispose failed", "adapter", a.Name(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	n.router.Stop()
	n.wg.Wait()
	n.router.Close()

	n.messages.Close()
	n.peerUpdates.Close()
	n.peerRemovals.Close()
	n.fileProgress.Close()
	return nil
}

func (n *MeshNode) localPeerDescriptor() Peer {
	return Peer{
		ID:            n.cfg.PeerID,
		Username:      n.cfg.Username,
		TransportType: n.cfg.LocalTransport,
		State:         PeerConnected,
		HopCount:      0,
		LastSeenAt:    nowMillis(),
	}
}

// --- adapter event plumbing ---

func (n *MeshNode) watchDiscovered(a Adapter) {
	defer n.wg.Done()
	ch, cancel := a.Discovered()
	defer cancel()
	for {
		select {
		case <-n.ctx.Done():
			return
		case dp, ok := <-ch:
			if !ok {
				return
			}
			if dp.ID == n.cfg.PeerID {
				continue
			}
			n.discMu.Lock()
			n.discCache[dp.ID] = dp
			n.discMu.Unlock()

			if n.cfg.IsAutoConnectEnabled() {
				n.maybeAutoConnect(a, dp)
			}
		}
	}
}

func (n *MeshNode) maybeAutoConnect(a Adapter, dp DiscoveredPeer) {
	// Only skip peers already reachable directly; a peer known solely via
	// a multi-hop peer_announce (HopCount > 0) must still be eligible for
	// promotion to a direct link when an adapter discovers it locally.
	if p, ok := n.router.GetPeer(dp.ID); ok && p.IsDirect() {
		return
	}
	if !n.autoConn.tryReserve(dp.ID) {
		return
	}
	if !n.autoConn.limiter.Allow() {
		n.autoConn.release(dp.ID)
		return
	}

	select {
	case n.autoConn.sem <- struct{}{}:
	default:
		n.autoConn.release(dp.ID)
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() { <-n.autoConn.sem }()
		defer n.autoConn.release(dp.ID)

		cp, err := a.Connect(n.ctx, dp.ID)
		if err != nil {
			n.metrics.incAutoConnect("failure")
			slog.Debug("meshnet: auto-connect failed", "peer", dp.ID, "adapter", a.Name(), "error", err)
			return
		}
		n.metrics.incAutoConnect("success")
		n.router.AddDirectPeer(Peer{
			ID:            cp.ID,
			Username:      dp.Username,
			TransportType: cp.TransportType,
			Address:       cp.Address,
			Port:          cp.Port,
		})
	}()
}

func (n *MeshNode) watchPeerStates(a Adapter) {
	defer n.wg.Done()
	ch, cancel := a.PeerStateChanges()
	defer cancel()
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.State {
			case PeerConnected:
				n.router.AddDirectPeer(n.enrichFromCache(ev.PeerID, a))
			case PeerDisconnected, PeerStale:
				n.router.RemoveDirectPeer(ev.PeerID)
			}
		}
	}
}

func (n *MeshNode) enrichFromCache(peerID string, a Adapter) Peer {
	n.discMu.Lock()
	dp, ok := n.discCache[peerID]
	n.discMu.Unlock()
	if ok {
		return Peer{ID: dp.ID, Username: dp.Username, TransportType: dp.TransportType, Address: dp.Address, Port: dp.Port}
	}
	return Peer{ID: peerID, TransportType: TransportUnknown}
}

func (n *MeshNode) watchInbound(a Adapter) {
	defer n.wg.Done()
	ch, cancel := a.Inbound()
	defer cancel()
	for {
		select {
		case <-n.ctx.Done():
			return
		case frame, ok := <-ch:
			if !ok {
				return
			}
			msg, err := DecodeMessage(frame.Text)
			if err != nil {
				slog.Warn("meshnet: discarding unparsable frame", "peer", frame.FromPeerID, "error", err)
				continue
			}
			if _, err := n.router.ProcessIncomingMessage(n.ctx, msg, frame.FromPeerID); err != nil {
				slog.Warn("meshnet: process incoming failed", "error", err)
			}
		}
	}
}

func (n *MeshNode) deliverToDirectPeer(ctx context.Context, directPeerID string, msg Message) error {
	text, err := EncodeMessage(msg, Options{})
	if err != nil {
		return err
	}
	for _, a := range n.adapters {
		for _, id := range a.ConnectedPeerIDs() {
			if id == directPeerID {
				return a.Send(ctx, directPeerID, text)
			}
		}
	}
	return ErrTransportUnavailable
}

// --- router stream dispatch ---

func (n *MeshNode) dispatchDelivered() {
	defer n.wg.Done()
	ch, cancel := n.router.Delivered()
	defer cancel()
	for {
		select {
		case <-n.ctx.Done():
			return
		case dm, ok := <-ch:
			if !ok {
				return
			}
			n.handleDelivered(dm)
		}
	}
}

func (n *MeshNode) handleDelivered(dm DeliveredMessage) {
	msg := dm.Message
	switch msg.Type {
	case MsgData:
		if p, ok := msg.Payload.(DataPayload); ok {
			n.messages.Publish(InboundMessage{SourceID: msg.SourceID, SourceUsername: msg.SourceUsername, Payload: p})
		}
	case MsgPeerAnnounce:
		if p, ok := msg.Payload.(PeerAnnounce); ok {
			n.router.HandlePeerAnnounce(p, dm.ReceivedFrom)
		}
	case MsgPing:
		// A ping carries no required payload (spec §4.2/S6): dispatch is
		// keyed on msg.Type, not on msg.Payload's dynamic type, so a
		// payload-less ping still gets its mandatory pong reply.
		n.replyPong(msg)
	case MsgPong:
		// no core action: a pong only refreshes liveness, already done
		// by ProcessIncomingMessage's sender-liveness step.
	default:
		// reserved/unknown type: ignored by the core (spec §4.2).
	}
}

func (n *MeshNode) replyPong(ping Message) {
	pong := Message{
		ID:             uuid.NewString(),
		Type:           MsgPong,
		SourceID:       n.cfg.PeerID,
		SourceUsername: n.cfg.Username,
		TargetIDs:      []string{ping.SourceID},
		TTL:            n.cfg.DefaultTTL,
		CreatedAt:      nowMillis(),
		Payload:        PongPayload{PingID: ping.ID},
	}
	if err := n.router.Send(n.ctx, pong); err != nil {
		slog.Debug("meshnet: pong send failed", "peer", ping.SourceID, "error", err)
	}
}

func (n *MeshNode) relayPeerUpdates() {
	defer n.wg.Done()
	ch, cancel := n.router.PeerUpdates()
	defer cancel()
	for {
		select {
		case <-n.ctx.Done():
			return
		case p, ok := <-ch:
			if !ok {
				return
			}
			n.peerUpdates.Publish(p)
		}
	}
}

func (n *MeshNode) relayPeerRemovals() {
	defer n.wg.Done()
	ch, cancel := n.router.PeerRemovals()
	defer cancel()
	for {
		select {
		case <-n.ctx.Done():
			return
		case id, ok := <-ch:
			if !ok {
				return
			}
			n.peerRemovals.Publish(id)
		}
	}
}

// --- periodic announce ---

func (n *MeshNode) announceLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.AnnounceInterval)
	defer ticker.Stop()
	n.sendAnnounce()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.sendAnnounce()
		}
	}
}

func (n *MeshNode) sendAnnounce() {
	ann := n.router.BuildSelfAnnounce(n.cfg.LocalTransport)
	msg := Message{
		ID:             uuid.NewString(),
		Type:           MsgPeerAnnounce,
		SourceID:       n.cfg.PeerID,
		SourceUsername: n.cfg.Username,
		// Always sent with ttl = 1 regardless of default_ttl: each node
		// regenerates its own announce every tick, so nothing needs to
		// re-forward one (resolves the ambiguity in how a receiver would
		// otherwise infer the announcer's direct-peer id).
		TTL:       1,
		CreatedAt: nowMillis(),
		Payload:   ann,
	}
	if err := n.router.Send(n.ctx, msg); err != nil && err != ErrRoutingUnavailable {
		slog.Warn("meshnet: announce send failed", "error", err)
	}
}

// --- outward API ---

func (n *MeshNode) newDataMessage(targets []string, text string, files []FileInfo, custom map[string]any, ttl int) Message {
	if ttl <= 0 {
		ttl = n.cfg.DefaultTTL
	}
	return Message{
		ID:             uuid.NewString(),
		Type:           MsgData,
		SourceID:       n.cfg.PeerID,
		SourceUsername: n.cfg.Username,
		TargetIDs:      targets,
		TTL:            ttl,
		CreatedAt:      nowMillis(),
		Payload:        DataPayload{Text: text, Files: files, CustomData: custom},
	}
}

// Broadcast sends a data message to every reachable peer.
func (n *MeshNode) Broadcast(ctx context.Context, text string, files []FileInfo, custom map[string]any) error {
	if !n.isStarted() {
		return ErrNotInitialized
	}
	return n.router.Send(ctx, n.newDataMessage(nil, text, files, custom, 0))
}

// SendTo sends a data message addressed to a specific set of peer ids.
func (n *MeshNode) SendTo(ctx context.Context, peerIDs []string, text string, files []FileInfo, custom map[string]any) error {
	if !n.isStarted() {
		return ErrNotInitialized
	}
	if len(peerIDs) == 0 {
		return fmt.Errorf("meshnet: sendTo requires at least one target")
	}
	return n.router.Send(ctx, n.newDataMessage(peerIDs, text, files, custom, 0))
}

// SendToPeer is a single-target convenience wrapper around SendTo.
func (n *MeshNode) SendToPeer(ctx context.Context, peerID string, text string, files []FileInfo, custom map[string]any) error {
	return n.SendTo(ctx, []string{peerID}, text, files, custom)
}

// ConnectToPeer dials a peer that is known to the routing table or has
// been discovered, trying each active adapter in turn until one connects.
// A peer that is neither known nor discovered yields ErrPeerNotFound; if
// every adapter fails, the last adapter's error is returned.
func (n *MeshNode) ConnectToPeer(ctx context.Context, peerID string) error {
	if !n.isStarted() {
		return ErrNotInitialized
	}
	n.discMu.Lock()
	_, discovered := n.discCache[peerID]
	n.discMu.Unlock()
	if _, known := n.router.GetPeer(peerID); !known && !discovered {
		return ErrPeerNotFound
	}
	lastErr := ErrPeerNotFound
	for _, a := range n.adapters {
		cp, err := a.Connect(ctx, peerID)
		if err != nil {
			lastErr = err
			continue
		}
		n.router.AddDirectPeer(n.enrichFromCache(cp.ID, a))
		return nil
	}
	return lastErr
}

// DisconnectPeer tears down the direct link to peerID across every
// adapter that holds it and removes it from the routing table.
func (n *MeshNode) DisconnectPeer(ctx context.Context, peerID string) error {
	if !n.isStarted() {
		return ErrNotInitialized
	}
	var lastErr error
	for _, a := range n.adapters {
		for _, id := range a.ConnectedPeerIDs() {
			if id == peerID {
				if err := a.Disconnect(ctx, peerID); err != nil {
					lastErr = err
				}
			}
		}
	}
	n.router.RemoveDirectPeer(peerID)
	return lastErr
}

// Peers returns every peer known to the routing table.
func (n *MeshNode) Peers() []Peer { return n.router.Peers() }

// DirectPeers returns the one-hop subset of the routing table.
func (n *MeshNode) DirectPeers() []Peer { return n.router.DirectPeers() }

// PeerCount returns the size of the routing table.
func (n *MeshNode) PeerCount() int { return n.router.PeerCount() }

// GetPeer looks up a single peer by id.
func (n *MeshNode) GetPeer(id string) (Peer, bool) { return n.router.GetPeer(id) }

// OnMessage subscribes to locally-destined data messages.
func (n *MeshNode) OnMessage() (<-chan InboundMessage, func()) { return n.messages.Subscribe() }

// OnPeerUpdate subscribes to peer add/refresh/stale transitions.
func (n *MeshNode) OnPeerUpdate() (<-chan Peer, func()) { return n.peerUpdates.Subscribe() }

// OnPeerRemoved subscribes to peer eviction events.
func (n *MeshNode) OnPeerRemoved() (<-chan string, func()) { return n.peerRemovals.Subscribe() }

// OnFileProgress subscribes to file announce events (see FileProgressEvent).
func (n *MeshNode) OnFileProgress() (<-chan FileProgressEvent, func()) {
	return n.fileProgress.Subscribe()
}

// AnnounceFile broadcasts a fileAnnounce message describing info and
// publishes the corresponding announce-stage FileProgressEvent. Chunk
// transport and reassembly are the caller's responsibility (spec
// Non-goals); this only advertises the file's existence on the mesh.
func (n *MeshNode) AnnounceFile(ctx context.Context, info FileInfo) error {
	if !n.isStarted() {
		return ErrNotInitialized
	}
	msg := Message{
		ID:             uuid.NewString(),
		Type:           MsgFileAnnounce,
		SourceID:       n.cfg.PeerID,
		SourceUsername: n.cfg.Username,
		TTL:            n.cfg.DefaultTTL,
		CreatedAt:      nowMillis(),
		Payload:        info,
	}
	if err := n.router.Send(ctx, msg); err != nil {
		return err
	}
	n.fileProgress.Publish(FileProgressEvent{FileID: info.ID, Stage: "announced", TotalBytes: info.Size})
	return nil
}

func (n *MeshNode) isStarted() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.started
}
