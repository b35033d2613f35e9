package meshnet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shurlinet/meshnet/internal/broadcast"
)

// fakeAdapter is an in-memory Adapter double used to drive MeshNode
// without any real transport. Tests push events through its broadcast
// streams and inspect what MeshNode sent through sendFn / adapter.Send.
type fakeAdapter struct {
	name string

	mu        sync.Mutex
	connected map[string]bool
	sent      []fakeSend

	discovered *broadcast.Broadcaster[DiscoveredPeer]
	states     *broadcast.Broadcaster[PeerStateEvent]
	inbound    *broadcast.Broadcaster[InboundFrame]

	connectFn func(id string) (ConnectedPeer, error)
}

type fakeSend struct {
	peer string
	text string
}

func newFakeAdapter(name string) *fakeAdapter {
	return &fakeAdapter{
		name:       name,
		connected:  make(map[string]bool),
		discovered: broadcast.New[DiscoveredPeer](16),
		states:     broadcast.New[PeerStateEvent](16),
		inbound:    broadcast.New[InboundFrame](16),
	}
}

func (f *fakeAdapter) Name() string                           { return f.name }
func (f *fakeAdapter) IsAvailable(ctx context.Context) bool    { return true }
func (f *fakeAdapter) Initialize(ctx context.Context) error    { return nil }
func (f *fakeAdapter) StartDiscovery(ctx context.Context, s string) error { return nil }
func (f *fakeAdapter) StopDiscovery() error                    { return nil }
func (f *fakeAdapter) StartAdvertising(ctx context.Context, local Peer, s string) error {
	return nil
}
func (f *fakeAdapter) StopAdvertising() error { return nil }

func (f *fakeAdapter) Connect(ctx context.Context, peerID string) (ConnectedPeer, error) {
	if f.connectFn != nil {
		return f.connectFn(peerID)
	}
	f.mu.Lock()
	f.connected[peerID] = true
	f.mu.Unlock()
	return ConnectedPeer{ID: peerID, TransportType: TransportLAN}, nil
}

func (f *fakeAdapter) Disconnect(ctx context.Context, peerID string) error {
	f.mu.Lock()
	delete(f.connected, peerID)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) Send(ctx context.Context, peerID string, text string) error {
	f.mu.Lock()
	f.sent = append(f.sent, fakeSend{peer: peerID, text: text})
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) ConnectedPeerIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.connected))
	for id := range f.connected {
		out = append(out, id)
	}
	return out
}

func (f *fakeAdapter) Dispose(ctx context.Context) error {
	f.discovered.Close()
	f.states.Close()
	f.inbound.Close()
	return nil
}

func (f *fakeAdapter) Discovered() (<-chan DiscoveredPeer, func())     { return f.discovered.Subscribe() }
func (f *fakeAdapter) PeerStateChanges() (<-chan PeerStateEvent, func()) { return f.states.Subscribe() }
func (f *fakeAdapter) Inbound() (<-chan InboundFrame, func())          { return f.inbound.Subscribe() }

func (f *fakeAdapter) markConnected(peerID string) {
	f.mu.Lock()
	f.connected[peerID] = true
	f.mu.Unlock()
}

func (f *fakeAdapter) sentSnapshot() []fakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeSend, len(f.sent))
	copy(out, f.sent)
	return out
}

func startedTestNode(t *testing.T, cfg NodeConfig, adapters ...Adapter) *MeshNode {
	t.Helper()
	cfg, err := cfg.withDefaults()
	if err != nil {
		t.Fatalf("config defaults: %v", err)
	}
	node, err := NewMeshNode(cfg, nil, adapters...)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if err := node.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		_ = node.Stop(context.Background())
	})
	return node
}

func TestMeshNode_PeerStateConnected_RegistersDirectPeer(t *testing.T) {
	a := newFakeAdapter("fake")
	node := startedTestNode(t, NodeConfig{Username: "alice", AnnounceInterval: time.Hour}, a)

	updates, cancel := node.OnPeerUpdate()
	defer cancel()

	a.markConnected("peer-b")
	a.states.Publish(PeerStateEvent{PeerID: "peer-b", State: PeerConnected})

	select {
	case p := <-updates:
		if p.ID != "peer-b" || !p.IsDirect() {
			t.Fatalf("expected direct peer-b, got %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for peer update")
	}

	if node.PeerCount() != 1 {
		t.Errorf("expected 1 peer in table, got %d", node.PeerCount())
	}
}

func TestMeshNode_InboundData_PublishesToMessages(t *testing.T) {
	a := newFakeAdapter("fake")
	node := startedTestNode(t, NodeConfig{Username: "alice", AnnounceInterval: time.Hour}, a)

	a.markConnected("peer-b")
	a.states.Publish(PeerStateEvent{PeerID: "peer-b", State: PeerConnected})
	time.Sleep(20 * time.Millisecond)

	msgs, cancel := node.OnMessage()
	defer cancel()

	line, err := EncodeMessage(Message{
		ID: "m1", Type: MsgData, SourceID: "peer-b", SourceUsername: "bob",
		TTL: 5, CreatedAt: nowMillis(), Payload: DataPayload{Text: "hello"},
	}, Options{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	a.inbound.Publish(InboundFrame{FromPeerID: "peer-b", Text: line})

	select {
	case im := <-msgs:
		if im.SourceID != "peer-b" || im.Payload.Text != "hello" {
			t.Fatalf("unexpected inbound message: %+v", im)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound message")
	}
}

func TestMeshNode_Ping_RepliesWithPong(t *testing.T) {
	a := newFakeAdapter("fake")
	node := startedTestNode(t, NodeConfig{Username: "alice", AnnounceInterval: time.Hour}, a)

	a.markConnected("peer-b")
	a.states.Publish(PeerStateEvent{PeerID: "peer-b", State: PeerConnected})
	time.Sleep(20 * time.Millisecond)

	// A real-world minimal ping carries no payload at all (spec S6), so
	// this deliberately omits Payload to exercise dispatch-by-Type rather
	// than dispatch-by-Payload's-dynamic-type.
	line, err := EncodeMessage(Message{
		ID: "ping1", Type: MsgPing, SourceID: "peer-b", TTL: 5, CreatedAt: nowMillis(),
	}, Options{})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	a.inbound.Publish(InboundFrame{FromPeerID: "peer-b", Text: line})

	deadline := time.After(time.Second)
	for {
		sent := a.sentSnapshot()
		for _, s := range sent {
			msg, err := DecodeMessage(s.text)
			if err == nil && msg.Type == MsgPong {
				pp, ok := msg.Payload.(PongPayload)
				if !ok || pp.PingID != "ping1" {
					t.Fatalf("unexpected pong payload: %+v", msg.Payload)
				}
				return
			}
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for pong reply")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMeshNode_PeriodicAnnounce_AlwaysTTL1(t *testing.T) {
	a := newFakeAdapter("fake")
	node := startedTestNode(t, NodeConfig{Username: "alice", DefaultTTL: 7, AnnounceInterval: 30 * time.Millisecond}, a)

	a.markConnected("peer-b")
	a.states.Publish(PeerStateEvent{PeerID: "peer-b", State: PeerConnected})

	deadline := time.After(time.Second)
	for {
		sent := a.sentSnapshot()
		for _, s := range sent {
			msg, err := DecodeMessage(s.text)
			if err == nil && msg.Type == MsgPeerAnnounce {
				if msg.TTL != 1 {
					t.Fatalf("expected peerAnnounce ttl=1 regardless of default_ttl=7, got %d", msg.TTL)
				}
				return
			}
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a peerAnnounce send")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestMeshNode_Broadcast_BeforeStart_Fails(t *testing.T) {
	cfg, err := NodeConfig{Username: "alice"}.withDefaults()
	if err != nil {
		t.Fatalf("defaults: %v", err)
	}
	node, err := NewMeshNode(cfg, nil)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if err := node.Broadcast(context.Background(), "hi", nil, nil); err != ErrNotInitialized {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestMeshNode_AutoConnect_OnDiscovery(t *testing.T) {
	a := newFakeAdapter("fake")
	node := startedTestNode(t, NodeConfig{Username: "alice", AnnounceInterval: time.Hour}, a)

	updates, cancel := node.OnPeerUpdate()
	defer cancel()

	a.discovered.Publish(DiscoveredPeer{ID: "peer-b", Username: "bob", TransportType: TransportLAN})

	select {
	case p := <-updates:
		if p.ID != "peer-b" || !p.IsDirect() {
			t.Fatalf("expected auto-connect to register peer-b as direct, got %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for auto-connect peer update")
	}
}

func TestMeshNode_AutoConnect_Disabled(t *testing.T) {
	disabled := false
	a := newFakeAdapter("fake")
	node := startedTestNode(t, NodeConfig{Username: "alice", AnnounceInterval: time.Hour, AutoConnect: &disabled}, a)

	a.discovered.Publish(DiscoveredPeer{ID: "peer-b", Username: "bob", TransportType: TransportLAN})
	time.Sleep(50 * time.Millisecond)

	if node.PeerCount() != 0 {
		t.Fatalf("expected no auto-connect with it disabled, got %d peers", node.PeerCount())
	}
}

func TestMeshNode_AutoConnect_PromotesIndirectPeer(t *testing.T) {
	a := newFakeAdapter("fake")
	node := startedTestNode(t, NodeConfig{Username: "alice", AnnounceInterval: time.Hour}, a)

	// peer-b becomes known only indirectly, via direct peer "relay".
	node.Router().AddDirectPeer(Peer{ID: "relay", Username: "relay", TransportType: TransportLAN})
	node.Router().HandlePeerAnnounce(PeerAnnounce{
		Peer: Peer{ID: "relay"},
		KnownPeers: []Peer{
			{ID: "peer-b", Username: "bob", HopCount: 0},
		},
	}, "relay")

	if p, ok := node.GetPeer("peer-b"); !ok || p.IsDirect() {
		t.Fatalf("expected peer-b known indirectly before discovery, got %+v ok=%v", p, ok)
	}

	updates, cancel := node.OnPeerUpdate()
	defer cancel()

	a.discovered.Publish(DiscoveredPeer{ID: "peer-b", Username: "bob", TransportType: TransportLAN})

	deadline := time.After(time.Second)
	for {
		select {
		case p := <-updates:
			if p.ID == "peer-b" && p.IsDirect() {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for indirect peer-b to be promoted to direct via auto-connect")
		}
	}
}

func TestMeshNode_SendTo_RequiresTargets(t *testing.T) {
	node := startedTestNode(t, NodeConfig{Username: "alice", AnnounceInterval: time.Hour})
	if err := node.SendTo(context.Background(), nil, "hi", nil, nil); err == nil {
		t.Fatal("expected error for empty target list")
	}
}
