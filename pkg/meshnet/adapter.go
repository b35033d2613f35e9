package meshnet

import "context"

// DiscoveredPeer is the minimal description an adapter surfaces for a
// peer it has learned about but not necessarily connected to.
type DiscoveredPeer struct {
	ID            string
	Username      string
	TransportType TransportType
	Address       string
	Port          int
}

// PeerStateEvent reports a connectedness transition for a peer an adapter
// already holds or has just lost.
type PeerStateEvent struct {
	PeerID string
	State  PeerState
}

// InboundFrame is a single raw byte-pipe delivery from a direct peer.
// Text is a whole, adapter-reassembled payload (spec §4.3 guarantee (d)).
type InboundFrame struct {
	FromPeerID string
	Text       string
}

// ConnectedPeer is returned by Adapter.Connect on success.
type ConnectedPeer struct {
	ID            string
	TransportType TransportType
	Address       string
	Port          int
}

// Adapter is the capability interface every transport must satisfy
// (spec §4.3). The core is polymorphic over Adapter; it never inspects
// concrete adapter types.
//
// Contract guarantees the core relies on:
//   - the peer id surfaced in inbound events equals the id previously
//     reported as connected;
//   - Send is FIFO per peer;
//   - Disconnect-then-discovered is a valid re-learn sequence;
//   - text payloads are delivered whole (chunking/reassembly, if any,
//     happens below this interface).
type Adapter interface {
	// Name identifies the adapter in log output. MeshNode's "first
	// adapter holding this peer" lookup goes through ConnectedPeerIDs.
	Name() string

	// IsAvailable probes platform/hardware support. Called before
	// Initialize; an unavailable adapter is skipped entirely.
	IsAvailable(ctx context.Context) bool

	// Initialize performs idempotent one-time setup.
	Initialize(ctx context.Context) error

	// StartDiscovery begins passive learning of nearby peers advertising
	// serviceName. StopDiscovery cancels it.
	StartDiscovery(ctx context.Context, serviceName string) error
	StopDiscovery() error

	// StartAdvertising makes the local peer findable under serviceName.
	// StopAdvertising cancels it.
	StartAdvertising(ctx context.Context, local Peer, serviceName string) error
	StopAdvertising() error

	// Connect establishes a bidirectional byte channel to peerID.
	Connect(ctx context.Context, peerID string) (ConnectedPeer, error)
	// Disconnect tears down any channel to peerID.
	Disconnect(ctx context.Context, peerID string) error

	// Send delivers text to a connected peer, best-effort, FIFO per peer.
	Send(ctx context.Context, peerID string, text string) error

	// ConnectedPeerIDs lists peers this adapter currently holds a live
	// channel to. MeshNode uses this to route outbound sends.
	ConnectedPeerIDs() []string

	// Dispose releases all resources. Idempotent.
	Dispose(ctx context.Context) error

	// Discovered, PeerStateChanges, and Inbound are broadcast streams
	// (spec §9: "every public stream ... may have multiple subscribers").
	// Each Subscribe call registers a new receiver that must be drained
	// until the adapter is disposed or the subscription is cancelled via
	// the returned func.
	Discovered() (<-chan DiscoveredPeer, func())
	PeerStateChanges() (<-chan PeerStateEvent, func())
	Inbound() (<-chan InboundFrame, func())
}
