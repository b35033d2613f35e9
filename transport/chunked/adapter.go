// Package chunked implements the "message-passing mode" transport shape
// described informally by the core spec: a small-MTU link where the
// adapter itself must chunk outbound text and reassemble inbound chunks
// before handing a whole message upward. It runs entirely in-process
// over a shared Hub, making it useful as a deterministic test harness
// for exercising MeshNode/Router without any real network.
package chunked

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/shurlinet/meshnet/internal/broadcast"
	"github.com/shurlinet/meshnet/pkg/meshnet"
)

// DefaultMTU mirrors the spec's informative "~255 bytes" small-MTU
// transport example.
const DefaultMTU = 255

// chunkHeaderBudget reserves room for "CHUNK:<index>:<total>:" with
// generous digit counts so payload slicing never has to re-split.
const chunkHeaderBudget = 24

// Hub wires together every Adapter that registers with it, standing in
// for the physical medium a real transport would use. Tests typically
// create one Hub per simulated network and one Adapter per simulated
// node.
type Hub struct {
	mu         sync.Mutex
	adapters   map[string]*Adapter
	advertised map[string]map[string]meshnet.DiscoveredPeer // serviceName -> peerID -> descriptor
	discovering map[string]map[string]*Adapter              // serviceName -> peerID -> adapter
}

// NewHub creates an empty, ready-to-use Hub.
func NewHub() *Hub {
	return &Hub{
		adapters:    make(map[string]*Adapter),
		advertised:  make(map[string]map[string]meshnet.DiscoveredPeer),
		discovering: make(map[string]map[string]*Adapter),
	}
}

func (h *Hub) register(a *Adapter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.adapters[a.id] = a
}

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.adapters, id)
	for _, peers := range h.advertised {
		delete(peers, id)
	}
	for _, disc := range h.discovering {
		delete(disc, id)
	}
}

func (h *Hub) lookup(id string) (*Adapter, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	a, ok := h.adapters[id]
	return a, ok
}

func (h *Hub) advertise(serviceName string, dp meshnet.DiscoveredPeer) {
	h.mu.Lock()
	if h.advertised[serviceName] == nil {
		h.advertised[serviceName] = make(map[string]meshnet.DiscoveredPeer)
	}
	h.advertised[serviceName][dp.ID] = dp
	watchers := make([]*Adapter, 0, len(h.discovering[serviceName]))
	for id, a := range h.discovering[serviceName] {
		if id != dp.ID {
			watchers = append(watchers, a)
		}
	}
	h.mu.Unlock()

	for _, a := range watchers {
		a.discovered.Publish(dp)
	}
}

func (h *Hub) stopAdvertise(serviceName, peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.advertised[serviceName], peerID)
}

func (h *Hub) startDiscover(serviceName string, a *Adapter) []meshnet.DiscoveredPeer {
	h.mu.Lock()
	if h.discovering[serviceName] == nil {
		h.discovering[serviceName] = make(map[string]*Adapter)
	}
	h.discovering[serviceName][a.id] = a

	existing := make([]meshnet.DiscoveredPeer, 0, len(h.advertised[serviceName]))
	for id, dp := range h.advertised[serviceName] {
		if id != a.id {
			existing = append(existing, dp)
		}
	}
	h.mu.Unlock()
	return existing
}

func (h *Hub) stopDiscover(serviceName, peerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.discovering[serviceName], peerID)
}

// Adapter is a meshnet.Adapter backed by a Hub. The zero value is not
// usable; construct with NewAdapter.
type Adapter struct {
	hub      *Hub
	id       string
	username string
	mtu      int

	discovered *broadcast.Broadcaster[meshnet.DiscoveredPeer]
	states     *broadcast.Broadcaster[meshnet.PeerStateEvent]
	inbound    *broadcast.Broadcaster[meshnet.InboundFrame]

	mu          sync.Mutex
	connected   map[string]bool
	reassembly  map[string]*reassemblyState
	serviceName string
}

type reassemblyState struct {
	total int
	parts []string
	got   int
}

// NewAdapter builds an Adapter identified by id/username, registered
// against hub once Initialize runs. mtu <= 0 uses DefaultMTU.
func NewAdapter(hub *Hub, id, username string, mtu int) *Adapter {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return &Adapter{
		hub:        hub,
		id:         id,
		username:   username,
		mtu:        mtu,
		discovered: broadcast.New[meshnet.DiscoveredPeer](16),
		states:     broadcast.New[meshnet.PeerStateEvent](16),
		inbound:    broadcast.New[meshnet.InboundFrame](16),
		connected:  make(map[string]bool),
		reassembly: make(map[string]*reassemblyState),
	}
}

func (a *Adapter) Name() string { return "chunked" }

func (a *Adapter) IsAvailable(ctx context.Context) bool { return true }

func (a *Adapter) Initialize(ctx context.Context) error {
	a.hub.register(a)
	return nil
}

func (a *Adapter) StartDiscovery(ctx context.Context, serviceName string) error {
	a.mu.Lock()
	a.serviceName = serviceName
	a.mu.Unlock()

	for _, dp := range a.hub.startDiscover(serviceName, a) {
		a.discovered.Publish(dp)
	}
	return nil
}

func (a *Adapter) StopDiscovery() error {
	a.hub.stopDiscover(a.serviceName, a.id)
	return nil
}

func (a *Adapter) StartAdvertising(ctx context.Context, local meshnet.Peer, serviceName string) error {
	a.hub.advertise(serviceName, meshnet.DiscoveredPeer{
		ID: local.ID, Username: local.Username, TransportType: meshnet.TransportUnknown,
	})
	return nil
}

func (a *Adapter) StopAdvertising() error {
	a.hub.stopAdvertise(a.serviceName, a.id)
	return nil
}

func (a *Adapter) Connect(ctx context.Context, peerID string) (meshnet.ConnectedPeer, error) {
	remote, ok := a.hub.lookup(peerID)
	if !ok {
		return meshnet.ConnectedPeer{}, meshnet.ErrAdapterUnavailable
	}

	a.mu.Lock()
	a.connected[peerID] = true
	a.mu.Unlock()

	remote.mu.Lock()
	remote.connected[a.id] = true
	remote.mu.Unlock()

	a.states.Publish(meshnet.PeerStateEvent{PeerID: peerID, State: meshnet.PeerConnected})
	remote.states.Publish(meshnet.PeerStateEvent{PeerID: a.id, State: meshnet.PeerConnected})

	return meshnet.ConnectedPeer{ID: peerID, TransportType: meshnet.TransportUnknown}, nil
}

func (a *Adapter) Disconnect(ctx context.Context, peerID string) error {
	a.mu.Lock()
	delete(a.connected, peerID)
	a.mu.Unlock()

	a.states.Publish(meshnet.PeerStateEvent{PeerID: peerID, State: meshnet.PeerDisconnected})

	if remote, ok := a.hub.lookup(peerID); ok {
		remote.mu.Lock()
		delete(remote.connected, a.id)
		remote.mu.Unlock()
		remote.states.Publish(meshnet.PeerStateEvent{PeerID: a.id, State: meshnet.PeerDisconnected})
	}
	return nil
}

// Send chunks text per the spec's small-MTU example (header
// "CHUNK:index:total:") and delivers each frame to peerID's inbound
// stream in order.
func (a *Adapter) Send(ctx context.Context, peerID string, text string) error {
	remote, ok := a.hub.lookup(peerID)
	if !ok {
		return meshnet.ErrTransportUnavailable
	}
	for _, frame := range chunkText(text, a.mtu) {
		remote.receiveChunk(a.id, frame)
	}
	return nil
}

func (a *Adapter) receiveChunk(fromPeerID, frame string) {
	index, total, payload, ok := parseChunkHeader(frame)
	if !ok {
		return
	}

	a.mu.Lock()
	st, exists := a.reassembly[fromPeerID]
	if !exists {
		st = &reassemblyState{total: total, parts: make([]string, total)}
		a.reassembly[fromPeerID] = st
	}
	if index >= 0 && index < len(st.parts) {
		st.parts[index] = payload
		st.got++
	}
	var whole string
	done := st.got >= st.total
	if done {
		whole = strings.Join(st.parts, "")
		delete(a.reassembly, fromPeerID)
	}
	a.mu.Unlock()

	if done {
		a.inbound.Publish(meshnet.InboundFrame{FromPeerID: fromPeerID, Text: whole})
	}
}

func (a *Adapter) ConnectedPeerIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.connected))
	for id := range a.connected {
		out = append(out, id)
	}
	return out
}

func (a *Adapter) Dispose(ctx context.Context) error {
	a.hub.unregister(a.id)
	a.discovered.Close()
	a.states.Close()
	a.inbound.Close()
	return nil
}

func (a *Adapter) Discovered() (<-chan meshnet.DiscoveredPeer, func())     { return a.discovered.Subscribe() }
func (a *Adapter) PeerStateChanges() (<-chan meshnet.PeerStateEvent, func()) { return a.states.Subscribe() }
func (a *Adapter) Inbound() (<-chan meshnet.InboundFrame, func())          { return a.inbound.Subscribe() }

func chunkText(text string, mtu int) []string {
	budget := mtu - chunkHeaderBudget
	if budget <= 0 {
		budget = 1
	}
	b := []byte(text)
	var pieces []string
	for i := 0; i < len(b); i += budget {
		end := i + budget
		if end > len(b) {
			end = len(b)
		}
		pieces = append(pieces, string(b[i:end]))
	}
	if len(pieces) == 0 {
		pieces = []string{""}
	}

	total := len(pieces)
	framed := make([]string, total)
	for i, p := range pieces {
		framed[i] = fmt.Sprintf("CHUNK:%d:%d:%s", i, total, p)
	}
	return framed
}

func parseChunkHeader(frame string) (index, total int, payload string, ok bool) {
	parts := strings.SplitN(frame, ":", 4)
	if len(parts) != 4 || parts[0] != "CHUNK" {
		return 0, 0, "", false
	}
	idx, err1 := strconv.Atoi(parts[1])
	tot, err2 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || tot <= 0 {
		return 0, 0, "", false
	}
	return idx, tot, parts[3], true
}
