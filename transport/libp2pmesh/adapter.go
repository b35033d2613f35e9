// Package libp2pmesh implements the "lan" transport tag: a
// meshnet.Adapter backed by a go-libp2p host (TCP + QUIC) with mDNS
// peer discovery, adapted from the teacher's pkg/p2pnet network/mdns
// machinery but addressed by the mesh's own opaque peer ids rather than
// libp2p's own peer.ID space.
package libp2pmesh

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	libp2pquic "github.com/libp2p/go-libp2p/p2p/transport/quic"
	"github.com/libp2p/go-libp2p/p2p/transport/tcp"
	"github.com/libp2p/zeroconf/v2"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/shurlinet/meshnet/internal/broadcast"
	"github.com/shurlinet/meshnet/pkg/meshnet"
)

// ProtocolID is the libp2p stream protocol carrying line-delimited mesh
// wire frames (the "direct-socket mode" shape from the adapter contract's
// informative note).
const ProtocolID protocol.ID = "/meshnet/1.0.0"

const (
	meshIDPrefix     = "meshid="
	dnsaddrPrefix    = "dnsaddr="
	browseInterval   = 30 * time.Second
	browseTimeout    = 10 * time.Second
	connectTimeout   = 10 * time.Second
)

// Config configures an Adapter at construction time.
type Config struct {
	// KeyFile, if set, persists the libp2p identity across restarts.
	KeyFile string
	// ListenAddrs are libp2p multiaddr strings to listen on; empty uses
	// libp2p's defaults (ephemeral TCP + QUIC ports on all interfaces).
	ListenAddrs []string
}

// Adapter is a meshnet.Adapter over a go-libp2p host.
type Adapter struct {
	cfg         Config
	localMeshID string

	host host.Host

	mdnsServer *zeroconf.Server
	browseCtx  context.Context
	browseStop context.CancelFunc
	wg         sync.WaitGroup

	mu         sync.Mutex
	addrByMesh map[string]libp2ppeer.AddrInfo // meshID -> libp2p addr info, from discovery
	libp2pToMesh map[libp2ppeer.ID]string
	streams    map[string]network.Stream // meshID -> open outbound stream

	discovered *broadcast.Broadcaster[meshnet.DiscoveredPeer]
	states     *broadcast.Broadcaster[meshnet.PeerStateEvent]
	inbound    *broadcast.Broadcaster[meshnet.InboundFrame]
}

// NewAdapter constructs an Adapter for the given mesh peer id. Initialize
// must run before any other method.
func NewAdapter(cfg Config, localMeshID string) *Adapter {
	return &Adapter{
		cfg:          cfg,
		localMeshID:  localMeshID,
		addrByMesh:   make(map[string]libp2ppeer.AddrInfo),
		libp2pToMesh: make(map[libp2ppeer.ID]string),
		streams:      make(map[string]network.Stream),
		discovered:   broadcast.New[meshnet.DiscoveredPeer](32),
		states:       broadcast.New[meshnet.PeerStateEvent](32),
		inbound:      broadcast.New[meshnet.InboundFrame](64),
	}
}

func (a *Adapter) Name() string { return "libp2pmesh" }

func (a *Adapter) IsAvailable(ctx context.Context) bool { return true }

func (a *Adapter) Initialize(ctx context.Context) error {
	priv, err := loadOrCreateIdentity(a.cfg.KeyFile)
	if err != nil {
		return err
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.Transport(tcp.NewTCPTransport),
		libp2p.Transport(libp2pquic.NewTransport),
	}
	if len(a.cfg.ListenAddrs) > 0 {
		opts = append(opts, libp2p.ListenAddrStrings(a.cfg.ListenAddrs...))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("libp2pmesh: create host: %w", err)
	}
	a.host = h
	h.SetStreamHandler(ProtocolID, a.handleStream)
	return nil
}

func (a *Adapter) handleStream(s network.Stream) {
	remoteLibp2pID := s.Conn().RemotePeer()
	reader := bufio.NewReader(s)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			a.mu.Lock()
			meshID := a.libp2pToMesh[remoteLibp2pID]
			a.mu.Unlock()
			if meshID != "" {
				a.inbound.Publish(meshnet.InboundFrame{FromPeerID: meshID, Text: strings.TrimRight(line, "\n")})
			}
		}
		if err != nil {
			return
		}
	}
}

func (a *Adapter) StartDiscovery(ctx context.Context, serviceName string) error {
	a.browseCtx, a.browseStop = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.browseLoop(serviceName)
	return nil
}

func (a *Adapter) StopDiscovery() error {
	if a.browseStop != nil {
		a.browseStop()
	}
	a.wg.Wait()
	return nil
}

func (a *Adapter) browseLoop(serviceName string) {
	defer a.wg.Done()
	a.runBrowse(serviceName)
	ticker := time.NewTicker(browseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.browseCtx.Done():
			return
		case <-ticker.C:
			a.runBrowse(serviceName)
		}
	}
}

func (a *Adapter) runBrowse(serviceName string) {
	ctx, cancel := context.WithTimeout(a.browseCtx, browseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	go func() {
		for entry := range entries {
			a.handleEntry(entry)
		}
	}()
	if err := zeroconf.Browse(ctx, serviceName, "local", entries); err != nil {
		slog.Debug("libp2pmesh: browse error", "error", err)
	}
}

func (a *Adapter) handleEntry(entry *zeroconf.ServiceEntry) {
	var meshID string
	var dnsaddrs []string
	for _, txt := range entry.Text {
		switch {
		case strings.HasPrefix(txt, meshIDPrefix):
			meshID = strings.TrimPrefix(txt, meshIDPrefix)
		case strings.HasPrefix(txt, dnsaddrPrefix):
			dnsaddrs = append(dnsaddrs, strings.TrimPrefix(txt, dnsaddrPrefix))
		}
	}
	if meshID == "" || meshID == a.localMeshID {
		return
	}

	var addrInfo *libp2ppeer.AddrInfo
	for _, s := range dnsaddrs {
		maddr, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		ai, err := libp2ppeer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			continue
		}
		if addrInfo == nil {
			addrInfo = ai
		} else {
			addrInfo.Addrs = append(addrInfo.Addrs, ai.Addrs...)
		}
	}
	if addrInfo == nil {
		return
	}

	a.mu.Lock()
	a.addrByMesh[meshID] = *addrInfo
	a.libp2pToMesh[addrInfo.ID] = meshID
	a.mu.Unlock()

	var addr string
	if len(entry.AddrIPv4) > 0 {
		addr = entry.AddrIPv4[0].String()
	}
	a.discovered.Publish(meshnet.DiscoveredPeer{
		ID: meshID, TransportType: meshnet.TransportLAN,
		Address: addr, Port: entry.Port,
	})
}

func (a *Adapter) StartAdvertising(ctx context.Context, local meshnet.Peer, serviceName string) error {
	p2pAddrs, err := libp2ppeer.AddrInfoToP2pAddrs(&libp2ppeer.AddrInfo{
		ID:    a.host.ID(),
		Addrs: a.host.Addrs(),
	})
	if err != nil {
		return fmt.Errorf("libp2pmesh: build advertise addrs: %w", err)
	}

	txts := []string{meshIDPrefix + a.localMeshID}
	for _, addr := range p2pAddrs {
		txts = append(txts, dnsaddrPrefix+addr.String())
	}

	instance := fmt.Sprintf("meshnet-%d", rand.Intn(1<<30))
	server, err := zeroconf.Register(instance, serviceName, "local", 4001, txts, nil)
	if err != nil {
		return fmt.Errorf("libp2pmesh: register mdns service: %w", err)
	}
	a.mdnsServer = server
	return nil
}

func (a *Adapter) StopAdvertising() error {
	if a.mdnsServer != nil {
		a.mdnsServer.Shutdown()
		a.mdnsServer = nil
	}
	return nil
}

func (a *Adapter) Connect(ctx context.Context, peerID string) (meshnet.ConnectedPeer, error) {
	a.mu.Lock()
	addrInfo, ok := a.addrByMesh[peerID]
	a.mu.Unlock()
	if !ok {
		return meshnet.ConnectedPeer{}, meshnet.ErrPeerNotFound
	}

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := a.host.Connect(dialCtx, addrInfo); err != nil {
		return meshnet.ConnectedPeer{}, fmt.Errorf("libp2pmesh: connect: %w", err)
	}
	stream, err := a.host.NewStream(dialCtx, addrInfo.ID, ProtocolID)
	if err != nil {
		return meshnet.ConnectedPeer{}, fmt.Errorf("libp2pmesh: open stream: %w", err)
	}

	a.mu.Lock()
	a.streams[peerID] = stream
	a.libp2pToMesh[addrInfo.ID] = peerID
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.handleStream(stream)
	}()

	a.states.Publish(meshnet.PeerStateEvent{PeerID: peerID, State: meshnet.PeerConnected})
	return meshnet.ConnectedPeer{ID: peerID, TransportType: meshnet.TransportLAN}, nil
}

func (a *Adapter) Disconnect(ctx context.Context, peerID string) error {
	a.mu.Lock()
	stream, ok := a.streams[peerID]
	delete(a.streams, peerID)
	a.mu.Unlock()
	if ok {
		_ = stream.Close()
	}
	a.states.Publish(meshnet.PeerStateEvent{PeerID: peerID, State: meshnet.PeerDisconnected})
	return nil
}

func (a *Adapter) Send(ctx context.Context, peerID string, text string) error {
	a.mu.Lock()
	stream, ok := a.streams[peerID]
	a.mu.Unlock()
	if !ok {
		return meshnet.ErrTransportUnavailable
	}
	if _, err := stream.Write([]byte(text + "\n")); err != nil {
		return fmt.Errorf("libp2pmesh: send: %w", err)
	}
	return nil
}

func (a *Adapter) ConnectedPeerIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.streams))
	for id := range a.streams {
		out = append(out, id)
	}
	return out
}

func (a *Adapter) Dispose(ctx context.Context) error {
	_ = a.StopDiscovery()
	_ = a.StopAdvertising()

	a.mu.Lock()
	for _, s := range a.streams {
		_ = s.Close()
	}
	a.streams = make(map[string]network.Stream)
	a.mu.Unlock()

	var err error
	if a.host != nil {
		err = a.host.Close()
	}
	a.wg.Wait()
	a.discovered.Close()
	a.states.Close()
	a.inbound.Close()
	return err
}

func (a *Adapter) Discovered() (<-chan meshnet.DiscoveredPeer, func())     { return a.discovered.Subscribe() }
func (a *Adapter) PeerStateChanges() (<-chan meshnet.PeerStateEvent, func()) { return a.states.Subscribe() }
func (a *Adapter) Inbound() (<-chan meshnet.InboundFrame, func())          { return a.inbound.Subscribe() }
