package libp2pmesh

import (
	"context"
	"testing"
	"time"

	libp2ppeer "github.com/libp2p/go-libp2p/core/peer"
)

// TestAdapter_ConnectSendReceive_Loopback exercises two real libp2p hosts
// on loopback without any mDNS discovery: the address info a real browse
// would have produced is injected directly into addrByMesh.
func TestAdapter_ConnectSendReceive_Loopback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := NewAdapter(Config{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}}, "a")
	b := NewAdapter(Config{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}}, "b")

	if err := a.Initialize(ctx); err != nil {
		t.Fatalf("init a: %v", err)
	}
	if err := b.Initialize(ctx); err != nil {
		t.Fatalf("init b: %v", err)
	}
	defer a.Dispose(ctx)
	defer b.Dispose(ctx)

	a.mu.Lock()
	a.addrByMesh["b"] = libp2ppeer.AddrInfo{ID: b.host.ID(), Addrs: b.host.Addrs()}
	a.mu.Unlock()

	inbound, stop := b.Inbound()
	defer stop()

	if _, err := a.Connect(ctx, "b"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := a.Send(ctx, "b", `{"hello":"world"}`); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case frame := <-inbound:
		if frame.Text != `{"hello":"world"}` {
			t.Fatalf("unexpected frame text: %q", frame.Text)
		}
		if frame.FromPeerID != "a" {
			t.Fatalf("expected FromPeerID a, got %s", frame.FromPeerID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for inbound frame")
	}

	if ids := a.ConnectedPeerIDs(); len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("expected a connected to [b], got %v", ids)
	}
}

func TestAdapter_Disconnect_ClosesStream(t *testing.T) {
	ctx := context.Background()
	a := NewAdapter(Config{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}}, "a")
	b := NewAdapter(Config{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}}, "b")
	if err := a.Initialize(ctx); err != nil {
		t.Fatalf("init a: %v", err)
	}
	if err := b.Initialize(ctx); err != nil {
		t.Fatalf("init b: %v", err)
	}
	defer a.Dispose(ctx)
	defer b.Dispose(ctx)

	a.mu.Lock()
	a.addrByMesh["b"] = libp2ppeer.AddrInfo{ID: b.host.ID(), Addrs: b.host.Addrs()}
	a.mu.Unlock()

	if _, err := a.Connect(ctx, "b"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := a.Disconnect(ctx, "b"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := a.Send(ctx, "b", "too late"); err == nil {
		t.Fatal("expected send after disconnect to fail")
	}
}
