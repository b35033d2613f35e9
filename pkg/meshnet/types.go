// Package meshnet implements the transport-agnostic mesh overlay: a router
// with multi-hop forwarding and loop prevention, a node orchestrator that
// fans messages out across one or more transport adapters, and the JSON
// wire framing shared by every adapter's byte pipe.
package meshnet

import "time"

// TransportType tags the kind of link a Peer was learned or reached over.
type TransportType string

const (
	TransportWifiAware  TransportType = "wifi-aware"
	TransportWifiDirect TransportType = "wifi-direct"
	TransportBLE        TransportType = "ble"
	TransportLAN        TransportType = "lan"
	TransportWebRTC     TransportType = "webrtc"
	TransportUnknown    TransportType = "unknown"
)

// PeerState is the lifecycle state of a routing-table entry.
type PeerState string

const (
	PeerDiscovered   PeerState = "discovered"
	PeerConnecting   PeerState = "connecting"
	PeerConnected    PeerState = "connected"
	PeerDegraded     PeerState = "degraded"
	PeerDisconnected PeerState = "disconnected"
	PeerStale        PeerState = "stale"
)

// Peer is an immutable-by-convention value describing a node in the mesh.
// Callers must treat values returned from the router as snapshots; mutate
// only through Router methods.
type Peer struct {
	ID             string                 `json:"id"`
	Username       string                 `json:"username"`
	TransportType  TransportType          `json:"transportType"`
	State          PeerState              `json:"state"`
	Address        string                 `json:"address,omitempty"`
	Port           int                    `json:"port,omitempty"`
	LastSeenAt     int64                  `json:"lastSeenAt"`
	HopCount       int                    `json:"hopCount"`
	NextHopPeerID  *string                `json:"nextHopPeerId,omitempty"`
	Metadata       map[string]any         `json:"metadata,omitempty"`
}

// IsDirect reports whether p is reachable over a single hop.
func (p Peer) IsDirect() bool {
	return p.HopCount == 0
}

// Clone returns a deep-enough copy safe to hand to callers outside the
// router's lock.
func (p Peer) Clone() Peer {
	cp := p
	if p.NextHopPeerID != nil {
		id := *p.NextHopPeerID
		cp.NextHopPeerID = &id
	}
	if p.Metadata != nil {
		cp.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}

// MessageType is the wire-stable lowerCamelCase type tag from spec §6.1.
type MessageType string

const (
	MsgData          MessageType = "data"
	MsgPeerAnnounce  MessageType = "peerAnnounce"
	MsgPeerSync      MessageType = "peerSync"
	MsgRouteRequest  MessageType = "routeRequest"
	MsgRouteResponse MessageType = "routeResponse"
	MsgAck           MessageType = "ack"
	MsgFileAnnounce  MessageType = "fileAnnounce"
	MsgFileChunk     MessageType = "fileChunk"
	MsgFileChunkAck  MessageType = "fileChunkAck"
	MsgFileComplete  MessageType = "fileComplete"
	MsgPing          MessageType = "ping"
	MsgPong          MessageType = "pong"
	MsgUnknown       MessageType = "unknown"
)

// handledLocally is the set of message types the core itself interprets;
// everything else is reserved and, per spec §6.1, forwarded unchanged if
// addressed elsewhere.
var handledLocally = map[MessageType]bool{
	MsgData:         true,
	MsgPeerAnnounce: true,
	MsgPing:         true,
	MsgPong:         true,
}

// Message is the unit of exchange on the mesh. ID is assigned once by the
// originator and never changes across hops; TTL strictly decreases on each
// forward.
type Message struct {
	ID             string      `json:"id"`
	Type           MessageType `json:"type"`
	SourceID       string      `json:"sourceId"`
	SourceUsername string      `json:"sourceUsername"`
	TargetIDs      []string    `json:"targetIds,omitempty"`
	TTL            int         `json:"ttl"`
	CreatedAt      int64       `json:"createdAt"`
	Payload        any         `json:"payload,omitempty"`
}

// IsBroadcast reports whether m has no explicit targets.
func (m Message) IsBroadcast() bool {
	return len(m.TargetIDs) == 0
}

// TargetsInclude reports whether id appears in m's target list.
func (m Message) TargetsInclude(id string) bool {
	for _, t := range m.TargetIDs {
		if t == id {
			return true
		}
	}
	return false
}

// Forwarded returns a copy of m with TTL decremented by one, ready to send
// to the next hop(s). ID, source, and targets are preserved unchanged.
func (m Message) Forwarded() Message {
	cp := m
	cp.TTL = m.TTL - 1
	cp.TargetIDs = append([]string(nil), m.TargetIDs...)
	return cp
}

// CanForward reports whether m still carries hop budget after decrement.
func (m Message) CanForward() bool {
	return m.TTL-1 > 0
}

// FileInfo describes a file announced on the mesh. Transfer of the actual
// bytes is out of scope for this package; FileInfo is announcement-only.
type FileInfo struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Size        int64          `json:"size"`
	MimeType    string         `json:"mimeType"`
	Sha256      string         `json:"sha256,omitempty"`
	HostPeerID  string         `json:"hostPeerId"`
	ChunkSize   int            `json:"chunkSize"`
	TotalChunks int            `json:"totalChunks"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// DataPayload is the payload carried by a MsgData message.
type DataPayload struct {
	Text       string         `json:"text,omitempty"`
	Files      []FileInfo     `json:"files,omitempty"`
	CustomData map[string]any `json:"customData,omitempty"`
}

// PeerAnnounce is the payload of a MsgPeerAnnounce message: the announcer's
// self-description plus its current view of the mesh.
type PeerAnnounce struct {
	Peer       Peer   `json:"peer"`
	KnownPeers []Peer `json:"knownPeers,omitempty"`
}

// PingPayload is the payload of a MsgPing message.
type PingPayload struct {
	ID string `json:"id"`
}

// PongPayload is the payload of a MsgPong message.
type PongPayload struct {
	PingID string `json:"pingId"`
}

// nowMillis returns the current time as epoch milliseconds, the unit
// spec.md uses for LastSeenAt/CreatedAt throughout.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
