package meshnet

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// Options controls optional wire-framing behavior. The zero value is the
// spec-required baseline: plain JSON, one message per line, payload
// embedded verbatim under "payload".
type Options struct {
	// CompressPayload, when set, deflates the payload sub-object with
	// zstd and embeds it base64 under "zpayload" instead of "payload".
	// Fully opt-in; decode transparently accepts either key so callers
	// that never set this see no behavior change.
	CompressPayload bool
}

// wireMessage mirrors the JSON object shape from spec §4.4: keys id,
// type, sourceId, sourceUsername, targetIds, ttl, createdAt, payload.
type wireMessage struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	SourceID       string          `json:"sourceId"`
	SourceUsername string          `json:"sourceUsername"`
	TargetIDs      []string        `json:"targetIds,omitempty"`
	TTL            int             `json:"ttl"`
	CreatedAt      int64           `json:"createdAt"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	ZPayload       string          `json:"zpayload,omitempty"`
}

var knownMessageTypes = map[MessageType]bool{
	MsgData: true, MsgPeerAnnounce: true, MsgPeerSync: true,
	MsgRouteRequest: true, MsgRouteResponse: true, MsgAck: true,
	MsgFileAnnounce: true, MsgFileChunk: true, MsgFileChunkAck: true,
	MsgFileComplete: true, MsgPing: true, MsgPong: true,
}

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder) {
	zstdOnce.Do(func() {
		zstdEnc, _ = zstd.NewWriter(nil)
		zstdDec, _ = zstd.NewReader(nil)
	})
	return zstdEnc, zstdDec
}

// EncodeMessage renders msg as a single JSON line per spec §4.4. The
// adapter's own transport framing demarcates message boundaries; the
// returned string never contains an embedded newline.
func EncodeMessage(msg Message, opts Options) (string, error) {
	var payloadJSON []byte
	var err error
	switch p := msg.Payload.(type) {
	case nil:
		payloadJSON = nil
	case json.RawMessage:
		payloadJSON = p
	default:
		payloadJSON, err = json.Marshal(p)
		if err != nil {
			return "", fmt.Errorf("meshnet: encode payload: %w", err)
		}
	}

	wm := wireMessage{
		ID:             msg.ID,
		Type:           string(msg.Type),
		SourceID:       msg.SourceID,
		SourceUsername: msg.SourceUsername,
		TargetIDs:      msg.TargetIDs,
		TTL:            msg.TTL,
		CreatedAt:      msg.CreatedAt,
	}

	if opts.CompressPayload && len(payloadJSON) > 0 {
		enc, _ := zstdCodec()
		compressed := enc.EncodeAll(payloadJSON, nil)
		wm.ZPayload = b64Encode(compressed)
	} else {
		wm.Payload = payloadJSON
	}

	out, err := json.Marshal(wm)
	if err != nil {
		return "", fmt.Errorf("meshnet: encode message: %w", err)
	}
	return string(out), nil
}

// DecodeMessage parses a single wire line into a Message. Unknown type
// tags decode to MsgUnknown rather than failing (spec §4.4); the mesh
// node is responsible for dropping those (spec §4.2).
func DecodeMessage(line string) (Message, error) {
	var wm wireMessage
	if err := json.Unmarshal([]byte(line), &wm); err != nil {
		return Message{}, fmt.Errorf("meshnet: decode message: %w", err)
	}

	msgType := MessageType(wm.Type)
	if !knownMessageTypes[msgType] {
		msgType = MsgUnknown
	}

	payloadJSON := []byte(wm.Payload)
	if wm.ZPayload != "" {
		raw, err := b64Decode(wm.ZPayload)
		if err != nil {
			return Message{}, fmt.Errorf("meshnet: decode zpayload: %w", err)
		}
		_, dec := zstdCodec()
		payloadJSON, err = dec.DecodeAll(raw, nil)
		if err != nil {
			return Message{}, fmt.Errorf("meshnet: inflate zpayload: %w", err)
		}
	}

	msg := Message{
		ID:             wm.ID,
		Type:           msgType,
		SourceID:       wm.SourceID,
		SourceUsername: wm.SourceUsername,
		TargetIDs:      wm.TargetIDs,
		TTL:            wm.TTL,
		CreatedAt:      wm.CreatedAt,
	}

	if len(payloadJSON) == 0 || string(payloadJSON) == "null" {
		return msg, nil
	}

	switch msgType {
	case MsgData:
		var dp DataPayload
		if err := json.Unmarshal(payloadJSON, &dp); err != nil {
			return Message{}, fmt.Errorf("meshnet: decode data payload: %w", err)
		}
		msg.Payload = dp
	case MsgPeerAnnounce:
		var pa PeerAnnounce
		if err := json.Unmarshal(payloadJSON, &pa); err != nil {
			return Message{}, fmt.Errorf("meshnet: decode peerAnnounce payload: %w", err)
		}
		msg.Payload = pa
	case MsgPing:
		var pp PingPayload
		if err := json.Unmarshal(payloadJSON, &pp); err != nil {
			return Message{}, fmt.Errorf("meshnet: decode ping payload: %w", err)
		}
		msg.Payload = pp
	case MsgPong:
		var pp PongPayload
		if err := json.Unmarshal(payloadJSON, &pp); err != nil {
			return Message{}, fmt.Errorf("meshnet: decode pong payload: %w", err)
		}
		msg.Payload = pp
	default:
		// Reserved or unknown types are opaque to the core: keep the raw
		// JSON so re-forwarding reproduces it byte-for-byte.
		msg.Payload = json.RawMessage(payloadJSON)
	}

	return msg, nil
}
