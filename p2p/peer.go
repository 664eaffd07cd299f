// Package p2p implements the sharing-code, framed-protocol, and
// sender/receiver state machines for a direct peer-to-peer transfer. It
// never speaks WebRTC itself: callers inject a SignalingPeer/Connection
// pair backed by whatever signalling client they already use (PeerJS and
// similar libraries expose exactly this open/connection/data/close/error
// event surface).
package p2p

// Message is a single inbound event off a Connection: either a text (JSON
// control message) frame or a binary (chunk payload) frame.
type Message struct {
	IsBinary bool
	Text     string
	Binary   []byte
}

// DataChannel exposes the backpressure signals of the underlying data
// channel that the sender's chunk loop throttles against.
type DataChannel interface {
	BufferedAmount() int
	SetBufferedAmountLowThreshold(threshold int)
}

// Connection is one peer-to-peer data connection: the receiver's outbound
// connection to a sender, or the sender's inbound connection from a
// receiver. Callback registration mirrors the event-based surface described
// by the wire protocol; at most one handler of each kind is expected.
type Connection interface {
	SendText(text string) error
	SendBinary(data []byte) error
	OnOpen(fn func())
	OnMessage(fn func(Message))
	OnClose(fn func())
	OnError(fn func(error))
	OnBufferedAmountLow(fn func())
	DataChannel() DataChannel
	Close() error
}

// SignalingPeer is the sender- or receiver-side handle to the signalling
// service identified by a sharing code. The sender's peer is published
// under the sharing code and registers OnConnection to learn of an inbound
// attempt; the receiver calls Connect with that code.
type SignalingPeer interface {
	ID() string
	OnOpen(fn func())
	OnError(fn func(error))
	OnConnection(fn func(Connection))
	Connect(remoteID string) (Connection, error)
	Destroy() error
}

// ICEServer mirrors one WebRTC RTCIceServer entry. The core never
// interprets it; it is threaded through to whatever SignalingPeer
// implementation the caller constructs.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}
