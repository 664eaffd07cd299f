package p2p

import (
	"encoding/json"
	"fmt"

	shaderr "github.com/kenneth/shadownloader/errors"
)

// ProtocolVersion is the framed-protocol version this package speaks. A
// hello exchange with a mismatched version aborts the session.
const ProtocolVersion = 2

// MessageType discriminates the JSON control messages carried over the
// data channel between binary chunk frames.
type MessageType string

const (
	MsgHello     MessageType = "hello"
	MsgMeta      MessageType = "meta"
	MsgReady     MessageType = "ready"
	MsgChunk     MessageType = "chunk"
	MsgChunkAck  MessageType = "chunk_ack"
	MsgEnd       MessageType = "end"
	MsgEndAck    MessageType = "end_ack"
	MsgPing      MessageType = "ping"
	MsgPong      MessageType = "pong"
	MsgError     MessageType = "error"
	MsgCancelled MessageType = "cancelled"
)

type Hello struct {
	Type            MessageType `json:"type"`
	ProtocolVersion int         `json:"protocolVersion"`
	SessionID       string      `json:"sessionId"`
}

func NewHello(sessionID string) Hello {
	return Hello{Type: MsgHello, ProtocolVersion: ProtocolVersion, SessionID: sessionID}
}

type Meta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"sessionId"`
	Name      string      `json:"name"`
	Size      int64       `json:"size"`
	Mime      string      `json:"mime"`
}

func NewMeta(sessionID, name string, size int64, mime string) Meta {
	return Meta{Type: MsgMeta, SessionID: sessionID, Name: name, Size: size, Mime: mime}
}

type Ready struct {
	Type MessageType `json:"type"`
}

func NewReady() Ready { return Ready{Type: MsgReady} }

// ChunkHeaderMsg precedes a single binary frame carrying its payload.
type ChunkHeaderMsg struct {
	Type   MessageType `json:"type"`
	Seq    uint64      `json:"seq"`
	Offset int64       `json:"offset"`
	Size   int         `json:"size"`
	Total  int64       `json:"total"`
}

func NewChunkHeader(seq uint64, offset int64, size int, total int64) ChunkHeaderMsg {
	return ChunkHeaderMsg{Type: MsgChunk, Seq: seq, Offset: offset, Size: size, Total: total}
}

type ChunkAck struct {
	Type     MessageType `json:"type"`
	Seq      uint64      `json:"seq"`
	Received int64       `json:"received"`
}

func NewChunkAck(seq uint64, received int64) ChunkAck {
	return ChunkAck{Type: MsgChunkAck, Seq: seq, Received: received}
}

type End struct {
	Type    MessageType `json:"type"`
	Attempt int         `json:"attempt"`
}

func NewEnd(attempt int) End { return End{Type: MsgEnd, Attempt: attempt} }

type EndAck struct {
	Type     MessageType `json:"type"`
	Received int64       `json:"received"`
	Total    int64       `json:"total"`
}

func NewEndAck(received, total int64) EndAck {
	return EndAck{Type: MsgEndAck, Received: received, Total: total}
}

type Ping struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

func NewPing(timestamp int64) Ping { return Ping{Type: MsgPing, Timestamp: timestamp} }

type Pong struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

func NewPong(timestamp int64) Pong { return Pong{Type: MsgPong, Timestamp: timestamp} }

type ErrorMsg struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

func NewErrorMsg(message string) ErrorMsg { return ErrorMsg{Type: MsgError, Message: message} }

type Cancelled struct {
	Type   MessageType `json:"type"`
	Reason string      `json:"reason,omitempty"`
}

func NewCancelled(reason string) Cancelled { return Cancelled{Type: MsgCancelled, Reason: reason} }

// ParsedMessage is one fully decoded inbound event: exactly one of the
// typed fields is non-nil, tagged by Type. A nil *ParsedMessage with a nil
// error from HandleMessage means the input only advanced internal framer
// state (a chunk header awaiting its binary frame) and produced no
// deliverable event yet.
type ParsedMessage struct {
	Type        MessageType
	Hello       *Hello
	Meta        *Meta
	Ready       *Ready
	ChunkHeader *ChunkHeaderMsg
	ChunkData   []byte
	ChunkAck    *ChunkAck
	End         *End
	EndAck      *EndAck
	Ping        *Ping
	Pong        *Pong
	Error       *ErrorMsg
	Cancelled   *Cancelled
}

// Framer serialises outbound protocol messages and reassembles inbound
// ones, hiding the binary/JSON interleaving from the sender and receiver
// state machines: a binary frame is always the payload of the
// most-recently-announced chunk header.
type Framer struct {
	pendingHeader *ChunkHeaderMsg
}

func NewFramer() *Framer {
	return &Framer{}
}

func (f *Framer) send(conn Connection, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return shaderr.Wrap(shaderr.Protocol, "encode_failed", "failed to encode P2P message", err)
	}
	if err := conn.SendText(string(b)); err != nil {
		return shaderr.Wrap(shaderr.Network, "send_failed", "failed to send P2P message", err)
	}
	return nil
}

func (f *Framer) SendHello(conn Connection, sessionID string) error { return f.send(conn, NewHello(sessionID)) }
func (f *Framer) SendMeta(conn Connection, sessionID, name string, size int64, mime string) error {
	return f.send(conn, NewMeta(sessionID, name, size, mime))
}
func (f *Framer) SendReady(conn Connection) error           { return f.send(conn, NewReady()) }
func (f *Framer) SendChunkAck(conn Connection, seq uint64, received int64) error {
	return f.send(conn, NewChunkAck(seq, received))
}
func (f *Framer) SendEnd(conn Connection, attempt int) error { return f.send(conn, NewEnd(attempt)) }
func (f *Framer) SendEndAck(conn Connection, received, total int64) error {
	return f.send(conn, NewEndAck(received, total))
}
func (f *Framer) SendPing(conn Connection, timestamp int64) error { return f.send(conn, NewPing(timestamp)) }
func (f *Framer) SendPong(conn Connection, timestamp int64) error { return f.send(conn, NewPong(timestamp)) }
func (f *Framer) SendError(conn Connection, message string) error { return f.send(conn, NewErrorMsg(message)) }
func (f *Framer) SendCancelled(conn Connection, reason string) error {
	return f.send(conn, NewCancelled(reason))
}

// SendChunk announces a chunk header then writes its binary payload.
func (f *Framer) SendChunk(conn Connection, header ChunkHeaderMsg, data []byte) error {
	if err := f.send(conn, header); err != nil {
		return err
	}
	if err := conn.SendBinary(data); err != nil {
		return shaderr.Wrap(shaderr.Network, "send_failed", "failed to send chunk payload", err)
	}
	return nil
}

// HandleMessage decodes one inbound Message. A binary message completes
// the most recently seen chunk header; a chunk-header JSON message is
// buffered internally and yields no event until its binary frame arrives.
func (f *Framer) HandleMessage(msg Message) (*ParsedMessage, error) {
	if msg.IsBinary {
		header := f.pendingHeader
		f.pendingHeader = nil
		if header == nil {
			return nil, shaderr.New(shaderr.Protocol, "unexpected_binary_frame", "received a binary frame with no preceding chunk header")
		}
		return &ParsedMessage{Type: MsgChunk, ChunkHeader: header, ChunkData: msg.Binary}, nil
	}

	var probe struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal([]byte(msg.Text), &probe); err != nil {
		return nil, shaderr.Wrap(shaderr.Protocol, "malformed_message", "received malformed P2P message", err)
	}

	switch probe.Type {
	case MsgHello:
		var m Hello
		if err := json.Unmarshal([]byte(msg.Text), &m); err != nil {
			return nil, shaderr.Wrap(shaderr.Protocol, "malformed_message", "malformed hello message", err)
		}
		return &ParsedMessage{Type: MsgHello, Hello: &m}, nil
	case MsgMeta:
		var m Meta
		if err := json.Unmarshal([]byte(msg.Text), &m); err != nil {
			return nil, shaderr.Wrap(shaderr.Protocol, "malformed_message", "malformed meta message", err)
		}
		return &ParsedMessage{Type: MsgMeta, Meta: &m}, nil
	case MsgReady:
		return &ParsedMessage{Type: MsgReady, Ready: &Ready{Type: MsgReady}}, nil
	case MsgChunk:
		var m ChunkHeaderMsg
		if err := json.Unmarshal([]byte(msg.Text), &m); err != nil {
			return nil, shaderr.Wrap(shaderr.Protocol, "malformed_message", "malformed chunk header", err)
		}
		f.pendingHeader = &m
		return nil, nil
	case MsgChunkAck:
		var m ChunkAck
		if err := json.Unmarshal([]byte(msg.Text), &m); err != nil {
			return nil, shaderr.Wrap(shaderr.Protocol, "malformed_message", "malformed chunk_ack message", err)
		}
		return &ParsedMessage{Type: MsgChunkAck, ChunkAck: &m}, nil
	case MsgEnd:
		var m End
		if err := json.Unmarshal([]byte(msg.Text), &m); err != nil {
			return nil, shaderr.Wrap(shaderr.Protocol, "malformed_message", "malformed end message", err)
		}
		return &ParsedMessage{Type: MsgEnd, End: &m}, nil
	case MsgEndAck:
		var m EndAck
		if err := json.Unmarshal([]byte(msg.Text), &m); err != nil {
			return nil, shaderr.Wrap(shaderr.Protocol, "malformed_message", "malformed end_ack message", err)
		}
		return &ParsedMessage{Type: MsgEndAck, EndAck: &m}, nil
	case MsgPing:
		var m Ping
		if err := json.Unmarshal([]byte(msg.Text), &m); err != nil {
			return nil, shaderr.Wrap(shaderr.Protocol, "malformed_message", "malformed ping message", err)
		}
		return &ParsedMessage{Type: MsgPing, Ping: &m}, nil
	case MsgPong:
		var m Pong
		if err := json.Unmarshal([]byte(msg.Text), &m); err != nil {
			return nil, shaderr.Wrap(shaderr.Protocol, "malformed_message", "malformed pong message", err)
		}
		return &ParsedMessage{Type: MsgPong, Pong: &m}, nil
	case MsgError:
		var m ErrorMsg
		if err := json.Unmarshal([]byte(msg.Text), &m); err != nil {
			return nil, shaderr.Wrap(shaderr.Protocol, "malformed_message", "malformed error message", err)
		}
		return &ParsedMessage{Type: MsgError, Error: &m}, nil
	case MsgCancelled:
		var m Cancelled
		if err := json.Unmarshal([]byte(msg.Text), &m); err != nil {
			return nil, shaderr.Wrap(shaderr.Protocol, "malformed_message", "malformed cancelled message", err)
		}
		return &ParsedMessage{Type: MsgCancelled, Cancelled: &m}, nil
	default:
		return nil, shaderr.New(shaderr.Protocol, "unknown_message_type", fmt.Sprintf("unknown P2P message type %q", probe.Type))
	}
}
