package p2p

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	shaderr "github.com/kenneth/shadownloader/errors"
)

// SenderState is one phase of the sending side of a direct transfer.
type SenderState string

const (
	SenderListening    SenderState = "listening"
	SenderHandshaking  SenderState = "handshaking"
	SenderNegotiating  SenderState = "negotiating"
	SenderTransferring SenderState = "transferring"
	SenderFinishing    SenderState = "finishing"
	SenderAwaitingAck  SenderState = "awaiting_ack"
	SenderCompleted    SenderState = "completed"
	SenderCancelled    SenderState = "cancelled"
	SenderClosed       SenderState = "closed"
)

var senderTransitions = map[SenderState][]SenderState{
	SenderListening:    {SenderHandshaking, SenderCancelled, SenderClosed},
	SenderHandshaking:  {SenderNegotiating, SenderCancelled, SenderClosed},
	SenderNegotiating:  {SenderTransferring, SenderCancelled, SenderClosed},
	SenderTransferring: {SenderFinishing, SenderCancelled, SenderClosed},
	SenderFinishing:    {SenderAwaitingAck, SenderCancelled, SenderClosed},
	SenderAwaitingAck:  {SenderCompleted, SenderCancelled, SenderClosed},
	SenderCompleted:    {},
	SenderCancelled:    {},
	SenderClosed:       {},
}

func senderCanTransition(from, to SenderState) bool {
	for _, allowed := range senderTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// SenderOptions configures the chunk window, backpressure watermarks, and
// protocol timeouts of a Sender. Zero values are replaced by WithDefaults.
type SenderOptions struct {
	MaxPeerAttempts      int
	ChunkSize            int
	ChunkAcknowledgments *bool // nil means enabled (the default)
	MaxUnackedChunks     int
	BufferHighWaterMark  int
	BufferLowWaterMark   int
	HeartbeatInterval    time.Duration
	EndAckTimeout        time.Duration
	HelloTimeout         time.Duration
}

// AcknowledgmentsEnabled reports whether chunk acknowledgments are on,
// which is the default when ChunkAcknowledgments is left nil.
func (opts SenderOptions) AcknowledgmentsEnabled() bool {
	return opts.ChunkAcknowledgments == nil || *opts.ChunkAcknowledgments
}

// WithDefaults fills zero fields of opts with the library's defaults.
func (opts SenderOptions) WithDefaults() SenderOptions {
	if opts.MaxPeerAttempts <= 0 {
		opts.MaxPeerAttempts = 4
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 64 * 1024
	}
	if opts.MaxUnackedChunks <= 0 {
		opts.MaxUnackedChunks = 32
	}
	if opts.BufferHighWaterMark <= 0 {
		opts.BufferHighWaterMark = 8 * 1024 * 1024
	}
	if opts.BufferLowWaterMark <= 0 {
		opts.BufferLowWaterMark = 2 * 1024 * 1024
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	if opts.EndAckTimeout <= 0 {
		opts.EndAckTimeout = 15 * time.Second
	}
	if opts.HelloTimeout <= 0 {
		opts.HelloTimeout = 10 * time.Second
	}
	return opts
}

// SenderProgress reports bytes sent so far against the file total.
type SenderProgress struct {
	SentBytes  int64
	TotalBytes int64
	Percent    float64
}

// SenderEvents are the callbacks a caller may register to observe a
// Sender's lifecycle. Any of them may be nil.
type SenderEvents struct {
	OnStateChange func(from, to SenderState)
	OnProgress    func(SenderProgress)
	OnChunkAck    func()
	OnComplete    func()
	OnCancel      func(cancelledBy string, reason string)
	OnError       func(error)
}

// PeerFactory constructs a SignalingPeer that advertises itself under the
// candidate sharing code, e.g. a PeerJS client opened with that code as
// its peer ID. The core retries this with a freshly generated code on
// failure, so the factory is called once per attempt.
type PeerFactory func(candidateCode string) (SignalingPeer, error)

// Sender drives the outbound side of a direct transfer: it publishes a
// sharing code through a SignalingPeer, accepts the first inbound
// connection, and streams one file across it in fixed-size acknowledged
// chunks.
type Sender struct {
	factory PeerFactory
	opts    SenderOptions
	events  SenderEvents

	mu         sync.Mutex
	state      SenderState
	peer       SignalingPeer
	code       string
	conn       Connection
	connClosed bool
	sessionID  string

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSender constructs a Sender that builds its SignalingPeer lazily,
// through factory, once Send is called.
func NewSender(factory PeerFactory, opts SenderOptions, events SenderEvents) *Sender {
	return &Sender{
		factory: factory,
		opts:    opts.WithDefaults(),
		events:  events,
		state:   SenderListening,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Code returns the sharing code currently advertised, once a peer has
// been successfully constructed. Empty before that.
func (s *Sender) Code() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

// openPeer generates candidate codes and constructs a peer through
// factory, retrying on failure up to MaxPeerAttempts times with a fresh
// code each attempt.
func (s *Sender) openPeer(ctx context.Context) (SignalingPeer, string, error) {
	var lastErr error
	for attempt := 0; attempt < s.opts.MaxPeerAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, "", shaderr.Wrap(shaderr.Abort, "context_cancelled", "context cancelled opening peer", ctx.Err())
		case <-s.stopCh:
			return nil, "", shaderr.New(shaderr.Abort, "cancelled", "transfer cancelled before a peer opened")
		default:
		}

		code := GenerateCode()
		peer, err := s.factory(code)
		if err != nil {
			lastErr = err
			continue
		}

		openCh := make(chan struct{}, 1)
		errCh := make(chan error, 1)
		peer.OnOpen(func() {
			select {
			case openCh <- struct{}{}:
			default:
			}
		})
		peer.OnError(func(err error) {
			select {
			case errCh <- err:
			default:
			}
		})

		select {
		case <-openCh:
			return peer, code, nil
		case err := <-errCh:
			_ = peer.Destroy()
			lastErr = err
		case <-ctx.Done():
			_ = peer.Destroy()
			return nil, "", shaderr.Wrap(shaderr.Abort, "context_cancelled", "context cancelled opening peer", ctx.Err())
		case <-s.stopCh:
			_ = peer.Destroy()
			return nil, "", shaderr.New(shaderr.Abort, "cancelled", "transfer cancelled before a peer opened")
		}
	}
	return nil, "", shaderr.Wrap(shaderr.Network, "peer_open_failed", "failed to open a signalling peer", lastErr)
}

func (s *Sender) setState(to SenderState) {
	s.mu.Lock()
	from := s.state
	if !senderCanTransition(from, to) {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()
	if s.events.OnStateChange != nil {
		s.events.OnStateChange(from, to)
	}
}

// State returns the sender's current state.
func (s *Sender) State() SenderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stop cancels an in-progress transfer, best-effort notifying the remote
// peer. Safe to call more than once and from any goroutine.
func (s *Sender) Stop(reason string) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			framer := NewFramer()
			_ = framer.SendCancelled(conn, reason)
		}
		s.setState(SenderCancelled)
		if s.events.OnCancel != nil {
			s.events.OnCancel("self", reason)
		}
		close(s.stopCh)
	})
}

// Send waits for a receiver to connect, then streams src (size bytes, the
// given name and mime) to completion. It blocks until the transfer
// completes, is cancelled, or ctx is done.
func (s *Sender) Send(ctx context.Context, name string, mime string, size int64, src io.ReaderAt) error {
	defer close(s.doneCh)

	peer, code, err := s.openPeer(ctx)
	if err != nil {
		return err
	}

	connCh := make(chan Connection, 1)
	errCh := make(chan error, 1)

	peer.OnError(func(err error) {
		select {
		case errCh <- shaderr.Wrap(shaderr.Network, "signaling_error", "signalling error", err):
		default:
		}
	})
	peer.OnConnection(func(conn Connection) {
		s.mu.Lock()
		busy := s.conn != nil && !s.connClosed
		s.mu.Unlock()
		if busy {
			framer := NewFramer()
			_ = framer.SendError(conn, "Transfer already in progress.")
			_ = conn.Close()
			return
		}
		select {
		case connCh <- conn:
		default:
		}
	})

	// Published only once a connection handler is wired, so a receiver
	// dialling this code as soon as it is visible always finds one.
	s.mu.Lock()
	s.peer = peer
	s.code = code
	s.mu.Unlock()

	var conn Connection
	select {
	case conn = <-connCh:
	case err := <-errCh:
		return err
	case <-s.stopCh:
		return shaderr.New(shaderr.Abort, "cancelled", "transfer cancelled before a peer connected")
	case <-ctx.Done():
		return shaderr.Wrap(shaderr.Abort, "context_cancelled", "context cancelled while listening", ctx.Err())
	}

	s.mu.Lock()
	s.conn = conn
	s.connClosed = false
	s.mu.Unlock()
	s.setState(SenderHandshaking)

	framer := NewFramer()
	s.sessionID = uuid.NewString()

	msgCh := make(chan *ParsedMessage, 64)
	conn.OnMessage(func(m Message) {
		parsed, err := framer.HandleMessage(m)
		if err != nil {
			select {
			case errCh <- err:
			default:
			}
			return
		}
		if parsed == nil {
			return
		}
		select {
		case msgCh <- parsed:
		case <-s.stopCh:
		}
	})
	conn.OnClose(func() {
		s.mu.Lock()
		s.connClosed = true
		s.mu.Unlock()

		switch s.State() {
		case SenderAwaitingAck:
			// The end_ack may simply be in flight when the data channel
			// drops; give it a grace window before declaring failure.
			go func() {
				select {
				case <-time.After(2 * time.Second):
				case <-s.stopCh:
					return
				case <-s.doneCh:
					return
				}
				if s.State() == SenderAwaitingAck {
					select {
					case errCh <- shaderr.New(shaderr.Network, "connection_closed", "connection closed while awaiting end_ack"):
					default:
					}
				}
			}()
		case SenderTransferring, SenderFinishing:
			cancelled := NewCancelled("connection closed by peer")
			select {
			case msgCh <- &ParsedMessage{Type: MsgCancelled, Cancelled: &cancelled}:
			default:
			}
		default:
			select {
			case errCh <- shaderr.New(shaderr.Network, "connection_closed", "connection closed by peer"):
			default:
			}
		}
	})
	conn.OnError(func(err error) {
		select {
		case errCh <- shaderr.Wrap(shaderr.Network, "connection_error", "connection error", err):
		default:
		}
	})

	if err := framer.SendHello(conn, s.sessionID); err != nil {
		return err
	}

	if err := s.awaitHello(ctx, msgCh, errCh); err != nil {
		return err
	}

	s.setState(SenderNegotiating)
	if err := framer.SendMeta(conn, s.sessionID, name, size, mime); err != nil {
		return err
	}
	if err := s.awaitReady(ctx, msgCh, errCh); err != nil {
		return err
	}

	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go s.runHeartbeat(ctx, conn, framer, heartbeatDone)

	s.setState(SenderTransferring)
	sent, err := s.transfer(ctx, conn, framer, size, src, msgCh, errCh)
	if err != nil {
		return err
	}

	s.setState(SenderFinishing)
	s.setState(SenderAwaitingAck)
	if err := s.finish(ctx, conn, framer, sent, size, msgCh, errCh); err != nil {
		return err
	}

	s.setState(SenderCompleted)
	if s.events.OnComplete != nil {
		s.events.OnComplete()
	}
	return nil
}

func (s *Sender) awaitHello(ctx context.Context, msgCh chan *ParsedMessage, errCh chan error) error {
	timer := time.NewTimer(s.opts.HelloTimeout)
	defer timer.Stop()
	for {
		select {
		case m := <-msgCh:
			if m.Type == MsgHello {
				if m.Hello == nil || m.Hello.ProtocolVersion != ProtocolVersion {
					return shaderr.New(shaderr.Protocol, "version_mismatch", "peer speaks an incompatible protocol version")
				}
				return nil
			}
		case err := <-errCh:
			return err
		case <-timer.C:
			return shaderr.New(shaderr.Timeout, "hello_timeout", "timed out waiting for peer hello")
		case <-s.stopCh:
			return shaderr.New(shaderr.Abort, "cancelled", "transfer cancelled")
		case <-ctx.Done():
			return shaderr.Wrap(shaderr.Abort, "context_cancelled", "context cancelled during handshake", ctx.Err())
		}
	}
}

func (s *Sender) awaitReady(ctx context.Context, msgCh chan *ParsedMessage, errCh chan error) error {
	for {
		select {
		case m := <-msgCh:
			if m.Type == MsgReady {
				return nil
			}
			if m.Type == MsgCancelled {
				return s.handleRemoteCancel(m.Cancelled)
			}
		case err := <-errCh:
			return err
		case <-s.stopCh:
			return shaderr.New(shaderr.Abort, "cancelled", "transfer cancelled")
		case <-ctx.Done():
			return shaderr.Wrap(shaderr.Abort, "context_cancelled", "context cancelled during negotiation", ctx.Err())
		}
	}
}

func (s *Sender) handleRemoteCancel(c *Cancelled) error {
	reason := ""
	if c != nil {
		reason = c.Reason
	}
	s.setState(SenderCancelled)
	if s.events.OnCancel != nil {
		s.events.OnCancel("remote", reason)
	}
	return shaderr.New(shaderr.Abort, "remote_cancelled", "transfer cancelled by remote peer")
}

// transfer sends size bytes of src in ChunkSize pieces, keeping at most
// MaxUnackedChunks outstanding and backing off once the data channel's
// buffered amount crosses BufferHighWaterMark, until it drains below
// BufferLowWaterMark (checked on the low-buffer event or every 60ms).
func (s *Sender) transfer(ctx context.Context, conn Connection, framer *Framer, size int64, src io.ReaderAt, msgCh chan *ParsedMessage, errCh chan error) (int64, error) {
	acked := make(map[uint64]bool)
	var mu sync.Mutex
	var unacked int

	// drainAcks consumes queued acks without blocking and returns a queued
	// cancelled message, if any, for the caller to handle.
	drainAcks := func() *ParsedMessage {
		for {
			select {
			case m := <-msgCh:
				if m.Type == MsgChunkAck && m.ChunkAck != nil {
					mu.Lock()
					acked[m.ChunkAck.Seq] = true
					unacked--
					mu.Unlock()
					if s.events.OnChunkAck != nil {
						s.events.OnChunkAck()
					}
				}
				if m.Type == MsgCancelled {
					return m
				}
			default:
				return nil
			}
		}
	}

	dc := conn.DataChannel()
	lowCh := make(chan struct{}, 1)
	if dc != nil {
		dc.SetBufferedAmountLowThreshold(s.opts.BufferLowWaterMark)
		conn.OnBufferedAmountLow(func() {
			select {
			case lowCh <- struct{}{}:
			default:
			}
		})
	}

	buf := make([]byte, s.opts.ChunkSize)
	var seq uint64
	var offset int64
	safetyTimer := time.NewTicker(time.Second)
	defer safetyTimer.Stop()

	for offset < size {
		select {
		case <-s.stopCh:
			return offset, shaderr.New(shaderr.Abort, "cancelled", "transfer cancelled")
		case <-ctx.Done():
			return offset, shaderr.Wrap(shaderr.Abort, "context_cancelled", "context cancelled during transfer", ctx.Err())
		default:
		}

		if m := drainAcks(); m != nil {
			return offset, s.handleRemoteCancel(m.Cancelled)
		}
		for s.opts.AcknowledgmentsEnabled() {
			mu.Lock()
			waiting := unacked >= s.opts.MaxUnackedChunks
			mu.Unlock()
			if !waiting {
				break
			}
			select {
			case m := <-msgCh:
				if m.Type == MsgChunkAck && m.ChunkAck != nil {
					mu.Lock()
					acked[m.ChunkAck.Seq] = true
					unacked--
					mu.Unlock()
					if s.events.OnChunkAck != nil {
						s.events.OnChunkAck()
					}
				}
				if m.Type == MsgCancelled {
					return offset, s.handleRemoteCancel(m.Cancelled)
				}
			case err := <-errCh:
				return offset, err
			case <-safetyTimer.C:
			case <-s.stopCh:
				return offset, shaderr.New(shaderr.Abort, "cancelled", "transfer cancelled")
			case <-ctx.Done():
				return offset, shaderr.Wrap(shaderr.Abort, "context_cancelled", "context cancelled during transfer", ctx.Err())
			}
		}

		for dc != nil && dc.BufferedAmount() >= s.opts.BufferHighWaterMark {
			select {
			case <-lowCh:
			case <-time.After(60 * time.Millisecond):
			case <-s.stopCh:
				return offset, shaderr.New(shaderr.Abort, "cancelled", "transfer cancelled")
			case <-ctx.Done():
				return offset, shaderr.Wrap(shaderr.Abort, "context_cancelled", "context cancelled during transfer", ctx.Err())
			}
		}

		n, err := src.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			return offset, shaderr.Wrap(shaderr.Network, "read_failed", "failed to read source file", err)
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])

		header := NewChunkHeader(seq, offset, n, size)
		if err := framer.SendChunk(conn, header, payload); err != nil {
			return offset, err
		}
		if s.opts.AcknowledgmentsEnabled() {
			mu.Lock()
			unacked++
			mu.Unlock()
		}

		offset += int64(n)
		seq++
		if s.events.OnProgress != nil {
			percent := 0.0
			if size > 0 {
				percent = float64(offset) / float64(size) * 100
			}
			s.events.OnProgress(SenderProgress{SentBytes: offset, TotalBytes: size, Percent: percent})
		}
	}

	return offset, nil
}

// runHeartbeat pings the remote peer on HeartbeatInterval until done, ctx,
// or a cancellation closes it. Its replies are drained as ordinary
// messages by the transfer/finish loops; the sender doesn't act on them
// beyond keeping the data channel alive.
func (s *Sender) runHeartbeat(ctx context.Context, conn Connection, framer *Framer, done <-chan struct{}) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = framer.SendPing(conn, time.Now().UnixMilli())
		case <-done:
			return
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) finish(ctx context.Context, conn Connection, framer *Framer, sent, total int64, msgCh chan *ParsedMessage, errCh chan error) error {
	timeout := s.opts.EndAckTimeout
	for attempt := 1; attempt <= 3; attempt++ {
		if err := framer.SendEnd(conn, attempt); err != nil {
			return err
		}
		timer := time.NewTimer(timeout)
		waiting := true
		for waiting {
			select {
			case m := <-msgCh:
				if m.Type == MsgEndAck && m.EndAck != nil {
					if m.EndAck.Received < m.EndAck.Total {
						timer.Stop()
						return shaderr.New(shaderr.Protocol, "incomplete_end_ack", "receiver acknowledged fewer bytes than were sent")
					}
					timer.Stop()
					return nil
				}
				if m.Type == MsgCancelled {
					timer.Stop()
					return s.handleRemoteCancel(m.Cancelled)
				}
			case err := <-errCh:
				timer.Stop()
				return err
			case <-timer.C:
				waiting = false
			case <-s.stopCh:
				timer.Stop()
				return shaderr.New(shaderr.Abort, "cancelled", "transfer cancelled")
			case <-ctx.Done():
				timer.Stop()
				return shaderr.Wrap(shaderr.Abort, "context_cancelled", "context cancelled awaiting end_ack", ctx.Err())
			}
		}
		timeout = time.Duration(float64(timeout) * 1.5)
	}
	return shaderr.New(shaderr.Timeout, "end_ack_timeout", "receiver did not acknowledge end of transfer")
}
