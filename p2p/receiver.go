package p2p

import (
	"context"
	"sync"
	"time"

	shaderr "github.com/kenneth/shadownloader/errors"
)

// ReceiverState is one phase of the receiving side of a direct transfer.
type ReceiverState string

const (
	ReceiverInitializing ReceiverState = "initializing"
	ReceiverConnecting   ReceiverState = "connecting"
	ReceiverHandshaking  ReceiverState = "handshaking"
	ReceiverNegotiating  ReceiverState = "negotiating"
	ReceiverTransferring ReceiverState = "transferring"
	ReceiverCompleted    ReceiverState = "completed"
	ReceiverCancelled    ReceiverState = "cancelled"
	ReceiverClosed       ReceiverState = "closed"
)

var receiverTransitions = map[ReceiverState][]ReceiverState{
	ReceiverInitializing: {ReceiverConnecting, ReceiverCancelled, ReceiverClosed},
	ReceiverConnecting:   {ReceiverHandshaking, ReceiverCancelled, ReceiverClosed},
	ReceiverHandshaking:  {ReceiverNegotiating, ReceiverCancelled, ReceiverClosed},
	ReceiverNegotiating:  {ReceiverTransferring, ReceiverCancelled, ReceiverClosed},
	ReceiverTransferring: {ReceiverCompleted, ReceiverCancelled, ReceiverClosed},
	ReceiverCompleted:    {},
	ReceiverCancelled:    {},
	ReceiverClosed:       {},
}

func receiverCanTransition(from, to ReceiverState) bool {
	for _, allowed := range receiverTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

const inactivityWatchdogTimeout = 15 * time.Second

// ReceiverOptions configures a Receiver. AutoReady defers sending the
// ready message to the caller (e.g. waiting on user consent) when set to
// false; the caller must then call Receiver.Ready explicitly.
type ReceiverOptions struct {
	AutoReady bool
}

// ReceiverProgress reports bytes received so far against the announced
// file total.
type ReceiverProgress struct {
	ReceivedBytes int64
	TotalBytes    int64
	Percent       float64
}

// ReceiverEvents are the callbacks a caller may register to observe a
// Receiver's lifecycle. Any of them may be nil.
type ReceiverEvents struct {
	OnStateChange func(from, to ReceiverState)
	OnMeta        func(Meta)
	OnProgress    func(ReceiverProgress)
	OnData        func(offset int64, data []byte)
	OnComplete    func()
	OnCancel      func(cancelledBy string, reason string)
	OnError       func(error)
}

// Receiver drives the inbound side of a direct transfer: it connects to a
// sender through a SignalingPeer using a sharing code, accepts the file
// metadata, and streams chunks through to OnData as they arrive.
type Receiver struct {
	peer   SignalingPeer
	opts   ReceiverOptions
	events ReceiverEvents

	mu    sync.Mutex
	state ReceiverState
	conn  Connection

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewReceiver constructs a Receiver bound to peer.
func NewReceiver(peer SignalingPeer, opts ReceiverOptions, events ReceiverEvents) *Receiver {
	return &Receiver{
		peer:   peer,
		opts:   opts,
		events: events,
		state:  ReceiverInitializing,
		stopCh: make(chan struct{}),
	}
}

func (r *Receiver) setState(to ReceiverState) {
	r.mu.Lock()
	from := r.state
	if !receiverCanTransition(from, to) {
		r.mu.Unlock()
		return
	}
	r.state = to
	r.mu.Unlock()
	if r.events.OnStateChange != nil {
		r.events.OnStateChange(from, to)
	}
}

// State returns the receiver's current state.
func (r *Receiver) State() ReceiverState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stop cancels an in-progress transfer, best-effort notifying the remote
// peer. Safe to call more than once and from any goroutine.
func (r *Receiver) Stop(reason string) {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()
		if conn != nil {
			framer := NewFramer()
			_ = framer.SendCancelled(conn, reason)
		}
		r.setState(ReceiverCancelled)
		if r.events.OnCancel != nil {
			r.events.OnCancel("self", reason)
		}
		close(r.stopCh)
	})
}

// Receive connects to remoteCode and streams the incoming file until
// completion, cancellation, or ctx is done. It returns the negotiated
// metadata and total bytes actually received.
func (r *Receiver) Receive(ctx context.Context, remoteCode string) (Meta, int64, error) {
	r.setState(ReceiverConnecting)
	conn, err := r.peer.Connect(remoteCode)
	if err != nil {
		return Meta{}, 0, shaderr.Wrap(shaderr.Network, "connect_failed", "failed to connect to peer", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	r.setState(ReceiverHandshaking)

	framer := NewFramer()
	msgCh := make(chan *ParsedMessage, 64)
	errCh := make(chan error, 1)

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
		case <-r.stopCh:
		}
	})
	conn.OnClose(func() {
		select {
		case errCh <- shaderr.New(shaderr.Network, "connection_closed", "connection closed by peer"):
		default:
		}
	})
	conn.OnError(func(err error) {
		select {
		case errCh <- shaderr.Wrap(shaderr.Network, "connection_error", "connection error", err):
		default:
		}
	})

	hello, err := r.awaitHello(ctx, msgCh, errCh)
	if err != nil {
		return Meta{}, 0, err
	}
	if hello.ProtocolVersion != ProtocolVersion {
		return Meta{}, 0, shaderr.New(shaderr.Protocol, "version_mismatch", "peer speaks an incompatible protocol version")
	}
	if err := framer.SendHello(conn, hello.SessionID); err != nil {
		return Meta{}, 0, err
	}

	r.setState(ReceiverNegotiating)
	meta, err := r.awaitMeta(ctx, msgCh, errCh)
	if err != nil {
		return Meta{}, 0, err
	}
	if r.events.OnMeta != nil {
		r.events.OnMeta(meta)
	}

	if r.opts.AutoReady {
		if err := framer.SendReady(conn); err != nil {
			return Meta{}, 0, err
		}
	}

	r.setState(ReceiverTransferring)
	received, err := r.transfer(ctx, conn, framer, meta, msgCh, errCh)
	if err != nil {
		return meta, received, err
	}

	r.setState(ReceiverCompleted)
	if r.events.OnComplete != nil {
		r.events.OnComplete()
	}
	return meta, received, nil
}

// Ready sends the ready message when the receiver was constructed with
// AutoReady false, after the caller has obtained consent to proceed.
func (r *Receiver) Ready() error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return shaderr.New(shaderr.Validation, "not_connected", "ready called before a connection was established")
	}
	return NewFramer().SendReady(conn)
}

func (r *Receiver) awaitHello(ctx context.Context, msgCh chan *ParsedMessage, errCh chan error) (*Hello, error) {
	for {
		select {
		case m := <-msgCh:
			if m.Type == MsgHello {
				return m.Hello, nil
			}
		case err := <-errCh:
			return nil, err
		case <-r.stopCh:
			return nil, shaderr.New(shaderr.Abort, "cancelled", "transfer cancelled")
		case <-ctx.Done():
			return nil, shaderr.Wrap(shaderr.Abort, "context_cancelled", "context cancelled during handshake", ctx.Err())
		}
	}
}

func (r *Receiver) awaitMeta(ctx context.Context, msgCh chan *ParsedMessage, errCh chan error) (Meta, error) {
	for {
		select {
		case m := <-msgCh:
			if m.Type == MsgMeta {
				return *m.Meta, nil
			}
			if m.Type == MsgCancelled {
				return Meta{}, r.handleRemoteCancel(m.Cancelled)
			}
		case err := <-errCh:
			return Meta{}, err
		case <-r.stopCh:
			return Meta{}, shaderr.New(shaderr.Abort, "cancelled", "transfer cancelled")
		case <-ctx.Done():
			return Meta{}, shaderr.Wrap(shaderr.Abort, "context_cancelled", "context cancelled during negotiation", ctx.Err())
		}
	}
}

func (r *Receiver) handleRemoteCancel(c *Cancelled) error {
	reason := ""
	if c != nil {
		reason = c.Reason
	}
	r.setState(ReceiverCancelled)
	if r.events.OnCancel != nil {
		r.events.OnCancel("remote", reason)
	}
	return shaderr.New(shaderr.Abort, "remote_cancelled", "transfer cancelled by remote peer")
}

// transfer consumes chunk and end messages until the sender's end is
// acknowledged, delivering each chunk's payload to OnData in order and
// resetting an inactivity watchdog on every received message.
func (r *Receiver) transfer(ctx context.Context, conn Connection, framer *Framer, meta Meta, msgCh chan *ParsedMessage, errCh chan error) (int64, error) {
	var received int64
	watchdog := time.NewTimer(inactivityWatchdogTimeout)
	defer watchdog.Stop()

	resendEndAck := func() {
		_ = framer.SendEndAck(conn, received, meta.Size)
	}

	for {
		select {
		case m := <-msgCh:
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(inactivityWatchdogTimeout)

			switch m.Type {
			case MsgChunk:
				received += int64(len(m.ChunkData))
				if r.events.OnData != nil {
					r.events.OnData(m.ChunkHeader.Offset, m.ChunkData)
				}
				if err := framer.SendChunkAck(conn, m.ChunkHeader.Seq, received); err != nil {
					return received, err
				}
				if r.events.OnProgress != nil {
					percent := 0.0
					if meta.Size > 0 {
						percent = float64(received) / float64(meta.Size) * 100
					}
					r.events.OnProgress(ReceiverProgress{ReceivedBytes: received, TotalBytes: meta.Size, Percent: percent})
				}
			case MsgEnd:
				if err := framer.SendEndAck(conn, received, meta.Size); err != nil {
					return received, err
				}
				if received != meta.Size {
					_ = framer.SendError(conn, "received byte count does not match announced file size")
					return received, shaderr.New(shaderr.Protocol, "incomplete_transfer", "received byte count does not match announced file size")
				}
				go func() {
					time.Sleep(100 * time.Millisecond)
					resendEndAck()
					time.Sleep(100 * time.Millisecond)
					resendEndAck()
				}()
				return received, nil
			case MsgCancelled:
				return received, r.handleRemoteCancel(m.Cancelled)
			case MsgPing:
				_ = framer.SendPong(conn, m.Ping.Timestamp)
			}
		case err := <-errCh:
			return received, err
		case <-watchdog.C:
			return received, shaderr.New(shaderr.Network, "inactivity_timeout", "connection timed out")
		case <-r.stopCh:
			return received, shaderr.New(shaderr.Abort, "cancelled", "transfer cancelled")
		case <-ctx.Done():
			return received, shaderr.Wrap(shaderr.Abort, "context_cancelled", "context cancelled during transfer", ctx.Err())
		}
	}
}
