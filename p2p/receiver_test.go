package p2p

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReceiver_RemoteCancelledDuringTransferSurfacesAsRemoteCancel(t *testing.T) {
	sender, recv := newLoopbackPair()

	var mu sync.Mutex
	var cancelledBy, reason string

	framer := NewFramer()
	go func() {
		_ = framer.SendHello(sender, "session-x")
		time.Sleep(10 * time.Millisecond)
		_ = framer.SendMeta(sender, "session-x", "f.bin", 10, "application/octet-stream")
		time.Sleep(10 * time.Millisecond)
		_ = framer.SendCancelled(sender, "sender stopped")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	receiverPeer := &directConnPeer{conn: recv}
	r2 := NewReceiver(receiverPeer, ReceiverOptions{AutoReady: true}, ReceiverEvents{
		OnCancel: func(by, why string) {
			mu.Lock()
			cancelledBy = by
			reason = why
			mu.Unlock()
		},
	})

	_, _, err := r2.Receive(ctx, "ignored")
	require.Error(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "remote", cancelledBy)
	require.Equal(t, "sender stopped", reason)
}

// directConnPeer is a SignalingPeer whose Connect always returns a
// pre-wired Connection, used to drive a Receiver against a specific
// loopback endpoint without a signalling registry.
type directConnPeer struct {
	conn Connection
}

func (p *directConnPeer) ID() string                        { return "direct" }
func (p *directConnPeer) OnOpen(fn func())                   {}
func (p *directConnPeer) OnError(fn func(error))             {}
func (p *directConnPeer) OnConnection(fn func(Connection))   {}
func (p *directConnPeer) Connect(remoteID string) (Connection, error) {
	return p.conn, nil
}
func (p *directConnPeer) Destroy() error { return nil }

func TestReceiver_ContextDeadlineEndsIdleTransfer(t *testing.T) {
	sender, recv := newLoopbackPair()
	_ = sender

	receiverPeer := &directConnPeer{conn: recv}
	receiver := NewReceiver(receiverPeer, ReceiverOptions{AutoReady: true}, ReceiverEvents{})

	framer := NewFramer()
	go func() {
		_ = framer.SendHello(sender, "session-y")
		time.Sleep(5 * time.Millisecond)
		_ = framer.SendMeta(sender, "session-y", "f.bin", 10, "application/octet-stream")
		// Deliberately never send chunks or end. The receiver's own
		// inactivity watchdog is 15s, so it is the test's 1s context
		// deadline that ends Receive with an error here.
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	_, _, err := receiver.Receive(ctx, "ignored")
	require.Error(t, err)
}
