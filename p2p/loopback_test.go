package p2p

import "sync"

// fakeDataChannel is a no-op DataChannel used by loopback tests, where
// backpressure is never actually a concern.
type fakeDataChannel struct {
	mu        sync.Mutex
	buffered  int
	threshold int
}

func (d *fakeDataChannel) BufferedAmount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buffered
}

func (d *fakeDataChannel) SetBufferedAmountLowThreshold(threshold int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.threshold = threshold
}

// loopbackConn is one endpoint of an in-process Connection pair. Sends
// enqueue onto the peer's inbox, which a single per-connection goroutine
// drains in order, mirroring the ordered delivery guarantee a real
// WebRTC data channel gives its caller; without that serialization, a
// chunk header and its binary frame sent back to back could be
// delivered to OnMessage out of order.
type loopbackConn struct {
	mu      sync.Mutex
	peer    *loopbackConn
	dc      *fakeDataChannel
	inbox   chan Message
	onMsg   func(Message)
	onClose func()
	onErr   func(error)
	closed  bool
}

func newLoopbackPair() (*loopbackConn, *loopbackConn) {
	a := &loopbackConn{dc: &fakeDataChannel{}, inbox: make(chan Message, 4096)}
	b := &loopbackConn{dc: &fakeDataChannel{}, inbox: make(chan Message, 4096)}
	a.peer = b
	b.peer = a
	go a.dispatchLoop()
	go b.dispatchLoop()
	return a, b
}

func (c *loopbackConn) dispatchLoop() {
	for m := range c.inbox {
		c.mu.Lock()
		handler := c.onMsg
		c.mu.Unlock()
		if handler != nil {
			handler(m)
		}
	}
}

func (c *loopbackConn) SendText(text string) error {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	peer.inbox <- Message{IsBinary: false, Text: text}
	return nil
}

func (c *loopbackConn) SendBinary(data []byte) error {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	cp := append([]byte{}, data...)
	peer.inbox <- Message{IsBinary: true, Binary: cp}
	return nil
}

func (c *loopbackConn) OnOpen(fn func())             {}
func (c *loopbackConn) OnMessage(fn func(Message))   { c.mu.Lock(); c.onMsg = fn; c.mu.Unlock() }
func (c *loopbackConn) OnClose(fn func())            { c.mu.Lock(); c.onClose = fn; c.mu.Unlock() }
func (c *loopbackConn) OnError(fn func(error))       { c.mu.Lock(); c.onErr = fn; c.mu.Unlock() }
func (c *loopbackConn) OnBufferedAmountLow(fn func()) {}
func (c *loopbackConn) DataChannel() DataChannel      { return c.dc }

func (c *loopbackConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	onClose := c.onClose
	c.mu.Unlock()
	if onClose != nil {
		onClose()
	}
	return nil
}

// signalingRegistry is a process-wide directory mapping a candidate
// sharing code to the fakeSignalingPeer listening under it, standing in
// for a real signalling server.
type signalingRegistry struct {
	mu    sync.Mutex
	peers map[string]*fakeSignalingPeer
}

func newSignalingRegistry() *signalingRegistry {
	return &signalingRegistry{peers: make(map[string]*fakeSignalingPeer)}
}

func (r *signalingRegistry) register(code string, peer *fakeSignalingPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[code] = peer
}

func (r *signalingRegistry) lookup(code string) *fakeSignalingPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[code]
}

// fakeSignalingPeer is a SignalingPeer backed by a signalingRegistry: a
// Connect call looks up the target code in the registry and wires a
// fresh loopback pair between the two peers.
type fakeSignalingPeer struct {
	id       string
	registry *signalingRegistry

	mu     sync.Mutex
	onConn func(Connection)
}

func (p *fakeSignalingPeer) ID() string { return p.id }
func (p *fakeSignalingPeer) OnOpen(fn func()) {
	if fn != nil {
		fn()
	}
}
func (p *fakeSignalingPeer) OnError(fn func(error)) {}
func (p *fakeSignalingPeer) OnConnection(fn func(Connection)) {
	p.mu.Lock()
	p.onConn = fn
	p.mu.Unlock()
}

// Connect looks up remoteID in the shared registry and wires a fresh
// loopback pair between this peer and the target, delivering the
// target's half through its registered OnConnection handler.
func (p *fakeSignalingPeer) Connect(remoteID string) (Connection, error) {
	target := p.registry.lookup(remoteID)
	if target == nil {
		return nil, errPeerNotFound
	}
	a, b := newLoopbackPair()

	target.mu.Lock()
	onConn := target.onConn
	target.mu.Unlock()
	if onConn != nil {
		onConn(b)
	}
	return a, nil
}

func (p *fakeSignalingPeer) Destroy() error { return nil }

var errPeerNotFound = &fakeError{"no peer registered under that code"}

type fakeError struct{ msg string }

func (e *fakeError) Error() string { return e.msg }
