package shadownloader

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	shaderr "github.com/kenneth/shadownloader/errors"
	"github.com/kenneth/shadownloader/internal/debug"
	"github.com/kenneth/shadownloader/internal/telemetry"
	"github.com/kenneth/shadownloader/p2p"
)

// P2PSendOptions describes one peer-to-peer send. PeerFactory constructs
// the caller's signalling peer (e.g. wrapping PeerJS) under a candidate
// sharing code; the library never talks WebRTC itself. A caller that needs
// the negotiated ICEServers/PeerJSPath/PeerJSDebugLogging to build that
// peer should call Client.Connect itself first and read the result's
// ServerInfo.P2P before constructing PeerFactory; Connect is memoized, so
// doing so costs no extra round trip.
type P2PSendOptions struct {
	Filename string
	Mime     string
	Size     int64
	Source   io.ReaderAt
	PeerFactory p2p.PeerFactory
	Options     p2p.SenderOptions
	Events      p2p.SenderEvents
}

// P2PReceiveOptions describes one peer-to-peer receive against a sharing
// code obtained out of band (typically typed in by the user). As with
// P2PSendOptions, the caller builds Peer itself and can read
// ServerInfo.P2P off a prior Client.Connect call to configure it.
type P2PReceiveOptions struct {
	Code    string
	Peer    p2p.SignalingPeer
	Options p2p.ReceiverOptions
	Events  p2p.ReceiverEvents
}

// P2PSendResult reports the outcome of a completed P2PSend.
type P2PSendResult struct {
	Code      string
	SentBytes int64
}

// P2PReceiveResult reports the outcome of a completed P2PReceive.
type P2PReceiveResult struct {
	Meta          p2p.Meta
	ReceivedBytes int64
}

// P2PSend negotiates capabilities, confirms the server advertises P2P
// support, then opens a signalling peer and streams one file across a
// direct data-channel connection. It blocks until the transfer completes,
// is cancelled, or ctx is done.
func (c *Client) P2PSend(ctx context.Context, opts P2PSendOptions) (*P2PSendResult, error) {
	compat, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	if !compat.ServerInfo.P2P.Enabled {
		return nil, shaderr.New(shaderr.Validation, "p2p_disabled", "server does not support peer-to-peer transfer")
	}
	if compat.ServerInfo.P2P.PeerJSDebugLogging {
		debug.SetEnabled(true)
	}

	c.session.RecordOutcome("", telemetry.EventP2PSendStarted, opts.Filename, nil)

	sender := p2p.NewSender(opts.PeerFactory, opts.Options, c.wrapSenderEvents(opts.Events))
	if err := sender.Send(ctx, opts.Filename, opts.Mime, opts.Size, opts.Source); err != nil {
		c.session.RecordOutcome("", telemetry.EventP2PSendFailed, err.Error(), err)
		c.metrics.RecordP2PSession("sender", "failed")
		return nil, err
	}

	result := &P2PSendResult{Code: sender.Code(), SentBytes: opts.Size}
	c.session.RecordOutcome("", telemetry.EventP2PSendCompleted, sender.Code(), nil)
	c.metrics.RecordP2PSession("sender", "completed")
	c.metrics.RecordP2PBytesTransferred(opts.Size)
	return result, nil
}

// P2PReceive negotiates capabilities, confirms the server advertises P2P
// support, then connects the given signalling peer to the sender
// identified by code and streams the incoming file into events.OnData.
func (c *Client) P2PReceive(ctx context.Context, opts P2PReceiveOptions) (*P2PReceiveResult, error) {
	compat, err := c.Connect(ctx)
	if err != nil {
		return nil, err
	}
	if !compat.ServerInfo.P2P.Enabled {
		return nil, shaderr.New(shaderr.Validation, "p2p_disabled", "server does not support peer-to-peer transfer")
	}
	if compat.ServerInfo.P2P.PeerJSDebugLogging {
		debug.SetEnabled(true)
	}

	normalized, ok := p2p.ValidateCode(opts.Code)
	if !ok {
		return nil, shaderr.New(shaderr.Validation, "invalid_code", "sharing code is not in LLLL-DDDD form")
	}

	c.session.RecordOutcome("", telemetry.EventP2PReceiveStarted, normalized, nil)

	receiver := p2p.NewReceiver(opts.Peer, opts.Options, c.wrapReceiverEvents(opts.Events))
	meta, received, err := receiver.Receive(ctx, normalized)
	if err != nil {
		c.session.RecordOutcome("", telemetry.EventP2PReceiveFailed, err.Error(), err)
		c.metrics.RecordP2PSession("receiver", "failed")
		return nil, err
	}

	c.session.RecordOutcome("", telemetry.EventP2PReceiveCompleted, meta.Name, nil)
	c.metrics.RecordP2PSession("receiver", "completed")
	c.metrics.RecordP2PBytesTransferred(received)
	return &P2PReceiveResult{Meta: meta, ReceivedBytes: received}, nil
}

// wrapSenderEvents records a per-phase session log entry around the
// caller's own callbacks, then forwards to them unchanged.
func (c *Client) wrapSenderEvents(events p2p.SenderEvents) p2p.SenderEvents {
	onStateChange := events.OnStateChange
	events.OnStateChange = func(from, to p2p.SenderState) {
		c.session.RecordOutcome("", telemetry.EventP2PStateChange, fmt.Sprintf("%s->%s", from, to), nil)
		if debug.Enabled() {
			c.logger.WithFields(logrus.Fields{"from": from, "to": to}).Debug("p2p sender state change")
		}
		if onStateChange != nil {
			onStateChange(from, to)
		}
	}
	onChunkAck := events.OnChunkAck
	events.OnChunkAck = func() {
		c.metrics.RecordP2PChunkAck()
		if onChunkAck != nil {
			onChunkAck()
		}
	}
	onComplete := events.OnComplete
	events.OnComplete = func() {
		c.session.RecordOutcome("", telemetry.EventP2PCompleted, "sender complete", nil)
		if onComplete != nil {
			onComplete()
		}
	}
	onCancel := events.OnCancel
	events.OnCancel = func(cancelledBy, reason string) {
		c.session.RecordOutcome("", telemetry.EventP2PCancelled, fmt.Sprintf("%s: %s", cancelledBy, reason), nil)
		if onCancel != nil {
			onCancel(cancelledBy, reason)
		}
	}
	onError := events.OnError
	events.OnError = func(err error) {
		c.session.RecordOutcome("", telemetry.EventP2PError, err.Error(), err)
		if onError != nil {
			onError(err)
		}
	}
	return events
}

// wrapReceiverEvents mirrors wrapSenderEvents for the receive side.
func (c *Client) wrapReceiverEvents(events p2p.ReceiverEvents) p2p.ReceiverEvents {
	onStateChange := events.OnStateChange
	events.OnStateChange = func(from, to p2p.ReceiverState) {
		c.session.RecordOutcome("", telemetry.EventP2PStateChange, fmt.Sprintf("%s->%s", from, to), nil)
		if debug.Enabled() {
			c.logger.WithFields(logrus.Fields{"from": from, "to": to}).Debug("p2p receiver state change")
		}
		if onStateChange != nil {
			onStateChange(from, to)
		}
	}
	onMeta := events.OnMeta
	events.OnMeta = func(meta p2p.Meta) {
		c.session.RecordOutcome("", telemetry.EventP2PHandshake, meta.Name, nil)
		if onMeta != nil {
			onMeta(meta)
		}
	}
	onComplete := events.OnComplete
	events.OnComplete = func() {
		c.session.RecordOutcome("", telemetry.EventP2PCompleted, "receiver complete", nil)
		if onComplete != nil {
			onComplete()
		}
	}
	onCancel := events.OnCancel
	events.OnCancel = func(cancelledBy, reason string) {
		c.session.RecordOutcome("", telemetry.EventP2PCancelled, fmt.Sprintf("%s: %s", cancelledBy, reason), nil)
		if onCancel != nil {
			onCancel(cancelledBy, reason)
		}
	}
	onError := events.OnError
	events.OnError = func(err error) {
		c.session.RecordOutcome("", telemetry.EventP2PError, err.Error(), err)
		if onError != nil {
			onError(err)
		}
	}
	return events
}
