// Package client implements SERP's client network manager (spec §4.B-§4.D):
// the admission handshake, fragmentation and reliable sending, and
// reassembly and acknowledgement on receive. It is grounded on
// original_source/SnackerEngine/src/Network/NetworkData.cpp's update/receive
// loop and on _examples/appnet-org-arpc's pkg/rpc.Client, generalized from
// arpc's request/response shape to SERP's fire-and-forget (optionally
// reliable) messaging.
package client

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/snackerengine/serp/internal/ids"
	"github.com/snackerengine/serp/internal/logging"
	"github.com/snackerengine/serp/internal/netio"
	"github.com/snackerengine/serp/internal/reassembly"
	"github.com/snackerengine/serp/internal/reliable"
	"github.com/snackerengine/serp/internal/wire"
)

// ErrDialTimeout is returned by Dial when the server never answers
// ADVERTISEMENT/REQUEST within Config.DialTimeout.
var ErrDialTimeout = errors.New("client: relay did not respond to admission request in time")

// ErrClosed is returned by Send/SendMulticast after Close.
var ErrClosed = errors.New("client: closed")

// Client is a connected SERP endpoint: one UDP socket, one reliable-send
// engine, one reassembler, and the background goroutine that drives them.
type Client struct {
	cfg        Config
	socket     *netio.Socket
	serverAddr *net.UDPAddr

	id ids.ClientId

	msgIDs ids.MessageIDCounter

	engineMu sync.Mutex
	engine   *reliable.Engine

	reassembleMu sync.Mutex
	reassembler  *reassembly.Reassembler

	inbox *inbox

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// socketSender adapts *netio.Socket to reliable.Sender by fixing the
// destination address to the relay.
type socketSender struct {
	socket *netio.Socket
	addr   *net.UDPAddr
}

func (s socketSender) Send(frame []byte) error { return s.socket.Send(s.addr, frame) }

// Dial binds an ephemeral client socket, performs the ADVERTISEMENT/REQUEST
// admission handshake against serverAddr, and starts the background
// send/receive loop. It retries the request every Config.DialRetryInterval
// until ADVERTISEMENT/OK arrives or Config.DialTimeout elapses.
func Dial(serverAddr string, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	addr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return nil, fmt.Errorf("client: resolve server address %q: %w", serverAddr, err)
	}

	socket, err := netio.ListenClient(cfg.PollTimeout)
	if err != nil {
		return nil, fmt.Errorf("client: bind local socket: %w", err)
	}

	c := &Client{
		cfg:         cfg,
		socket:      socket,
		serverAddr:  addr,
		reassembler: reassembly.NewReassembler(),
		inbox:       newInbox(),
		done:        make(chan struct{}),
	}
	c.engine = reliable.NewEngine(socketSender{socket: socket, addr: addr}, cfg.BudgetRate)

	id, err := c.admit()
	if err != nil {
		socket.Close()
		return nil, err
	}
	c.id = id
	c.engine.SrcID = id

	c.wg.Add(1)
	go c.loop()

	return c, nil
}

// ID returns the id assigned to this client by the relay.
func (c *Client) ID() ids.ClientId { return c.id }

func (c *Client) admit() (ids.ClientId, error) {
	request := framePacket(wire.SERPHeader{Src: 0, Dst: ids.Server, Total: 1}, wire.SMPHeader{Type: wire.TypeADVERTISEMENT, Options: wire.OptAdvertisementRequest}, nil)

	deadline := time.Now().Add(c.cfg.DialTimeout)
	lastSend := time.Time{}
	for time.Now().Before(deadline) {
		if time.Since(lastSend) >= c.cfg.DialRetryInterval {
			if err := c.socket.Send(c.serverAddr, request); err != nil {
				return 0, fmt.Errorf("client: send admission request: %w", err)
			}
			lastSend = time.Now()
		}

		n, _, err := c.socket.Recv()
		if err != nil {
			return 0, fmt.Errorf("client: recv during admission: %w", err)
		}
		if n < wire.SERPHeaderSize+wire.SMPHeaderSize {
			continue
		}
		buf := c.socket.Buffer()[:n]
		hdr := wire.DecodeSERP(buf)
		smp := wire.DecodeSMP(buf[wire.SERPHeaderSize:])
		if hdr.Src != ids.Server {
			continue
		}
		switch smp.Type {
		case wire.TypeADVERTISEMENT:
			if smp.Options == wire.OptAdvertisementOK {
				return hdr.Dst, nil
			}
		case wire.TypeERROR:
			return 0, fmt.Errorf("client: admission rejected, error code %d", smp.Options)
		}
	}
	return 0, ErrDialTimeout
}

// loop is the background goroutine: it polls the socket, dispatches
// received packets, and periodically ticks the reliable-send engine and
// timeout sweeps (spec §4.B "Recv timeout on the client is ~1ms, polled
// from the update loop").
func (c *Client) loop() {
	defer c.wg.Done()

	lastUpdate := time.Now()
	for {
		select {
		case <-c.done:
			return
		default:
		}

		n, addr, err := c.socket.Recv()
		if err != nil {
			logging.Error("client: recv failed", zap.Error(err))
			continue
		}
		if n > 0 {
			c.handlePacket(n, addr)
		}

		now := time.Now()
		if elapsed := now.Sub(lastUpdate); elapsed >= c.cfg.UpdateInterval {
			c.engineMu.Lock()
			c.engine.Update(now)
			c.engine.Tick(elapsed, now)
			c.engineMu.Unlock()

			c.reassembleMu.Lock()
			expired := c.reassembler.ExpireOlderThan(now.Add(-c.cfg.IncomingTimeout))
			c.reassembleMu.Unlock()
			if len(expired) > 0 {
				logging.Debug("client: dropped stale incoming partial messages", zap.Int("count", len(expired)))
			}

			c.inbox.expireSeen(now.Add(-c.cfg.IncomingTimeout))
			lastUpdate = now
		}
	}
}

func (c *Client) handlePacket(n int, addr *net.UDPAddr) {
	buf := c.socket.Buffer()[:n]
	if n < wire.SERPHeaderSize+wire.SMPHeaderSize {
		return
	}
	hdr := wire.DecodeSERP(buf)
	if n < int(hdr.Len) {
		return
	}
	smp := wire.DecodeSMP(buf[wire.SERPHeaderSize:])

	if hdr.Src == ids.Server {
		c.handleServerMessage(hdr, smp, buf, n)
		return
	}

	if smp.Type == wire.TypeMESSAGE_RECEIVED {
		c.engineMu.Lock()
		c.engine.Ack(hdr.ID, hdr.Src, int(hdr.Part))
		c.engineMu.Unlock()
		return
	}

	payload := append([]byte(nil), buf[wire.SERPHeaderSize+wire.SMPHeaderSize:hdr.Len]...)
	c.receiveApplicationFragment(hdr, smp, payload, time.Now())
}

func (c *Client) handleServerMessage(hdr wire.SERPHeader, smp wire.SMPHeader, buf []byte, n int) {
	switch smp.Type {
	case wire.TypeADVERTISEMENT:
		if smp.Options == wire.OptAdvertisementDisconnect {
			logging.Warn("client: relay requested disconnect")
		}
	case wire.TypeECHO:
		if smp.Options == wire.OptEchoRequest {
			c.replyEcho(hdr)
		}
	case wire.TypeERROR:
		var detail []byte
		if n > wire.SERPHeaderSize+wire.SMPHeaderSize {
			detail = buf[wire.SERPHeaderSize+wire.SMPHeaderSize : n]
		}
		logging.Warn("client: relay reported error", zap.Uint16("code", smp.Options), zap.ByteString("detail", detail))
	}
}

func (c *Client) replyEcho(hdr wire.SERPHeader) {
	reply := wire.SERPHeader{Src: c.id, Dst: ids.Server, Total: 1, ID: c.msgIDs.Next()}
	frame := framePacket(reply, wire.SMPHeader{Type: wire.TypeECHO, Options: wire.OptEchoReply}, nil)
	if err := c.socket.Send(c.serverAddr, frame); err != nil {
		logging.Error("client: echo reply failed", zap.Error(err))
	}
}

// receiveApplicationFragment implements the reliable-receive algorithm of
// spec §4.C, grounded on original_source's NetworkData::receiveMessage: the
// SafeSeen short-circuit, direct single-fragment delivery, and
// IncomingPartial accumulation, each acking every fragment it accepts when
// SAFE_SEND is set (NetworkData.cpp unconditionally acks at the end of
// insertMessageFromNetworkBufferIntoUnfinishedMessageBuffer, not only on
// completion).
func (c *Client) receiveApplicationFragment(hdr wire.SERPHeader, smp wire.SMPHeader, payload []byte, now time.Time) {
	safe := hdr.SafeSend()

	if safe && c.inbox.hasSeen(hdr.ID, hdr.Src) {
		c.sendAck(hdr)
		return
	}

	if hdr.Total <= 1 {
		c.inbox.deliver(Message{From: hdr.Src, Type: smp.Type, Payload: payload})
		if safe {
			c.inbox.markSeen(hdr.ID, hdr.Src, now)
			c.sendAck(hdr)
		}
		return
	}

	c.reassembleMu.Lock()
	outcome, full := c.reassembler.Accept(hdr.ID, hdr.Src, hdr.Part, hdr.Total, payload)
	c.reassembleMu.Unlock()

	switch outcome {
	case reassembly.OutcomeDropped:
		return
	case reassembly.OutcomeComplete:
		c.inbox.deliver(Message{From: hdr.Src, Type: smp.Type, Payload: full})
		if safe {
			c.inbox.markSeen(hdr.ID, hdr.Src, now)
		}
	case reassembly.OutcomeIncomplete, reassembly.OutcomeDuplicate:
		// nothing more to do besides the ack below
	}
	if safe {
		c.sendAck(hdr)
	}
}

func (c *Client) sendAck(hdr wire.SERPHeader) {
	ack := wire.SERPHeader{Src: c.id, Dst: hdr.Src, Part: hdr.Part, Total: 1, ID: hdr.ID}
	frame := framePacket(ack, wire.SMPHeader{Type: wire.TypeMESSAGE_RECEIVED}, nil)
	if err := c.socket.Send(c.serverAddr, frame); err != nil {
		logging.Error("client: failed to send ack", zap.Error(err))
	}
}

// Send fragments payload (if needed) and queues it for delivery to dst,
// reliably if safe is true (spec §4.C, §4.D). It returns the message id
// assigned to this send, which Pending can query for a reliable send's
// completion status.
func (c *Client) Send(dst ids.ClientId, msgType uint16, payload []byte, safe bool) (ids.MessageId, error) {
	return c.SendMulticast([]ids.ClientId{dst}, msgType, payload, safe)
}

// Pending reports whether a reliable send identified by id is still
// in-flight (not yet fully acknowledged or expired).
func (c *Client) Pending(id ids.MessageId) bool {
	c.engineMu.Lock()
	defer c.engineMu.Unlock()
	return c.engine.Pending(id)
}

// SendMulticast fragments payload and queues it for delivery to every
// destination in dests, reliably if safe is true.
func (c *Client) SendMulticast(dests []ids.ClientId, msgType uint16, payload []byte, safe bool) (ids.MessageId, error) {
	select {
	case <-c.done:
		return 0, ErrClosed
	default:
	}

	capacity, err := reassembly.Capacity(len(dests))
	if err != nil {
		return 0, err
	}
	fragments := reassembly.Split(payload, capacity)
	parts := make([][]byte, len(fragments))
	for i, f := range fragments {
		parts[i] = f.Payload
	}

	id := c.msgIDs.Next()
	smp := wire.SMPHeader{Type: msgType}

	c.engineMu.Lock()
	defer c.engineMu.Unlock()

	if safe {
		c.engine.EnqueueReliable(id, wire.FlagSafeSend, smp, dests, parts, time.Now())
		return id, nil
	}

	for part, payload := range parts {
		c.engine.EnqueueBasic(c.frameBasic(id, uint8(part), uint8(len(parts)), smp, dests, payload))
	}
	return id, nil
}

func (c *Client) frameBasic(id ids.MessageId, part, total uint8, smp wire.SMPHeader, dests []ids.ClientId, payload []byte) []byte {
	hdr := wire.SERPHeader{Src: c.id, Part: part, Total: total, ID: id, Len: uint16(wire.SERPHeaderSize + wire.SMPHeaderSize + len(payload))}
	var trailer []byte
	if len(dests) == 1 {
		hdr.Dst = dests[0]
	} else {
		hdr.Dst = ids.Multicast
		trailer = wire.EncodeMulticastTrailer(dests)
	}
	frame := framePacket(hdr, smp, payload)
	return append(frame, trailer...)
}

// Drain returns every message delivered since the last Drain call.
func (c *Client) Drain() []Message { return c.inbox.Drain() }

// Close stops the background loop, disconnects from the relay, and closes
// the socket.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		disconnect := framePacket(wire.SERPHeader{Src: c.id, Dst: ids.Server, Total: 1, ID: c.msgIDs.Next()}, wire.SMPHeader{Type: wire.TypeADVERTISEMENT, Options: wire.OptAdvertisementDisconnect}, nil)
		_ = c.socket.Send(c.serverAddr, disconnect)

		close(c.done)
		c.wg.Wait()
		err = c.socket.Close()
	})
	return err
}

func framePacket(hdr wire.SERPHeader, smp wire.SMPHeader, payload []byte) []byte {
	if hdr.Len == 0 {
		hdr.Len = uint16(wire.SERPHeaderSize + wire.SMPHeaderSize + len(payload))
	}
	headerBytes := wire.EncodeSERP(hdr)
	smpBytes := wire.EncodeSMP(smp)
	frame := make([]byte, 0, int(hdr.Len))
	frame = append(frame, headerBytes[:]...)
	frame = append(frame, smpBytes[:]...)
	frame = append(frame, payload...)
	return frame
}
