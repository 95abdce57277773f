package server

import (
	"context"
	"net"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/snackerengine/serp/internal/ids"
	"github.com/snackerengine/serp/internal/logging"
	"github.com/snackerengine/serp/internal/netio"
	"github.com/snackerengine/serp/internal/wire"
)

// Server is the SERP relay: it holds the client table and the socket it
// reads from and writes to, and drives the per-tick admission, routing, and
// eviction logic described in spec §4.E.
type Server struct {
	cfg     Config
	socket  *netio.Socket
	clients *clientTable
	msgIDs  ids.MessageIDCounter
	metrics *Metrics

	sleeping         bool
	emptyElapsedSecs int
}

// NewServer wraps an already-bound socket (typically netio.ListenServer) in
// a relay. Passing the socket in rather than binding internally keeps the
// server testable against loopback sockets bound to ephemeral ports.
func NewServer(socket *netio.Socket, cfg Config, metrics *Metrics) *Server {
	return &Server{
		cfg:     cfg,
		socket:  socket,
		clients: newClientTable(),
		metrics: metrics,
	}
}

// Run drives the relay's main loop until ctx is cancelled, at which point it
// broadcasts a disconnect advertisement to every registered client before
// returning (spec §4.E "Shutdown"). Grounded on
// original_source/SERP/server.cpp's startMainLoop.
func (s *Server) Run(ctx context.Context) error {
	logging.Info("starting SERP relay")
	lastSweep := time.Now()

	for {
		if ctx.Err() != nil {
			s.shutdown()
			return nil
		}

		n, addr, err := s.socket.Recv()
		if err != nil {
			logging.Error("relay: recv failed", zap.Error(err))
			continue
		}

		if n > 0 {
			s.handlePacket(n, addr)
		}

		if s.sleeping {
			time.Sleep(s.cfg.SleepDuration)
			lastSweep = time.Now()
			continue
		}

		now := time.Now()
		if elapsed := now.Sub(lastSweep); elapsed > s.cfg.ProcessTimeoutEvery {
			secs := int(elapsed / time.Second)
			s.tickTimeouts(secs)
			lastSweep = lastSweep.Add(time.Duration(secs) * time.Second)
		}
	}
}

// handlePacket validates and routes one received, non-impostor datagram,
// then resets the sender's inactivity timer.
func (s *Server) handlePacket(n int, addr *net.UDPAddr) {
	buf := s.socket.Buffer()[:n]
	if n < wire.SERPHeaderSize {
		logging.Warn("relay: received message shorter than a SERP header")
		return
	}
	hdr := wire.DecodeSERP(buf)
	if n < int(hdr.Len) {
		logging.Warn("relay: declared length exceeds bytes actually received",
			zap.Int("declared", int(hdr.Len)), zap.Int("received", n))
		return
	}

	if entry, ok := s.clients.get(hdr.Src); ok && !addrEqual(entry.addr, addr) {
		logging.Warn("relay: dropped message from impostor",
			zap.Uint16("claimedSrc", hdr.Src), zap.String("addr", addr.String()))
		return
	}

	if s.sleeping {
		s.sleeping = false
		s.metrics.Sleeping.Set(0)
		logging.Info("relay: received message, waking up")
	}

	s.dispatch(hdr, buf, n, addr)

	if entry, ok := s.clients.get(hdr.Src); ok {
		entry.timeoutSecs = 0
	}
	s.emptyElapsedSecs = 0
}

// dispatch routes one received packet: to the server itself (dst == 0), to
// every destination in a multicast trailer (dst == 0xFFFF), or to a single
// other client.
func (s *Server) dispatch(hdr wire.SERPHeader, buf []byte, n int, addr *net.UDPAddr) {
	switch hdr.Dst {
	case wire.ClientIDServer:
		s.handleServerMessage(hdr, buf, n, addr)
	case ids.Multicast:
		s.relayMulticast(hdr, buf, n)
	default:
		s.relaySinglecast(hdr, buf)
	}
}

func (s *Server) handleServerMessage(hdr wire.SERPHeader, buf []byte, n int, addr *net.UDPAddr) {
	if n < wire.SERPHeaderSize+wire.SMPHeaderSize {
		logging.Warn("relay: message addressed to server has no SMP header")
		return
	}
	smp := wire.DecodeSMP(buf[wire.SERPHeaderSize:])

	switch smp.Type {
	case wire.TypeADVERTISEMENT:
		s.handleAdvertisement(hdr, smp.Options, addr)
	case wire.TypeERROR:
		if n > wire.SERPHeaderSize+wire.SMPHeaderSize {
			logging.Warn("relay: client reported error",
				zap.Uint16("client", hdr.Src), zap.Uint16("code", smp.Options),
				zap.ByteString("message", buf[wire.SERPHeaderSize+wire.SMPHeaderSize:n]))
		} else {
			logging.Warn("relay: client reported error", zap.Uint16("client", hdr.Src), zap.Uint16("code", smp.Options))
		}
	case wire.TypeECHO:
		s.handleEcho(hdr, smp.Options, buf, n, addr)
	default:
		logging.Warn("relay: unrecognized message type addressed to server", zap.Uint16("type", smp.Type))
	}
}

func (s *Server) handleAdvertisement(hdr wire.SERPHeader, option uint16, addr *net.UDPAddr) {
	switch option {
	case wire.OptAdvertisementRequest:
		if entry, ok := s.clients.get(hdr.Src); ok {
			s.sendAdvertisementOK(entry.id)
			return
		}
		s.connectClient(addr)
	case wire.OptAdvertisementDisconnect:
		s.disconnectClient(hdr.Src, "client_requested")
	default:
		// OK (or any other option) sent to the server is meaningless.
		s.sendErrorToClient(hdr.Src, wire.OptErrorBadOption, nil)
	}
}

// connectClient admits a new client at addr, assigning it a fresh id. It
// mirrors original_source/SERP/server.cpp's connectClient: an id allocation
// failure or a full table both reply with an ERROR sent directly to addr,
// since no client entry exists yet to address a reply through.
func (s *Server) connectClient(addr *net.UDPAddr) {
	if s.clients.len() >= s.cfg.MaxClients {
		s.metrics.AdmissionsFailed.WithLabelValues("too_many_clients").Inc()
		s.sendErrorToAddr(addr, wire.OptErrorTooManyClients, nil)
		return
	}

	id, err := ids.AllocateClientID(s.clients.inUse)
	if err != nil {
		s.metrics.AdmissionsFailed.WithLabelValues("id_exhausted").Inc()
		s.sendErrorToAddr(addr, wire.OptErrorUnspecified, []byte("could not allocate a client id"))
		return
	}

	entry := &clientEntry{id: id, addr: addr, correlationID: xid.New()}
	s.clients.put(entry)
	s.metrics.Admissions.Inc()
	s.metrics.ClientsConnected.Set(float64(s.clients.len()))

	s.sendAdvertisementOK(id)
	logging.Info("relay: client connected",
		zap.Uint16("id", id), zap.String("addr", addr.String()), zap.String("correlationID", entry.correlationID.String()))
}

func (s *Server) disconnectClient(id ids.ClientId, reason string) {
	if _, ok := s.clients.get(id); !ok {
		logging.Warn("relay: tried to disconnect an unregistered client", zap.Uint16("id", id))
		return
	}
	s.clients.delete(id)
	s.metrics.Disconnections.WithLabelValues(reason).Inc()
	s.metrics.ClientsConnected.Set(float64(s.clients.len()))
	logging.Info("relay: client disconnected", zap.Uint16("id", id), zap.String("reason", reason))
}

func (s *Server) handleEcho(hdr wire.SERPHeader, option uint16, buf []byte, n int, addr *net.UDPAddr) {
	switch option {
	case wire.OptEchoReply:
		logging.Debug("relay: received echo reply", zap.Uint16("from", hdr.Src))
	case wire.OptEchoRequest:
		reply := append([]byte(nil), buf[:n]...)
		replyHdr := hdr
		replyHdr.Src = ids.Server
		replyHdr.Dst = hdr.Src
		replyHdr.ID = s.msgIDs.Next()
		headerBytes := wire.EncodeSERP(replyHdr)
		copy(reply[:wire.SERPHeaderSize], headerBytes[:])
		smp := wire.SMPHeader{Type: wire.TypeECHO, Options: wire.OptEchoReply}
		smpBytes := wire.EncodeSMP(smp)
		copy(reply[wire.SERPHeaderSize:wire.SERPHeaderSize+wire.SMPHeaderSize], smpBytes[:])
		if err := s.socket.Send(addr, reply); err != nil {
			logging.Error("relay: failed to send echo reply", zap.Error(err))
		}
	}
}

// relaySinglecast forwards a client-to-client packet verbatim to its
// destination's current address. An unregistered destination gets an
// ERROR/NOT_FOUND reply back to the sender instead of a silent drop
// (spec §4.E routing rule "unknown destinations").
func (s *Server) relaySinglecast(hdr wire.SERPHeader, buf []byte) {
	entry, ok := s.clients.get(hdr.Dst)
	if !ok {
		logging.Warn("relay: singlecast destination not registered", zap.Uint16("dst", hdr.Dst))
		s.metrics.PacketsRouted.WithLabelValues("dropped_unknown_dest").Inc()
		s.sendNotFound(hdr.Src, hdr.Dst)
		return
	}
	frame := buf[:hdr.Len]
	if err := s.socket.Send(entry.addr, frame); err != nil {
		logging.Error("relay: singlecast send failed", zap.Error(err))
		s.metrics.PacketsRouted.WithLabelValues("send_error").Inc()
		return
	}
	s.metrics.PacketsRouted.WithLabelValues("singlecast").Inc()
	s.metrics.BytesRelayed.Add(float64(len(frame)))
}

// relayMulticast demultiplexes a multicast packet into one singlecast send
// per destination named in the trailer, rewriting dst and dropping the
// trailer on each outgoing copy (spec §4.E "Multicast routing").
func (s *Server) relayMulticast(hdr wire.SERPHeader, buf []byte, n int) {
	if n <= int(hdr.Len) {
		logging.Warn("relay: multicast message carried no destination trailer")
		s.metrics.PacketsRouted.WithLabelValues("dropped_empty_trailer").Inc()
		return
	}
	dests := wire.DecodeMulticastTrailer(buf[hdr.Len:n])
	body := buf[wire.SERPHeaderSize:hdr.Len]

	for _, dst := range dests {
		entry, ok := s.clients.get(dst)
		if !ok {
			logging.Warn("relay: multicast destination not registered", zap.Uint16("dst", dst))
			s.metrics.PacketsRouted.WithLabelValues("dropped_unknown_dest").Inc()
			s.sendNotFound(hdr.Src, dst)
			continue
		}
		outHdr := hdr
		outHdr.Dst = dst
		headerBytes := wire.EncodeSERP(outHdr)
		frame := make([]byte, 0, int(hdr.Len))
		frame = append(frame, headerBytes[:]...)
		frame = append(frame, body...)
		if err := s.socket.Send(entry.addr, frame); err != nil {
			logging.Error("relay: multicast send failed", zap.Error(err))
			s.metrics.PacketsRouted.WithLabelValues("send_error").Inc()
			continue
		}
		s.metrics.MulticastFanout.Inc()
		s.metrics.BytesRelayed.Add(float64(len(frame)))
	}
	s.metrics.PacketsRouted.WithLabelValues("multicast").Inc()
}

// tickTimeouts advances the per-client and server-idle timeout counters by
// elapsedSecs, pinging or disconnecting clients that have been silent too
// long, and entering sleep mode once the table has been empty for
// SleepTimeout (spec §4.E "Heartbeat and eviction", "Sleep mode").
func (s *Server) tickTimeouts(elapsedSecs int) {
	if s.clients.len() == 0 {
		s.emptyElapsedSecs += elapsedSecs
		if !s.sleeping && s.emptyElapsedSecs > int(s.cfg.SleepTimeout.Seconds()) {
			s.sleeping = true
			s.metrics.Sleeping.Set(1)
			logging.Info("relay: no clients for sleep timeout, entering sleep mode")
		}
		return
	}

	var toPing, toDisconnect []ids.ClientId
	s.clients.forEach(func(e *clientEntry) {
		e.timeoutSecs += elapsedSecs
		if e.timeoutSecs > int(s.cfg.ClientTimeout.Seconds()) {
			logging.Info("relay: disconnecting client for inactivity", zap.Uint16("id", e.id), zap.Int("silentSecs", e.timeoutSecs))
			toDisconnect = append(toDisconnect, e.id)
		} else if e.timeoutSecs > int(s.cfg.PingThreshold.Seconds()) {
			toPing = append(toPing, e.id)
		}
	})
	for _, id := range toPing {
		s.sendPingRequest(id)
	}
	for _, id := range toDisconnect {
		s.sendDisconnectMessage(id)
		s.disconnectClient(id, "timeout")
	}
}

// shutdown broadcasts a disconnect advertisement to every registered
// client, mirroring original_source/SERP/server.cpp's cleanup().
func (s *Server) shutdown() {
	logging.Info("relay: shutting down, notifying clients")
	for _, id := range s.clients.ids() {
		s.sendDisconnectMessage(id)
	}
}

func (s *Server) sendPingRequest(dst ids.ClientId) {
	hdr := wire.SERPHeader{Src: ids.Server, Dst: dst, Len: wire.SERPHeaderSize + wire.SMPHeaderSize, Part: 0, Total: 1, ID: s.msgIDs.Next()}
	smp := wire.SMPHeader{Type: wire.TypeECHO, Options: wire.OptEchoRequest}
	s.sendToClient(dst, framePacket(hdr, smp, nil))
}

func (s *Server) sendDisconnectMessage(dst ids.ClientId) {
	hdr := wire.SERPHeader{Src: ids.Server, Dst: dst, Len: wire.SERPHeaderSize + wire.SMPHeaderSize, Part: 0, Total: 1, ID: s.msgIDs.Next()}
	smp := wire.SMPHeader{Type: wire.TypeADVERTISEMENT, Options: wire.OptAdvertisementDisconnect}
	s.sendToClient(dst, framePacket(hdr, smp, nil))
}

func (s *Server) sendAdvertisementOK(dst ids.ClientId) {
	payload := []byte{byte(dst >> 8), byte(dst)}
	hdr := wire.SERPHeader{Src: ids.Server, Dst: dst, Len: uint16(wire.SERPHeaderSize + wire.SMPHeaderSize + len(payload)), Part: 0, Total: 1, ID: s.msgIDs.Next()}
	smp := wire.SMPHeader{Type: wire.TypeADVERTISEMENT, Options: wire.OptAdvertisementOK}
	s.sendToClient(dst, framePacket(hdr, smp, payload))
}

func (s *Server) sendErrorToClient(dst ids.ClientId, option uint16, payload []byte) {
	hdr := wire.SERPHeader{Src: ids.Server, Dst: dst, Len: uint16(wire.SERPHeaderSize + wire.SMPHeaderSize + len(payload)), Part: 0, Total: 1, ID: s.msgIDs.Next()}
	smp := wire.SMPHeader{Type: wire.TypeERROR, Options: option}
	s.sendToClient(dst, framePacket(hdr, smp, payload))
}

func (s *Server) sendErrorToAddr(addr *net.UDPAddr, option uint16, payload []byte) {
	hdr := wire.SERPHeader{Src: ids.Server, Dst: ids.Server, Len: uint16(wire.SERPHeaderSize + wire.SMPHeaderSize + len(payload)), Part: 0, Total: 1, ID: s.msgIDs.Next()}
	smp := wire.SMPHeader{Type: wire.TypeERROR, Options: option}
	if err := s.socket.Send(addr, framePacket(hdr, smp, payload)); err != nil {
		logging.Error("relay: failed to send error to unregistered address", zap.Error(err))
	}
}

// sendNotFound replies to src with ERROR/NOT_FOUND carrying the unreachable
// destination id as a big-endian uint16 payload (spec §4.E routing rules).
func (s *Server) sendNotFound(src ids.ClientId, missingDst ids.ClientId) {
	s.sendErrorToClient(src, wire.OptErrorNotFound, []byte{byte(missingDst >> 8), byte(missingDst)})
}

func (s *Server) sendToClient(dst ids.ClientId, frame []byte) {
	entry, ok := s.clients.get(dst)
	if !ok {
		logging.Warn("relay: tried to send to unregistered client", zap.Uint16("dst", dst))
		return
	}
	if err := s.socket.Send(entry.addr, frame); err != nil {
		logging.Error("relay: send to client failed", zap.Uint16("dst", dst), zap.Error(err))
	}
}

func framePacket(hdr wire.SERPHeader, smp wire.SMPHeader, payload []byte) []byte {
	headerBytes := wire.EncodeSERP(hdr)
	smpBytes := wire.EncodeSMP(smp)
	frame := make([]byte, 0, int(hdr.Len))
	frame = append(frame, headerBytes[:]...)
	frame = append(frame, smpBytes[:]...)
	frame = append(frame, payload...)
	return frame
}
