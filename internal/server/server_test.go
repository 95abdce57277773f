package server

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/snackerengine/serp/internal/ids"
	"github.com/snackerengine/serp/internal/netio"
	"github.com/snackerengine/serp/internal/wire"
)

const testRecvTimeout = 20 * time.Millisecond

func newTestServer(t *testing.T, cfg Config) (*Server, *netio.Socket) {
	t.Helper()
	socket, err := netio.ListenClient(testRecvTimeout)
	require.NoError(t, err)
	t.Cleanup(func() { socket.Close() })

	metrics := NewMetrics(prometheus.NewRegistry())
	return NewServer(socket, cfg, metrics), socket
}

func newTestClientSocket(t *testing.T) *netio.Socket {
	t.Helper()
	socket, err := netio.ListenClient(200 * time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { socket.Close() })
	return socket
}

func runServer(t *testing.T, s *Server) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("server did not shut down in time")
		}
	}
}

func advertisementRequestFrame() []byte {
	hdr := wire.SERPHeader{Src: 0, Dst: wire.ClientIDServer, Len: wire.SERPHeaderSize + wire.SMPHeaderSize, Total: 1}
	smp := wire.SMPHeader{Type: wire.TypeADVERTISEMENT, Options: wire.OptAdvertisementRequest}
	return framePacket(hdr, smp, nil)
}

func admitClient(t *testing.T, server *netio.Socket, client *netio.Socket) ids.ClientId {
	t.Helper()
	require.NoError(t, client.Send(server.LocalAddr(), advertisementRequestFrame()))

	n, _, err := client.Recv()
	require.NoError(t, err)
	require.Greater(t, n, 0, "expected an ADVERTISEMENT/OK reply")
	buf := client.Buffer()[:n]
	hdr := wire.DecodeSERP(buf)
	smp := wire.DecodeSMP(buf[wire.SERPHeaderSize:])
	require.Equal(t, wire.TypeADVERTISEMENT, smp.Type)
	require.Equal(t, wire.OptAdvertisementOK, smp.Options)
	return hdr.Dst
}

func TestServerAdmitsNewClient(t *testing.T) {
	srv, sock := newTestServer(t, DefaultConfig())
	stop := runServer(t, srv)
	defer stop()

	client := newTestClientSocket(t)
	id := admitClient(t, sock, client)
	require.NotZero(t, id)
	require.Equal(t, 1, srv.clients.len())
}

func TestServerRepeatAdvertisementRequestIsIdempotent(t *testing.T) {
	srv, sock := newTestServer(t, DefaultConfig())
	stop := runServer(t, srv)
	defer stop()

	client := newTestClientSocket(t)
	id1 := admitClient(t, sock, client)

	// Re-send ADVERTISEMENT/REQUEST from the same src id: the server should
	// reply with the same id rather than allocating a second one.
	hdr := wire.SERPHeader{Src: id1, Dst: wire.ClientIDServer, Len: wire.SERPHeaderSize + wire.SMPHeaderSize, Total: 1}
	smp := wire.SMPHeader{Type: wire.TypeADVERTISEMENT, Options: wire.OptAdvertisementRequest}
	require.NoError(t, client.Send(sock.LocalAddr(), framePacket(hdr, smp, nil)))

	n, _, err := client.Recv()
	require.NoError(t, err)
	buf := client.Buffer()[:n]
	replyHdr := wire.DecodeSERP(buf)
	require.Equal(t, id1, replyHdr.Dst)
	require.Equal(t, 1, srv.clients.len())
}

func TestServerRejectsAdmissionWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxClients = 1
	srv, sock := newTestServer(t, cfg)
	stop := runServer(t, srv)
	defer stop()

	first := newTestClientSocket(t)
	admitClient(t, sock, first)

	second := newTestClientSocket(t)
	require.NoError(t, second.Send(sock.LocalAddr(), advertisementRequestFrame()))

	n, _, err := second.Recv()
	require.NoError(t, err)
	require.Greater(t, n, 0)
	buf := second.Buffer()[:n]
	smp := wire.DecodeSMP(buf[wire.SERPHeaderSize:])
	require.Equal(t, wire.TypeERROR, smp.Type)
	require.Equal(t, wire.OptErrorTooManyClients, smp.Options)
	require.Equal(t, 1, srv.clients.len())
}

func TestServerRelaysSinglecastBetweenClients(t *testing.T) {
	srv, sock := newTestServer(t, DefaultConfig())
	stop := runServer(t, srv)
	defer stop()

	alice := newTestClientSocket(t)
	bob := newTestClientSocket(t)
	aliceID := admitClient(t, sock, alice)
	bobID := admitClient(t, sock, bob)

	payload := []byte("hi bob")
	hdr := wire.SERPHeader{Src: aliceID, Dst: bobID, Len: uint16(wire.SERPHeaderSize + len(payload)), Total: 1}
	headerBytes := wire.EncodeSERP(hdr)
	frame := append(append([]byte(nil), headerBytes[:]...), payload...)
	require.NoError(t, alice.Send(sock.LocalAddr(), frame))

	n, _, err := bob.Recv()
	require.NoError(t, err)
	buf := bob.Buffer()[:n]
	gotHdr := wire.DecodeSERP(buf)
	require.Equal(t, aliceID, gotHdr.Src)
	require.Equal(t, payload, buf[wire.SERPHeaderSize:n])
}

func TestServerRelaysMulticastToEveryDestination(t *testing.T) {
	srv, sock := newTestServer(t, DefaultConfig())
	stop := runServer(t, srv)
	defer stop()

	alice := newTestClientSocket(t)
	bob := newTestClientSocket(t)
	carol := newTestClientSocket(t)
	aliceID := admitClient(t, sock, alice)
	bobID := admitClient(t, sock, bob)
	carolID := admitClient(t, sock, carol)

	payload := []byte("hi all")
	hdr := wire.SERPHeader{Src: aliceID, Dst: ids.Multicast, Len: uint16(wire.SERPHeaderSize + len(payload)), Total: 1}
	trailer := wire.EncodeMulticastTrailer([]uint16{bobID, carolID})
	headerBytes := wire.EncodeSERP(hdr)
	frame := append(append([]byte(nil), headerBytes[:]...), payload...)
	frame = append(frame, trailer...)
	require.NoError(t, alice.Send(sock.LocalAddr(), frame))

	for _, recv := range []*netio.Socket{bob, carol} {
		n, _, err := recv.Recv()
		require.NoError(t, err)
		buf := recv.Buffer()[:n]
		gotHdr := wire.DecodeSERP(buf)
		require.Equal(t, aliceID, gotHdr.Src)
		require.NotEqual(t, ids.Multicast, gotHdr.Dst)
		require.Equal(t, payload, buf[wire.SERPHeaderSize:n])
	}
}

func TestServerSinglecastToUnknownDestReturnsNotFound(t *testing.T) {
	srv, sock := newTestServer(t, DefaultConfig())
	stop := runServer(t, srv)
	defer stop()

	alice := newTestClientSocket(t)
	aliceID := admitClient(t, sock, alice)

	const unknownDst = ids.ClientId(4242)
	payload := []byte("hello?")
	hdr := wire.SERPHeader{Src: aliceID, Dst: unknownDst, Len: uint16(wire.SERPHeaderSize + len(payload)), Total: 1}
	headerBytes := wire.EncodeSERP(hdr)
	frame := append(append([]byte(nil), headerBytes[:]...), payload...)
	require.NoError(t, alice.Send(sock.LocalAddr(), frame))

	n, _, err := alice.Recv()
	require.NoError(t, err)
	require.Greater(t, n, 0, "expected an ERROR/NOT_FOUND reply")
	buf := alice.Buffer()[:n]
	replyHdr := wire.DecodeSERP(buf)
	smp := wire.DecodeSMP(buf[wire.SERPHeaderSize:])
	require.Equal(t, wire.TypeERROR, smp.Type)
	require.Equal(t, wire.OptErrorNotFound, smp.Options)
	require.Equal(t, ids.Server, replyHdr.Src)
	payloadBytes := buf[wire.SERPHeaderSize+wire.SMPHeaderSize : n]
	require.Equal(t, []byte{byte(unknownDst >> 8), byte(unknownDst)}, payloadBytes)
}

func TestServerMulticastToUnknownDestReturnsNotFound(t *testing.T) {
	srv, sock := newTestServer(t, DefaultConfig())
	stop := runServer(t, srv)
	defer stop()

	alice := newTestClientSocket(t)
	bob := newTestClientSocket(t)
	aliceID := admitClient(t, sock, alice)
	bobID := admitClient(t, sock, bob)

	const unknownDst = ids.ClientId(4242)
	payload := []byte("hi all")
	hdr := wire.SERPHeader{Src: aliceID, Dst: ids.Multicast, Len: uint16(wire.SERPHeaderSize + len(payload)), Total: 1}
	trailer := wire.EncodeMulticastTrailer([]uint16{bobID, unknownDst})
	headerBytes := wire.EncodeSERP(hdr)
	frame := append(append([]byte(nil), headerBytes[:]...), payload...)
	frame = append(frame, trailer...)
	require.NoError(t, alice.Send(sock.LocalAddr(), frame))

	n, _, err := bob.Recv()
	require.NoError(t, err)
	require.Greater(t, n, 0)

	n, _, err = alice.Recv()
	require.NoError(t, err)
	require.Greater(t, n, 0, "expected an ERROR/NOT_FOUND reply for the unknown destination")
	buf := alice.Buffer()[:n]
	smp := wire.DecodeSMP(buf[wire.SERPHeaderSize:])
	require.Equal(t, wire.TypeERROR, smp.Type)
	require.Equal(t, wire.OptErrorNotFound, smp.Options)
	payloadBytes := buf[wire.SERPHeaderSize+wire.SMPHeaderSize : n]
	require.Equal(t, []byte{byte(unknownDst >> 8), byte(unknownDst)}, payloadBytes)
}

func TestServerDropsMessageFromImpostor(t *testing.T) {
	srv, sock := newTestServer(t, DefaultConfig())
	stop := runServer(t, srv)
	defer stop()

	alice := newTestClientSocket(t)
	bob := newTestClientSocket(t)
	aliceID := admitClient(t, sock, alice)
	bobID := admitClient(t, sock, bob)

	impostor := newTestClientSocket(t)
	payload := []byte("not really alice")
	hdr := wire.SERPHeader{Src: aliceID, Dst: bobID, Len: uint16(wire.SERPHeaderSize + len(payload)), Total: 1}
	headerBytes := wire.EncodeSERP(hdr)
	frame := append(append([]byte(nil), headerBytes[:]...), payload...)
	require.NoError(t, impostor.Send(sock.LocalAddr(), frame))

	n, _, err := bob.Recv()
	require.NoError(t, err)
	require.Equal(t, 0, n, "impostor's message must not be relayed")
}

func TestServerDisconnectOnRequestRemovesClient(t *testing.T) {
	srv, sock := newTestServer(t, DefaultConfig())
	stop := runServer(t, srv)
	defer stop()

	client := newTestClientSocket(t)
	id := admitClient(t, sock, client)
	require.Equal(t, 1, srv.clients.len())

	hdr := wire.SERPHeader{Src: id, Dst: wire.ClientIDServer, Len: wire.SERPHeaderSize + wire.SMPHeaderSize, Total: 1}
	smp := wire.SMPHeader{Type: wire.TypeADVERTISEMENT, Options: wire.OptAdvertisementDisconnect}
	require.NoError(t, client.Send(sock.LocalAddr(), framePacket(hdr, smp, nil)))

	require.Eventually(t, func() bool {
		return srv.clients.len() == 0
	}, time.Second, 5*time.Millisecond)
}
