package client

import (
	"net"
	"testing"
	"time"

	ufavonet "ufavonet-go"
	"ufavonet-go/packet"
)

func testSettings() ufavonet.Settings {
	return ufavonet.Settings{
		PendingConnTimeoutTick: 20,
		TimeoutTick:            30,
		KickNoticeTick:         5,
		ExpectedTickTolerance:  8192,
	}
}

// fakeServer is a bare UDP socket standing in for the server engine,
// letting tests script exact reply datagrams.
func fakeServer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func recvFrom(t *testing.T, conn *net.UDPConn) ([]byte, *net.UDPAddr) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	n, addr, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("ReadFromUDP: %v", err)
	}
	return buf[:n], addr
}

func replyHeader(t *testing.T, conn *net.UDPConn, addr *net.UDPAddr, tick uint16, control ufavonet.ServerControl) {
	t.Helper()
	p := packet.New()
	if err := ufavonet.WriteHeader(p, tick, uint8(control)); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if _, err := conn.WriteToUDP(p.Buffer()[:p.Length()], addr); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}
}

func TestNewClientSendsConnectingImmediately(t *testing.T) {
	srv := fakeServer(t)
	onConnectCalls := 0
	cli, err := NewClient(srv.LocalAddr().String(), testSettings(), Events{
		OnConnect: func(in, out *packet.Packet) { onConnectCalls++ },
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { cli.conn.Close() })

	if onConnectCalls != 1 {
		t.Fatalf("expected OnConnect to fire once during construction, got %d", onConnectCalls)
	}

	if err := cli.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	data, _ := recvFrom(t, srv)
	p := packet.NewFromBuffer(data)
	if err := p.SetLength(uint32(len(data))); err != nil {
		t.Fatalf("SetLength: %v", err)
	}
	_, control, err := ufavonet.ReadHeader(p)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if ufavonet.ClientControl(control) != ufavonet.ClientNoticeConnecting {
		t.Errorf("expected first outbound datagram to carry NOTICE_CONNECTING, got %d", control)
	}
}

func TestClientEstablishesOnFirstNoneReply(t *testing.T) {
	srv := fakeServer(t)
	cli, err := NewClient(srv.LocalAddr().String(), testSettings(), Events{})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { cli.conn.Close() })

	if err := cli.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	_, addr := recvFrom(t, srv)
	replyHeader(t, srv, addr, 0, ufavonet.ServerNone)

	if err := cli.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if cli.msg != ufavonet.ClientNone {
		t.Errorf("expected client to transition to established, got msg=%v", cli.msg)
	}
}

func TestClientRebuildsConnectOnPendingReply(t *testing.T) {
	srv := fakeServer(t)
	onConnectCalls := 0
	cli, err := NewClient(srv.LocalAddr().String(), testSettings(), Events{
		OnConnect: func(in, out *packet.Packet) { onConnectCalls++ },
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { cli.conn.Close() })

	if err := cli.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	_, addr := recvFrom(t, srv)
	replyHeader(t, srv, addr, 0, ufavonet.ServerPendingConnection)

	if err := cli.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if onConnectCalls != 2 {
		t.Errorf("expected OnConnect to fire again on a PENDING_CONNECTION reply, got %d calls", onConnectCalls)
	}
	if cli.msg != ufavonet.ClientNoticeConnecting {
		t.Errorf("expected client to remain connecting, got msg=%v", cli.msg)
	}
}

func TestInboundKickFiresDisconnect(t *testing.T) {
	srv := fakeServer(t)
	var gotReason ufavonet.KickReason
	var fired bool
	cli, err := NewClient(srv.LocalAddr().String(), testSettings(), Events{
		OnDisconnect: func(reason ufavonet.KickReason) { fired = true; gotReason = reason },
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { cli.conn.Close() })

	if err := cli.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	_, addr := recvFrom(t, srv)

	p := packet.New()
	if err := ufavonet.WriteHeader(p, 0, uint8(ufavonet.ServerNoticeKick)); err != nil {
		t.Fatalf("WriteHeader: %v", err)
	}
	if err := ufavonet.WriteKickReason(p, ufavonet.KickServerClosing); err != nil {
		t.Fatalf("WriteKickReason: %v", err)
	}
	if _, err := srv.WriteToUDP(p.Buffer()[:p.Length()], addr); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	if err := cli.Process(); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !fired || gotReason != ufavonet.KickServerClosing {
		t.Errorf("expected OnDisconnect(SERVER_CLOSING), got fired=%v reason=%v", fired, gotReason)
	}
}

func TestClientTimesOutAfterSilence(t *testing.T) {
	srv := fakeServer(t)
	settings := testSettings()
	settings.TimeoutTick = 3
	var fired bool
	var gotReason ufavonet.KickReason
	cli, err := NewClient(srv.LocalAddr().String(), settings, Events{
		OnDisconnect: func(reason ufavonet.KickReason) { fired = true; gotReason = reason },
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { cli.conn.Close() })

	for i := 0; i < int(settings.TimeoutTick)+1; i++ {
		if err := cli.Process(); err != nil {
			t.Fatalf("Process #%d: %v", i, err)
		}
		_, _ = recvFrom(t, srv)
	}
	if !fired || gotReason != ufavonet.KickConnectionTimeout {
		t.Errorf("expected timeout disconnect after %d ticks of silence, fired=%v reason=%v", settings.TimeoutTick, fired, gotReason)
	}
}
