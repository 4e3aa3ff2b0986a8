// Package server implements the server half of the engine: a table of
// per-client records keyed by (address, port), driven one tick at a
// time by Process. Each tick drains the socket, runs the receive half
// of the per-client state machine, then emits one datagram per
// established or kicking client.
package server

import (
	"encoding/binary"
	"math"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"

	ufavonet "ufavonet-go"
	"ufavonet-go/internal/netmsg"
	"ufavonet-go/packet"
	"ufavonet-go/pkg/logging"
)

// Events is the set of application callbacks the server invokes while
// processing a tick. All are synchronous and run on the caller's
// goroutine inside Process; none may call Process reentrantly.
type Events struct {
	// OnConnect handles an inbound NOTICE_CONNECTING for a pending
	// client. in is the inbound packet positioned after the header;
	// out is pre-seeded with a PENDING_CONNECTION header and may be
	// written to (its bytes are sent verbatim if the result is
	// ConnectAgain).
	OnConnect func(client *ClientRecord, in, out *packet.Packet, userdata interface{}) ufavonet.ConnectResult
	// OnDisconnect fires exactly once, as the last callback the
	// engine makes about a given client, with the reason the
	// connection ended.
	OnDisconnect func(client *ClientRecord, reason ufavonet.KickReason)
	// OnMessageAck fires once per reliable-message slot the peer has
	// acknowledged.
	OnMessageAck func(client *ClientRecord, iid uint32)
	// OnReceivePkt fires once per tick per established client with
	// the unreliable application payload remaining in the datagram.
	OnReceivePkt func(client *ClientRecord, in *packet.Packet)
	// OnReceiveMsg fires once per delivered reliable sub-message, in
	// sequence order.
	OnReceiveMsg func(client *ClientRecord, payload *packet.Packet)
	// BOnSendPkt fires once per tick, before any per-client send, if
	// at least one client exists.
	BOnSendPkt func(first *ClientRecord)
	// OnSendPkt fires once per established client, letting the
	// application append its unreliable payload to out.
	OnSendPkt func(client *ClientRecord, out *packet.Packet)
	// OnSrvClose fires exactly once, after Close has been called and
	// the client table has drained.
	OnSrvClose func()
}

// ClientRecord is a server-side per-client connection record. The
// server owns it exclusively from the moment it first appears until
// OnDisconnect returns.
type ClientRecord struct {
	addr *net.UDPAddr
	key  uint64

	curRemoteTick      uint16
	expectedRemoteTick uint16
	nLocalTickNoresp   uint16
	msg                ufavonet.ServerControl
	kickReason         ufavonet.KickReason
	kickTicksSent      uint16

	msgHandle *netmsg.Handle
	userdata  interface{}
	stats     ufavonet.Stats

	// traceID tags this client in logs and metrics only; wire identity
	// is always the (addr, port) key, never this value.
	traceID xid.ID
}

// TraceID is a compact sortable identifier used to correlate this
// client's log lines and metric samples; it has no protocol meaning.
func (c *ClientRecord) TraceID() xid.ID { return c.traceID }

// Addr returns the client's UDP address.
func (c *ClientRecord) Addr() *net.UDPAddr { return c.addr }

// UserData returns the opaque value the application attached to this
// client, typically from within OnConnect.
func (c *ClientRecord) UserData() interface{} { return c.userdata }

// SetUserData attaches an opaque value to this client. The engine
// never inspects or frees it.
func (c *ClientRecord) SetUserData(v interface{}) { c.userdata = v }

// ExternalTick returns the highest remote tick this client has had
// accepted, or 0 if the client isn't in an established state (pending
// or being kicked).
func (c *ClientRecord) ExternalTick() uint16 {
	if c.isConnected() {
		return c.curRemoteTick
	}
	return 0
}

// Stats returns the byte counters stored on this client record. The
// server adds its traffic only to Server.Stats, never to these, so both
// counters stay zero.
func (c *ClientRecord) Stats() ufavonet.Stats { return c.stats }

func (c *ClientRecord) isConnected() bool {
	return c.msg == ufavonet.ServerNone || c.msg == ufavonet.ServerRequestResetTickCount
}

// keyFor computes the (ipv4 << 16) | port client-table key.
func keyFor(addr *net.UDPAddr) uint64 {
	ip4 := addr.IP.To4()
	ipBits := binary.BigEndian.Uint32(ip4)
	return uint64(ipBits)<<16 | uint64(uint16(addr.Port))
}

// Server is the server half of the engine: one UDP socket, one client
// table, one tick counter.
type Server struct {
	conn      *net.UDPConn
	localTick uint16
	settings  ufavonet.Settings
	events    Events
	userdata  interface{}

	clients   map[uint64]*ClientRecord
	isClosing bool
	srvClosed bool
	stats     ufavonet.Stats

	inPkt, outPkt *packet.Packet
	recvBuf       []byte
	log           *logging.Logger
}

// NewServer binds a UDP socket on addr and returns a server ready to
// Process.
func NewServer(addr string, settings ufavonet.Settings, events Events, userdata interface{}) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %q", addr)
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %q", addr)
	}
	return &Server{
		conn:     conn,
		settings: settings,
		events:   events,
		userdata: userdata,
		clients:  make(map[uint64]*ClientRecord),
		inPkt:    packet.New(),
		outPkt:   packet.New(),
		recvBuf:  make([]byte, ufavonet.MaxDatagramSize),
		log:      logging.New("server"),
	}, nil
}

// Clients returns the established clients (pending and kicking clients
// are never exposed here).
func (s *Server) Clients() []*ClientRecord {
	out := make([]*ClientRecord, 0, len(s.clients))
	for _, c := range s.clients {
		if c.isConnected() {
			out = append(out, c)
		}
	}
	return out
}

// Stats returns the server's cumulative byte counters.
func (s *Server) Stats() ufavonet.Stats { return s.stats }

// LocalTick returns the server's own tick counter.
func (s *Server) LocalTick() uint16 { return s.localTick }

// SendMessage queues buf as a reliable sub-message to client, returning
// the iid the application can correlate with a later OnMessageAck.
func (s *Server) SendMessage(client *ClientRecord, buf []byte) (uint32, error) {
	return client.msgHandle.Send(buf)
}

// KickClient forces client into the kicking state, regardless of its
// current state.
func (s *Server) KickClient(client *ClientRecord, reason ufavonet.KickReason) {
	s.kick(client, reason)
}

// Close marks every existing client NOTICE_KICK(SERVER_CLOSING) and
// flags the server as closing. Subsequent ticks stop accepting inbound
// datagrams but continue emitting kick notices; OnSrvClose fires once
// the client table empties.
func (s *Server) Close() {
	if s.isClosing {
		return
	}
	for _, c := range s.clients {
		s.kick(c, ufavonet.KickServerClosing)
	}
	s.isClosing = true
}

func (s *Server) kick(c *ClientRecord, reason ufavonet.KickReason) {
	c.msg = ufavonet.ServerNoticeKick
	c.kickReason = reason
	c.kickTicksSent = 0
}

// Process drives one server tick: drain the socket (unless closing),
// run the per-client receive half of the state machine, then emit one
// datagram per established or kicking client.
func (s *Server) Process() error {
	if s.isClosing && len(s.clients) == 0 {
		if !s.srvClosed {
			s.srvClosed = true
			if s.events.OnSrvClose != nil {
				s.events.OnSrvClose()
			}
		}
		return nil
	}

	if !s.isClosing {
		if err := s.drain(); err != nil {
			return err
		}
	}

	s.sendPhase()
	s.localTick++
	return nil
}

func (s *Server) drain() error {
	if err := s.conn.SetReadDeadline(time.Now()); err != nil {
		return errors.Wrap(err, "set read deadline")
	}
	for {
		n, raddr, err := s.conn.ReadFromUDP(s.recvBuf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil
			}
			// A non-timeout error here is a fatal socket condition
			// per the error taxonomy; stop draining this tick rather
			// than spin.
			return errors.Wrap(err, "recvfrom")
		}
		s.stats.TotalReceivedBytes += uint64(n)
		s.handleDatagram(s.recvBuf[:n], raddr)
	}
}

func (s *Server) handleDatagram(data []byte, raddr *net.UDPAddr) {
	in := s.inPkt
	if err := in.SetBuffer(data); err != nil {
		return
	}
	if err := in.SetLength(uint32(len(data))); err != nil {
		return
	}
	tick, control, err := ufavonet.ReadHeader(in)
	if err != nil {
		return // truncated header: drop the malformed datagram
	}
	cliControl := ufavonet.ClientControl(control)
	key := keyFor(raddr)

	client, exists := s.clients[key]
	if !exists {
		if cliControl == ufavonet.ClientNoticeDisconnect {
			s.sendOneShotKick(raddr, ufavonet.KickDisconnect)
			return
		}
		client = &ClientRecord{
			addr:      raddr,
			key:       key,
			msg:       ufavonet.ServerPendingConnection,
			msgHandle: netmsg.NewHandle(),
			traceID:   xid.New(),
		}
		s.clients[key] = client
		s.log.Debug("pending client %s (trace %s)", raddr, client.traceID)
		s.handlePendingConnection(client, in)
		return
	}

	if client.msg == ufavonet.ServerNoticeKick {
		return
	}

	if cliControl == ufavonet.ClientNoticeDisconnect {
		s.finalize(client, ufavonet.KickDisconnect)
		return
	}

	if cliControl == ufavonet.ClientNoticeResetTickCount {
		if client.msg == ufavonet.ServerRequestResetTickCount {
			client.msg = ufavonet.ServerNone
		}
		s.applyPacket(client, in, tick, cliControl)
		return
	}

	accept := ufavonet.WithinExpected(tick, client.curRemoteTick, client.expectedRemoteTick, s.settings.ExpectedTickTolerance) &&
		client.nLocalTickNoresp <= 16384 &&
		client.msg != ufavonet.ServerRequestResetTickCount
	if accept {
		s.applyPacket(client, in, tick, cliControl)
		return
	}
	if client.nLocalTickNoresp > 16384 {
		client.msg = ufavonet.ServerRequestResetTickCount
	}
}

func (s *Server) applyPacket(client *ClientRecord, in *packet.Packet, tick uint16, cliControl ufavonet.ClientControl) {
	client.curRemoteTick = tick
	client.expectedRemoteTick = tick

	if cliControl == ufavonet.ClientNoticeConnecting && client.msg == ufavonet.ServerPendingConnection {
		s.handlePendingConnection(client, in)
		return
	}

	if err := client.msgHandle.Decode(in,
		func(iid uint32) {
			if s.events.OnMessageAck != nil {
				s.events.OnMessageAck(client, iid)
			}
		},
		func(p *packet.Packet) {
			if s.events.OnReceiveMsg != nil {
				s.events.OnReceiveMsg(client, p)
			}
		},
	); err != nil {
		return // malformed msgblock: drop, do not tear the connection down
	}
	if s.events.OnReceivePkt != nil {
		s.events.OnReceivePkt(client, in)
	}
	client.nLocalTickNoresp = 0
}

func (s *Server) handlePendingConnection(client *ClientRecord, in *packet.Packet) {
	out := s.outPkt
	if err := out.Rewind(); err != nil {
		return
	}
	if err := ufavonet.WriteHeader(out, s.localTick, uint8(ufavonet.ServerPendingConnection)); err != nil {
		return
	}

	result := ufavonet.ConnectAllow
	if s.events.OnConnect != nil {
		result = s.events.OnConnect(client, in, out, s.userdata)
	}
	switch result {
	case ufavonet.ConnectAllow:
		client.msg = ufavonet.ServerNone
	case ufavonet.ConnectRefuse:
		s.kick(client, ufavonet.KickConnectionRefused)
	case ufavonet.ConnectAgain:
		s.sendTo(client.addr, out)
	default:
		// Any result other than the three named constants is treated
		// as an error: refuse the connection. (AGAIN after ALLOW does
		// not reach here: OnConnect is only called while pending.)
		s.kick(client, ufavonet.KickConnectionRefused)
	}
}

func (s *Server) finalize(client *ClientRecord, reason ufavonet.KickReason) {
	if s.events.OnDisconnect != nil {
		s.events.OnDisconnect(client, reason)
	}
	delete(s.clients, client.key)
}

func (s *Server) sendOneShotKick(raddr *net.UDPAddr, reason ufavonet.KickReason) {
	out := s.outPkt
	if err := out.Rewind(); err != nil {
		return
	}
	if err := ufavonet.WriteHeader(out, s.localTick, uint8(ufavonet.ServerNoticeKick)); err != nil {
		return
	}
	if err := ufavonet.WriteKickReason(out, reason); err != nil {
		return
	}
	s.sendTo(raddr, out)
}

func (s *Server) sendPhase() {
	if s.events.BOnSendPkt != nil && len(s.clients) > 0 {
		var first *ClientRecord
		for _, c := range s.clients {
			first = c
			break
		}
		s.events.BOnSendPkt(first)
	}

	// Snapshot the table before iterating: per-client processing may
	// delete entries (finalized kicks), so mutating while ranging the
	// live map would be unsafe.
	snapshot := make([]*ClientRecord, 0, len(s.clients))
	for _, c := range s.clients {
		snapshot = append(snapshot, c)
	}
	for _, client := range snapshot {
		s.tickClient(client)
	}
}

func (s *Server) tickClient(client *ClientRecord) {
	if client.nLocalTickNoresp < math.MaxUint16 {
		client.nLocalTickNoresp++
	}
	if client.nLocalTickNoresp == s.settings.TimeoutTick {
		s.kick(client, ufavonet.KickConnectionTimeout)
	}

	switch client.msg {
	case ufavonet.ServerPendingConnection:
		if client.nLocalTickNoresp == s.settings.PendingConnTimeoutTick {
			s.kick(client, ufavonet.KickConnectionTimeout)
		}
		// The PENDING_CONNECTION datagram, if any, was already sent
		// during the receive phase.
	case ufavonet.ServerNoticeKick:
		if client.kickTicksSent == s.settings.KickNoticeTick {
			s.finalize(client, client.kickReason)
			return
		}
		out := s.outPkt
		if err := out.Rewind(); err != nil {
			return
		}
		if err := ufavonet.WriteHeader(out, s.localTick, uint8(ufavonet.ServerNoticeKick)); err != nil {
			return
		}
		if err := ufavonet.WriteKickReason(out, client.kickReason); err != nil {
			return
		}
		client.kickTicksSent++
		s.sendTo(client.addr, out)
	default: // ServerNone or ServerRequestResetTickCount: established
		client.expectedRemoteTick++
		out := s.outPkt
		if err := out.Rewind(); err != nil {
			return
		}
		if err := ufavonet.WriteHeader(out, s.localTick, uint8(client.msg)); err != nil {
			return
		}
		if err := client.msgHandle.Encode(out); err != nil {
			return
		}
		if s.events.OnSendPkt != nil {
			s.events.OnSendPkt(client, out)
		}
		s.sendTo(client.addr, out)
	}
}

func (s *Server) sendTo(addr *net.UDPAddr, out *packet.Packet) {
	n, err := s.conn.WriteToUDP(out.Buffer()[:out.Length()], addr)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			s.log.Warn("send to %s would block, dropping datagram", addr)
			return
		}
		s.log.Warn("send to %s failed: %v", addr, err)
		return
	}
	s.stats.TotalSentBytes += uint64(n)
}
