// Package client implements the client half of the engine: a single
// peer connection with its own connecting -> connected -> disconnecting
// -> gone state machine, driven one tick at a time by Process.
package client

import (
	"encoding/binary"
	"math"
	"net"
	"time"

	"github.com/pkg/errors"

	ufavonet "ufavonet-go"
	"ufavonet-go/internal/netmsg"
	"ufavonet-go/packet"
	"ufavonet-go/pkg/logging"
)

// Events is the set of application callbacks the client invokes while
// processing a tick. All are synchronous and run on the caller's
// goroutine inside Process; none may call Process reentrantly.
type Events struct {
	// OnConnect builds the connecting payload into out. Called once
	// synchronously from NewClient (with in == nil, since nothing has
	// been received yet) and again every time the server replies
	// PENDING_CONNECTION (with in holding that reply).
	OnConnect func(in, out *packet.Packet)
	// OnDisconnect fires exactly once, as the last callback the
	// engine makes, with the reason the connection ended.
	OnDisconnect func(reason ufavonet.KickReason)
	// OnMessageAck fires once per reliable-message slot the server
	// has acknowledged.
	OnMessageAck func(iid uint32)
	// OnReceivePkt fires once per tick, once established, with the
	// unreliable application payload remaining in the datagram.
	OnReceivePkt func(in *packet.Packet)
	// OnReceiveMsg fires once per delivered reliable sub-message, in
	// sequence order.
	OnReceiveMsg func(payload *packet.Packet)
	// OnSendPkt lets the application append its unreliable payload to
	// out, once per tick while established.
	OnSendPkt func(out *packet.Packet)
}

// Client is a single connection to one server.
type Client struct {
	conn       *net.UDPConn
	serverAddr *net.UDPAddr
	localTick  uint16
	settings   ufavonet.Settings
	events     Events

	curRemoteTick      uint16
	expectedRemoteTick uint16
	nLocalTickNoresp   uint16
	msg                ufavonet.ClientControl

	msgHandle    *netmsg.Handle
	stats        ufavonet.Stats
	everReceived bool
	disconnected bool

	inPkt, outPkt *packet.Packet
	recvBuf       []byte
	log           *logging.Logger
}

// NewClient dials addr and begins connecting: it synchronously builds
// and sends the first NOTICE_CONNECTING datagram, firing OnConnect
// once before returning, exactly as the reference client constructor
// does.
func NewClient(addr string, settings ufavonet.Settings, events Events) (*Client, error) {
	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %q", addr)
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %q", addr)
	}

	c := &Client{
		conn:       conn,
		serverAddr: raddr,
		settings:   settings,
		events:     events,
		msg:        ufavonet.ClientNoticeConnecting,
		msgHandle:  netmsg.NewHandle(),
		inPkt:      packet.New(),
		outPkt:     packet.New(),
		recvBuf:    make([]byte, ufavonet.MaxDatagramSize),
		log:        logging.New("client"),
	}

	if err := c.outPkt.Rewind(); err != nil {
		return nil, err
	}
	if err := ufavonet.WriteHeader(c.outPkt, c.localTick, uint8(ufavonet.ClientNoticeConnecting)); err != nil {
		return nil, err
	}
	if c.events.OnConnect != nil {
		c.events.OnConnect(nil, c.outPkt)
	}
	c.send(c.outPkt)
	return c, nil
}

// Disconnect requests a graceful disconnect: the client announces
// NOTICE_DISCONNECT for settings.KickNoticeTick ticks, then fires
// OnDisconnect(KickDisconnect) on its own.
func (c *Client) Disconnect() {
	c.msg = ufavonet.ClientNoticeDisconnect
}

// SendMessage queues buf as a reliable sub-message, returning the iid
// the application can correlate with a later OnMessageAck.
func (c *Client) SendMessage(buf []byte) (uint32, error) {
	return c.msgHandle.Send(buf)
}

// ExternalTick returns the server's observed local tick, as carried in
// the latest accepted inbound datagram.
func (c *Client) ExternalTick() uint16 { return c.curRemoteTick }

// LocalTick returns the client's own tick counter.
func (c *Client) LocalTick() uint16 { return c.localTick }

// Stats returns the client's cumulative byte counters.
func (c *Client) Stats() ufavonet.Stats { return c.stats }

// Process drives one client tick. The disconnect-finalisation check
// happens before the socket drain, so a client that is waiting out its
// kick-notice window tears down before it would otherwise read more
// inbound traffic.
func (c *Client) Process() error {
	if c.disconnected {
		return nil
	}
	if c.msg == ufavonet.ClientNoticeDisconnect && c.nLocalTickNoresp == c.settings.KickNoticeTick {
		c.finish(ufavonet.KickDisconnect)
		return nil
	}

	if err := c.drain(); err != nil {
		return err
	}
	if c.disconnected {
		return nil
	}

	c.sendPhase()
	c.localTick++
	return nil
}

func (c *Client) finish(reason ufavonet.KickReason) {
	if c.events.OnDisconnect != nil {
		c.events.OnDisconnect(reason)
	}
	c.disconnected = true
}

func (c *Client) drain() error {
	if err := c.conn.SetReadDeadline(time.Now()); err != nil {
		return errors.Wrap(err, "set read deadline")
	}
	for {
		n, err := c.conn.Read(c.recvBuf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil
			}
			return errors.Wrap(err, "recv")
		}
		c.stats.TotalReceivedBytes += uint64(n)
		c.handleDatagram(c.recvBuf[:n])
		if c.disconnected {
			return nil
		}
	}
}

func (c *Client) handleDatagram(data []byte) {
	in := c.inPkt
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
	srvControl := ufavonet.ServerControl(control)

	if srvControl == ufavonet.ServerNoticeKick {
		reason, err := ufavonet.ReadKickReason(in)
		if err != nil {
			return
		}
		c.finish(reason)
		return
	}

	if !c.everReceived {
		// There is no prior tick to compare against yet: force-apply
		// the very first inbound datagram, bypassing the tick filter.
		c.everReceived = true
		c.applyPacket(in, tick, srvControl)
		return
	}

	if srvControl == ufavonet.ServerRequestResetTickCount {
		c.localTick = 0
		c.msg = ufavonet.ClientNoticeResetTickCount
		c.applyPacket(in, tick, srvControl)
		return
	}

	if ufavonet.WithinExpected(tick, c.curRemoteTick, c.expectedRemoteTick, c.settings.ExpectedTickTolerance) {
		c.applyPacket(in, tick, srvControl)
	}
}

func (c *Client) applyPacket(in *packet.Packet, tick uint16, srvControl ufavonet.ServerControl) {
	c.curRemoteTick = tick
	c.expectedRemoteTick = tick
	c.nLocalTickNoresp = 0

	if srvControl == ufavonet.ServerPendingConnection {
		out := c.outPkt
		if err := out.Rewind(); err != nil {
			return
		}
		if err := ufavonet.WriteHeader(out, c.localTick, uint8(ufavonet.ClientNoticeConnecting)); err != nil {
			return
		}
		if c.events.OnConnect != nil {
			c.events.OnConnect(in, out)
		}
		return
	}

	if c.msg == ufavonet.ClientNoticeConnecting {
		c.msg = ufavonet.ClientNone
	}

	if err := c.msgHandle.Decode(in,
		func(iid uint32) {
			if c.events.OnMessageAck != nil {
				c.events.OnMessageAck(iid)
			}
		},
		func(p *packet.Packet) {
			if c.events.OnReceiveMsg != nil {
				c.events.OnReceiveMsg(p)
			}
		},
	); err != nil {
		return // malformed msgblock: drop, do not tear the connection down
	}
	if c.events.OnReceivePkt != nil {
		c.events.OnReceivePkt(in)
	}

	if srvControl == ufavonet.ServerNone && c.msg == ufavonet.ClientNoticeResetTickCount {
		c.msg = ufavonet.ClientNone
	}
}

func (c *Client) sendPhase() {
	out := c.outPkt
	if c.msg == ufavonet.ClientNoticeConnecting {
		// out was already built either by NewClient or by the most
		// recent PENDING_CONNECTION round trip: just restamp the tick
		// in place rather than rebuilding the body.
		binary.BigEndian.PutUint16(out.Buffer()[:2], c.localTick)
	} else {
		if err := out.Rewind(); err != nil {
			return
		}
		if err := ufavonet.WriteHeader(out, c.localTick, uint8(c.msg)); err != nil {
			return
		}
		if c.msg != ufavonet.ClientNoticeDisconnect {
			if err := c.msgHandle.Encode(out); err != nil {
				return
			}
			if c.events.OnSendPkt != nil {
				c.events.OnSendPkt(out)
			}
		}
	}

	c.send(out)
	c.expectedRemoteTick++

	if c.nLocalTickNoresp == c.settings.TimeoutTick {
		c.finish(ufavonet.KickConnectionTimeout)
		return
	}
	if c.nLocalTickNoresp < math.MaxUint16 {
		c.nLocalTickNoresp++
	}
}

func (c *Client) send(out *packet.Packet) {
	n, err := c.conn.Write(out.Buffer()[:out.Length()])
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			c.log.Warn("send would block, dropping datagram")
			return
		}
		c.log.Warn("send failed: %v", err)
		return
	}
	c.stats.TotalSentBytes += uint64(n)
}
