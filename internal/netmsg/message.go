// Package netmsg implements the reliable-message subprotocol
// piggybacked on top of each established connection's per-tick
// datagram: ordered delivery with explicit acknowledgement, per-tick
// batching, and a bounded in-flight window with overflow queueing.
//
// A Handle keeps three lists of *Message records: send (in-flight,
// awaiting ack), queue (overflow past the window), and pool (a
// freelist of retired records kept for reuse). The lists are an
// intrusive doubly linked structure rather than container/list so a
// record can be spliced between any of the three lists in O(1), which
// happens on every ack and every window drain.
package netmsg

import "ufavonet-go/packet"

// SendWindow bounds how many messages may be in flight (on send)
// simultaneously. Calls past the window queue until an ack frees a
// slot.
const SendWindow = 128

// Message is one reliable sequence slot: a wrapping id, a monotonic
// application-visible iid, and the accumulated sub-messages written
// into it this batch.
type Message struct {
	next, prev  *Message
	pkt         *packet.Packet
	submsgCount uint32
	id          uint8
	iid         uint32
}

// ID is the wrapping wire sequence number assigned to this slot.
func (m *Message) ID() uint8 { return m.id }

// IID is the monotonic, application-visible identifier returned by
// Send.
func (m *Message) IID() uint32 { return m.iid }

type msgList struct {
	head, tail *Message
	count      int
}

func (l *msgList) pushBack(m *Message) {
	m.next, m.prev = nil, l.tail
	if l.tail != nil {
		l.tail.next = m
	} else {
		l.head = m
	}
	l.tail = m
	l.count++
}

func (l *msgList) pushFront(m *Message) {
	m.prev, m.next = nil, l.head
	if l.head != nil {
		l.head.prev = m
	} else {
		l.tail = m
	}
	l.head = m
	l.count++
}

func (l *msgList) remove(m *Message) {
	if m.prev != nil {
		m.prev.next = m.next
	} else {
		l.head = m.next
	}
	if m.next != nil {
		m.next.prev = m.prev
	} else {
		l.tail = m.prev
	}
	m.next, m.prev = nil, nil
	l.count--
}

func (l *msgList) popFront() *Message {
	m := l.head
	if m != nil {
		l.remove(m)
	}
	return m
}

// Handle is the per-connection reliable-message state: the three
// lists, the slot currently accepting application writes this tick,
// and the sequence/ack counters.
type Handle struct {
	send, pool, queue msgList
	current           *Message

	lastID     uint8
	lastIID    uint32
	lastAck    uint8
	sendCount  uint8
	recvCount  uint8
	poolCount  uint32
	queueCount uint32

	readView *packet.Packet
}

// NewHandle returns an empty handle ready to Send and Decode.
func NewHandle() *Handle {
	return &Handle{readView: packet.New()}
}

// SendCount reports how many messages are currently in flight.
func (h *Handle) SendCount() int { return h.send.count }

// QueueCount reports how many messages are waiting for a free window
// slot.
func (h *Handle) QueueCount() int { return h.queue.count }

// LastAck is the highest inbound sequence id delivered to the
// application so far.
func (h *Handle) LastAck() uint8 { return h.lastAck }

// Send appends buf as a new sub-message. If no slot is open this tick,
// a fresh one is taken from the pool (or allocated) and placed on send
// if there is room, otherwise on queue. Returns the iid identifying
// this sub-message's sequence slot for later acknowledgement
// correlation.
func (h *Handle) Send(buf []byte) (uint32, error) {
	if h.current == nil {
		var m *Message
		if h.pool.head != nil {
			m = h.pool.popFront()
			h.poolCount--
			if err := m.pkt.Rewind(); err != nil {
				return 0, err
			}
		} else {
			m = &Message{pkt: packet.New()}
		}
		h.lastID++
		m.id = h.lastID
		h.lastIID++
		m.iid = h.lastIID
		m.submsgCount = 0
		h.current = m

		if h.send.count < SendWindow {
			h.send.pushBack(m)
			h.sendCount++
		} else {
			h.queue.pushBack(m)
			h.queueCount++
		}
	}

	if err := h.current.pkt.WriteVlen29(uint32(len(buf))); err != nil {
		return 0, err
	}
	if err := h.current.pkt.Write(buf); err != nil {
		return 0, err
	}
	h.current.submsgCount++
	return h.current.iid, nil
}

// Encode writes this tick's msgblock (a 1-bit presence flag, then the
// ack, the in-flight count and every in-flight slot) to out and
// clears current, so the next Send call this tick (or next tick)
// starts a fresh slot.
func (h *Handle) Encode(out *packet.Packet) error {
	h.current = nil

	if h.sendCount == 0 && h.recvCount == 0 {
		if err := out.WriteBits(0, 1); err != nil {
			return err
		}
		h.recvCount = 0
		return nil
	}

	if err := out.WriteBits(1, 1); err != nil {
		return err
	}
	if err := out.WriteUint8(h.lastAck); err != nil {
		return err
	}
	if err := out.WriteUint8(h.sendCount); err != nil {
		return err
	}
	for m := h.send.head; m != nil; m = m.next {
		if err := out.WriteUint8(m.id); err != nil {
			return err
		}
		if err := out.WriteVlen29(m.submsgCount); err != nil {
			return err
		}
		if err := out.Write(m.pkt.Buffer()[:m.pkt.Length()]); err != nil {
			return err
		}
	}
	h.recvCount = 0
	return nil
}

// OnAck is called once per acknowledged sequence slot, with the iid
// that was returned from the Send call(s) that filled it.
type OnAck func(iid uint32)

// OnReceive is called once per delivered sub-message, with a read-only
// view over its payload bytes. The view is only valid for the
// duration of the callback.
type OnReceive func(payload *packet.Packet)

// Decode reads one inbound msgblock from in, reclaiming acknowledged
// send slots into pool, draining queue into any freed send slots, and
// delivering in-order sub-messages via onReceive. Out-of-order slots
// have their bytes consumed without firing onReceive, matching the
// subprotocol's in-order-only delivery guarantee.
func (h *Handle) Decode(in *packet.Packet, onAck OnAck, onReceive OnReceive) error {
	hasMsg, err := in.ReadBits(1)
	if err != nil {
		return err
	}
	if hasMsg == 0 {
		return nil
	}

	ack, err := in.ReadUint8()
	if err != nil {
		return err
	}

	for m := h.send.head; m != nil; {
		next := m.next
		if int8(ack-m.id) >= 0 {
			h.send.remove(m)
			h.sendCount--
			h.pool.pushFront(m)
			h.poolCount++
			if onAck != nil {
				onAck(m.iid)
			}
		}
		m = next
	}

	for h.queue.head != nil && int(h.sendCount) < SendWindow {
		m := h.queue.popFront()
		h.queueCount--
		h.send.pushBack(m)
		h.sendCount++
	}

	recvCount, err := in.ReadUint8()
	if err != nil {
		return err
	}
	h.recvCount = recvCount
	for i := 0; i < int(recvCount); i++ {
		id, err := in.ReadUint8()
		if err != nil {
			return err
		}
		submsgCount, err := in.ReadVlen29()
		if err != nil {
			return err
		}
		deliver := id == h.lastAck+1
		for j := uint32(0); j < submsgCount; j++ {
			length, err := in.ReadVlen29()
			if err != nil {
				return err
			}
			if deliver && length <= in.Readable() {
				start := int(in.Index())
				if err := h.readView.SetBuffer(in.Buffer()[start : start+int(length)]); err != nil {
					return err
				}
				if err := h.readView.SetLength(length); err != nil {
					return err
				}
				if err := in.Skip(int(length)); err != nil {
					return err
				}
				if onReceive != nil {
					onReceive(h.readView)
				}
			} else if err := in.Skip(int(length)); err != nil {
				return err
			}
		}
		if deliver {
			h.lastAck++
		}
	}
	return nil
}
