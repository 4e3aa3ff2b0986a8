package packet

import "testing"

func TestBitsRoundTrip(t *testing.T) {
	for n := 1; n <= 8; n++ {
		for value := 0; value < 256; value++ {
			p := New()
			if err := p.WriteBits(byte(value), n); err != nil {
				t.Fatalf("n=%d value=%d: WriteBits: %v", n, value, err)
			}
			if err := p.Rewind(); err != nil {
				t.Fatalf("Rewind: %v", err)
			}
			got, err := p.ReadBits(n)
			if err != nil {
				t.Fatalf("n=%d value=%d: ReadBits: %v", n, value, err)
			}
			want := byte(value) & ((1 << uint(n)) - 1)
			if got != want {
				t.Errorf("n=%d value=%d: got %#x want %#x", n, value, got, want)
			}
		}
	}
}

func TestBitsStraddleByteBoundary(t *testing.T) {
	p := New()
	if err := p.WriteBits(0x5, 5); err != nil {
		t.Fatalf("WriteBits(5 bits): %v", err)
	}
	if err := p.WriteBits(0x2B, 7); err != nil {
		t.Fatalf("WriteBits(7 bits): %v", err)
	}
	if p.WriteOpCount() != 2 {
		t.Fatalf("expected straddling write to land on two bytes, got %d byte writes", p.WriteOpCount())
	}
	if err := p.Rewind(); err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	a, err := p.ReadBits(5)
	if err != nil || a != 0x5 {
		t.Fatalf("ReadBits(5): got %#x err %v, want 0x5", a, err)
	}
	b, err := p.ReadBits(7)
	if err != nil || b != 0x2B {
		t.Fatalf("ReadBits(7): got %#x err %v, want 0x2b", b, err)
	}
}

func TestVlen29Boundaries(t *testing.T) {
	values := []uint32{0, 1, 126, 127, 128, 16383, 16384, 2097151, 2097152, MaxVlen29}
	for _, v := range values {
		p := New()
		if err := p.WriteVlen29(v); err != nil {
			t.Fatalf("WriteVlen29(%d): %v", v, err)
		}
		if err := p.Rewind(); err != nil {
			t.Fatalf("Rewind: %v", err)
		}
		got, err := p.ReadVlen29()
		if err != nil {
			t.Fatalf("ReadVlen29(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("vlen29 round trip: wrote %d, read %d", v, got)
		}
	}
}

func TestVlen29OverflowFails(t *testing.T) {
	p := New()
	if err := p.WriteVlen29(MaxVlen29 + 1); err == nil {
		t.Fatalf("expected WriteVlen29(2^29) to fail")
	}
}

func TestVlen29ByteCounts(t *testing.T) {
	cases := []struct {
		value uint32
		bytes int
	}{
		{0, 1}, {127, 1},
		{128, 2}, {16383, 2},
		{16384, 3}, {2097151, 3},
		{2097152, 4}, {MaxVlen29, 4},
	}
	for _, c := range cases {
		p := New()
		if err := p.WriteVlen29(c.value); err != nil {
			t.Fatalf("WriteVlen29(%d): %v", c.value, err)
		}
		if got := int(p.Length()); got != c.bytes {
			t.Errorf("value %d: encoded in %d bytes, want %d", c.value, got, c.bytes)
		}
	}
}

func TestFixedWidthRoundTrip(t *testing.T) {
	p := New()
	if err := p.WriteUint8(0xAB); err != nil {
		t.Fatalf("WriteUint8: %v", err)
	}
	if err := p.WriteUint16(0x1234); err != nil {
		t.Fatalf("WriteUint16: %v", err)
	}
	if err := p.WriteUint32(0xDEADBEEF); err != nil {
		t.Fatalf("WriteUint32: %v", err)
	}
	if err := p.WriteUint64(0x0102030405060708); err != nil {
		t.Fatalf("WriteUint64: %v", err)
	}
	if err := p.Rewind(); err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	if v, err := p.ReadUint8(); err != nil || v != 0xAB {
		t.Errorf("ReadUint8: got %#x err %v", v, err)
	}
	if v, err := p.ReadUint16(); err != nil || v != 0x1234 {
		t.Errorf("ReadUint16: got %#x err %v", v, err)
	}
	if v, err := p.ReadUint32(); err != nil || v != 0xDEADBEEF {
		t.Errorf("ReadUint32: got %#x err %v", v, err)
	}
	if v, err := p.ReadUint64(); err != nil || v != 0x0102030405060708 {
		t.Errorf("ReadUint64: got %#x err %v", v, err)
	}
}

func TestNetworkByteOrder(t *testing.T) {
	p := New()
	if err := p.WriteUint16(0x0102); err != nil {
		t.Fatalf("WriteUint16: %v", err)
	}
	want := []byte{0x01, 0x02}
	got := p.Buffer()[:2]
	if got[0] != want[0] || got[1] != want[1] {
		t.Errorf("WriteUint16(0x0102): got %v, want %v (big-endian)", got, want)
	}
}

func TestFixedBufferOverflowFails(t *testing.T) {
	buf := make([]byte, 4)
	p := NewFromBuffer(buf)
	if err := p.SetLength(4); err != nil {
		t.Fatalf("SetLength: %v", err)
	}
	if err := p.WriteUint32(1); err != nil {
		t.Fatalf("first write into exactly-sized fixed buffer: %v", err)
	}
	if err := p.WriteUint8(1); err == nil {
		t.Fatalf("expected overflow write on fixed buffer to fail")
	}
}

func TestReadableEdgeCase(t *testing.T) {
	p := New()
	if err := p.WriteBits(1, 3); err != nil {
		t.Fatalf("WriteBits: %v", err)
	}
	if err := p.Rewind(); err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	if _, err := p.ReadBits(3); err != nil {
		t.Fatalf("ReadBits: %v", err)
	}
	if got := p.Readable(); got != 1 {
		t.Errorf("Readable after consuming a bit-byte mid-way: got %d, want 1", got)
	}
}

func TestNewFromCopyLeavesLengthZero(t *testing.T) {
	src := []byte{1, 2, 3, 4}
	p := NewFromCopy(src)
	if got := p.Length(); got != 0 {
		t.Errorf("NewFromCopy: Length() = %d, want 0", got)
	}
	if got := p.BufferSize(); got != len(src) {
		t.Errorf("NewFromCopy: BufferSize() = %d, want %d", got, len(src))
	}
}

func TestSetBufferRewinds(t *testing.T) {
	p := New()
	if err := p.WriteUint32(1); err != nil {
		t.Fatalf("WriteUint32: %v", err)
	}
	buf := []byte{9, 9, 9, 9}
	if err := p.SetBuffer(buf); err != nil {
		t.Fatalf("SetBuffer: %v", err)
	}
	if p.Index() != 0 {
		t.Errorf("SetBuffer did not rewind index: got %d", p.Index())
	}
	if p.Length() != 0 {
		t.Errorf("SetBuffer did not reset length: got %d", p.Length())
	}
}

func TestReadPastLengthFails(t *testing.T) {
	p := New()
	if err := p.WriteUint8(1); err != nil {
		t.Fatalf("WriteUint8: %v", err)
	}
	if err := p.Rewind(); err != nil {
		t.Fatalf("Rewind: %v", err)
	}
	if _, err := p.ReadUint8(); err != nil {
		t.Fatalf("first ReadUint8: %v", err)
	}
	if _, err := p.ReadUint8(); err == nil {
		t.Fatalf("expected read past length to fail")
	}
}
