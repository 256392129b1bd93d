package wire

import (
	"testing"

	"github.com/go-test/deep"
)

func TestDataRoundTrip(t *testing.T) {
	want := &DataPacket{
		CommonHeader: CommonHeader{
			Sport: 100, Dport: 200, Priority: 3, ID: 0xdeadbeefcafef00d,
		},
		MessageLength: 100000,
		Incoming:      20000,
		CutoffVersion: 1,
		Retransmit:    true,
		Segments: []Segment{
			{Offset: 0, Length: 5, Data: []byte("hello")},
			{Offset: 5, Length: 6, Data: []byte(" world")},
		},
	}

	buf, err := EncodeData(want)
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}
	if len(buf) > MaxHeader+len(want.Segments[0].Data)+len(want.Segments[1].Data) {
		// Header portion alone must still respect the per-type bound;
		// segment payload is not part of the header budget.
		t.Fatalf("DATA header portion is %d bytes, over MaxHeader %d", len(buf)-len(want.Segments[0].Data)-len(want.Segments[1].Data), MaxHeader)
	}

	hdr, decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if hdr.Type != TypeData {
		t.Fatalf("hdr.Type = %d, want TypeData", hdr.Type)
	}
	got, ok := decoded.(*DataPacket)
	if !ok {
		t.Fatalf("decoded type %T, want *DataPacket", decoded)
	}
	if diff := deep.Equal(want, got); diff != nil {
		t.Fatalf("round trip mismatch: %v", diff)
	}
}

func TestIDPreservedByteExact(t *testing.T) {
	for _, id := range []uint64{0, 1, 0xffffffffffffffff, 0x0102030405060708} {
		p := &GrantPacket{CommonHeader: CommonHeader{ID: id}, Offset: 42, Priority: 1}
		buf, err := EncodeGrant(p)
		if err != nil {
			t.Fatalf("EncodeGrant: %v", err)
		}
		hdr, decoded, err := Decode(buf)
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if hdr.ID != id {
			t.Fatalf("id = %#x, want %#x", hdr.ID, id)
		}
		g := decoded.(*GrantPacket)
		if g.Offset != 42 {
			t.Fatalf("offset = %d, want 42", g.Offset)
		}
	}
}

func TestGrantResendRoundTrip(t *testing.T) {
	g := &GrantPacket{CommonHeader: CommonHeader{ID: 7}, Offset: 20000, Priority: 2}
	buf, err := EncodeGrant(g)
	if err != nil {
		t.Fatalf("EncodeGrant: %v", err)
	}
	_, decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := deep.Equal(g, decoded.(*GrantPacket)); diff != nil {
		t.Fatalf("grant round trip mismatch: %v", diff)
	}

	r := &ResendPacket{CommonHeader: CommonHeader{ID: 7}, Offset: 1440, Length: 2880, Priority: 5}
	buf, err = EncodeResend(r)
	if err != nil {
		t.Fatalf("EncodeResend: %v", err)
	}
	_, decoded, err = Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := deep.Equal(r, decoded.(*ResendPacket)); diff != nil {
		t.Fatalf("resend round trip mismatch: %v", diff)
	}
}

func TestCutoffsRoundTrip(t *testing.T) {
	c := &CutoffsPacket{CommonHeader: CommonHeader{ID: 9}, CutoffVersion: 3}
	for i := range c.UnscheduledCutoffs {
		c.UnscheduledCutoffs[i] = uint32(i * 1000)
	}
	buf, err := EncodeCutoffs(c)
	if err != nil {
		t.Fatalf("EncodeCutoffs: %v", err)
	}
	_, decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := deep.Equal(c, decoded.(*CutoffsPacket)); diff != nil {
		t.Fatalf("cutoffs round trip mismatch: %v", diff)
	}
}

func TestEmptyPacketsRoundTrip(t *testing.T) {
	restart := &RestartPacket{CommonHeader: CommonHeader{ID: 11}}
	buf, err := EncodeRestart(restart)
	if err != nil {
		t.Fatalf("EncodeRestart: %v", err)
	}
	hdr, _, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if hdr.Type != TypeRestart || hdr.ID != 11 {
		t.Fatalf("got %+v", hdr)
	}

	busy := &BusyPacket{CommonHeader: CommonHeader{ID: 12}}
	buf, err = EncodeBusy(busy)
	if err != nil {
		t.Fatalf("EncodeBusy: %v", err)
	}
	hdr, _, err = Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if hdr.Type != TypeBusy || hdr.ID != 12 {
		t.Fatalf("got %+v", hdr)
	}
}

func TestDecodeShortPacketIsMalformed(t *testing.T) {
	_, _, err := Decode([]byte{1, 2, 3})
	if err == nil {
		t.Fatal("expected error decoding short packet")
	}
}

func TestDecodeUnknownTypeIsRecognizable(t *testing.T) {
	hdr := CommonHeader{Type: 250, ID: 5}
	buf := make([]byte, CommonHeaderLen)
	hdr.Encode(buf)
	_, _, err := Decode(buf)
	if err == nil {
		t.Fatal("expected error for unknown type")
	}
}
