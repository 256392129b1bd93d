package transport

import "testing"

func TestInboundAddPacketInOrder(t *testing.T) {
	in := newInbound(30, 10)
	if in.BytesRemaining != 30 {
		t.Fatalf("BytesRemaining = %d, want 30", in.BytesRemaining)
	}
	if err := in.AddPacket(0, make([]byte, 10), 10); err != nil {
		t.Fatalf("AddPacket: %v", err)
	}
	if in.BytesRemaining != 20 {
		t.Fatalf("BytesRemaining = %d, want 20", in.BytesRemaining)
	}
	if err := in.AddPacket(10, make([]byte, 20), 30); err != nil {
		t.Fatalf("AddPacket: %v", err)
	}
	if !in.Complete() {
		t.Fatal("expected Complete after all bytes received")
	}
}

func TestInboundAddPacketOutOfOrderAndOverlap(t *testing.T) {
	in := newInbound(30, 30)
	payload := make([]byte, 30)
	for i := range payload {
		payload[i] = byte(i)
	}

	// receive the tail first, then the head with an overlap into the tail.
	if err := in.AddPacket(20, payload[20:30], 30); err != nil {
		t.Fatalf("AddPacket: %v", err)
	}
	if in.BytesRemaining != 20 {
		t.Fatalf("BytesRemaining = %d, want 20", in.BytesRemaining)
	}
	if err := in.AddPacket(0, payload[0:25], 30); err != nil {
		t.Fatalf("AddPacket: %v", err)
	}
	if in.BytesRemaining != 0 || !in.Complete() {
		t.Fatalf("BytesRemaining = %d, want 0 (overlap must not double count)", in.BytesRemaining)
	}
	if string(in.Data()) != string(payload) {
		t.Fatal("reassembled data does not match original payload")
	}
}

func TestInboundDuplicateSegmentIsNoOp(t *testing.T) {
	in := newInbound(10, 10)
	data := make([]byte, 10)
	if err := in.AddPacket(0, data, 10); err != nil {
		t.Fatalf("AddPacket: %v", err)
	}
	before := in.BytesRemaining
	if err := in.AddPacket(0, data, 10); err != nil {
		t.Fatalf("AddPacket (duplicate): %v", err)
	}
	if in.BytesRemaining != before {
		t.Fatalf("duplicate segment changed BytesRemaining: %d -> %d", before, in.BytesRemaining)
	}
}

func TestInboundAddPacketOutOfBounds(t *testing.T) {
	in := newInbound(10, 10)
	if err := in.AddPacket(5, make([]byte, 10), 10); err == nil {
		t.Fatal("expected error for segment extending past Length")
	}
}

func TestInboundUpdateIncomingNeverDecreases(t *testing.T) {
	in := newInbound(100, 20)
	in.updateIncoming(50)
	if in.Incoming != 50 {
		t.Fatalf("Incoming = %d, want 50", in.Incoming)
	}
	in.updateIncoming(10)
	if in.Incoming != 50 {
		t.Fatalf("Incoming regressed to %d after a lower candidate", in.Incoming)
	}
	in.updateIncoming(1000)
	if in.Incoming != in.Length {
		t.Fatalf("Incoming = %d, want clamped to Length %d", in.Incoming, in.Length)
	}
}

func TestInboundResendRangeFirstGap(t *testing.T) {
	in := newInbound(100, 100)
	if err := in.AddPacket(0, make([]byte, 20), 100); err != nil {
		t.Fatalf("AddPacket: %v", err)
	}
	if err := in.AddPacket(40, make([]byte, 20), 100); err != nil {
		t.Fatalf("AddPacket: %v", err)
	}
	offset, length, needed := in.ResendRange()
	if !needed || offset != 20 || length != 20 {
		t.Fatalf("ResendRange = (%d, %d, %v), want (20, 20, true)", offset, length, needed)
	}
}

func TestInboundResendRangeKeepalive(t *testing.T) {
	in := newInbound(100, 50)
	if err := in.AddPacket(0, make([]byte, 30), 50); err != nil {
		t.Fatalf("AddPacket: %v", err)
	}
	offset, length, needed := in.ResendRange()
	if !needed || offset != 30 || length != 20 {
		t.Fatalf("ResendRange = (%d, %d, %v), want (30, 20, true) keepalive up to Incoming", offset, length, needed)
	}
}

func TestInboundResendRangeNoneNeeded(t *testing.T) {
	in := newInbound(10, 10)
	if err := in.AddPacket(0, make([]byte, 10), 10); err != nil {
		t.Fatalf("AddPacket: %v", err)
	}
	if _, _, needed := in.ResendRange(); needed {
		t.Fatal("ResendRange reported a gap on a fully received message")
	}
}

func TestInboundScheduledFlag(t *testing.T) {
	if in := newInbound(100, 100); in.Scheduled {
		t.Fatal("message fully covered by sender-unscheduled bytes should not need grants")
	}
	if in := newInbound(100, 50); !in.Scheduled {
		t.Fatal("message exceeding sender-unscheduled bytes should need grants")
	}
}
