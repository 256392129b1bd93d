package transport

import (
	"errors"
	"net"
	"testing"
)

var errBoom = errors.New("resolve failed")

func TestPeerTableFindCachesByAddress(t *testing.T) {
	calls := 0
	resolver := func(addr net.IP) (Route, error) {
		calls++
		return addr.String(), nil
	}
	pt := newPeerTable(resolver)

	a, err := pt.find(net.ParseIP("10.0.0.1"))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	b, err := pt.find(net.ParseIP("10.0.0.1"))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if a != b {
		t.Fatal("find should return the same *Peer for the same address")
	}
	if calls != 1 {
		t.Fatalf("resolver called %d times, want 1 (second find should hit the cache)", calls)
	}
}

func TestPeerTableFindPropagatesResolveError(t *testing.T) {
	resolver := func(addr net.IP) (Route, error) {
		return nil, errBoom
	}
	pt := newPeerTable(resolver)
	if _, err := pt.find(net.ParseIP("10.0.0.1")); err == nil {
		t.Fatal("expected find to surface the resolver's error")
	}
}

func TestPeerUnscheduledPriorityPicksLowestMatchingCutoff(t *testing.T) {
	p := &Peer{}
	var cutoffs [NumPriorities]uint32
	cutoffs[0] = 100
	cutoffs[1] = 1000
	cutoffs[NumPriorities-1] = MaxMessage
	p.SetUnscheduledCutoffs(cutoffs, 1)

	if got := p.unscheduledPriority(50); got != 0 {
		t.Fatalf("priority for length 50 = %d, want 0", got)
	}
	if got := p.unscheduledPriority(500); got != 1 {
		t.Fatalf("priority for length 500 = %d, want 1", got)
	}
	if got := p.unscheduledPriority(MaxMessage); got != NumPriorities-1 {
		t.Fatalf("priority for length MaxMessage = %d, want %d", got, NumPriorities-1)
	}
}

func TestPeerSetUnscheduledCutoffsIgnoresStaleVersion(t *testing.T) {
	p := &Peer{}
	var first, second [NumPriorities]uint32
	first[0] = 10
	second[0] = 99999

	p.SetUnscheduledCutoffs(first, 5)
	p.SetUnscheduledCutoffs(second, 3) // older version, must not apply
	got, version := p.UnscheduledCutoffs()
	if got != first || version != 5 {
		t.Fatalf("stale CUTOFFS update was applied: got %v version %d", got, version)
	}
}

func TestPeerShouldResendRateLimits(t *testing.T) {
	p := &Peer{}
	if !p.shouldResend(0, 10) {
		t.Fatal("a peer with no prior resend should always be eligible")
	}
	p.markResend(100)
	if p.shouldResend(105, 10) {
		t.Fatal("shouldResend must respect the minimum interval")
	}
	if !p.shouldResend(110, 10) {
		t.Fatal("shouldResend should allow a resend once the interval has elapsed")
	}
}
