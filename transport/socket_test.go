package transport

import "testing"

func TestSocketRegistryBindServerRejectsDuplicatePort(t *testing.T) {
	r := newSocketRegistry(1000)
	if _, err := r.bindServer(nil, 500); err != nil {
		t.Fatalf("bindServer: %v", err)
	}
	if _, err := r.bindServer(nil, 500); err == nil {
		t.Fatal("expected an error binding an already-bound server port")
	}
}

func TestSocketRegistryBindServerRejectsOutOfRange(t *testing.T) {
	r := newSocketRegistry(1000)
	if _, err := r.bindServer(nil, 0); err == nil {
		t.Fatal("expected an error binding port 0")
	}
	if _, err := r.bindServer(nil, 1001); err == nil {
		t.Fatal("expected an error binding a port above the server limit")
	}
}

func TestSocketRegistryAllocClientSkipsUsedPorts(t *testing.T) {
	r := newSocketRegistry(10)
	first, err := r.allocClient(nil)
	if err != nil {
		t.Fatalf("allocClient: %v", err)
	}
	second, err := r.allocClient(nil)
	if err != nil {
		t.Fatalf("allocClient: %v", err)
	}
	if first.ClientPort == second.ClientPort {
		t.Fatal("allocClient handed out the same port twice")
	}
	if first.ClientPort <= 10 || second.ClientPort <= 10 {
		t.Fatalf("client ports must be above the server range: got %d, %d", first.ClientPort, second.ClientPort)
	}
}

func TestSocketRegistryScanSkipsRemoved(t *testing.T) {
	r := newSocketRegistry(10)
	s, err := r.bindServer(nil, 5)
	if err != nil {
		t.Fatalf("bindServer: %v", err)
	}
	r.remove(s.ClientPort)

	visited := 0
	r.scan(func(*Socket) { visited++ })
	if visited != 0 {
		t.Fatalf("scan visited %d sockets, want 0 after removal", visited)
	}
}

func TestInterestMatches(t *testing.T) {
	clientRPC := &Rpc{ID: 7, Role: RoleClient}
	serverRPC := &Rpc{ID: 9, Role: RoleServer}

	req := &interest{want: WantRequest}
	if !req.matches(serverRPC) || req.matches(clientRPC) {
		t.Fatal("WantRequest must match only server-role RPCs")
	}

	resp := &interest{want: WantResponse}
	if !resp.matches(clientRPC) || resp.matches(serverRPC) {
		t.Fatal("WantResponse must match only client-role RPCs")
	}

	specific := &interest{want: WantSpecific, id: 9}
	if !specific.matches(serverRPC) || specific.matches(clientRPC) {
		t.Fatal("WantSpecific must match only the named id")
	}

	any := &interest{want: WantAny}
	if !any.matches(clientRPC) || !any.matches(serverRPC) {
		t.Fatal("WantAny must match every RPC")
	}
}

func TestSocketPopReadyRemovesMatchedEntry(t *testing.T) {
	s := &Socket{}
	req := &Rpc{ID: 1, Role: RoleServer}
	resp := &Rpc{ID: 2, Role: RoleClient}
	s.readyRequests = append(s.readyRequests, req)
	s.readyResponses = append(s.readyResponses, resp)

	got := s.popReady(WantRequest, 0)
	if got != req {
		t.Fatalf("popReady(WantRequest) = %v, want %v", got, req)
	}
	if len(s.readyRequests) != 0 {
		t.Fatal("popReady must remove the entry it returns")
	}
	if s.popReady(WantRequest, 0) != nil {
		t.Fatal("popReady should return nil once nothing matches")
	}

	got = s.popReady(WantSpecific, 2)
	if got != resp {
		t.Fatalf("popReady(WantSpecific, 2) = %v, want %v", got, resp)
	}
}

func TestSocketDeliverReadySatisfiesWaitingInterest(t *testing.T) {
	s := &Socket{}
	it := &interest{want: WantRequest, result: make(chan *Rpc, 1)}
	s.interests = append(s.interests, it)

	rpc := &Rpc{ID: 3, Role: RoleServer}
	s.deliverReady(rpc)

	select {
	case got := <-it.result:
		if got != rpc {
			t.Fatal("interest received the wrong rpc")
		}
	default:
		t.Fatal("deliverReady should have satisfied the waiting interest synchronously")
	}
	if len(s.readyRequests) != 0 {
		t.Fatal("rpc should not also be queued once an interest consumed it")
	}
}

func TestSocketDeliverReadyQueuesWhenNoInterestWaiting(t *testing.T) {
	s := &Socket{}
	rpc := &Rpc{ID: 4, Role: RoleClient}
	s.deliverReady(rpc)
	if len(s.readyResponses) != 1 || s.readyResponses[0] != rpc {
		t.Fatal("rpc should be queued onto readyResponses when nobody is waiting")
	}
}
