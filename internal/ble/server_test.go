package ble

import (
	"bytes"
	"errors"
	"testing"

	"github.com/chaz8081/btcomm/internal/ble/gate"
	"github.com/chaz8081/btcomm/internal/ble/protocol"
	"github.com/google/uuid"
)

func newTestServer(t *testing.T, profile Profile) (*Server, *mockPeripheral) {
	t.Helper()
	p := &mockPeripheral{}
	s := NewServer(p, profile, ServerOptions{LocalName: "btcomm-test"}, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, p
}

func subscribe(s *Server, device string) {
	s.HandleEvent(ServerEvent{
		Type:           ServerDescriptorWriteRequest,
		Device:         device,
		Descriptor:     s.profile.ClientConfig,
		Value:          EnableNotificationValue(),
		ResponseNeeded: true,
	})
}

func TestServerReadReturnsPending(t *testing.T) {
	s, p := newTestServer(t, ChatProfile)

	s.Submit(protocol.Envelope{Type: protocol.TypeText, Timestamp: 1700000000, Content: "hi"})
	s.HandleEvent(ServerEvent{Type: ServerReadRequest, Device: "central", RequestID: 7, Characteristic: ChatProfile.Data})

	resp := p.lastResponse(t)
	want := []byte{0x00, 0x00, 0xF1, 0x53, 0x65, 'h', 'i'}
	if resp.status != StatusSuccess || !bytes.Equal(resp.value, want) {
		t.Errorf("response = %v %x, want success %x", resp.status, resp.value, want)
	}
	if resp.requestID != 7 || resp.device != "central" {
		t.Errorf("response addressed to %s/%d, want central/7", resp.device, resp.requestID)
	}
}

func TestServerReadNothingPending(t *testing.T) {
	s, p := newTestServer(t, ChatProfile)
	s.HandleEvent(ServerEvent{Type: ServerReadRequest, Device: "central", Characteristic: ChatProfile.Data})

	resp := p.lastResponse(t)
	if resp.status != StatusSuccess || len(resp.value) != 0 {
		t.Errorf("response = %v %x, want success with empty value", resp.status, resp.value)
	}
}

func TestServerReadUnknownCharacteristic(t *testing.T) {
	s, p := newTestServer(t, ChatProfile)
	s.Submit(protocol.Envelope{Content: "x"})
	s.HandleEvent(ServerEvent{Type: ServerReadRequest, Device: "central", Characteristic: uuid.New()})

	resp := p.lastResponse(t)
	if resp.status != StatusFailure || resp.value != nil {
		t.Errorf("response = %v %x, want failure without data", resp.status, resp.value)
	}
}

func TestServerReadOffset(t *testing.T) {
	s, p := newTestServer(t, ChatProfile)
	s.Submit(protocol.Envelope{Timestamp: 1, Content: "abc"})

	s.HandleEvent(ServerEvent{Type: ServerReadRequest, Device: "c", Characteristic: ChatProfile.Data, Offset: 5})
	if resp := p.lastResponse(t); resp.status != StatusSuccess || string(resp.value) != "abc" {
		t.Errorf("offset 5 response = %v %q, want success abc", resp.status, resp.value)
	}

	s.HandleEvent(ServerEvent{Type: ServerReadRequest, Device: "c", Characteristic: ChatProfile.Data, Offset: 9})
	if resp := p.lastResponse(t); resp.status != StatusInvalidOffset {
		t.Errorf("offset 9 status = %v, want invalid offset", resp.status)
	}
}

func TestServerReadOnlineState(t *testing.T) {
	s, p := newTestServer(t, ChatProfile)
	_ = s.SetOnline(true)
	s.HandleEvent(ServerEvent{Type: ServerReadRequest, Device: "c", Characteristic: ChatProfile.OnlineState})

	if resp := p.lastResponse(t); !bytes.Equal(resp.value, []byte{1}) {
		t.Errorf("online read = %x, want 01", resp.value)
	}
}

func TestServerSubscriberLifecycle(t *testing.T) {
	s, p := newTestServer(t, ChatProfile)

	subscribe(s, "central-1")
	subscribe(s, "central-1")
	if got := s.Subscribers(); len(got) != 1 || got[0] != "central-1" {
		t.Fatalf("Subscribers() = %v, want [central-1]", got)
	}
	if resp := p.lastResponse(t); resp.status != StatusSuccess {
		t.Errorf("enable response = %v, want success", resp.status)
	}

	s.HandleEvent(ServerEvent{
		Type:       ServerDescriptorWriteRequest,
		Device:     "central-1",
		Descriptor: ChatProfile.ClientConfig,
		Value:      DisableNotificationValue(),
	})
	if len(s.Subscribers()) != 0 {
		t.Errorf("Subscribers() = %v after disable, want none", s.Subscribers())
	}

	subscribe(s, "central-2")
	s.HandleEvent(ServerEvent{Type: ServerConnectionState, Device: "central-2", Connected: false})
	if len(s.Subscribers()) != 0 {
		t.Errorf("Subscribers() = %v after disconnect, want none", s.Subscribers())
	}
}

func TestServerDescriptorWriteRejects(t *testing.T) {
	s, p := newTestServer(t, ChatProfile)

	s.HandleEvent(ServerEvent{
		Type:           ServerDescriptorWriteRequest,
		Device:         "c",
		Descriptor:     uuid.New(),
		Value:          EnableNotificationValue(),
		ResponseNeeded: true,
	})
	if resp := p.lastResponse(t); resp.status != StatusFailure {
		t.Errorf("unknown descriptor status = %v, want failure", resp.status)
	}

	s.HandleEvent(ServerEvent{
		Type:           ServerDescriptorWriteRequest,
		Device:         "c",
		Descriptor:     ChatProfile.ClientConfig,
		Value:          []byte{0x02, 0x00},
		ResponseNeeded: true,
	})
	if resp := p.lastResponse(t); resp.status != StatusFailure {
		t.Errorf("unsupported value status = %v, want failure", resp.status)
	}

	before := p.responseCount()
	s.HandleEvent(ServerEvent{Type: ServerDescriptorWriteRequest, Device: "c", Descriptor: uuid.New()})
	if p.responseCount() != before {
		t.Error("response sent although none was requested")
	}
	if len(s.Subscribers()) != 0 {
		t.Errorf("Subscribers() = %v, want none", s.Subscribers())
	}
}

func TestServerDescriptorRead(t *testing.T) {
	s, p := newTestServer(t, ChatProfile)

	read := func(desc uuid.UUID) mockResponse {
		s.HandleEvent(ServerEvent{Type: ServerDescriptorReadRequest, Device: "c", Descriptor: desc})
		return p.lastResponse(t)
	}

	if resp := read(ChatProfile.ClientConfig); !bytes.Equal(resp.value, DisableNotificationValue()) {
		t.Errorf("unsubscribed descriptor = %x, want disable value", resp.value)
	}
	subscribe(s, "c")
	if resp := read(ChatProfile.ClientConfig); !bytes.Equal(resp.value, EnableNotificationValue()) {
		t.Errorf("subscribed descriptor = %x, want enable value", resp.value)
	}
	if resp := read(uuid.New()); resp.status != StatusFailure {
		t.Errorf("unknown descriptor status = %v, want failure", resp.status)
	}
}

func TestServerNotifyWithoutSubscribers(t *testing.T) {
	s, p := newTestServer(t, ChatProfile)

	env := protocol.Envelope{Type: protocol.TypeText, Timestamp: 1700000000, Content: "hi"}
	if err := s.Notify(env); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if p.notificationCount() != 0 {
		t.Errorf("notifications = %d, want 0", p.notificationCount())
	}
	if !bytes.Equal(s.Pending(), protocol.Codec{Kind: protocol.KindChat}.Encode(env)) {
		t.Errorf("Pending() = %x, want the notified envelope", s.Pending())
	}
}

func TestServerNotifySubscribers(t *testing.T) {
	s, p := newTestServer(t, ChatProfile)
	subscribe(s, "central-b")
	subscribe(s, "central-a")

	env := protocol.Envelope{Type: protocol.TypeEmoji, Timestamp: 5, Content: "\U0001F44B"}
	if err := s.Notify(env); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	want := protocol.Codec{Kind: protocol.KindChat}.Encode(env)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.notifications) != 2 {
		t.Fatalf("notifications = %d, want 2", len(p.notifications))
	}
	for i, device := range []string{"central-a", "central-b"} {
		n := p.notifications[i]
		if n.device != device || n.characteristic != ChatProfile.Data || !bytes.Equal(n.value, want) {
			t.Errorf("notification %d = %+v, want %s on data", i, n, device)
		}
	}
}

func TestServerNotifyErrorsJoined(t *testing.T) {
	s, p := newTestServer(t, ChatProfile)
	subscribe(s, "c")
	p.notifyErr = errors.New("link lost")

	if err := s.Notify(protocol.Envelope{}); err == nil {
		t.Error("Notify() error = nil, want transport error")
	}
}

func TestServerNotifyWhileStopped(t *testing.T) {
	s, _ := newTestServer(t, ChatProfile)
	subscribe(s, "c")
	_ = s.Stop()

	if err := s.Notify(protocol.Envelope{}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Notify() error = %v, want ErrNotRunning", err)
	}
	if len(s.Subscribers()) != 1 {
		t.Error("Stop() changed the subscriber registry")
	}
}

func TestServerSetOnline(t *testing.T) {
	s, p := newTestServer(t, ChatProfile)
	subscribe(s, "c")
	if err := s.SetOnline(true); err != nil {
		t.Fatalf("SetOnline() error = %v", err)
	}
	p.mu.Lock()
	n := p.notifications[0]
	p.mu.Unlock()
	if n.characteristic != ChatProfile.OnlineState || !bytes.Equal(n.value, []byte{1}) {
		t.Errorf("notification = %+v, want online-state 01", n)
	}

	g, gp := newTestServer(t, GestureProfile)
	subscribe(g, "c")
	if err := g.SetOnline(true); err != nil {
		t.Fatalf("gesture SetOnline() error = %v", err)
	}
	if gp.notificationCount() != 0 {
		t.Error("gesture profile pushed an online state")
	}
}

func TestServerStartStop(t *testing.T) {
	s, p := newTestServer(t, ChatProfile)
	if err := s.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if len(p.tables) != 1 {
		t.Fatalf("AddService calls = %d, want 1", len(p.tables))
	}

	table := p.tables[0]
	if table.Service != ChatProfile.Service || table.LocalName != "btcomm-test" || len(table.Characteristics) != 2 {
		t.Errorf("table = %+v", table)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	_ = s.Stop()
	if p.removed != 1 {
		t.Errorf("RemoveService calls = %d, want 1", p.removed)
	}
	if s.Running() {
		t.Error("Running() = true after Stop")
	}
}

func TestServerStartError(t *testing.T) {
	p := &mockPeripheral{addErr: errors.New("bluez busy")}
	s := NewServer(p, ChatProfile, ServerOptions{}, nil)
	if err := s.Start(); err == nil {
		t.Fatal("Start() error = nil, want registration failure")
	}
	if s.Running() {
		t.Error("Running() = true after failed Start")
	}
}

func TestServerGate(t *testing.T) {
	g := gate.New(false)
	p := &mockPeripheral{}
	s := NewServer(p, ChatProfile, ServerOptions{}, g)
	defer s.Close()

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if s.Running() || len(p.tables) != 0 {
		t.Fatal("service registered while adapter disabled")
	}

	g.Set(true)
	if !s.Running() || len(p.tables) != 1 {
		t.Fatal("deferred start did not register the service")
	}

	subscribe(s, "c")
	g.Set(false)
	if s.Running() {
		t.Error("Running() = true after adapter disabled")
	}
	if len(s.Subscribers()) != 0 {
		t.Error("subscribers kept after adapter disabled")
	}

	g.Set(true)
	if !s.Running() || len(p.tables) != 2 {
		t.Error("service not re-registered when adapter came back")
	}
}

func TestServerRepeatedNotifyWritesEachPush(t *testing.T) {
	p := &broadcastPeripheral{}
	s := NewServer(p, GestureProfile, ServerOptions{LocalName: "btcomm-test"}, nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	subscribe(s, "11:11:11:11:11:11")
	subscribe(s, "22:22:22:22:22:22")

	env := protocol.Envelope{Type: protocol.GestureLeft, Timestamp: 1700000000}
	for i := 0; i < 2; i++ {
		if err := s.Notify(env); err != nil {
			t.Fatalf("Notify() #%d error = %v", i+1, err)
		}
	}

	begins, writes := p.counts()
	if begins != 2 {
		t.Errorf("BeginNotify calls = %d, want 2", begins)
	}
	if writes != 2 {
		t.Errorf("stack writes = %d, want one per push (2)", writes)
	}
}

func TestFanoutDedup(t *testing.T) {
	c := ChatProfile.Data
	other := ChatProfile.OnlineState
	var d fanoutDedup

	steps := []struct {
		name  string
		begin bool
		c     uuid.UUID
		value []byte
		want  bool
	}{
		{"first device", true, c, []byte{1}, true},
		{"second device same push", false, c, []byte{1}, false},
		{"other characteristic", false, other, []byte{1}, true},
		{"same value next push", true, c, []byte{1}, true},
		{"new value without begin", false, c, []byte{2}, true},
	}
	for _, st := range steps {
		if st.begin {
			d.begin(st.c)
		}
		if got := d.first(st.c, st.value); got != st.want {
			t.Errorf("%s: first() = %v, want %v", st.name, got, st.want)
		}
	}
}
