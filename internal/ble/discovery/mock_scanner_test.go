package discovery

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

// fakeRadio implements LERadio and ClassicRadio. A scan reports the
// configured peers, then blocks until halted. It serves a single run.
type fakeRadio struct {
	mu     sync.Mutex
	peers  []Peer
	err    error
	filter uuid.UUID
	scans  int
	stops  int

	stop     chan struct{}
	stopOnce sync.Once
}

func newFakeRadio(peers ...Peer) *fakeRadio {
	return &fakeRadio{peers: peers, stop: make(chan struct{})}
}

func (r *fakeRadio) run(found func(Peer)) error {
	r.mu.Lock()
	r.scans++
	peers, err := r.peers, r.err
	r.mu.Unlock()

	if err != nil {
		return err
	}
	for _, p := range peers {
		found(p)
	}
	<-r.stop
	return nil
}

func (r *fakeRadio) halt() error {
	r.mu.Lock()
	r.stops++
	r.mu.Unlock()
	r.stopOnce.Do(func() { close(r.stop) })
	return nil
}

func (r *fakeRadio) ScanLE(filter uuid.UUID, found func(Peer)) error {
	r.mu.Lock()
	r.filter = filter
	r.mu.Unlock()
	return r.run(found)
}

func (r *fakeRadio) StopLE() error { return r.halt() }

func (r *fakeRadio) Discover(found func(Peer)) error { return r.run(found) }

func (r *fakeRadio) StopDiscover() error { return r.halt() }

// waitScanning blocks until the radio has entered a scan.
func (r *fakeRadio) waitScanning(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if scans, _ := r.counts(); scans > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("radio never started scanning")
}

func (r *fakeRadio) counts() (scans, stops int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scans, r.stops
}

// idleDropRadio ignores a stop that arrives while no scan is running, the way
// the host stacks do.
type idleDropRadio struct {
	mu   sync.Mutex
	stop chan struct{}
}

func (r *idleDropRadio) ScanLE(_ uuid.UUID, _ func(Peer)) error {
	stop := make(chan struct{})
	r.mu.Lock()
	r.stop = stop
	r.mu.Unlock()
	<-stop
	return nil
}

func (r *idleDropRadio) StopLE() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
	return nil
}

// fakeScanner is a Scanner driven by the test. Stop on an active scanner
// reports completion synchronously, like the real scanners do.
type fakeScanner struct {
	typ ScannerType

	mu       sync.Mutex
	sink     Sink
	active   bool
	startErr error
	starts   int
	stops    int
}

func newFakeScanner(typ ScannerType) *fakeScanner {
	return &fakeScanner{typ: typ}
}

func (s *fakeScanner) Type() ScannerType { return s.typ }

func (s *fakeScanner) Start(sink Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	if s.active {
		return nil
	}
	s.active = true
	s.sink = sink
	s.starts++
	return nil
}

func (s *fakeScanner) Stop() {
	s.mu.Lock()
	s.stops++
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	sink := s.sink
	s.mu.Unlock()
	sink(Event{Type: EventScanComplete, Scanner: s.typ})
}

func (s *fakeScanner) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *fakeScanner) currentSink() Sink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink
}

func (s *fakeScanner) found(addr string, tr Transport) {
	s.currentSink()(Event{Type: EventDeviceFound, Scanner: s.typ, Peer: Peer{Address: addr, Transport: tr}})
}

func (s *fakeScanner) complete() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.currentSink()(Event{Type: EventScanComplete, Scanner: s.typ})
}

func (s *fakeScanner) fail(code FailureCode) {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.currentSink()(Event{Type: EventScanFailed, Scanner: s.typ, Err: &ScanError{Scanner: s.typ, Code: code}})
}

// sinkRecorder buffers scanner events for assertions.
type sinkRecorder struct {
	ch chan Event
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{ch: make(chan Event, 64)}
}

func (r *sinkRecorder) sink(ev Event) { r.ch <- ev }

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func expectNoEvent(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %s", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}
