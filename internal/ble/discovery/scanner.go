package discovery

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultLEFilteredTimeout bounds an LE scan restricted to one service.
	DefaultLEFilteredTimeout = 10 * time.Second
	// DefaultLEUnfilteredTimeout bounds an unfiltered LE scan.
	DefaultLEUnfilteredTimeout = 20 * time.Second
	// DefaultClassicTimeout bounds a classic inquiry, which the controller
	// itself ends after roughly 12 seconds.
	DefaultClassicTimeout = 12 * time.Second
)

// haltRetry is how often finish repeats a stop the radio has not honoured.
// Radios drop a stop that lands before their scan is running.
const haltRetry = 25 * time.Millisecond

// Scanner is one scanning technology behind a uniform start/stop contract.
type Scanner interface {
	Type() ScannerType
	// Start begins an asynchronous scan reporting to sink. Starting a running
	// scanner is a no-op.
	Start(sink Sink) error
	// Stop halts the scan, delivers any results the radio already produced
	// and then emits EventScanComplete. Stopping an idle scanner is a no-op.
	Stop()
	Active() bool
}

// LERadio runs an advertisement scan. ScanLE blocks until StopLE is called
// or the scan aborts; a scan ended by StopLE returns nil.
type LERadio interface {
	ScanLE(filter uuid.UUID, found func(Peer)) error
	StopLE() error
}

// ClassicRadio runs a BR/EDR inquiry with the same blocking contract as
// LERadio.
type ClassicRadio interface {
	Discover(found func(Peer)) error
	StopDiscover() error
}

// NewLEScanner returns a scanner driving radio. A filter of uuid.Nil scans
// unfiltered. A zero timeout picks the default for the filter mode.
func NewLEScanner(radio LERadio, filter uuid.UUID, timeout time.Duration) Scanner {
	if timeout <= 0 {
		timeout = DefaultLEFilteredTimeout
		if filter == uuid.Nil {
			timeout = DefaultLEUnfilteredTimeout
		}
	}
	return &watchScanner{
		typ:     ScannerLE,
		timeout: timeout,
		scan: func(found func(Peer)) error {
			return radio.ScanLE(filter, func(p Peer) {
				if p.Transport == TransportUnknown {
					p.Transport = TransportLE
				}
				found(p)
			})
		},
		halt: radio.StopLE,
	}
}

// NewClassicScanner returns a scanner driving a classic inquiry.
func NewClassicScanner(radio ClassicRadio, timeout time.Duration) Scanner {
	if timeout <= 0 {
		timeout = DefaultClassicTimeout
	}
	return &watchScanner{
		typ:     ScannerClassic,
		timeout: timeout,
		scan: func(found func(Peer)) error {
			return radio.Discover(func(p Peer) {
				if p.Transport == TransportUnknown {
					p.Transport = TransportClassic
				}
				found(p)
			})
		},
		halt: radio.StopDiscover,
	}
}

// watchScanner runs a blocking radio scan on its own goroutine and ends it
// with a watchdog timer if nobody stops it first.
type watchScanner struct {
	typ     ScannerType
	timeout time.Duration
	scan    func(found func(Peer)) error
	halt    func() error

	mu  sync.Mutex
	run *scanRun
}

type scanRun struct {
	sink     Sink
	timer    *time.Timer
	done     chan struct{}
	stopping bool
}

func (s *watchScanner) Type() ScannerType { return s.typ }

func (s *watchScanner) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run != nil
}

func (s *watchScanner) Start(sink Sink) error {
	if sink == nil {
		return errors.New("discovery: nil sink")
	}

	s.mu.Lock()
	if s.run != nil {
		s.mu.Unlock()
		slog.Debug("[BLE] scan already running", "scanner", s.typ)
		return nil
	}
	r := &scanRun{sink: sink, done: make(chan struct{})}
	s.run = r
	r.timer = time.AfterFunc(s.timeout, func() {
		slog.Debug("[BLE] scan watchdog fired", "scanner", s.typ, "timeout", s.timeout)
		s.finish(r)
	})
	s.mu.Unlock()

	slog.Info("[BLE] scan started", "scanner", s.typ, "timeout", s.timeout)
	go s.loop(r)
	return nil
}

func (s *watchScanner) Stop() {
	s.mu.Lock()
	r := s.run
	s.mu.Unlock()
	if r == nil {
		return
	}
	s.finish(r)
}

// loop owns the radio for one run. If the radio returns without a stop
// request the run ends here, otherwise finish ends it.
func (s *watchScanner) loop(r *scanRun) {
	s.mu.Lock()
	if r.stopping {
		s.mu.Unlock()
		close(r.done)
		return
	}
	s.mu.Unlock()

	err := s.scan(func(p Peer) {
		r.sink(Event{Type: EventDeviceFound, Scanner: s.typ, Peer: p})
	})
	close(r.done)

	s.mu.Lock()
	if r.stopping {
		s.mu.Unlock()
		return
	}
	r.timer.Stop()
	if s.run == r {
		s.run = nil
	}
	s.mu.Unlock()

	if err != nil {
		se := asScanError(s.typ, err)
		slog.Warn("[BLE] scan failed", "scanner", s.typ, "code", se.Code, "error", err)
		r.sink(Event{Type: EventScanFailed, Scanner: s.typ, Err: se})
		return
	}
	slog.Info("[BLE] scan complete", "scanner", s.typ)
	r.sink(Event{Type: EventScanComplete, Scanner: s.typ})
}

// finish stops the radio, waits for the scan goroutine to drain and reports
// completion. Only the first caller for a run does any work.
func (s *watchScanner) finish(r *scanRun) {
	s.mu.Lock()
	if s.run != r || r.stopping {
		s.mu.Unlock()
		return
	}
	r.stopping = true
	r.timer.Stop()
	s.mu.Unlock()

	s.haltUntilDone(r)

	s.mu.Lock()
	if s.run == r {
		s.run = nil
	}
	s.mu.Unlock()

	slog.Info("[BLE] scan complete", "scanner", s.typ)
	r.sink(Event{Type: EventScanComplete, Scanner: s.typ})
}

// haltUntilDone stops the radio and repeats the request until the scan
// goroutine has returned.
func (s *watchScanner) haltUntilDone(r *scanRun) {
	ticker := time.NewTicker(haltRetry)
	defer ticker.Stop()
	for {
		if err := s.halt(); err != nil {
			slog.Debug("[BLE] stop scan", "scanner", s.typ, "error", err)
		}
		select {
		case <-r.done:
			return
		case <-ticker.C:
		}
	}
}
