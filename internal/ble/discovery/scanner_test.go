package discovery

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestScannerStopFlushesBeforeComplete(t *testing.T) {
	radio := newFakeRadio(Peer{Address: "AA:00:00:00:00:01"}, Peer{Address: "AA:00:00:00:00:02"})
	s := NewLEScanner(radio, uuid.Nil, time.Hour)
	rec := newSinkRecorder()

	if err := s.Start(rec.sink); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.Active() {
		t.Fatal("Active() = false after Start")
	}
	radio.waitScanning(t)
	s.Stop()

	for i := 0; i < 2; i++ {
		ev := nextEvent(t, rec.ch)
		if ev.Type != EventDeviceFound {
			t.Fatalf("event %d = %s, want device-found", i, ev.Type)
		}
		if ev.Peer.Transport != TransportLE {
			t.Errorf("Transport = %s, want le", ev.Peer.Transport)
		}
	}
	if ev := nextEvent(t, rec.ch); ev.Type != EventScanComplete || ev.Scanner != ScannerLE {
		t.Fatalf("final event = %s/%s, want scan-complete/le", ev.Type, ev.Scanner)
	}
	if s.Active() {
		t.Error("Active() = true after Stop")
	}
}

func TestScannerStartIsIdempotent(t *testing.T) {
	radio := newFakeRadio()
	s := NewClassicScanner(radio, time.Hour)
	rec := newSinkRecorder()

	_ = s.Start(rec.sink)
	_ = s.Start(rec.sink)
	s.Stop()
	s.Stop()

	if ev := nextEvent(t, rec.ch); ev.Type != EventScanComplete {
		t.Fatalf("event = %s, want scan-complete", ev.Type)
	}
	expectNoEvent(t, rec.ch)

	scans, _ := radio.counts()
	if scans > 1 {
		t.Errorf("radio scans = %d, want at most 1", scans)
	}
}

func TestScannerWatchdog(t *testing.T) {
	radio := newFakeRadio(Peer{Address: "AA:00:00:00:00:01"})
	s := NewClassicScanner(radio, 20*time.Millisecond)
	rec := newSinkRecorder()
	_ = s.Start(rec.sink)

	if ev := nextEvent(t, rec.ch); ev.Type != EventDeviceFound || ev.Peer.Transport != TransportClassic {
		t.Fatalf("event = %+v, want classic device-found", ev)
	}
	if ev := nextEvent(t, rec.ch); ev.Type != EventScanComplete {
		t.Fatalf("event = %s, want scan-complete from watchdog", ev.Type)
	}
	if _, stops := radio.counts(); stops < 1 {
		t.Errorf("radio stops = %d, want at least 1", stops)
	}
	if s.Active() {
		t.Error("Active() = true after watchdog")
	}
}

func TestScannerRadioFailure(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode FailureCode
	}{
		{"platform code", &ScanError{Code: FailureOutOfResources}, FailureOutOfResources},
		{"plain error", errors.New("hci down"), FailureInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			radio := newFakeRadio()
			radio.err = tt.err
			s := NewLEScanner(radio, uuid.Nil, time.Hour)
			rec := newSinkRecorder()
			_ = s.Start(rec.sink)

			ev := nextEvent(t, rec.ch)
			if ev.Type != EventScanFailed {
				t.Fatalf("event = %s, want scan-failed", ev.Type)
			}
			var se *ScanError
			if !errors.As(ev.Err, &se) {
				t.Fatalf("Err = %v, want *ScanError", ev.Err)
			}
			if se.Code != tt.wantCode || se.Scanner != ScannerLE {
				t.Errorf("ScanError = %+v, want code %s on le", se, tt.wantCode)
			}
			if s.Active() {
				t.Error("failed scanner still active")
			}
		})
	}
}

func TestScannerStopRightAfterStart(t *testing.T) {
	for i := 0; i < 20; i++ {
		radio := &idleDropRadio{}
		s := NewLEScanner(radio, uuid.Nil, time.Hour)
		rec := newSinkRecorder()
		if err := s.Start(rec.sink); err != nil {
			t.Fatalf("Start() error = %v", err)
		}

		stopped := make(chan struct{})
		go func() {
			s.Stop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			t.Fatalf("run %d: Stop() right after Start() did not return", i)
		}

		if ev := nextEvent(t, rec.ch); ev.Type != EventScanComplete {
			t.Fatalf("run %d: event = %s, want scan-complete", i, ev.Type)
		}
		if s.Active() {
			t.Fatalf("run %d: Active() = true after Stop", i)
		}
	}
}

func TestScannerStopWhenIdle(t *testing.T) {
	s := NewLEScanner(newFakeRadio(), uuid.Nil, 0)
	s.Stop()
	if s.Active() {
		t.Error("Active() = true for idle scanner")
	}
}

func TestScannerNilSink(t *testing.T) {
	s := NewLEScanner(newFakeRadio(), uuid.Nil, 0)
	if err := s.Start(nil); err == nil {
		t.Error("Start(nil) should fail")
	}
}

func TestScannerDefaults(t *testing.T) {
	filter := uuid.MustParse("703ecd36-825e-4d0f-b200-ae901ff8decb")
	tests := []struct {
		name string
		s    Scanner
		want time.Duration
	}{
		{"le filtered", NewLEScanner(newFakeRadio(), filter, 0), DefaultLEFilteredTimeout},
		{"le unfiltered", NewLEScanner(newFakeRadio(), uuid.Nil, 0), DefaultLEUnfilteredTimeout},
		{"classic", NewClassicScanner(newFakeRadio(), 0), DefaultClassicTimeout},
		{"explicit", NewClassicScanner(newFakeRadio(), time.Second), time.Second},
	}
	for _, tt := range tests {
		if got := tt.s.(*watchScanner).timeout; got != tt.want {
			t.Errorf("%s timeout = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestLEScannerPassesFilter(t *testing.T) {
	filter := uuid.MustParse("0000ffe0-0000-1000-8000-00805f9b34fb")
	radio := newFakeRadio()
	s := NewLEScanner(radio, filter, time.Hour)
	rec := newSinkRecorder()
	_ = s.Start(rec.sink)
	radio.waitScanning(t)
	s.Stop()
	nextEvent(t, rec.ch)

	radio.mu.Lock()
	defer radio.mu.Unlock()
	if radio.filter != filter {
		t.Errorf("radio filter = %s, want %s", radio.filter, filter)
	}
}
