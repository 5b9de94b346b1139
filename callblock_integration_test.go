package callblock

import (
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AT0myks/callblock/calllog"
	"github.com/AT0myks/callblock/modem"
)

// fakePort is a line-mode modem good enough for the hang up action: it
// answers every command with OK and lets the test inject rings and
// caller ID.
type fakePort struct {
	mu     sync.Mutex
	readCh chan byte
	done   chan struct{}
	closed bool
	writes []byte
	line   []byte
	mode   string
}

func newFakePort() *fakePort {
	return &fakePort{readCh: make(chan byte, 8192), done: make(chan struct{}), mode: "0"}
}

func (p *fakePort) Read(b []byte) (int, error) {
	select {
	case c := <-p.readCh:
		b[0] = c
		n := 1
		for n < len(b) {
			select {
			case c := <-p.readCh:
				b[n] = c
				n++
			default:
				return n, nil
			}
		}
		return n, nil
	case <-p.done:
		return 0, io.EOF
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	p.writes = append(p.writes, b...)
	p.mu.Unlock()
	for _, c := range b {
		switch c {
		case '\r':
			cmd := string(p.line)
			p.line = p.line[:0]
			if cmd != "" {
				p.handle(cmd)
			}
		case '\n':
		default:
			p.line = append(p.line, c)
		}
	}
	return len(b), nil
}

func (p *fakePort) handle(cmd string) {
	switch {
	case cmd == "AT+FCLASS?":
		p.mu.Lock()
		mode := p.mode
		p.mu.Unlock()
		p.inject(mode)
	case strings.HasPrefix(cmd, "AT+FCLASS="):
		p.mu.Lock()
		p.mode = strings.TrimPrefix(cmd, "AT+FCLASS=")
		p.mu.Unlock()
	}
	p.inject("OK")
}

func (p *fakePort) inject(line string) {
	for _, c := range []byte("\r\n" + line + "\r\n") {
		select {
		case p.readCh <- c:
		case <-p.done:
			return
		}
	}
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	return nil
}

func (p *fakePort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.writes)
}

func runScreening(t *testing.T, filter *Filter, number string) (*fakePort, []calllog.Record) {
	t.Helper()
	port := newFakePort()
	m, err := modem.Open(context.Background(), modem.Config{Port: port})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close()

	store, err := calllog.Open(filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	cb, err := New(m, Config{
		Filter:  filter,
		Store:   store,
		Workdir: t.TempDir(),
		Action:  ActionHangup,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- cb.Run(ctx) }()

	port.inject("RING")
	port.inject("NMBR = " + number)

	// The call record lands after the caller ID flush delay and, for a
	// blocked call, the full pick-up/hang-up/re-arm exchange.
	var recs []calllog.Record
	deadline := time.After(5 * time.Second)
	for len(recs) == 0 {
		select {
		case <-deadline:
			t.Fatal("call was never logged")
		case <-time.After(20 * time.Millisecond):
		}
		if recs, err = store.Recent(10); err != nil {
			t.Fatal(err)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	return port, recs
}

func TestBlacklistedCallIsHungUp(t *testing.T) {
	filter := NewFilter(Blacklist, map[string]string{"5055034455": ""})
	port, recs := runScreening(t, filter, "5055034455")

	rec := recs[0]
	if !rec.Blocked {
		t.Error("blacklisted call not marked blocked")
	}
	if rec.Action != "hangup" {
		t.Errorf("action = %q, want %q", rec.Action, "hangup")
	}
	if rec.EndReason != "completed" {
		t.Errorf("end reason = %q, want %q", rec.EndReason, "completed")
	}
	if rec.Number != "5055034455" {
		t.Errorf("number = %q", rec.Number)
	}
	w := port.written()
	if !strings.Contains(w, "ATH1\r") {
		t.Error("blocked call was never answered")
	}
	if !strings.Contains(w, "ATH0\r") {
		t.Error("blocked call was never hung up")
	}
}

func TestAllowedCallIsNotAnswered(t *testing.T) {
	filter := NewFilter(Blacklist, map[string]string{"5055034455": ""})
	port, recs := runScreening(t, filter, "5551234")

	rec := recs[0]
	if rec.Blocked {
		t.Error("unlisted call marked blocked")
	}
	if rec.EndReason != "not blocked" {
		t.Errorf("end reason = %q, want %q", rec.EndReason, "not blocked")
	}
	if strings.Contains(port.written(), "ATH1\r") {
		t.Error("allowed call was answered")
	}
}
