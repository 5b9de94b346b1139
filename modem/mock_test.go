package modem

import (
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

// mockPort implements Transport for testing. Reads block on a channel
// like a real TTY; everything the driver writes is parsed so a scripted
// responder can answer commands the way a device would.
type mockPort struct {
	mu     sync.Mutex
	readCh chan byte
	done   chan struct{}
	closed bool
	writes []byte

	line  []byte
	voice atomic.Bool
	wDLE  bool

	respond func(cmd string) []string
}

func newMockPort() *mockPort {
	return &mockPort{
		readCh: make(chan byte, 8192),
		done:   make(chan struct{}),
	}
}

// Read blocks for the first byte and then drains whatever else is
// buffered, like a real TTY.
func (p *mockPort) Read(b []byte) (int, error) {
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

func (p *mockPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	p.writes = append(p.writes, b...)
	p.mu.Unlock()

	if p.voice.Load() {
		// In a voice state the driver writes shielded sample data; only
		// the two byte control codes matter to the fake device.
		for _, c := range b {
			if p.wDLE {
				p.wDLE = false
				if c != DLE {
					p.dispatch(string([]byte{DLE, c}))
				}
				continue
			}
			if c == DLE {
				p.wDLE = true
			}
		}
		return len(b), nil
	}
	for _, c := range b {
		switch c {
		case '\r':
			cmd := string(p.line)
			p.line = p.line[:0]
			if cmd != "" {
				p.dispatch(cmd)
			}
		case '\n':
		default:
			p.line = append(p.line, c)
		}
	}
	return len(b), nil
}

func (p *mockPort) dispatch(cmd string) {
	if p.respond == nil {
		return
	}
	for _, l := range p.respond(cmd) {
		p.inject(l)
	}
}

// inject delivers one response line framed the way a modem frames it.
func (p *mockPort) inject(line string) {
	p.injectRaw([]byte("\r\n" + line + "\r\n"))
}

func (p *mockPort) injectRaw(b []byte) {
	for _, c := range b {
		select {
		case p.readCh <- c:
		case <-p.done:
			return
		}
	}
}

func (p *mockPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.done)
	}
	return nil
}

func (p *mockPort) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.writes)
}

// fakeDevice scripts a well behaved voice modem on top of mockPort:
// the handshake, mode switching and the voice state protocol all answer
// the way real hardware does. Tests hook override to bend single
// commands.
type fakeDevice struct {
	*mockPort
	mu   sync.Mutex
	mode string

	override func(cmd string) ([]string, bool)
}

func newFakeDevice() *fakeDevice {
	d := &fakeDevice{mockPort: newMockPort(), mode: "0"}
	d.mockPort.respond = d.handle
	return d
}

func (d *fakeDevice) handle(cmd string) []string {
	d.mu.Lock()
	override := d.override
	d.mu.Unlock()
	if override != nil {
		if reply, ok := override(cmd); ok {
			return reply
		}
	}
	switch {
	case cmd == "ATZ", cmd == "ATH0", cmd == "ATH1", cmd == "ATA",
		strings.HasPrefix(cmd, "AT+VCID="),
		strings.HasPrefix(cmd, "AT+VLS="),
		strings.HasPrefix(cmd, "AT+VSM="),
		strings.HasPrefix(cmd, "AT+VGR="),
		strings.HasPrefix(cmd, "AT+VGT="),
		strings.HasPrefix(cmd, "ATDT"):
		return []string{"OK"}
	case cmd == "ATI3":
		return []string{"fake device rev 1", "OK"}
	case cmd == "AT+GMI":
		return []string{"testbench", "OK"}
	case cmd == "AT+FCLASS?":
		d.mu.Lock()
		mode := d.mode
		d.mu.Unlock()
		return []string{mode, "OK"}
	case strings.HasPrefix(cmd, "AT+FCLASS="):
		d.mu.Lock()
		d.mode = strings.TrimPrefix(cmd, "AT+FCLASS=")
		d.mu.Unlock()
		return []string{"OK"}
	case cmd == "AT+VRX", cmd == "AT+VTX", cmd == "AT+VTR":
		d.voice.Store(true)
		return []string{"CONNECT"}
	case cmd == string(EndStream):
		// The driver leaves the sample stream before sending this.
		d.voice.Store(false)
		return []string{"OK"}
	case cmd == string(EndRecord), cmd == string(EndDuplex):
		d.voice.Store(false)
		d.injectRaw([]byte{DLE, 0x03})
		return []string{"OK"}
	default:
		return []string{"ERROR"}
	}
}

// setOverride swaps the per command hook.
func (d *fakeDevice) setOverride(fn func(cmd string) ([]string, bool)) {
	d.mu.Lock()
	d.override = fn
	d.mu.Unlock()
}
