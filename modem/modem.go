// Package modem drives a Hayes AT compatible USB voice modem: command
// exchanges, unsolicited event delivery, mode control and bidirectional
// voice streaming over a single half duplex serial connection.
//
// The central type is Modem. One background goroutine owns all reads from
// the device, feeds the DLE framing decoder while a voice state is active
// and assembles response lines otherwise. Command exchanges are serialized
// (the modem is half duplex for control) and unsolicited result codes are
// broadcast to subscribers without ever blocking the reader.
package modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

var (
	// ErrCommandTimeout is returned when the modem does not terminate a
	// command exchange in time.
	ErrCommandTimeout = errors.New("command timed out")
	// ErrModeTransition is returned when a mode set command fails or the
	// modem is not in the mode an operation requires.
	ErrModeTransition = errors.New("mode transition failed")
	// ErrDeviceClosed is returned when the serial connection failed or was
	// closed. It is distinct from a context cancellation so callers can
	// tell a dead device from a requested shutdown.
	ErrDeviceClosed = errors.New("device disconnected")
	// ErrMalformedFrame tags framing anomalies in the voice byte stream.
	// They are logged and skipped, never fatal to decoding.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrNoVoiceSession is returned by voice operations that need an
	// active receive, transmit or duplex session.
	ErrNoVoiceSession = errors.New("no active voice session")
	// ErrVoiceActive is returned when starting a voice session while one
	// is already running.
	ErrVoiceActive = errors.New("voice session already active")
)

// ModemError reports a command exchange that terminated with a failure
// result code such as ERROR or NO CARRIER.
type ModemError struct {
	Cmd  string
	Code ResultCode
}

func (e *ModemError) Error() string {
	return fmt.Sprintf("command %s failed: %s", e.Cmd, e.Code)
}

// Mode is the modem service class as reported by +FCLASS.
type Mode string

const (
	ModeData      Mode = "0"
	ModeFaxClass1 Mode = "1"
	ModeFax10     Mode = "1.0"
	ModeFaxClass2 Mode = "2"
	ModeVoice     Mode = "8"
)

func (m Mode) String() string {
	switch m {
	case ModeData:
		return "Data"
	case ModeFaxClass1:
		return "FaxClass1"
	case ModeFax10:
		return "FaxClass1.0"
	case ModeFaxClass2:
		return "FaxClass2"
	case ModeVoice:
		return "Voice"
	default:
		return "Unknown"
	}
}

// Transport is an established byte stream to the modem. Serial ports,
// ptys and in-memory fakes all satisfy it.
type Transport interface {
	io.ReadWriteCloser
}

const (
	// DefaultDevice is the usual device node for a USB voice modem.
	DefaultDevice = "/dev/ttyACM0"
	// DefaultBaudRate matches the CX93001 based sticks this was written for.
	DefaultBaudRate = 230400

	defaultCommandTimeout = 3 * time.Second
	defaultCallerIDWait   = 8 * time.Second
	defaultEventBuffer    = 32

	// Delay after the last caller ID field line before the block is
	// considered complete and dispatched.
	fieldFlushDelay = 250 * time.Millisecond
)

// Config holds the parameters for opening a modem.
type Config struct {
	// Device is the serial device node. Ignored when Port is set.
	Device string
	// BaudRate for the serial device. Default 230400.
	BaudRate int
	// Port overrides Device with an already connected transport.
	Port Transport
	// Logger for the driver. Defaults to the logrus standard logger.
	Logger *logrus.Entry
	// CommandTimeout bounds every command exchange. Default 3s.
	CommandTimeout time.Duration
	// CallerIDWait is how long Serve waits after a ring for caller ID
	// fields before treating the call as private. Default 8s.
	CallerIDWait time.Duration
	// EventBuffer is the per subscriber queue size. When a subscriber
	// falls behind the oldest event is dropped and logged. Default 32.
	EventBuffer int
}

type exchange struct {
	cmd   string
	terms []ResultCode
	data  []string
	done  chan Response
}

func (ex *exchange) terminalFor(rc ResultCode) bool {
	for _, t := range ex.terms {
		if t == rc {
			return true
		}
	}
	return false
}

// Modem is a driver for one Hayes AT voice modem.
type Modem struct {
	mu   sync.Mutex
	port Transport
	log  *logrus.Entry
	cfg  Config

	cmdMu   sync.Mutex // one command exchange in flight
	writeMu sync.Mutex // wire writes are atomic with respect to each other

	pending *exchange
	mode    Mode
	subs    []*Subscription
	session *voiceSession
	cb      Callbacks

	silenceAfter time.Duration

	streaming atomic.Bool
	dec       Decoder
	fields    *fieldAssembler
	fieldWait time.Duration

	closing   atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
	readErr   error
}

// Open connects to the modem, starts the reader and performs the initial
// handshake: a soft reset, then the current service class query. Any bytes
// buffered in the device before the reset (for example when the program
// starts while the phone is ringing) surface as discarded unsolicited
// lines.
func Open(ctx context.Context, cfg Config) (*Modem, error) {
	port := cfg.Port
	if port == nil {
		if cfg.Device == "" {
			cfg.Device = DefaultDevice
		}
		if cfg.BaudRate == 0 {
			cfg.BaudRate = DefaultBaudRate
		}
		p, err := serial.Open(cfg.Device, &serial.Mode{BaudRate: cfg.BaudRate})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
		}
		port = p
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.CallerIDWait == 0 {
		cfg.CallerIDWait = defaultCallerIDWait
	}
	if cfg.EventBuffer == 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	m := &Modem{
		port:      port,
		log:       cfg.Logger.WithField("component", "modem"),
		cfg:       cfg,
		closed:    make(chan struct{}),
		fieldWait: fieldFlushDelay,
	}
	m.fields = newFieldAssembler(m)
	go m.readTask()

	if err := m.Reset(ctx); err != nil {
		m.Close()
		return nil, fmt.Errorf("no answer from device: %w", err)
	}
	if fw, err := m.Get(ctx, "I3"); err == nil {
		m.log.WithField("firmware", fw).Debug("Device identified")
	}
	if mfr, err := m.Get(ctx, "+GMI"); err == nil {
		m.log.WithField("manufacturer", mfr).Debug("Device manufacturer")
	}
	return m, nil
}

// Close terminates the connection. After a clean Close, Err reports nil.
func (m *Modem) Close() error {
	m.closing.Store(true)
	err := m.port.Close()
	m.closeOnce.Do(func() { close(m.closed) })
	return err
}

// Err returns the device failure that stopped the reader, or nil after a
// requested Close.
func (m *Modem) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing.Load() || m.readErr == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrDeviceClosed, m.readErr)
}

// Done is closed when the connection is gone, for any reason.
func (m *Modem) Done() <-chan struct{} {
	return m.closed
}

func (m *Modem) fail(err error) {
	m.mu.Lock()
	if m.readErr == nil {
		m.readErr = err
	}
	ex := m.pending
	m.pending = nil
	s := m.session
	m.mu.Unlock()
	if !m.closing.Load() {
		m.log.WithError(err).Error("Serial connection lost")
	}
	if s != nil {
		s.stop(EndDevice)
	}
	if ex != nil {
		close(ex.done)
	}
	m.closeOnce.Do(func() { close(m.closed) })
}

// readTask is the single reader: it pulls bytes from the device, drives
// the framing decoder while a voice state is active and assembles lines
// otherwise. It must never block on a slow consumer.
func (m *Modem) readTask() {
	buf := make([]byte, 1024)
	line := make([]byte, 0, 128)
	samples := make([]byte, 0, 1024)
	for {
		n, err := m.port.Read(buf)
		for _, b := range buf[:n] {
			if m.streaming.Load() {
				out, kind := m.dec.Feed(b)
				switch kind {
				case FrameSample:
					samples = append(samples, out)
				case FrameCode:
					if len(samples) > 0 {
						m.deliverAudio(samples)
						samples = samples[:0]
					}
					m.handleDSC(DSC(out))
				}
				continue
			}
			if b == '\r' || b == '\n' {
				if len(line) > 0 {
					m.handleLine(string(line))
					line = line[:0]
				}
				continue
			}
			line = append(line, b)
		}
		if len(samples) > 0 {
			m.deliverAudio(samples)
			samples = samples[:0]
		}
		if err != nil || n == 0 {
			if err == nil {
				err = io.EOF
			}
			m.fail(err)
			return
		}
	}
}

// handleLine routes one command mode line: terminal codes to the pending
// exchange, everything else to the unsolicited event path.
func (m *Modem) handleLine(line string) {
	m.mu.Lock()
	ex := m.pending
	if rc, ok := ResultCodeFromLine(line); ok {
		if ex != nil && rc.Terminal() && ex.terminalFor(rc) {
			m.pending = nil
			m.mu.Unlock()
			m.fields.flush()
			ex.done <- Response{Cmd: ex.cmd, Data: ex.data, Result: rc}
			return
		}
		m.mu.Unlock()
		if rc == ResultRing {
			m.fields.flush()
			m.publish(Event{Kind: EventRing, Raw: line, Time: time.Now()})
			return
		}
		m.log.WithField("code", string(rc)).Warn("Unsolicited result code")
		m.publish(Event{Kind: EventUnknown, Raw: line, Time: time.Now()})
		return
	}
	if ex != nil && line == ex.cmd {
		m.mu.Unlock()
		return // command echo
	}
	m.mu.Unlock()

	if len(line) == 2 && line[0] == DLE {
		m.handleDSC(DSC(line[1]))
		return
	}
	if key, val, ok := fieldLine(line); ok {
		m.fields.add(key, val, line)
		return
	}
	m.mu.Lock()
	if ex = m.pending; ex != nil {
		ex.data = append(ex.data, line)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.log.WithField("line", line).Debug("Discarded stray line")
}

// handleDSC routes a shielded code. End of stream flips the reader back to
// line mode; everything else belongs to the active voice session.
func (m *Modem) handleDSC(c DSC) {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if c == DSCEndStream {
		// The terminal result code that follows arrives in line mode. The
		// session itself ends through the abort exchange, not here.
		m.streaming.Store(false)
		m.dec.Reset()
		return
	}
	if s != nil {
		s.handleCode(c)
		return
	}
	if label, ok := c.Label(); ok {
		m.log.WithField("code", label).Info("Shielded code outside voice state")
	} else {
		m.log.WithError(ErrMalformedFrame).WithField("code", fmt.Sprintf("%#02x", byte(c))).Warn("Unknown shielded code skipped")
	}
	m.publish(Event{Kind: EventCode, Code: c, Time: time.Now()})
}

func (m *Modem) deliverAudio(samples []byte) {
	m.mu.Lock()
	s := m.session
	m.mu.Unlock()
	if s == nil {
		return
	}
	batch := make([]byte, len(samples))
	copy(batch, samples)
	select {
	case s.audioCh <- batch:
	default:
		// Drop the oldest batch rather than stall the reader.
		select {
		case <-s.audioCh:
		default:
		}
		select {
		case s.audioCh <- batch:
		default:
		}
		m.log.Debug("Audio batch dropped, consumer too slow")
	}
}

// publish fans an event out to all subscribers with a drop-oldest policy.
func (m *Modem) publish(ev Event) {
	m.mu.Lock()
	subs := make([]*Subscription, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()
	for _, s := range subs {
		select {
		case s.ch <- ev:
			continue
		default:
		}
		select {
		case old := <-s.ch:
			m.log.WithField("kind", old.Kind.String()).Warn("Subscriber queue full, dropped oldest event")
		default:
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Subscription is a registered consumer of unsolicited events. Late
// subscribers never see past events.
type Subscription struct {
	C <-chan Event
	m *Modem

	ch chan Event
}

// Subscribe registers a new unsolicited event consumer.
func (m *Modem) Subscribe() *Subscription {
	ch := make(chan Event, m.cfg.EventBuffer)
	s := &Subscription{C: ch, ch: ch, m: m}
	m.mu.Lock()
	m.subs = append(m.subs, s)
	m.mu.Unlock()
	return s
}

// Close removes the subscription. Its channel is not closed so a consumer
// racing Close never reads a phantom zero event.
func (s *Subscription) Close() {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	for i, sub := range s.m.subs {
		if sub == s {
			s.m.subs = append(s.m.subs[:i], s.m.subs[i+1:]...)
			return
		}
	}
}

func commandify(cmd string) string {
	cmd = strings.ToUpper(cmd)
	if !strings.HasPrefix(cmd, "AT") {
		cmd = "AT" + cmd
	}
	return cmd
}

var defaultTerminators = []ResultCode{ResultOK, ResultError, ResultNoCarrier, ResultBusy, ResultNoAnswer, ResultNoDialtone}

// Send issues one AT command and waits for a terminal result code. The
// leading "AT" may be omitted. A failure result code is returned as a
// *ModemError alongside the response.
func (m *Modem) Send(ctx context.Context, cmd string) (*Response, error) {
	return m.SendExpect(ctx, cmd, defaultTerminators...)
}

// SendExpect issues a command with an explicit terminal result code set,
// for exchanges that end in an intermediate code such as CONNECT.
func (m *Modem) SendExpect(ctx context.Context, cmd string, terms ...ResultCode) (*Response, error) {
	cmd = commandify(cmd)
	return m.roundTrip(ctx, cmd, []byte(cmd+"\r"), terms)
}

// Get issues a query command and returns its information text.
func (m *Modem) Get(ctx context.Context, cmd string) (string, error) {
	resp, err := m.Send(ctx, cmd)
	if err != nil {
		return "", err
	}
	return resp.Value(), nil
}

// sendControl writes raw bytes (a shielded abort code) and waits for the
// terminal result that follows.
func (m *Modem) sendControl(ctx context.Context, wire []byte, terms ...ResultCode) (*Response, error) {
	return m.roundTrip(ctx, fmt.Sprintf("%q", wire), wire, terms)
}

func (m *Modem) roundTrip(ctx context.Context, label string, wire []byte, terms []ResultCode) (*Response, error) {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()
	select {
	case <-m.closed:
		return nil, fmt.Errorf("%s: %w", label, ErrDeviceClosed)
	default:
	}

	ex := &exchange{cmd: label, terms: terms, done: make(chan Response, 1)}
	m.mu.Lock()
	m.pending = ex
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		if m.pending == ex {
			m.pending = nil
		}
		m.mu.Unlock()
	}()

	if err := m.write(wire); err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}

	timer := time.NewTimer(m.cfg.CommandTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ex.done:
		if !ok {
			return nil, fmt.Errorf("%s: %w", label, ErrDeviceClosed)
		}
		m.log.WithFields(logrus.Fields{"cmd": label, "result": string(resp.Result)}).Debug("Command exchange")
		if resp.Result != ResultOK && resp.Result != ResultConnect {
			return &resp, &ModemError{Cmd: label, Code: resp.Result}
		}
		return &resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%s: %w", label, ErrCommandTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, fmt.Errorf("%s: %w", label, ErrDeviceClosed)
	}
}

func (m *Modem) write(wire []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if _, err := m.port.Write(wire); err != nil {
		m.fail(err)
		return fmt.Errorf("%w: %v", ErrDeviceClosed, err)
	}
	return nil
}

// Reset performs a soft reset and refreshes the cached service class.
func (m *Modem) Reset(ctx context.Context) error {
	if _, err := m.Send(ctx, "Z"); err != nil {
		return fmt.Errorf("soft reset: %w", err)
	}
	mode, err := m.Get(ctx, "+FCLASS?")
	if err != nil {
		return fmt.Errorf("query mode: %w", err)
	}
	m.mu.Lock()
	m.mode = Mode(mode)
	m.mu.Unlock()
	return nil
}

// Mode returns the cached service class.
func (m *Modem) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// SetMode switches the modem service class. The cached mode changes only
// on an explicit OK; an ERROR or timeout surfaces as ErrModeTransition.
// An active voice session is stopped and fully torn down first, so the
// mode command is never written into a live sample stream.
func (m *Modem) SetMode(ctx context.Context, mode Mode) error {
	if s := m.currentSession(); s != nil {
		s.stop(EndStopped)
		m.finishSession(s)
	}
	resp, err := m.Send(ctx, "+FCLASS="+string(mode))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrModeTransition, mode, err)
	}
	if !resp.OK() {
		return fmt.Errorf("%w: %s: %s", ErrModeTransition, mode, resp.Result)
	}
	m.mu.Lock()
	m.mode = mode
	m.mu.Unlock()
	m.log.WithField("mode", mode.String()).Info("Mode set")
	return nil
}

// EnableCallerID turns on caller ID reporting.
func (m *Modem) EnableCallerID(ctx context.Context) error {
	_, err := m.Send(ctx, "+VCID=1")
	return err
}

// PickUp answers the line with the off hook command the current mode
// expects.
func (m *Modem) PickUp(ctx context.Context) error {
	var err error
	switch m.Mode() {
	case ModeVoice:
		_, err = m.Send(ctx, "+VLS=1")
	case ModeFaxClass2:
		_, err = m.Send(ctx, "A")
	default:
		_, err = m.Send(ctx, "H1")
	}
	return err
}

// HangUp puts the line back on hook. An active voice session is stopped
// and fully torn down first so the stream is off the wire before the
// mode specific hang up command.
func (m *Modem) HangUp(ctx context.Context) error {
	if s := m.currentSession(); s != nil {
		s.stop(EndStopped)
		m.finishSession(s)
	}
	var err error
	if m.Mode() == ModeVoice {
		_, err = m.Send(ctx, "+VLS=0")
	} else {
		_, err = m.Send(ctx, "H0")
	}
	return err
}

// DialVoice dials a number with tone dialing. The caller is expected to
// follow up with StartDuplex once the exchange completes.
func (m *Modem) DialVoice(ctx context.Context, number string) error {
	_, err := m.Send(ctx, "DT"+number)
	return err
}

// fieldAssembler collects "KEY = VALUE" caller ID lines into one event.
// The modem emits the block between two rings; the block is complete when
// nothing follows for fieldWait, or when the next ring or a terminal
// result code arrives first.
type fieldAssembler struct {
	m      *Modem
	mu     sync.Mutex
	fields map[string]string
	raw    []string
	timer  *time.Timer
}

func newFieldAssembler(m *Modem) *fieldAssembler {
	return &fieldAssembler{m: m}
}

func (a *fieldAssembler) add(key, val, line string) {
	a.mu.Lock()
	if a.fields == nil {
		a.fields = make(map[string]string)
	}
	a.fields[key] = val
	a.raw = append(a.raw, line)
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.m.fieldWait, a.flush)
	a.mu.Unlock()
}

func (a *fieldAssembler) flush() {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	fields := a.fields
	raw := a.raw
	a.fields = nil
	a.raw = nil
	a.mu.Unlock()
	if len(fields) == 0 {
		return
	}
	ev := Event{
		Kind:   classifyFields(fields),
		Fields: fields,
		Raw:    strings.Join(raw, "\n"),
		Time:   time.Now(),
	}
	if ev.Kind == EventUnknown {
		a.m.log.WithField("fields", fields).Warn("Unclassified field block")
	}
	a.m.publish(ev)
}
