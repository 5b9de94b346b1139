package modem

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync"
	"time"
)

const (
	// SampleRate of the voice path: unsigned 8-bit PCM, mono, 8000 Hz.
	SampleRate = 8000
	// silenceByte is the resting level of unsigned 8-bit audio.
	silenceByte = 0x80

	// The transmit pump moves one 200 ms chunk per tick.
	chunkSamples = SampleRate / 5
	pumpTick     = 200 * time.Millisecond

	// An 8-bit unsigned silent line sits at 0x80, which is full scale when
	// the samples are read as signed, so a high RMS means a quiet line.
	// 126 accommodates the default receive gain.
	silentRMS = 126

	// DefaultVoiceDuration bounds a voice action when the caller gives none.
	DefaultVoiceDuration = 120 * time.Second
	// DefaultTxGain and DefaultRxGain program +VGT/+VGR before streaming.
	DefaultTxGain = 128
	DefaultRxGain = 128
)

// EndReason says why a voice action finished.
type EndReason string

const (
	EndCompleted  EndReason = "completed"
	EndTimeout    EndReason = "timeout"
	EndPeerHangup EndReason = "peer hangup"
	EndShutdown   EndReason = "shutdown"
	EndStopped    EndReason = "stopped"
	EndDevice     EndReason = "device error"
)

// AudioSource provides outbound samples for the play queue. Read returns
// unsigned 8-bit samples; the source is closed when exhausted or when the
// queue is flushed at the end of a call.
type AudioSource interface {
	io.ReadCloser
}

type voiceState int

const (
	voiceReceive voiceState = iota
	voiceTransmit
	voiceDuplex
)

func (v voiceState) abortCode() []byte {
	switch v {
	case voiceReceive:
		return EndRecord
	case voiceDuplex:
		return EndDuplex
	default:
		return EndStream
	}
}

// playQueue is the FIFO of outbound audio sources owned by a session.
type playQueue struct {
	mu    sync.Mutex
	items []AudioSource
}

func (q *playQueue) push(src AudioSource) {
	q.mu.Lock()
	q.items = append(q.items, src)
	q.mu.Unlock()
}

func (q *playQueue) pop() AudioSource {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	src := q.items[0]
	q.items = q.items[1:]
	return src
}

func (q *playQueue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0
}

// flush closes and discards the remaining entries. They are never replayed
// on a later call.
func (q *playQueue) flush() int {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	for _, src := range items {
		src.Close()
	}
	return len(items)
}

// rms8 measures signal level the way audio tooling does for 8-bit data:
// samples are interpreted as signed.
func rms8(b []byte) float64 {
	if len(b) == 0 {
		return 0
	}
	var sum float64
	for _, v := range b {
		s := float64(int8(v))
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(b)))
}

// silenceDetector accumulates the duration of contiguous quiet audio and
// fires its callback once when the configured minimum is reached. Any loud
// sample resets the window to zero. While suspended (a queued file is
// playing) the window stays at zero so played audio cannot trip it.
type silenceDetector struct {
	mu        sync.Mutex
	min       time.Duration
	acc       time.Duration
	fired     bool
	suspended int
	onSilence func()
}

func newSilenceDetector(min time.Duration, fn func()) *silenceDetector {
	if min <= 0 || fn == nil {
		return nil
	}
	return &silenceDetector{min: min, onSilence: fn}
}

func (d *silenceDetector) observe(batch []byte) {
	dur := time.Duration(len(batch)) * time.Second / SampleRate
	quiet := rms8(batch) >= silentRMS
	d.mu.Lock()
	if d.suspended > 0 || !quiet {
		d.acc = 0
		d.fired = false
		d.mu.Unlock()
		return
	}
	d.acc += dur
	fire := d.acc >= d.min && !d.fired
	if fire {
		d.fired = true
	}
	fn := d.onSilence
	d.mu.Unlock()
	if fire {
		go fn()
	}
}

func (d *silenceDetector) suspend() {
	d.mu.Lock()
	d.suspended++
	d.acc = 0
	d.fired = false
	d.mu.Unlock()
}

func (d *silenceDetector) resume() {
	d.mu.Lock()
	if d.suspended > 0 {
		d.suspended--
	}
	d.acc = 0
	d.fired = false
	d.mu.Unlock()
}

// voiceSession is one receive, transmit or duplex action on the line.
type voiceSession struct {
	m      *Modem
	state  voiceState
	sink   io.Writer
	maxDur time.Duration

	// drainStop ends the session with EndCompleted once at least one
	// queued source has played and the queue is empty again.
	drainStop bool
	playedAny bool

	det     *silenceDetector
	queue   playQueue
	tracker dtmfTracker

	audioCh    chan []byte
	stopOnce   sync.Once
	stopped    chan struct{}
	reason     EndReason
	finishOnce sync.Once
	timer      *time.Timer
	wg         sync.WaitGroup
}

func (s *voiceSession) stop(reason EndReason) {
	s.stopOnce.Do(func() {
		s.reason = reason
		close(s.stopped)
	})
}

// handleCode runs on the reader goroutine; it must stay non blocking.
// Only busy ends the action. Unrecognized codes during an action are
// noise from flaky hardware, never a hang up trigger.
func (s *voiceSession) handleCode(c DSC) {
	if c == DSCBusy {
		s.m.log.Info("Busy tone, peer hung up")
		s.stop(EndPeerHangup)
		return
	}
	if digit, ok := s.tracker.feed(c); ok {
		if cb := s.m.callbacks().DTMF; cb != nil {
			go cb(digit)
		}
		return
	}
	if label, known := c.Label(); known {
		s.m.log.WithField("code", label).Debug("Shielded code during voice state")
	} else {
		s.m.log.WithError(ErrMalformedFrame).WithField("code", fmt.Sprintf("%#02x", byte(c))).Debug("Unknown shielded code ignored")
	}
}

// rxPump persists inbound audio and feeds the silence detector.
func (s *voiceSession) rxPump() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopped:
			return
		case batch := <-s.audioCh:
			s.consume(batch)
		}
	}
}

func (s *voiceSession) consume(batch []byte) {
	if s.sink != nil {
		if _, err := s.sink.Write(batch); err != nil {
			s.m.log.WithError(err).Error("Recording sink failed, audio discarded")
			s.sink = nil
		}
	}
	if s.det != nil {
		s.det.observe(batch)
	}
}

// txPump drains the play queue front to back, one real time chunk per
// tick, and keeps the modem's transmit buffer fed with silence in between
// so it never underruns.
func (s *voiceSession) txPump() {
	defer s.wg.Done()
	filler := make([]byte, chunkSamples)
	for i := range filler {
		filler[i] = silenceByte
	}
	tick := time.NewTicker(pumpTick)
	defer tick.Stop()
	var cur AudioSource
	buf := make([]byte, chunkSamples)
	for {
		select {
		case <-s.stopped:
			if cur != nil {
				cur.Close()
			}
			return
		case <-tick.C:
		}
		if cur == nil {
			if cur = s.queue.pop(); cur != nil {
				s.playedAny = true
				if s.det != nil {
					s.det.suspend()
				}
			}
		}
		if cur == nil {
			if s.drainStop && s.playedAny {
				s.stop(EndCompleted)
				return
			}
			s.m.writeAudio(filler)
			continue
		}
		n, err := io.ReadFull(cur, buf)
		if n > 0 {
			s.m.writeAudio(Encode(buf[:n]))
		}
		if err != nil { // including a short final chunk
			cur.Close()
			cur = nil
			if s.queue.empty() {
				if s.det != nil {
					s.det.resume()
				}
				if s.drainStop {
					s.stop(EndCompleted)
					return
				}
			}
		}
	}
}

func (m *Modem) writeAudio(wire []byte) {
	if err := m.write(wire); err != nil {
		m.log.WithError(err).Error("Audio write failed")
	}
}

func (m *Modem) currentSession() *voiceSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Modem) callbacks() Callbacks {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cb
}

// SetSilenceWindow arms silence detection for duplex sessions: after d of
// contiguous quiet the Silence callback fires once. Zero disables it.
func (m *Modem) SetSilenceWindow(d time.Duration) {
	m.mu.Lock()
	m.silenceAfter = d
	m.mu.Unlock()
}

// startPrereqs rejects a voice start before anything touches the wire.
// With a session already active the reader is in stream mode, so a gain
// command sent now would be fed into the live audio path and its reply
// would never parse as a response line.
func (m *Modem) startPrereqs() error {
	if m.Mode() != ModeVoice {
		return fmt.Errorf("%w: voice state needs voice mode, have %s", ErrModeTransition, m.Mode())
	}
	if m.currentSession() != nil {
		return ErrVoiceActive
	}
	return nil
}

func (m *Modem) startSession(ctx context.Context, state voiceState, sink io.Writer, maxDur time.Duration, connectCmd string, drainStop bool) error {
	if err := m.startPrereqs(); err != nil {
		return err
	}
	resp, err := m.SendExpect(ctx, connectCmd, ResultConnect, ResultError, ResultNoCarrier)
	if err != nil {
		return fmt.Errorf("start voice state: %w", err)
	}
	if resp.Result != ResultConnect {
		return fmt.Errorf("start voice state: unexpected %s", resp.Result)
	}

	if maxDur <= 0 {
		maxDur = DefaultVoiceDuration
	}
	s := &voiceSession{
		m:         m,
		state:     state,
		sink:      sink,
		maxDur:    maxDur,
		drainStop: drainStop,
		audioCh:   make(chan []byte, 64),
		stopped:   make(chan struct{}),
	}
	if state == voiceDuplex {
		m.mu.Lock()
		window := m.silenceAfter
		cb := m.cb.Silence
		m.mu.Unlock()
		s.det = newSilenceDetector(window, cb)
	}
	s.timer = time.AfterFunc(maxDur, func() { s.stop(EndTimeout) })

	m.mu.Lock()
	m.session = s
	m.mu.Unlock()
	m.dec.Reset()
	m.streaming.Store(true)

	s.wg.Add(1)
	go s.rxPump()
	if state != voiceReceive {
		s.wg.Add(1)
		go s.txPump()
	}
	return nil
}

// StartReceive enters the voice receive state: inbound audio is written to
// sink until maxDur elapses or the line signals busy.
func (m *Modem) StartReceive(ctx context.Context, sink io.Writer, maxDur time.Duration, rxGain int) error {
	if err := m.startPrereqs(); err != nil {
		return err
	}
	if _, err := m.Send(ctx, fmt.Sprintf("+VGR=%d", rxGain)); err != nil {
		return err
	}
	return m.startSession(ctx, voiceReceive, sink, maxDur, "+VRX", false)
}

// StartTransmit enters the voice transmit state. Outbound audio comes from
// the play queue; set drainStop to end the action once the queue has been
// played out (the message action).
func (m *Modem) StartTransmit(ctx context.Context, maxDur time.Duration, txGain int, drainStop bool) error {
	if err := m.startPrereqs(); err != nil {
		return err
	}
	if _, err := m.Send(ctx, fmt.Sprintf("+VGT=%d", txGain)); err != nil {
		return err
	}
	return m.startSession(ctx, voiceTransmit, nil, maxDur, "+VTX", drainStop)
}

// StartDuplex enters the full duplex state: inbound audio goes to sink and
// the silence detector, outbound audio comes from the play queue.
func (m *Modem) StartDuplex(ctx context.Context, sink io.Writer, maxDur time.Duration, txGain, rxGain int) error {
	if err := m.startPrereqs(); err != nil {
		return err
	}
	if _, err := m.Send(ctx, fmt.Sprintf("+VGR=%d", rxGain)); err != nil {
		return err
	}
	if _, err := m.Send(ctx, fmt.Sprintf("+VGT=%d", txGain)); err != nil {
		return err
	}
	return m.startSession(ctx, voiceDuplex, sink, maxDur, "+VTR", false)
}

// Enqueue appends an audio source to the play queue of the active
// transmit or duplex session.
func (m *Modem) Enqueue(src AudioSource) error {
	s := m.currentSession()
	if s == nil || s.state == voiceReceive {
		return ErrNoVoiceSession
	}
	s.queue.push(src)
	return nil
}

// StopVoice requests the active voice action to end.
func (m *Modem) StopVoice() {
	if s := m.currentSession(); s != nil {
		s.stop(EndStopped)
	}
}

// WaitVoiceEnd blocks until the active voice action finishes, terminates
// the stream on the wire and reports why it ended. Cancelling ctx drives
// the action to an orderly end with reason EndShutdown rather than
// abandoning the modem mid protocol.
func (m *Modem) WaitVoiceEnd(ctx context.Context) (EndReason, error) {
	s := m.currentSession()
	if s == nil {
		return "", ErrNoVoiceSession
	}
	select {
	case <-s.stopped:
	case <-ctx.Done():
		s.stop(EndShutdown)
	case <-m.closed:
		s.stop(EndDevice)
	}
	<-s.stopped
	m.finishSession(s)
	return s.reason, nil
}

// finishSession completes the teardown exactly once: pumps joined, the
// play queue flushed, the stream terminated on the wire and the session
// slot cleared. The session must already be stopped. SetMode and HangUp
// run this too, so a command issued right after them never races the
// sample stream.
func (m *Modem) finishSession(s *voiceSession) {
	s.finishOnce.Do(func() {
		s.timer.Stop()
		s.wg.Wait()
		if n := s.queue.flush(); n > 0 {
			m.log.WithField("discarded", n).Info("Play queue entries discarded at call end")
		}

		m.endStream(s)

		m.mu.Lock()
		if m.session == s {
			m.session = nil
		}
		m.mu.Unlock()
		m.streaming.Store(false)
		m.dec.Reset()
		m.log.WithField("reason", string(s.reason)).Info("Voice action ended")
	})
}

// endStream performs the wire level stream termination. Transmit ends with
// <DLE><ETX> from our side; receive and duplex send their abort code and
// the modem flushes trailing audio, its own <DLE><ETX> and a final OK.
// This always runs on a fresh timeout so a shutdown still completes the
// protocol.
func (m *Modem) endStream(s *voiceSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*m.cfg.CommandTimeout)
	defer cancel()
	if s.state == voiceTransmit {
		m.streaming.Store(false)
		m.dec.Reset()
	}
	if _, err := m.sendControl(ctx, s.state.abortCode(), ResultOK, ResultError, ResultNoCarrier); err != nil {
		m.log.WithError(err).Warn("Stream termination not acknowledged")
		return
	}
	// Salvage trailing audio the modem flushed before its end of stream.
	for {
		select {
		case batch := <-s.audioCh:
			if s.sink != nil {
				if _, err := s.sink.Write(batch); err != nil {
					s.sink = nil
				}
			}
		default:
			return
		}
	}
}
