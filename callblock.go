// Package callblock screens incoming calls on a Hayes AT voice modem:
// caller ID is matched against a contact list, blocked calls are answered
// with a configurable action (hang up, fax tone, message, record,
// transmit or full duplex) and every call is appended to the call log.
package callblock

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AT0myks/callblock/calllog"
	"github.com/AT0myks/callblock/modem"
	"github.com/AT0myks/callblock/wav"
)

// Subdirectories of the work directory.
const (
	SubdirRec  = "rec"  // recordings of blocked calls
	SubdirPlay = "play" // files the silence trigger picks from
)

// Action is what happens to a blocked call.
type Action int

const (
	// ActionHangup answers and immediately hangs up. The default.
	ActionHangup Action = iota
	// ActionFax answers as a fax machine (CED tone), then hangs up.
	ActionFax
	// ActionMessage plays the configured audio file, then hangs up.
	ActionMessage
	// ActionRecord records the caller until the timeout.
	ActionRecord
	// ActionTransmit streams outbound audio until the timeout.
	ActionTransmit
	// ActionDuplex records and transmits at the same time, with optional
	// silence triggered replies.
	ActionDuplex
)

func (a Action) String() string {
	switch a {
	case ActionFax:
		return "fax"
	case ActionMessage:
		return "message"
	case ActionRecord:
		return "record"
	case ActionTransmit:
		return "transmit"
	case ActionDuplex:
		return "duplex"
	default:
		return "hangup"
	}
}

// mode is the service class the action runs in.
func (a Action) mode() modem.Mode {
	switch a {
	case ActionHangup:
		return modem.ModeData
	case ActionFax:
		return modem.ModeFaxClass2
	default:
		return modem.ModeVoice
	}
}

// Config holds the screening policy.
type Config struct {
	// Filter is the contact list policy. Required.
	Filter *Filter
	// Store receives one record per call. Optional.
	Store *calllog.Store
	// Workdir holds the rec/ and play/ subdirectories.
	Workdir string
	// Action for blocked calls.
	Action Action
	// AudioFile for the message, transmit and duplex actions.
	AudioFile string
	// BlockPrivate blocks calls with a withheld number.
	BlockPrivate bool
	// VoiceDuration bounds record, transmit and duplex actions.
	VoiceDuration time.Duration
	// SilenceWindow arms the duplex silence trigger when positive.
	SilenceWindow time.Duration
	// Timezone for recording file names. Default UTC.
	Timezone *time.Location
	// Logger defaults to the logrus standard logger.
	Logger *logrus.Entry
}

// Callblock wires the modem driver to the screening policy.
type Callblock struct {
	m   *modem.Modem
	cfg Config
	log *logrus.Entry

	// Decide, when set, can override the configured action per call
	// before it is executed.
	Decide func(call *modem.Call, configured Action) Action
}

// New validates the configuration and prepares the work directory.
func New(m *modem.Modem, cfg Config) (*Callblock, error) {
	if cfg.Filter == nil {
		return nil, errors.New("a contact list filter is required")
	}
	if cfg.Action == ActionMessage && cfg.AudioFile == "" {
		return nil, errors.New("the message action needs an audio file")
	}
	if cfg.VoiceDuration <= 0 {
		cfg.VoiceDuration = modem.DefaultVoiceDuration
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Workdir != "" {
		for _, sub := range []string{SubdirRec, SubdirPlay} {
			if err := os.MkdirAll(filepath.Join(cfg.Workdir, sub), 0o755); err != nil {
				return nil, err
			}
		}
	}
	return &Callblock{
		m:   m,
		cfg: cfg,
		log: cfg.Logger.WithField("component", "callblock"),
	}, nil
}

// Run arms the modem and serves calls until ctx is cancelled or the
// device fails. A cancellation during a call finishes that call first.
func (cb *Callblock) Run(ctx context.Context) error {
	if err := cb.arm(ctx); err != nil {
		return fmt.Errorf("set up modem: %w", err)
	}
	err := cb.m.Serve(ctx, modem.Callbacks{
		Ring:    cb.onRing,
		Call:    cb.onCall,
		Message: cb.onMessage,
		DTMF:    cb.onDTMF,
		Silence: cb.onSilence,
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// arm enables caller ID reporting and selects the service class the
// configured action needs.
func (cb *Callblock) arm(ctx context.Context) error {
	if err := cb.m.EnableCallerID(ctx); err != nil {
		return err
	}
	mode := cb.cfg.Action.mode()
	if err := cb.m.SetMode(ctx, mode); err != nil {
		return err
	}
	if mode == modem.ModeVoice {
		// Unsigned 8-bit PCM at 8000 Hz.
		if _, err := cb.m.Send(ctx, "+VSM=1"); err != nil {
			return err
		}
	}
	cb.m.SetSilenceWindow(cb.cfg.SilenceWindow)
	return nil
}

func (cb *Callblock) onRing(ctx context.Context, ev modem.Event) {
	cb.log.Debug("Ring observed")
}

func (cb *Callblock) onCall(ctx context.Context, call *modem.Call) {
	action := cb.cfg.Action
	if cb.Decide != nil {
		action = cb.Decide(call, action)
	}
	reason := cb.cfg.Filter.BlockReason(call, cb.cfg.BlockPrivate)
	rec := &calllog.Record{
		Timestamp: call.Start.UnixNano(),
		Number:    call.Number,
		Name:      call.Name,
		Blocked:   reason != "",
	}
	if reason == "" {
		cb.log.WithField("call", call.String()).Info("Call allowed")
		rec.EndReason = "not blocked"
	} else {
		end, dur := cb.blockCall(ctx, call, action)
		cb.log.WithFields(logrus.Fields{"call": call.String(), "reason": reason}).Info("Call blocked")
		rec.Action = action.String()
		rec.DurationSec = dur.Seconds()
		rec.EndReason = end
	}
	if cb.cfg.Store != nil {
		if err := cb.cfg.Store.Append(rec); err != nil {
			cb.log.WithError(err).Error("Could not log call")
		} else {
			cb.log.Debug("Call logged")
		}
	}
}

// blockCall answers the line and executes the block action. Whatever
// happens mid action, the call is driven to hang up and the modem is
// re-armed; protocol cleanup runs on its own timeout so a process
// shutdown still completes it.
func (cb *Callblock) blockCall(ctx context.Context, call *modem.Call, action Action) (string, time.Duration) {
	start := time.Now()
	cb.log.WithFields(logrus.Fields{"call": call.String(), "action": action.String()}).Info("Blocking call")
	end := string(modem.EndCompleted)
	if err := cb.m.PickUp(ctx); err != nil {
		cb.log.WithError(err).Error("Pick up failed")
		end = "error"
	} else {
		switch action {
		case ActionHangup, ActionFax:
			// Picking up in fax class 2 already played the answer tone.
		case ActionMessage:
			end = cb.runMessage(ctx)
		case ActionRecord:
			end = cb.runRecord(ctx, call)
		case ActionTransmit:
			end = cb.runTransmit(ctx)
		case ActionDuplex:
			end = cb.runDuplex(ctx, call)
		}
	}

	cleanup, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cb.log.Info("Hanging up")
	if err := cb.m.HangUp(cleanup); err != nil {
		cb.log.WithError(err).Error("Hang up failed")
	}
	// A soft reset between calls keeps some chipsets from wedging.
	if err := cb.m.Reset(cleanup); err != nil {
		cb.log.WithError(err).Error("Soft reset failed")
	} else if err := cb.arm(cleanup); err != nil {
		cb.log.WithError(err).Error("Could not re-arm modem")
	}
	return end, time.Since(start)
}

func (cb *Callblock) runMessage(ctx context.Context) string {
	dur, err := wav.Duration(cb.cfg.AudioFile)
	if err != nil {
		cb.log.WithError(err).Error("Message file unusable")
		return "error"
	}
	if err := cb.m.StartTransmit(ctx, dur+2*time.Second, modem.DefaultTxGain, true); err != nil {
		return cb.actionFailed(err)
	}
	cb.enqueueFile(cb.cfg.AudioFile)
	return cb.waitVoice(ctx)
}

func (cb *Callblock) runRecord(ctx context.Context, call *modem.Call) string {
	w, path := cb.newRecording(call)
	if w == nil {
		return "error"
	}
	cb.log.WithField("file", path).Info("Recording call")
	if err := cb.m.StartReceive(ctx, w, cb.cfg.VoiceDuration, modem.DefaultRxGain); err != nil {
		w.Close()
		return cb.actionFailed(err)
	}
	end := cb.waitVoice(ctx)
	if err := w.Close(); err != nil {
		cb.log.WithError(err).Error("Could not finalize recording")
	}
	return end
}

func (cb *Callblock) runTransmit(ctx context.Context) string {
	if err := cb.m.StartTransmit(ctx, cb.cfg.VoiceDuration, modem.DefaultTxGain, false); err != nil {
		return cb.actionFailed(err)
	}
	if cb.cfg.AudioFile != "" {
		cb.enqueueFile(cb.cfg.AudioFile)
	}
	return cb.waitVoice(ctx)
}

func (cb *Callblock) runDuplex(ctx context.Context, call *modem.Call) string {
	w, path := cb.newRecording(call)
	if w == nil {
		return "error"
	}
	cb.log.WithField("file", path).Info("Duplex with recording")
	if err := cb.m.StartDuplex(ctx, w, cb.cfg.VoiceDuration, modem.DefaultTxGain, modem.DefaultRxGain); err != nil {
		w.Close()
		return cb.actionFailed(err)
	}
	if cb.cfg.AudioFile != "" {
		cb.enqueueFile(cb.cfg.AudioFile)
	}
	end := cb.waitVoice(ctx)
	if err := w.Close(); err != nil {
		cb.log.WithError(err).Error("Could not finalize recording")
	}
	return end
}

func (cb *Callblock) actionFailed(err error) string {
	cb.log.WithError(err).Error("Voice action failed to start")
	return "error"
}

func (cb *Callblock) waitVoice(ctx context.Context) string {
	reason, err := cb.m.WaitVoiceEnd(ctx)
	if err != nil {
		cb.log.WithError(err).Error("Voice action lost")
		return "error"
	}
	return string(reason)
}

// newRecording creates the sink for an inbound recording. File names are
// `<timestamp> <number>.wav` with the timestamp in the configured
// timezone, formatted to stay a valid file name everywhere.
func (cb *Callblock) newRecording(call *modem.Call) (*wav.Writer, string) {
	number := call.Number
	if number == "" {
		number = "unknown"
	}
	stamp := call.Start.In(cb.cfg.Timezone).Format("2006-01-02 15-04-05-0700")
	path := filepath.Join(cb.cfg.Workdir, SubdirRec, stamp+" "+number+".wav")
	w, err := wav.Create(path)
	if err != nil {
		cb.log.WithError(err).Error("Could not create recording file")
		return nil, ""
	}
	return w, path
}

func (cb *Callblock) enqueueFile(path string) {
	f, err := wav.Open(path)
	if err != nil {
		cb.log.WithError(err).Error("Could not open audio file")
		return
	}
	if err := cb.m.Enqueue(f); err != nil {
		f.Close()
		cb.log.WithError(err).Error("Could not enqueue audio file")
		return
	}
	cb.log.WithField("file", path).Info("Audio file queued")
}

func (cb *Callblock) onMessage(ctx context.Context, ev modem.Event) {
	if n, ok := ev.UnreadMessages(); ok {
		cb.log.WithField("unread", n).Info("Message waiting indication")
	} else {
		cb.log.Info("No more unread messages")
	}
}

func (cb *Callblock) onDTMF(digit modem.DTMF) {
	cb.log.WithField("digit", digit.String()).Info("DTMF received")
}

// onSilence answers sustained silence during a duplex call with a random
// file from the play directory.
func (cb *Callblock) onSilence() {
	path := randomFile(filepath.Join(cb.cfg.Workdir, SubdirPlay))
	if path == "" {
		return
	}
	cb.log.WithField("file", path).Info("Silence trigger")
	cb.enqueueFile(path)
}

func randomFile(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return ""
	}
	return files[rand.Intn(len(files))]
}
