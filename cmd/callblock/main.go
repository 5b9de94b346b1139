// Command callblock screens incoming calls on a Hayes AT voice modem.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/syslog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"
	lsyslog "github.com/sirupsen/logrus/hooks/syslog"

	"github.com/AT0myks/callblock"
	"github.com/AT0myks/callblock/calllog"
	"github.com/AT0myks/callblock/modem"
)

type options struct {
	Version      bool    `short:"V" long:"version" description:"print version and exit"`
	Device       string  `long:"device" value-name:"DEV" default:"/dev/ttyACM0" description:"serial device of the modem"`
	Workdir      string  `long:"workdir" value-name:"DIR" description:"work directory (default: ~/callblock)"`
	Logfile      string  `long:"logfile" value-name:"FILE" description:"log to the specified file"`
	Syslog       string  `long:"syslog" value-name:"ADDRESS" optional:"yes" optional-value:"/dev/log" description:"log to syslog"`
	Stderr       bool    `short:"l" long:"stderr" description:"log to stderr"`
	Verbose      []bool  `short:"v" long:"verbose" description:"increase verbosity"`
	BlockPrivate bool    `short:"p" long:"block-private" description:"block private numbers"`
	Silence      float64 `short:"s" long:"silence" value-name:"SEC" description:"seconds of silence before the silence trigger fires (duplex only)"`
	AudioFile    string  `short:"a" long:"audio-file" value-name:"FILE" description:"WAV file for the message, transmit and duplex actions"`
	Timezone     string  `long:"timezone" value-name:"TZ" description:"IANA timezone for recording file names (default: UTC)"`

	Blacklist string `short:"b" long:"blacklist" value-name:"CSV" description:"contacts that will be blocked"`
	Whitelist string `short:"w" long:"whitelist" value-name:"CSV" description:"contacts that will be allowed"`

	Fax      bool `short:"f" long:"fax" description:"act as a fax machine"`
	Message  bool `short:"m" long:"message" description:"play the audio file given with -a"`
	Record   *int `short:"r" long:"record" value-name:"SEC" optional:"yes" optional-value:"120" description:"record the caller for SEC seconds"`
	Duplex   *int `short:"d" long:"duplex" value-name:"SEC" optional:"yes" optional-value:"120" description:"full duplex for SEC seconds"`
	Transmit *int `short:"t" long:"transmit" value-name:"SEC" optional:"yes" optional-value:"120" description:"transmit for SEC seconds"`
}

const version = "1.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "callblock:", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	parser := flags.NewParser(&opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.Parse(); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) && ferr.Type == flags.ErrHelp {
			fmt.Println(ferr.Message)
			return nil
		}
		return err
	}
	if opts.Version {
		fmt.Println("callblock", version)
		return nil
	}

	action, voiceDur, err := pickAction(&opts)
	if err != nil {
		return err
	}
	if (opts.Blacklist == "") == (opts.Whitelist == "") {
		return errors.New("exactly one of --blacklist and --whitelist is required")
	}

	logger, err := setupLogging(&opts)
	if err != nil {
		return err
	}
	log := logrus.NewEntry(logger)

	tz := time.UTC
	if opts.Timezone != "" {
		if tz, err = time.LoadLocation(opts.Timezone); err != nil {
			return fmt.Errorf("timezone: %w", err)
		}
	}

	workdir := opts.Workdir
	if workdir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		workdir = filepath.Join(home, "callblock")
	}
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return err
	}

	ftype, list := callblock.Blacklist, opts.Blacklist
	if opts.Whitelist != "" {
		ftype, list = callblock.Whitelist, opts.Whitelist
	}
	filter, err := callblock.LoadFilter(ftype, list)
	if err != nil {
		return fmt.Errorf("load %s: %w", ftype, err)
	}

	store, err := calllog.Open(filepath.Join(workdir, "callblock.db"))
	if err != nil {
		return fmt.Errorf("open call log: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.WithFields(logrus.Fields{
		"version":       version,
		"device":        opts.Device,
		"filter":        ftype.String(),
		"contacts":      filter.Len(),
		"action":        action.String(),
		"block_private": opts.BlockPrivate,
	}).Info("callblock starting")

	m, err := modem.Open(ctx, modem.Config{Device: opts.Device, Logger: log})
	if err != nil {
		return err
	}
	defer m.Close()

	cb, err := callblock.New(m, callblock.Config{
		Filter:        filter,
		Store:         store,
		Workdir:       workdir,
		Action:        action,
		AudioFile:     opts.AudioFile,
		BlockPrivate:  opts.BlockPrivate,
		VoiceDuration: voiceDur,
		SilenceWindow: time.Duration(opts.Silence * float64(time.Second)),
		Timezone:      tz,
		Logger:        log,
	})
	if err != nil {
		return err
	}

	err = cb.Run(ctx)
	log.Info("callblock stopped")
	if errors.Is(err, modem.ErrDeviceClosed) {
		return err // distinct from a clean shutdown so a supervisor can restart
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// pickAction enforces the mutually exclusive block action group.
func pickAction(opts *options) (callblock.Action, time.Duration, error) {
	type choice struct {
		set    bool
		action callblock.Action
		dur    *int
	}
	choices := []choice{
		{opts.Fax, callblock.ActionFax, nil},
		{opts.Message, callblock.ActionMessage, nil},
		{opts.Record != nil, callblock.ActionRecord, opts.Record},
		{opts.Duplex != nil, callblock.ActionDuplex, opts.Duplex},
		{opts.Transmit != nil, callblock.ActionTransmit, opts.Transmit},
	}
	picked := choice{action: callblock.ActionHangup}
	n := 0
	for _, c := range choices {
		if c.set {
			picked = c
			n++
		}
	}
	if n > 1 {
		return 0, 0, errors.New("only one block action may be given")
	}
	if picked.action == callblock.ActionMessage && opts.AudioFile == "" {
		return 0, 0, errors.New("no audio file specified for --message")
	}
	var dur time.Duration
	if picked.dur != nil {
		if *picked.dur <= 0 {
			return 0, 0, errors.New("action duration must be positive")
		}
		dur = time.Duration(*picked.dur) * time.Second
	}
	return picked.action, dur, nil
}

func setupLogging(opts *options) (*logrus.Logger, error) {
	logger := logrus.New()
	if len(opts.Verbose) > 0 {
		logger.SetLevel(logrus.DebugLevel)
	}
	var sinks []io.Writer
	if opts.Stderr {
		sinks = append(sinks, os.Stderr)
	}
	if opts.Logfile != "" {
		f, err := os.OpenFile(opts.Logfile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, f)
	}
	switch len(sinks) {
	case 0:
		logger.SetOutput(io.Discard)
	case 1:
		logger.SetOutput(sinks[0])
	default:
		logger.SetOutput(io.MultiWriter(sinks...))
	}
	if opts.Syslog != "" {
		hook, err := lsyslog.NewSyslogHook("unixgram", opts.Syslog, syslog.LOG_INFO|syslog.LOG_DAEMON, "callblock")
		if err != nil {
			return nil, fmt.Errorf("syslog: %w", err)
		}
		logger.AddHook(hook)
	}
	return logger, nil
}
