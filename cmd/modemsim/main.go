// Command modemsim emulates a Hayes AT voice modem behind a pty so the
// blocker can be exercised without hardware. A small stdin console
// injects rings, caller ID and DTMF:
//
//	ring                  bare ring, no caller ID
//	call NUMBER [NAME]    ring followed by a caller ID block
//	dtmf D                shielded DTMF digit while a voice stream is up
//	busy                  peer hangup code while a voice stream is up
//	quit
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/aymanbagabas/go-pty"
	"github.com/sirupsen/logrus"
)

const (
	dle = 0x10
	etx = 0x03

	silenceByte = 0x80
	chunkSize   = 1600
	chunkEvery  = 200 * time.Millisecond
)

type voiceDir int

const (
	voiceOff voiceDir = iota
	voiceRX           // samples flow modem -> host
	voiceTX           // samples flow host -> modem
	voiceTRX
)

type sim struct {
	pty pty.Pty
	log *logrus.Entry

	mu    sync.Mutex
	mode  string
	vcid  bool
	voice voiceDir
	stop  chan struct{}
}

func main() {
	log := logrus.NewEntry(logrus.StandardLogger())
	logrus.SetLevel(logrus.DebugLevel)

	tty, err := pty.New()
	if err != nil {
		log.Fatal(err)
	}
	defer tty.Close()
	fmt.Printf("tty path: %s\n", tty.Name())

	s := &sim{pty: tty, log: log, mode: "0"}
	go s.serve()
	s.console()
}

func (s *sim) send(line string) {
	if _, err := s.pty.Write([]byte("\r\n" + line + "\r\n")); err != nil {
		s.log.WithError(err).Error("pty write")
	}
}

func (s *sim) echo(raw string) {
	s.pty.Write([]byte(raw + "\r\n"))
}

// serve reads from the pty, switching between AT command lines and DLE
// shielded sample streams the way the real device does.
func (s *sim) serve() {
	buf := make([]byte, 4096)
	var line []byte
	shield := false
	for {
		n, err := s.pty.Read(buf)
		if err != nil {
			s.log.WithError(err).Info("pty closed")
			return
		}
		for _, b := range buf[:n] {
			if s.voiceActive() {
				if shield {
					shield = false
					s.hostCode(b)
					continue
				}
				if b == dle {
					shield = true
				}
				continue // plain sample bytes from the host are dropped
			}
			switch b {
			case '\r':
				cmd := strings.TrimSpace(string(line))
				line = line[:0]
				if cmd != "" {
					s.handle(cmd)
				}
			case '\n':
			default:
				line = append(line, b)
			}
		}
	}
}

func (s *sim) voiceActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voice != voiceOff
}

// hostCode reacts to a shielded code sent by the host mid-stream.
func (s *sim) hostCode(c byte) {
	switch c {
	case dle:
		// doubled DLE, literal sample
	case etx, '!', '^':
		s.endVoice(c != etx)
	default:
		s.log.WithField("code", string(c)).Debug("host code ignored")
	}
}

// endVoice tears the stream down. When the host aborted a stream that
// carries samples toward it, the device acknowledges with DLE ETX
// before the terminal code.
func (s *sim) endVoice(ackETX bool) {
	s.mu.Lock()
	dir := s.voice
	s.voice = voiceOff
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.mu.Unlock()
	if dir == voiceOff {
		return
	}
	if ackETX && dir != voiceTX {
		s.pty.Write([]byte{dle, etx})
	}
	s.send("OK")
}

func (s *sim) startVoice(dir voiceDir) {
	s.mu.Lock()
	s.voice = dir
	stop := make(chan struct{})
	s.stop = stop
	s.mu.Unlock()
	s.send("CONNECT")
	if dir != voiceTX {
		go s.pump(stop)
	}
}

// pump streams silence toward the host until the session ends.
func (s *sim) pump(stop chan struct{}) {
	chunk := make([]byte, chunkSize)
	for i := range chunk {
		chunk[i] = silenceByte
	}
	t := time.NewTicker(chunkEvery)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if _, err := s.pty.Write(chunk); err != nil {
				return
			}
		}
	}
}

func (s *sim) handle(cmd string) {
	s.log.WithField("cmd", cmd).Debug("command")
	s.echo(cmd)
	upper := strings.ToUpper(cmd)
	switch {
	case upper == "ATZ", upper == "ATH", upper == "ATH0", upper == "ATH1", upper == "ATA":
		s.send("OK")
	case upper == "ATI3":
		s.send("modemsim rev 1")
		s.send("OK")
	case upper == "AT+GMI":
		s.send("callblock project")
		s.send("OK")
	case upper == "AT+FCLASS?":
		s.mu.Lock()
		mode := s.mode
		s.mu.Unlock()
		s.send(mode)
		s.send("OK")
	case strings.HasPrefix(upper, "AT+FCLASS="):
		s.mu.Lock()
		s.mode = strings.TrimPrefix(upper, "AT+FCLASS=")
		s.mu.Unlock()
		s.send("OK")
	case strings.HasPrefix(upper, "AT+VCID="):
		s.mu.Lock()
		s.vcid = strings.TrimPrefix(upper, "AT+VCID=") == "1"
		s.mu.Unlock()
		s.send("OK")
	case strings.HasPrefix(upper, "AT+VLS="),
		strings.HasPrefix(upper, "AT+VSM="),
		strings.HasPrefix(upper, "AT+VGR="),
		strings.HasPrefix(upper, "AT+VGT="),
		strings.HasPrefix(upper, "ATDT"):
		s.send("OK")
	case upper == "AT+VRX":
		s.startVoice(voiceRX)
	case upper == "AT+VTX":
		s.startVoice(voiceTX)
	case upper == "AT+VTR":
		s.startVoice(voiceTRX)
	default:
		s.send("ERROR")
	}
}

func (s *sim) console() {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		args := strings.Fields(sc.Text())
		if len(args) == 0 {
			continue
		}
		switch args[0] {
		case "ring":
			s.send("RING")
		case "call":
			if len(args) < 2 {
				fmt.Println("usage: call NUMBER [NAME]")
				continue
			}
			s.send("RING")
			now := time.Now()
			s.send("DATE = " + now.Format("0102"))
			s.send("TIME = " + now.Format("1504"))
			s.send("NMBR = " + args[1])
			if len(args) > 2 {
				s.send("NAME = " + strings.Join(args[2:], " "))
			}
		case "dtmf":
			if len(args) != 2 || len(args[1]) != 1 {
				fmt.Println("usage: dtmf D")
				continue
			}
			if !s.voiceActive() {
				fmt.Println("no voice stream")
				continue
			}
			s.pty.Write([]byte{dle, '/', dle, args[1][0], dle, '~'})
		case "busy":
			if !s.voiceActive() {
				fmt.Println("no voice stream")
				continue
			}
			s.pty.Write([]byte{dle, 'b'})
		case "quit", "exit":
			return
		default:
			fmt.Println("commands: ring, call, dtmf, busy, quit")
		}
	}
}
