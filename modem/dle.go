package modem

// DLE is the data link escape byte. In voice data states every in-band
// control code is a two byte <DLE><code> pair, and a literal 0x10 audio
// sample travels as <DLE><DLE>.
const DLE = 0x10

// Shielded codes sent from the DTE to the modem.
var (
	// EndStream terminates a voice transmit state (<DLE><ETX>).
	EndStream = []byte{DLE, 0x03}
	// EndRecord aborts a voice receive state (<DLE>!).
	EndRecord = []byte{DLE, '!'}
	// EndDuplex aborts a full duplex state (<DLE>^).
	EndDuplex = []byte{DLE, '^'}
)

// DSC is a DLE shielded code received from the modem.
type DSC byte

const (
	DSCEndStream  DSC = 0x03 // end of inbound voice data
	DSCBusy       DSC = 'b'
	DSCFaxCalling DSC = 'c'
	DSCDataCall   DSC = 'e'
	DSCOnHook     DSC = 'h'
	DSCOffHook    DSC = 'H'
	DSCSitTone    DSC = 'J'
	DSCLoopBreak  DSC = 'l'
	DSCPolarity   DSC = 'L'
	DSCOverrun    DSC = 'o'
	DSCQuiet      DSC = 'q'
	DSCRingback   DSC = 'r'
	DSCRing       DSC = 'R'
	DSCSilence    DSC = 's'
	DSCUnderrun   DSC = 'u'
	DSCDTMFStart  DSC = '/'
	DSCDTMFEnd    DSC = '~'
)

var dscLabels = map[DSC]string{
	DSCEndStream:  "end of stream",
	DSCBusy:       "busy tone",
	DSCFaxCalling: "fax calling tone",
	DSCDataCall:   "data calling tone",
	DSCOnHook:     "handset on hook",
	DSCOffHook:    "handset off hook",
	DSCSitTone:    "special information tone",
	DSCLoopBreak:  "loop current interruption",
	DSCPolarity:   "loop polarity reversal",
	DSCOverrun:    "receive buffer overrun",
	DSCQuiet:      "quiet detected",
	DSCRingback:   "ringback",
	DSCRing:       "ring",
	DSCSilence:    "silence detected",
	DSCUnderrun:   "transmit buffer underrun",
	DSCDTMFStart:  "DTMF shielding start",
	DSCDTMFEnd:    "DTMF shielding end",
}

// Label returns a human readable name for the code, or false for codes
// this driver does not know about.
func (c DSC) Label() (string, bool) {
	l, ok := dscLabels[c]
	if !ok {
		for _, d := range dtmfDigits {
			if byte(c) == byte(d) {
				return "DTMF " + string(c), true
			}
		}
	}
	return l, ok
}

// Encode shields raw audio samples for transmission: every literal DLE
// byte is doubled on the wire.
func Encode(samples []byte) []byte {
	out := make([]byte, 0, len(samples))
	for _, b := range samples {
		if b == DLE {
			out = append(out, DLE)
		}
		out = append(out, b)
	}
	return out
}

// FrameKind tags what Decoder.Feed produced for one wire byte.
type FrameKind int

const (
	// FramePending means the byte was a DLE held until its partner arrives.
	FramePending FrameKind = iota
	// FrameSample means an audio sample byte.
	FrameSample
	// FrameCode means a complete shielded code.
	FrameCode
)

// Decoder splits the inbound voice byte stream into audio samples and
// shielded codes. It is a two state scanner (normal / saw DLE) and is
// resumable across read chunk boundaries: a DLE at the end of one chunk is
// held pending until the first byte of the next.
type Decoder struct {
	pendingDLE bool
}

// Feed consumes one wire byte. A doubled DLE comes back out as a single
// FrameSample so stuffed audio is reconstructed exactly.
func (d *Decoder) Feed(b byte) (byte, FrameKind) {
	if d.pendingDLE {
		d.pendingDLE = false
		if b == DLE {
			return DLE, FrameSample
		}
		return b, FrameCode
	}
	if b == DLE {
		d.pendingDLE = true
		return 0, FramePending
	}
	return b, FrameSample
}

// Reset discards a pending half pair, for reuse across voice sessions.
func (d *Decoder) Reset() {
	d.pendingDLE = false
}
