package modem

import (
	"strings"
	"time"
)

// ResultCode is a modem result code as it appears on the wire.
type ResultCode string

const (
	ResultOK          ResultCode = "OK"
	ResultConnect     ResultCode = "CONNECT" // intermediate
	ResultRing        ResultCode = "RING"    // unsolicited
	ResultNoCarrier   ResultCode = "NO CARRIER"
	ResultError       ResultCode = "ERROR"
	ResultNoDialtone  ResultCode = "NO DIALTONE"
	ResultBusy        ResultCode = "BUSY"
	ResultNoAnswer    ResultCode = "NO ANSWER"
	ResultDigitalLine ResultCode = "DIGITAL LINE DETECTED" // unsolicited
)

// ResultCodeFromLine matches a response line against the known result
// codes. Matching is case sensitive on purpose: result codes are emitted
// by the DCE, not typed by a user.
func ResultCodeFromLine(line string) (ResultCode, bool) {
	switch ResultCode(line) {
	case ResultOK, ResultConnect, ResultRing, ResultNoCarrier, ResultError,
		ResultNoDialtone, ResultBusy, ResultNoAnswer, ResultDigitalLine:
		return ResultCode(line), true
	}
	return "", false
}

// Terminal reports whether the code ends a command exchange when it is
// among the exchange's expected terminators. RING and DIGITAL LINE
// DETECTED are always unsolicited.
func (rc ResultCode) Terminal() bool {
	return rc != ResultRing && rc != ResultDigitalLine
}

// Response is the reply to one command exchange.
type Response struct {
	Cmd    string
	Data   []string
	Result ResultCode
}

// OK reports whether the exchange terminated with OK.
func (r *Response) OK() bool {
	return r.Result == ResultOK
}

// Value returns the information text of the response with the command echo
// prefix stripped, the way query commands like +FCLASS? report values.
func (r *Response) Value() string {
	if len(r.Data) == 0 {
		return ""
	}
	v := strings.Join(r.Data, "\n")
	prefix := strings.TrimSuffix(strings.TrimSuffix(r.Cmd, "?"), "=") + ": "
	return strings.TrimPrefix(v, strings.TrimPrefix(prefix, "AT"))
}

// EventKind classifies unsolicited traffic from the modem.
type EventKind int

const (
	// EventRing is a RING result code.
	EventRing EventKind = iota
	// EventCallerID carries the caller ID field block (DATE, TIME, NMBR,
	// NAME) the modem emits between the first and second ring.
	EventCallerID
	// EventMessage is a message waiting indication (MSG_WAITING fields).
	EventMessage
	// EventCode is a shielded code seen outside a voice data state.
	EventCode
	// EventUnknown is anything the driver cannot classify. It is delivered
	// so subscribers can at least log it.
	EventUnknown
)

func (k EventKind) String() string {
	switch k {
	case EventRing:
		return "ring"
	case EventCallerID:
		return "caller-id"
	case EventMessage:
		return "message"
	case EventCode:
		return "shielded-code"
	default:
		return "unknown"
	}
}

// Event is one unsolicited item decoded from the command mode stream.
type Event struct {
	Kind   EventKind
	Fields map[string]string
	Code   DSC
	Raw    string
	Time   time.Time
}

// fieldLine splits a "KEY = VALUE" caller ID line. The modem pads both
// sides of the equals sign with a single space.
func fieldLine(line string) (key, val string, ok bool) {
	key, val, ok = strings.Cut(line, " = ")
	return key, val, ok
}

// classifyFields decides what a completed field block is.
func classifyFields(fields map[string]string) EventKind {
	for k := range fields {
		if strings.Contains(k, "MSG_WAITING") {
			return EventMessage
		}
	}
	_, date := fields["DATE"]
	_, tm := fields["TIME"]
	_, nmbr := fields["NMBR"]
	if (date && tm) || nmbr {
		return EventCallerID
	}
	return EventUnknown
}

// UnreadMessages decodes the unread count from a message waiting event.
// The MESG field ends with the count as two hex digits.
func (e *Event) UnreadMessages() (int, bool) {
	mesg, ok := e.Fields["MESG"]
	if !ok || len(mesg) < 2 {
		return 0, false
	}
	n := 0
	for _, c := range mesg[len(mesg)-2:] {
		n <<= 4
		switch {
		case c >= '0' && c <= '9':
			n |= int(c - '0')
		case c >= 'A' && c <= 'F':
			n |= int(c-'A') + 10
		case c >= 'a' && c <= 'f':
			n |= int(c-'a') + 10
		default:
			return 0, false
		}
	}
	return n, true
}

// DTMF is a dual tone multi frequency digit reported by the modem.
type DTMF byte

var dtmfDigits = []DTMF{
	'0', '1', '2', '3', '4', '5', '6', '7', '8', '9',
	'A', 'B', 'C', 'D', '*', '#',
}

func (d DTMF) String() string {
	return string(byte(d))
}

func isDTMFDigit(c DSC) bool {
	for _, d := range dtmfDigits {
		if byte(d) == byte(c) {
			return true
		}
	}
	return false
}

// dtmfTracker demultiplexes the <DLE>/ <DLE>digit <DLE>~ shielding
// sequence the modem wraps around every reported tone. Anything out of
// order resets the tracker, so a stray digit code without its shielding
// never fires.
type dtmfTracker struct {
	inShield bool
	digit    DTMF
	haveDig  bool
}

// feed consumes one shielded code and reports a completed digit.
func (t *dtmfTracker) feed(c DSC) (DTMF, bool) {
	switch {
	case c == DSCDTMFStart:
		t.inShield = true
		t.haveDig = false
	case c == DSCDTMFEnd && t.inShield && t.haveDig:
		t.inShield = false
		t.haveDig = false
		return t.digit, true
	case isDTMFDigit(c) && t.inShield && !t.haveDig:
		t.digit = DTMF(c)
		t.haveDig = true
	default:
		t.inShield = false
		t.haveDig = false
	}
	return 0, false
}
