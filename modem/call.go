package modem

import (
	"context"
	"time"
)

// Call is one incoming phone call as reported by caller ID.
type Call struct {
	// Number as reported by the NMBR field. "P" (private) and "O" (out of
	// area) are the sentinel values for withheld caller IDs.
	Number string
	// Name from the NAME field, empty when absent.
	Name string
	// Start is when the caller ID block (or the ring, for calls without
	// one) was observed.
	Start time.Time
}

// Private reports whether the caller withheld their number.
func (c *Call) Private() bool {
	return c.Number == "P" || c.Number == "O" || c.Number == ""
}

func (c *Call) String() string {
	n := c.Number
	if c.Private() {
		n = "Private"
	}
	if c.Name == "" {
		return n
	}
	return n + "/" + c.Name
}

// CallFromEvent builds a Call from a caller ID event.
func CallFromEvent(ev Event) *Call {
	return &Call{
		Number: ev.Fields["NMBR"],
		Name:   ev.Fields["NAME"],
		Start:  ev.Time,
	}
}

// Callbacks is the capability set a consumer hangs on the event loop.
// Ring, Call and Message are awaited in order on the Serve goroutine, so
// their ordering relative to call progression is guaranteed; a slow one
// delays the call on purpose. DTMF and Silence are fired as independent
// goroutines so a slow handler cannot stall streaming.
type Callbacks struct {
	Ring    func(ctx context.Context, ev Event)
	Call    func(ctx context.Context, call *Call)
	Message func(ctx context.Context, ev Event)
	DTMF    func(digit DTMF)
	Silence func()
}

// Serve runs the unsolicited event loop until ctx is cancelled or the
// device goes away. A ring not followed by caller ID fields within the
// configured wait is dispatched as a private call with empty fields,
// once per ring burst: a phone that keeps ringing unanswered does not
// produce a fresh call every cycle. Rings separated by more than the
// caller ID wait start a new burst.
func (m *Modem) Serve(ctx context.Context, cb Callbacks) error {
	m.mu.Lock()
	m.cb = cb
	m.mu.Unlock()

	sub := m.Subscribe()
	defer sub.Close()

	cid := time.NewTimer(m.cfg.CallerIDWait)
	if !cid.Stop() {
		<-cid.C
	}
	cidArmed := false
	disarm := func() {
		if cidArmed && !cid.Stop() {
			<-cid.C
		}
		cidArmed = false
	}
	var lastRing, lastCall time.Time

	m.log.Info("Waiting for events")
	for {
		select {
		case <-ctx.Done():
			disarm()
			return ctx.Err()
		case <-m.closed:
			disarm()
			return m.Err()
		case <-cid.C:
			cidArmed = false
			lastCall = time.Now()
			m.log.Info("No caller ID after ring, treating call as private")
			if cb.Call != nil {
				cb.Call(ctx, &Call{Start: time.Now()})
			}
		case ev := <-sub.C:
			switch ev.Kind {
			case EventRing:
				m.log.Info("Ringing")
				now := time.Now()
				sameBurst := !lastCall.IsZero() && now.Sub(lastRing) < m.cfg.CallerIDWait
				lastRing = now
				if !cidArmed && !sameBurst {
					cid.Reset(m.cfg.CallerIDWait)
					cidArmed = true
				}
				if cb.Ring != nil {
					cb.Ring(ctx, ev)
				}
			case EventCallerID:
				disarm()
				lastCall = time.Now()
				call := CallFromEvent(ev)
				m.log.WithField("call", call.String()).Info("Incoming call")
				if cb.Call != nil {
					cb.Call(ctx, call)
				}
			case EventMessage:
				if cb.Message != nil {
					cb.Message(ctx, ev)
				}
			case EventCode:
				// Already logged by the reader.
			default:
				m.log.WithField("raw", ev.Raw).Debug("Unhandled event")
			}
		}
	}
}
