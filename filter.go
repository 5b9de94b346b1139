package callblock

import (
	"encoding/csv"
	"fmt"
	"os"

	"github.com/AT0myks/callblock/modem"
)

// FilterType selects how the contact list is interpreted.
type FilterType int

const (
	// Blacklist blocks the numbers on the list. An empty blacklist allows
	// every call.
	Blacklist FilterType = iota
	// Whitelist allows only the numbers on the list. An empty whitelist
	// blocks every call.
	Whitelist
)

func (t FilterType) String() string {
	if t == Whitelist {
		return "whitelist"
	}
	return "blacklist"
}

// Filter is a loaded contact list plus its interpretation.
type Filter struct {
	typ      FilterType
	contacts map[string]string
}

// NewFilter builds a filter from an in-memory contact set (number to
// name, names may be empty).
func NewFilter(typ FilterType, contacts map[string]string) *Filter {
	if contacts == nil {
		contacts = map[string]string{}
	}
	return &Filter{typ: typ, contacts: contacts}
}

// LoadFilter reads a CSV contact list of `number,name` records. The name
// may be empty; embedded commas require the usual CSV quoting.
func LoadFilter(typ FilterType, path string) (*Filter, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	contacts := make(map[string]string, len(records))
	for i, rec := range records {
		if len(rec) == 0 || rec[0] == "" {
			continue
		}
		if len(rec) > 2 {
			return nil, fmt.Errorf("parse %s: record %d has %d fields", path, i+1, len(rec))
		}
		name := ""
		if len(rec) == 2 {
			name = rec[1]
		}
		contacts[rec[0]] = name
	}
	return &Filter{typ: typ, contacts: contacts}, nil
}

// Type returns the filter interpretation.
func (f *Filter) Type() FilterType { return f.typ }

// Len returns the number of contacts on the list.
func (f *Filter) Len() int { return len(f.contacts) }

// Contains reports whether number is on the list.
func (f *Filter) Contains(number string) bool {
	_, ok := f.contacts[number]
	return ok
}

// BlockReason returns why the call must be blocked, or "" to allow it.
// The decision is deterministic: the private check wins, then list
// membership per the filter type.
func (f *Filter) BlockReason(call *modem.Call, blockPrivate bool) string {
	if call.Private() && blockPrivate {
		return "number is private"
	}
	in := f.Contains(call.Number)
	switch {
	case f.typ == Blacklist && in:
		return "contact is on blacklist"
	case f.typ == Whitelist && !in:
		return "contact is not on whitelist"
	}
	return ""
}
