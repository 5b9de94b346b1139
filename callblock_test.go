package callblock

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AT0myks/callblock/modem"
)

func TestActionString(t *testing.T) {
	tests := []struct {
		action Action
		want   string
	}{
		{ActionHangup, "hangup"},
		{ActionFax, "fax"},
		{ActionMessage, "message"},
		{ActionRecord, "record"},
		{ActionTransmit, "transmit"},
		{ActionDuplex, "duplex"},
	}
	for _, tt := range tests {
		if got := tt.action.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestActionMode(t *testing.T) {
	if ActionHangup.mode() != modem.ModeData {
		t.Error("hangup should run in data mode")
	}
	if ActionFax.mode() != modem.ModeFaxClass2 {
		t.Error("fax should run in fax class 2")
	}
	for _, a := range []Action{ActionMessage, ActionRecord, ActionTransmit, ActionDuplex} {
		if a.mode() != modem.ModeVoice {
			t.Errorf("%s should run in voice mode", a)
		}
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, Config{}); err == nil {
		t.Error("expected an error without a filter")
	}
	cfg := Config{Filter: NewFilter(Blacklist, nil), Action: ActionMessage}
	if _, err := New(nil, cfg); err == nil {
		t.Error("expected an error for the message action without an audio file")
	}
}

func TestNewPreparesWorkdir(t *testing.T) {
	dir := t.TempDir()
	_, err := New(nil, Config{Filter: NewFilter(Blacklist, nil), Workdir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, sub := range []string{SubdirRec, SubdirPlay} {
		if fi, err := os.Stat(filepath.Join(dir, sub)); err != nil || !fi.IsDir() {
			t.Errorf("work subdirectory %s was not created", sub)
		}
	}
}

func TestNewRecordingName(t *testing.T) {
	dir := t.TempDir()
	cb, err := New(nil, Config{Filter: NewFilter(Blacklist, nil), Workdir: dir})
	if err != nil {
		t.Fatal(err)
	}
	call := &modem.Call{
		Number: "5055034455",
		Start:  time.Date(2021, 4, 15, 12, 5, 0, 0, time.UTC),
	}
	w, path := cb.newRecording(call)
	if w == nil {
		t.Fatal("no recording writer")
	}
	defer w.Close()
	want := filepath.Join(dir, SubdirRec, "2021-04-15 12-05-00+0000 5055034455.wav")
	if path != want {
		t.Errorf("recording path = %q, want %q", path, want)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("recording file missing: %v", err)
	}
}

func TestNewRecordingUnknownNumber(t *testing.T) {
	dir := t.TempDir()
	cb, err := New(nil, Config{Filter: NewFilter(Blacklist, nil), Workdir: dir})
	if err != nil {
		t.Fatal(err)
	}
	w, path := cb.newRecording(&modem.Call{Start: time.Unix(0, 0).UTC()})
	if w == nil {
		t.Fatal("no recording writer")
	}
	defer w.Close()
	if filepath.Base(path) != "1970-01-01 00-00-00+0000 unknown.wav" {
		t.Errorf("unexpected file name %q", filepath.Base(path))
	}
}

func TestRandomFile(t *testing.T) {
	dir := t.TempDir()
	if got := randomFile(dir); got != "" {
		t.Errorf("empty dir returned %q", got)
	}
	if got := randomFile(filepath.Join(dir, "missing")); got != "" {
		t.Errorf("missing dir returned %q", got)
	}
	want := map[string]bool{}
	for _, name := range []string{"a.wav", "b.wav"} {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			t.Fatal(err)
		}
		want[p] = true
	}
	os.Mkdir(filepath.Join(dir, "sub"), 0o755) // directories are skipped
	for i := 0; i < 10; i++ {
		if got := randomFile(dir); !want[got] {
			t.Fatalf("randomFile returned %q", got)
		}
	}
}
