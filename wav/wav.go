// Package wav reads and writes the single audio format the voice path
// uses: WAV containers holding unsigned 8-bit PCM, mono, 8000 Hz.
package wav

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

const (
	// SampleRate accepted and produced by this package.
	SampleRate = 8000
	headerSize = 44
)

// ErrFormat is returned for files that are not 8-bit mono PCM at 8000 Hz.
var ErrFormat = errors.New("not an 8-bit mono 8000 Hz PCM WAV")

// File is an open WAV file positioned at its first sample. It satisfies
// the play queue's audio source contract.
type File struct {
	f      *os.File
	frames int64
	left   int64
}

// Open validates the container and format chunks and positions the file
// at the start of the data chunk.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	frames, err := prepare(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &File{f: f, frames: frames, left: frames}, nil
}

// prepare walks the RIFF chunks, validates the fmt chunk and leaves the
// reader at the data chunk. Returns the frame count.
func prepare(f *os.File) (int64, error) {
	var riff [12]byte
	if _, err := io.ReadFull(f, riff[:]); err != nil {
		return 0, ErrFormat
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return 0, ErrFormat
	}
	sawFmt := false
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			return 0, ErrFormat
		}
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))
		switch string(hdr[0:4]) {
		case "fmt ":
			var fm [16]byte
			if size < 16 {
				return 0, ErrFormat
			}
			if _, err := io.ReadFull(f, fm[:]); err != nil {
				return 0, ErrFormat
			}
			format := binary.LittleEndian.Uint16(fm[0:2])
			channels := binary.LittleEndian.Uint16(fm[2:4])
			rate := binary.LittleEndian.Uint32(fm[4:8])
			bits := binary.LittleEndian.Uint16(fm[14:16])
			if format != 1 || channels != 1 || rate != SampleRate || bits != 8 {
				return 0, ErrFormat
			}
			if size > 16 {
				if _, err := f.Seek(size-16, io.SeekCurrent); err != nil {
					return 0, ErrFormat
				}
			}
			sawFmt = true
		case "data":
			if !sawFmt {
				return 0, ErrFormat
			}
			return size, nil
		default:
			if _, err := f.Seek(size, io.SeekCurrent); err != nil {
				return 0, ErrFormat
			}
		}
	}
}

// Read returns raw unsigned 8-bit samples.
func (f *File) Read(p []byte) (int, error) {
	if f.left <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > f.left {
		p = p[:f.left]
	}
	n, err := f.f.Read(p)
	f.left -= int64(n)
	return n, err
}

// Duration of the audio. With this format 8000 bytes is one second.
func (f *File) Duration() time.Duration {
	return time.Duration(f.frames) * time.Second / SampleRate
}

func (f *File) Close() error {
	return f.f.Close()
}

// Duration reports the play time of the file at path.
func Duration(path string) (time.Duration, error) {
	f, err := Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.Duration(), nil
}

// Writer streams samples into a new WAV file. The header is patched with
// the final sizes on Close.
type Writer struct {
	f *os.File
	n uint32
}

// Create starts a new recording file.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w := &Writer{f: f}
	if err := w.writeHeader(); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return w, nil
}

func (w *Writer) writeHeader() error {
	var hdr [headerSize]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], 36+w.n)
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], 1) // mono
	binary.LittleEndian.PutUint32(hdr[24:28], SampleRate)
	binary.LittleEndian.PutUint32(hdr[28:32], SampleRate) // byte rate
	binary.LittleEndian.PutUint16(hdr[32:34], 1)          // block align
	binary.LittleEndian.PutUint16(hdr[34:36], 8)          // bits per sample
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], w.n)
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err := w.f.Write(hdr[:])
	return err
}

// Write appends raw unsigned 8-bit samples.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.n += uint32(n)
	return n, err
}

// Frames written so far.
func (w *Writer) Frames() int {
	return int(w.n)
}

// Close patches the header and closes the file.
func (w *Writer) Close() error {
	if err := w.writeHeader(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}
