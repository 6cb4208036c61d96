package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/tandem/internal/audio"
)

// Device is a microphone-like PCM16 24 kHz mono source. Open acquires the
// underlying resource; Close releases it and unblocks a pending Read.
type Device interface {
	Open(ctx context.Context) error
	Read(p []byte) (int, error)
	Close() error
}

// ReaderDevice captures from an io.Reader. When Pace is set, each Read is
// delayed so frames come out at the rate a live microphone would produce
// them.
type ReaderDevice struct {
	R    io.Reader
	Pace bool

	mu   sync.Mutex
	ctx  context.Context
	last time.Time
}

func NewReaderDevice(r io.Reader, pace bool) *ReaderDevice {
	return &ReaderDevice{R: r, Pace: pace}
}

func (d *ReaderDevice) Open(ctx context.Context) error {
	if d.R == nil {
		return errors.New("reader device has no source")
	}
	d.mu.Lock()
	d.ctx = ctx
	d.last = time.Time{}
	d.mu.Unlock()
	return nil
}

func (d *ReaderDevice) Read(p []byte) (int, error) {
	n, err := d.R.Read(p)
	if n > 0 && d.Pace {
		d.wait(audio.Duration(n, audio.SampleRate))
	}
	return n, err
}

func (d *ReaderDevice) wait(span time.Duration) {
	d.mu.Lock()
	ctx := d.ctx
	now := time.Now()
	if d.last.IsZero() {
		d.last = now
	}
	d.last = d.last.Add(span)
	delay := d.last.Sub(now)
	d.mu.Unlock()
	if delay <= 0 || ctx == nil {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (d *ReaderDevice) Close() error {
	if c, ok := d.R.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// FileDevice plays a raw PCM16 or WAV file as if it were a microphone. The
// file is opened on acquire and closed on release.
type FileDevice struct {
	Path string
	Pace bool

	mu     sync.Mutex
	file   *os.File
	reader *ReaderDevice
}

func NewFileDevice(path string, pace bool) *FileDevice {
	return &FileDevice{Path: path, Pace: pace}
}

func (d *FileDevice) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file != nil {
		return errors.New("file device already open")
	}
	f, err := os.Open(d.Path)
	if err != nil {
		return err
	}
	if strings.EqualFold(filepath.Ext(d.Path), ".wav") {
		rate, err := audio.SkipWAVHeader(f)
		if err != nil {
			_ = f.Close()
			return err
		}
		if rate != audio.SampleRate {
			_ = f.Close()
			return fmt.Errorf("wav sample rate %d, want %d", rate, audio.SampleRate)
		}
	}
	d.file = f
	d.reader = NewReaderDevice(f, d.Pace)
	return d.reader.Open(ctx)
}

func (d *FileDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	r := d.reader
	d.mu.Unlock()
	if r == nil {
		return 0, os.ErrClosed
	}
	return r.Read(p)
}

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	d.reader = nil
	return err
}

// CommandDevice captures the stdout of a recorder process such as
// "arecord -q -f S16_LE -r 24000 -c 1 -t raw".
type CommandDevice struct {
	Command string

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func NewCommandDevice(command string) *CommandDevice {
	return &CommandDevice{Command: command}
}

func (d *CommandDevice) Open(ctx context.Context) error {
	fields := strings.Fields(d.Command)
	if len(fields) == 0 {
		return errors.New("capture command is empty")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd != nil {
		return errors.New("capture command already running")
	}
	cmd := exec.Command(fields[0], fields[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", fields[0], err)
	}
	d.cmd = cmd
	d.stdout = stdout
	return nil
}

func (d *CommandDevice) Read(p []byte) (int, error) {
	d.mu.Lock()
	stdout := d.stdout
	d.mu.Unlock()
	if stdout == nil {
		return 0, os.ErrClosed
	}
	return stdout.Read(p)
}

func (d *CommandDevice) Close() error {
	d.mu.Lock()
	cmd := d.cmd
	d.cmd = nil
	d.stdout = nil
	d.mu.Unlock()
	if cmd == nil {
		return nil
	}
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	// the recorder was killed on purpose; its exit status carries no signal
	_ = cmd.Wait()
	return nil
}
