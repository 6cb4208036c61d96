package playback

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/ent0n29/tandem/internal/audio"
)

// Sink is the audio output. Close releases it.
type Sink interface {
	Write(pcm []byte) error
	Close() error
}

// WriterSink writes raw PCM16 to an io.Writer.
type WriterSink struct {
	W io.Writer
}

func (s WriterSink) Write(pcm []byte) error {
	_, err := s.W.Write(pcm)
	return err
}

func (s WriterSink) Close() error {
	if c, ok := s.W.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// WAVSink collects the reply and writes it as a WAV file on Close. An empty
// Path keeps the audio in memory only.
type WAVSink struct {
	Path string

	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func NewWAVSink(path string) *WAVSink {
	return &WAVSink{Path: path}
}

func (s *WAVSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("wav sink closed")
	}
	s.buf.Write(pcm)
	return nil
}

// Bytes returns a copy of the PCM written so far.
func (s *WAVSink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.buf.Bytes()...)
}

func (s *WAVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.Path == "" {
		return nil
	}
	return audio.WriteWAVPCM16LEFile(s.Path, s.buf.Bytes(), audio.SampleRate)
}

// CommandSink pipes PCM into a player process such as
// "aplay -q -f S16_LE -r 24000 -c 1". The process starts on first write.
type CommandSink struct {
	Command string

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func NewCommandSink(command string) *CommandSink {
	return &CommandSink{Command: command}
}

func (s *CommandSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		if err := s.startLocked(); err != nil {
			return err
		}
	}
	_, err := s.stdin.Write(pcm)
	return err
}

func (s *CommandSink) startLocked() error {
	fields := strings.Fields(s.Command)
	if len(fields) == 0 {
		return errors.New("playback command is empty")
	}
	cmd := exec.Command(fields[0], fields[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", fields[0], err)
	}
	s.cmd = cmd
	s.stdin = stdin
	return nil
}

// Close ends the player's input and waits for it to finish what it has.
func (s *CommandSink) Close() error {
	s.mu.Lock()
	cmd, stdin := s.cmd, s.stdin
	s.cmd, s.stdin = nil, nil
	s.mu.Unlock()
	if cmd == nil {
		return nil
	}
	_ = stdin.Close()
	return cmd.Wait()
}
