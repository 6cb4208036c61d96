package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ent0n29/tandem/internal/audio"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type frameLog struct {
	mu     sync.Mutex
	frames [][]byte
}

func (l *frameLog) send(frame []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, append([]byte(nil), frame...))
	return nil
}

func (l *frameLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

// blockingDevice emits frames until closed; Read blocks on the gate.
type blockingDevice struct {
	gate     chan struct{}
	closed   chan struct{}
	once     sync.Once
	openErr  error
	opened   atomic.Int32
	released atomic.Int32
}

func newBlockingDevice() *blockingDevice {
	return &blockingDevice{gate: make(chan struct{}, 64), closed: make(chan struct{})}
}

func (d *blockingDevice) Open(context.Context) error {
	if d.openErr != nil {
		return d.openErr
	}
	d.opened.Add(1)
	return nil
}

func (d *blockingDevice) Read(p []byte) (int, error) {
	select {
	case <-d.gate:
		for i := range p {
			p[i] = 1
		}
		return len(p), nil
	case <-d.closed:
		return 0, os.ErrClosed
	}
}

func (d *blockingDevice) Close() error {
	d.once.Do(func() {
		d.released.Add(1)
		close(d.closed)
	})
	return nil
}

func TestProducerSendsFixedFrames(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x10, 0x00}, audio.FrameBytes(DefaultFrameDuration, audio.SampleRate)) // two frames
	var log frameLog
	p := NewProducer(NewReaderDevice(bytes.NewReader(pcm), false), 0, nil)

	require.NoError(t, p.Start(context.Background(), log.send))
	<-p.Done()

	require.NoError(t, p.Err())
	require.Equal(t, 2, log.count())
	require.Len(t, log.frames[0], 4800)
	require.Len(t, log.frames[1], 4800)
	require.False(t, p.Running())
}

func TestProducerSendsTrailingPartialFrame(t *testing.T) {
	pcm := make([]byte, 4800+101)
	var log frameLog
	p := NewProducer(NewReaderDevice(bytes.NewReader(pcm), false), 0, nil)

	require.NoError(t, p.Start(context.Background(), log.send))
	<-p.Done()

	require.Equal(t, 2, log.count())
	require.Len(t, log.frames[1], 100)
}

func TestProducerNoFramesAfterStop(t *testing.T) {
	dev := newBlockingDevice()
	var sent atomic.Int32
	var stopped atomic.Bool
	var late atomic.Int32
	send := func([]byte) error {
		if stopped.Load() {
			late.Add(1)
		}
		sent.Add(1)
		return nil
	}
	p := NewProducer(dev, 10*time.Millisecond, nil)
	require.NoError(t, p.Start(context.Background(), send))

	for i := 0; i < 5; i++ {
		dev.gate <- struct{}{}
	}
	require.Eventually(t, func() bool { return sent.Load() == 5 }, time.Second, time.Millisecond)

	p.Stop()
	stopped.Store(true)
	for i := 0; i < 5; i++ {
		dev.gate <- struct{}{}
	}
	time.Sleep(20 * time.Millisecond)

	require.Zero(t, late.Load())
	require.Equal(t, int32(1), dev.released.Load())
	p.Stop()
}

func TestProducerAcquireFailure(t *testing.T) {
	dev := newBlockingDevice()
	dev.openErr = errors.New("device busy")
	p := NewProducer(dev, 0, nil)

	err := p.Start(context.Background(), func([]byte) error { return nil })
	var recErr *RecordingError
	require.ErrorAs(t, err, &recErr)
	require.Equal(t, "acquire", recErr.Op)
	require.False(t, p.Running())
	p.Stop()
}

func TestProducerSendErrorReleasesDevice(t *testing.T) {
	dev := newBlockingDevice()
	p := NewProducer(dev, 0, nil)
	require.NoError(t, p.Start(context.Background(), func([]byte) error { return io.ErrClosedPipe }))

	dev.gate <- struct{}{}
	<-p.Done()

	var recErr *RecordingError
	require.ErrorAs(t, p.Err(), &recErr)
	require.Equal(t, "send", recErr.Op)
	require.Equal(t, int32(1), dev.released.Load())
}

func TestProducerRejectsDoubleStart(t *testing.T) {
	dev := newBlockingDevice()
	p := NewProducer(dev, 0, nil)
	require.NoError(t, p.Start(context.Background(), func([]byte) error { return nil }))
	defer p.Stop()

	err := p.Start(context.Background(), func([]byte) error { return nil })
	require.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestProducerParentCancelReleases(t *testing.T) {
	dev := newBlockingDevice()
	ctx, cancel := context.WithCancel(context.Background())
	p := NewProducer(dev, 0, nil)
	require.NoError(t, p.Start(ctx, func([]byte) error { return nil }))

	cancel()
	<-p.Done()
	require.Equal(t, int32(1), dev.released.Load())
}

func TestFileDeviceSkipsWAVHeader(t *testing.T) {
	pcm := bytes.Repeat([]byte{0x01, 0x02}, 2400)
	path := filepath.Join(t.TempDir(), "mic.wav")
	require.NoError(t, audio.WriteWAVPCM16LEFile(path, pcm, audio.SampleRate))

	var log frameLog
	p := NewProducer(NewFileDevice(path, false), 0, nil)
	require.NoError(t, p.Start(context.Background(), log.send))
	<-p.Done()

	require.Equal(t, 1, log.count())
	require.Equal(t, pcm, log.frames[0])
}

func TestFileDeviceRejectsWrongRate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mic.wav")
	require.NoError(t, audio.WriteWAVPCM16LEFile(path, make([]byte, 320), 16000))

	p := NewProducer(NewFileDevice(path, false), 0, nil)
	err := p.Start(context.Background(), func([]byte) error { return nil })
	var recErr *RecordingError
	require.ErrorAs(t, err, &recErr)
}

func TestReaderDevicePacing(t *testing.T) {
	pcm := make([]byte, audio.FrameBytes(20*time.Millisecond, audio.SampleRate)*3)
	p := NewProducer(NewReaderDevice(bytes.NewReader(pcm), true), 20*time.Millisecond, nil)

	start := time.Now()
	require.NoError(t, p.Start(context.Background(), func([]byte) error { return nil }))
	<-p.Done()

	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	require.Equal(t, 3, p.Frames())
}
