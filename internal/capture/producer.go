package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/tandem/internal/audio"
)

// DefaultFrameDuration yields 4800-byte frames at 24 kHz PCM16 mono.
const DefaultFrameDuration = 100 * time.Millisecond

var ErrAlreadyRunning = errors.New("capture already running")

// RecordingError reports a failure to acquire or read the capture device, or
// to hand a frame to the transport.
type RecordingError struct {
	Op  string
	Err error
}

func (e *RecordingError) Error() string {
	return fmt.Sprintf("recording %s: %v", e.Op, e.Err)
}

func (e *RecordingError) Unwrap() error { return e.Err }

// SendFunc receives each captured frame. It is called from a single
// goroutine, in capture order.
type SendFunc func(frame []byte) error

// Producer streams fixed-size frames from a Device into a SendFunc.
type Producer struct {
	device     Device
	frameBytes int
	logger     *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	frames  int
}

func NewProducer(device Device, frameDuration time.Duration, logger *zap.Logger) *Producer {
	if frameDuration <= 0 {
		frameDuration = DefaultFrameDuration
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	done := make(chan struct{})
	close(done)
	return &Producer{
		device:     device,
		frameBytes: audio.FrameBytes(frameDuration, audio.SampleRate),
		logger:     logger,
		done:       done,
	}
}

// FrameBytes is the size of every frame except possibly the last one before
// the device runs dry.
func (p *Producer) FrameBytes() int { return p.frameBytes }

// Start acquires the device and starts the read loop.
func (p *Producer) Start(ctx context.Context, send SendFunc) error {
	if send == nil {
		return &RecordingError{Op: "start", Err: errors.New("nil send func")}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return &RecordingError{Op: "start", Err: ErrAlreadyRunning}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	if err := p.device.Open(loopCtx); err != nil {
		cancel()
		return &RecordingError{Op: "acquire", Err: err}
	}

	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})
	p.err = nil
	p.frames = 0

	release := sync.OnceFunc(func() {
		if err := p.device.Close(); err != nil {
			p.logger.Debug("capture device close", zap.Error(err))
		}
	})
	go p.loop(loopCtx, cancel, send, release, p.done)
	go func() {
		// Close unblocks a Read that is waiting on the device.
		<-loopCtx.Done()
		release()
	}()
	return nil
}

func (p *Producer) loop(ctx context.Context, cancel context.CancelFunc, send SendFunc, release func(), done chan struct{}) {
	var loopErr error
	defer func() {
		cancel()
		release()
		p.mu.Lock()
		p.running = false
		p.err = loopErr
		p.mu.Unlock()
		close(done)
	}()

	for {
		buf := make([]byte, p.frameBytes)
		n, err := io.ReadFull(p.device, buf)
		if ctx.Err() != nil {
			return
		}
		if n > 0 {
			frame := buf[:n-n%audio.BytesPerSample]
			if len(frame) > 0 {
				if serr := send(frame); serr != nil {
					loopErr = &RecordingError{Op: "send", Err: serr}
					p.logger.Warn("capture frame send failed", zap.Error(serr))
					return
				}
				p.mu.Lock()
				p.frames++
				p.mu.Unlock()
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			p.logger.Debug("capture device drained")
			return
		default:
			loopErr = &RecordingError{Op: "read", Err: err}
			p.logger.Warn("capture device read failed", zap.Error(err))
			return
		}
	}
}

// Stop cancels the loop, releases the device and waits for the loop to exit.
// No frame is handed to the SendFunc after Stop returns. Safe to call when
// not running.
func (p *Producer) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-done
}

// Done is closed when the current run ends for any reason.
func (p *Producer) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Err reports why the last run ended; nil for Stop or a drained device.
func (p *Producer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Producer) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Frames is the number of frames sent during the current or last run.
func (p *Producer) Frames() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.frames
}
