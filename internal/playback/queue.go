package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultQueueSize bounds the chunks waiting behind the one being played.
const DefaultQueueSize = 256

// Chunk outcomes reported through Options.OnResult.
const (
	ResultPlayed      = "played"
	ResultDecodeError = "decode_error"
	ResultSinkError   = "sink_error"
	ResultDropped     = "dropped"
)

var ErrQueueClosed = errors.New("playback queue closed")

// PlaybackError reports one chunk that could not be played. It never stops
// the queue.
type PlaybackError struct {
	Seq uint64
	Op  string
	Err error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("playback chunk %d %s: %v", e.Seq, e.Op, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

// AudioChunk is one unit of assistant audio in arrival order.
type AudioChunk struct {
	Seq        uint64
	Data       []byte
	Decoded    []byte
	ReceivedAt time.Time

	gen uint64
}

type Options struct {
	Size   int
	Logger *zap.Logger
	// OnResult is called from the consumer goroutine once per chunk.
	OnResult func(result string)
}

// Queue plays chunks strictly in the order they were enqueued. A single
// consumer goroutine decodes the head chunk, writes it to the sink and only
// then moves to the next one, so decode latency cannot reorder output.
type Queue struct {
	decoder  Decoder
	sink     Sink
	logger   *zap.Logger
	onResult func(string)

	ch   chan AudioChunk
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
	closeErr  error

	notifyMu sync.Mutex // orders activity callbacks
	mu       sync.Mutex
	seq      uint64
	gen      uint64
	pending  int
	active   bool
	played   int
	onActive []func(active bool)
}

func NewQueue(decoder Decoder, sink Sink, opts Options) *Queue {
	if opts.Size <= 0 {
		opts.Size = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if decoder == nil {
		decoder = PCM16Decoder{}
	}
	q := &Queue{
		decoder:  decoder,
		sink:     sink,
		logger:   opts.Logger,
		onResult: opts.OnResult,
		ch:       make(chan AudioChunk, opts.Size),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go q.run()
	return q
}

// OnActivity registers fn to be called with true when the queue goes from
// idle to busy and with false when it has drained.
func (q *Queue) OnActivity(fn func(active bool)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onActive = append(q.onActive, fn)
}

// Enqueue appends data behind every chunk enqueued before it. It blocks
// while the queue is full.
func (q *Queue) Enqueue(ctx context.Context, data []byte) (uint64, error) {
	select {
	case <-q.quit:
		return 0, ErrQueueClosed
	default:
	}

	q.notifyMu.Lock()
	q.mu.Lock()
	q.seq++
	chunk := AudioChunk{Seq: q.seq, Data: data, ReceivedAt: time.Now(), gen: q.gen}
	q.pending++
	fire := !q.active
	q.active = true
	listeners := q.listenersLocked()
	q.mu.Unlock()
	if fire {
		notify(listeners, true)
	}
	q.notifyMu.Unlock()

	select {
	case q.ch <- chunk:
		return chunk.Seq, nil
	case <-q.quit:
		q.finish(chunk, ResultDropped)
		return 0, ErrQueueClosed
	case <-ctx.Done():
		q.finish(chunk, ResultDropped)
		return 0, ctx.Err()
	}
}

// Clear drops every chunk that has not started playing yet.
func (q *Queue) Clear() int {
	q.mu.Lock()
	q.gen++
	q.mu.Unlock()

	dropped := 0
	for {
		select {
		case chunk := <-q.ch:
			q.finish(chunk, ResultDropped)
			dropped++
		default:
			return dropped
		}
	}
}

// Pending is the number of chunks enqueued and not yet finished.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Played is the number of chunks written to the sink.
func (q *Queue) Played() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.played
}

// Close drops pending chunks, stops the consumer and releases the sink.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		close(q.quit)
		<-q.done
		q.Clear()
		if q.sink != nil {
			q.closeErr = q.sink.Close()
		}
	})
	return q.closeErr
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.quit:
			return
		case chunk := <-q.ch:
			q.play(chunk)
		}
	}
}

func (q *Queue) play(chunk AudioChunk) {
	q.mu.Lock()
	stale := chunk.gen != q.gen
	q.mu.Unlock()
	if stale {
		q.finish(chunk, ResultDropped)
		return
	}

	decoded, err := q.decoder.Decode(chunk.Data)
	if err != nil {
		perr := &PlaybackError{Seq: chunk.Seq, Op: "decode", Err: err}
		q.logger.Warn("skipping undecodable audio chunk", zap.Uint64("seq", chunk.Seq), zap.Error(perr))
		q.finish(chunk, ResultDecodeError)
		return
	}
	chunk.Decoded = decoded
	if q.sink != nil {
		if err := q.sink.Write(chunk.Decoded); err != nil {
			perr := &PlaybackError{Seq: chunk.Seq, Op: "write", Err: err}
			q.logger.Warn("audio sink write failed", zap.Uint64("seq", chunk.Seq), zap.Error(perr))
			q.finish(chunk, ResultSinkError)
			return
		}
	}
	q.finish(chunk, ResultPlayed)
}

func (q *Queue) finish(chunk AudioChunk, result string) {
	q.notifyMu.Lock()
	defer q.notifyMu.Unlock()

	q.mu.Lock()
	if result == ResultPlayed {
		q.played++
	}
	q.pending--
	fire := q.pending == 0 && q.active
	if fire {
		q.active = false
	}
	listeners := q.listenersLocked()
	q.mu.Unlock()

	if q.onResult != nil {
		q.onResult(result)
	}
	if fire {
		notify(listeners, false)
	}
}

func (q *Queue) listenersLocked() []func(bool) {
	return append([]func(bool){}, q.onActive...)
}

func notify(listeners []func(bool), active bool) {
	for _, fn := range listeners {
		fn(active)
	}
}
