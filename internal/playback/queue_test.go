package playback

import (
	"context"
	"encoding/binary"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ent0n29/tandem/internal/audio"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	mu     sync.Mutex
	writes [][]byte
	closed int
	gate   chan struct{}
}

func (s *recordingSink) Write(pcm []byte) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, pcm)
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *recordingSink) order() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint32, 0, len(s.writes))
	for _, w := range s.writes {
		out = append(out, binary.LittleEndian.Uint32(w))
	}
	return out
}

func tagged(i int) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(i))
	return b
}

func TestQueuePlaysInArrivalOrderDespiteDecodeLatency(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var rngMu sync.Mutex
	slowDecoder := DecoderFunc(func(data []byte) ([]byte, error) {
		rngMu.Lock()
		d := time.Duration(rng.Intn(3000)) * time.Microsecond
		rngMu.Unlock()
		time.Sleep(d)
		return data, nil
	})
	sink := &recordingSink{}
	q := NewQueue(slowDecoder, sink, Options{Size: 8})

	const n = 60
	for i := 0; i < n; i++ {
		seq, err := q.Enqueue(context.Background(), tagged(i))
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), seq)
	}
	require.Eventually(t, func() bool { return q.Played() == n }, 5*time.Second, 5*time.Millisecond)

	got := sink.order()
	for i := range got {
		require.Equal(t, uint32(i), got[i])
	}
	require.NoError(t, q.Close())
	require.Equal(t, 1, sink.closed)
}

func TestQueueActivityNotifications(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	q := NewQueue(nil, sink, Options{})
	defer q.Close()

	var mu sync.Mutex
	var events []bool
	q.OnActivity(func(active bool) {
		mu.Lock()
		events = append(events, active)
		mu.Unlock()
	})

	_, err := q.Enqueue(context.Background(), []byte{0, 0})
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), []byte{0, 0})
	require.NoError(t, err)
	require.Equal(t, 2, q.Pending())

	sink.gate <- struct{}{}
	sink.gate <- struct{}{}
	require.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []bool{true, false}, events)
}

func TestQueueSkipsUndecodableChunk(t *testing.T) {
	sink := &recordingSink{}
	var mu sync.Mutex
	results := map[string]int{}
	q := NewQueue(PCM16Decoder{}, sink, Options{OnResult: func(r string) {
		mu.Lock()
		results[r]++
		mu.Unlock()
	}})
	defer q.Close()

	for _, data := range [][]byte{tagged(1), {1, 2, 3}, tagged(2)} {
		_, err := q.Enqueue(context.Background(), data)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, time.Millisecond)

	require.Equal(t, []uint32{1, 2}, sink.order())
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, results[ResultPlayed])
	require.Equal(t, 1, results[ResultDecodeError])
}

func TestQueueEnqueueBlocksWhenFull(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	q := NewQueue(nil, sink, Options{Size: 1})

	// one chunk held by the consumer, one buffered
	for i := 0; i < 2; i++ {
		_, err := q.Enqueue(context.Background(), tagged(i))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(q.ch) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := q.Enqueue(ctx, tagged(3))
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(sink.gate)
	require.NoError(t, q.Close())
}

func TestQueueClearDropsPending(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	q := NewQueue(nil, sink, Options{})

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(context.Background(), tagged(i))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(q.ch) == 4 }, time.Second, time.Millisecond)

	require.Equal(t, 4, q.Clear())
	close(sink.gate)
	require.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, time.Millisecond)
	require.LessOrEqual(t, q.Played(), 1)
	require.NoError(t, q.Close())
}

func TestQueueRejectsAfterClose(t *testing.T) {
	sink := &recordingSink{}
	q := NewQueue(nil, sink, Options{})
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	_, err := q.Enqueue(context.Background(), tagged(1))
	require.True(t, errors.Is(err, ErrQueueClosed))
	require.Equal(t, 1, sink.closed)
}

func TestWAVSinkWritesFileOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reply.wav")
	sink := NewWAVSink(path)
	q := NewQueue(PCM16Decoder{}, sink, Options{})

	_, err := q.Enqueue(context.Background(), []byte{1, 0, 2, 0})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return q.Played() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, q.Close())

	require.Equal(t, []byte{1, 0, 2, 0}, sink.Bytes())
	require.FileExists(t, path)
}

func TestMulawDecoderUpsamplesTo24k(t *testing.T) {
	payload := audio.MulawEncode([]int16{1000, -1000})
	out, err := MulawDecoder{}.Decode(payload)
	require.NoError(t, err)
	require.Len(t, out, 2*3*audio.BytesPerSample)
}
