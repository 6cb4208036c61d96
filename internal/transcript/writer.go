package transcript

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrWriterClosed = errors.New("transcript writer closed")

// Writer persists the entries of one session on a single goroutine, so the
// stored order is the order Append was called in.
type Writer struct {
	store     Store
	sessionID string
	userID    string
	logger    *zap.Logger

	mu      sync.Mutex
	filter  func(string) string
	seq     int64
	entries []Entry
	closed  bool

	queue chan Entry
	done  chan struct{}
}

func NewWriter(store Store, sessionID, userID string, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{
		store:     store,
		sessionID: sessionID,
		userID:    userID,
		logger:    logger,
		queue:     make(chan Entry, 128),
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

// SetFilter rewrites the text of entries before they are persisted, for
// example to mask personal data. Entries returned by Entries keep the
// original text.
func (w *Writer) SetFilter(fn func(string) string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.filter = fn
}

// Append records a finished utterance and schedules it for persistence.
func (w *Writer) Append(role Role, text string) (Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return Entry{}, ErrWriterClosed
	}
	w.seq++
	entry := Entry{
		SessionID: w.sessionID,
		UserID:    w.userID,
		Seq:       w.seq,
		Role:      role,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	w.entries = append(w.entries, entry)
	stored := entry
	if w.filter != nil {
		stored.Text = w.filter(stored.Text)
	}
	// Sending under the lock keeps queue order equal to Seq order.
	w.queue <- stored
	return entry, nil
}

// Entries returns everything appended so far, in order.
func (w *Writer) Entries() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Entry(nil), w.entries...)
}

// Close stops accepting entries and waits until queued ones are stored.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)
	for entry := range w.queue {
		if w.store == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.store.Append(ctx, entry); err != nil {
			w.logger.Warn("transcript entry not persisted",
				zap.String("session_id", entry.SessionID),
				zap.Int64("seq", entry.Seq),
				zap.Error(err),
			)
		}
		cancel()
	}
}
