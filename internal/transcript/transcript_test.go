package transcript

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// slowStore delays some appends to show the writer still stores in order.
type slowStore struct {
	*InMemoryStore
	mu    sync.Mutex
	calls int
}

func (s *slowStore) Append(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	s.calls++
	slow := s.calls%3 == 0
	s.mu.Unlock()
	if slow {
		time.Sleep(2 * time.Millisecond)
	}
	return s.InMemoryStore.Append(ctx, entry)
}

func TestWriterPersistsInAppendOrder(t *testing.T) {
	store := &slowStore{InMemoryStore: NewInMemoryStore()}
	w := NewWriter(store, "s-1", "u-1", nil)

	for i := 0; i < 20; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		_, err := w.Append(role, fmt.Sprintf("line %d", i))
		require.NoError(t, err)
	}
	w.Close()

	got, err := store.List(context.Background(), "s-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 20)
	for i, e := range got {
		require.Equal(t, int64(i+1), e.Seq)
		require.Equal(t, fmt.Sprintf("line %d", i), e.Text)
		require.Equal(t, "u-1", e.UserID)
		require.NotEmpty(t, e.ID)
	}
	require.Len(t, w.Entries(), 20)
}

func TestWriterRejectsAfterClose(t *testing.T) {
	w := NewWriter(NewInMemoryStore(), "s-1", "", nil)
	w.Close()
	w.Close()

	_, err := w.Append(RoleUser, "late")
	require.ErrorIs(t, err, ErrWriterClosed)
}

func TestWriterFilterAppliesToStoredText(t *testing.T) {
	store := NewInMemoryStore()
	w := NewWriter(store, "s-1", "u-1", nil)
	w.SetFilter(strings.ToUpper)

	_, err := w.Append(RoleUser, "call me maybe")
	require.NoError(t, err)
	w.Close()

	got, err := store.List(context.Background(), "s-1", 0)
	require.NoError(t, err)
	require.Equal(t, "CALL ME MAYBE", got[0].Text)
	require.Equal(t, "call me maybe", w.Entries()[0].Text)
}

func TestInMemoryListLimit(t *testing.T) {
	s := NewInMemoryStore()
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.Append(context.Background(), Entry{SessionID: "s", Seq: int64(i), Text: fmt.Sprint(i)}))
	}
	got, err := s.List(context.Background(), "s", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"4", "5"}, []string{got[0].Text, got[1].Text})

	empty, err := s.List(context.Background(), "other", 10)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestNewStoreDefaultsToInMemory(t *testing.T) {
	s, err := NewStore(context.Background(), "  ")
	require.NoError(t, err)
	require.Equal(t, "in-memory", s.Mode())
	require.NoError(t, s.Close())
}
