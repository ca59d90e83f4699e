package persist

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu       sync.Mutex
	puts     [][]byte
	failNext int
}

func (f *fakeStore) Put(_ context.Context, room string, ts time.Time, content []byte) (Ref, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return Ref{}, fmt.Errorf("store unavailable")
	}
	f.puts = append(f.puts, append([]byte(nil), content...))
	return Ref{ID: fmt.Sprintf("%d", len(f.puts)), Room: room, CreatedAt: ts}, nil
}

func (f *fakeStore) List(context.Context, string) ([]Ref, error)  { return nil, nil }
func (f *fakeStore) Get(context.Context, string) ([]byte, error)  { return nil, ErrNoSnapshot }
func (f *fakeStore) Latest(context.Context, string) ([]byte, error) {
	return nil, ErrNoSnapshot
}

func (f *fakeStore) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.puts))
	copy(out, f.puts)
	return out
}

func testSettings() DebouncerSettings {
	return DebouncerSettings{
		Interval:     40 * time.Millisecond,
		RetryInitial: 10 * time.Millisecond,
		RetryMax:     50 * time.Millisecond,
	}
}

func TestDebounceCoalescesBurst(t *testing.T) {
	store := &fakeStore{}
	var mu sync.Mutex
	content := []byte("")
	d := NewDebouncer(context.Background(), store, "room-1", func() []byte {
		mu.Lock()
		defer mu.Unlock()
		return content
	}, testSettings())
	defer d.Close()

	for i := 0; i < 5; i++ {
		mu.Lock()
		content = append(content, byte('a'+i))
		mu.Unlock()
		d.Notify()
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)

	puts := store.snapshot()
	require.Len(t, puts, 1)
	assert.Equal(t, []byte("abcde"), puts[0])
}

func TestSeparateWindowsProduceSeparateSnapshots(t *testing.T) {
	store := &fakeStore{}
	d := NewDebouncer(context.Background(), store, "room-1", func() []byte { return []byte("x") }, testSettings())
	defer d.Close()

	d.Notify()
	time.Sleep(100 * time.Millisecond)
	d.Notify()
	time.Sleep(100 * time.Millisecond)

	assert.Len(t, store.snapshot(), 2)
}

func TestFlushWritesImmediately(t *testing.T) {
	store := &fakeStore{}
	d := NewDebouncer(context.Background(), store, "room-1", func() []byte { return []byte("now") }, testSettings())
	defer d.Close()

	d.Notify()
	require.NoError(t, d.Flush(context.Background()))
	assert.Len(t, store.snapshot(), 1)

	// the pending debounce delay was consumed by the flush
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, store.snapshot(), 1)
}

func TestFailedWriteRetriesAndReports(t *testing.T) {
	store := &fakeStore{failNext: 2}
	d := NewDebouncer(context.Background(), store, "room-1", func() []byte { return []byte("keep") }, testSettings())
	defer d.Close()

	var mu sync.Mutex
	var results []WriteResult
	d.OnResult(func(r WriteResult) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
	})

	d.Notify()
	require.Eventually(t, func() bool {
		return len(store.snapshot()) == 1
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, []byte("keep"), store.snapshot()[0])
	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(results), 3)
	assert.Error(t, results[0].Err)
	assert.NoError(t, results[len(results)-1].Err)
}

func TestCloseCancelsPendingWrite(t *testing.T) {
	store := &fakeStore{}
	d := NewDebouncer(context.Background(), store, "room-1", func() []byte { return []byte("x") }, testSettings())

	d.Notify()
	d.Close()
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, store.snapshot())
}
