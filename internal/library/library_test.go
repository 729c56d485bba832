package library

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCatalog struct {
	mock.Mock
}

func (m *mockCatalog) ListLibrary(ctx context.Context) ([]MediaItem, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]MediaItem), args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCache_RefreshReplacesSnapshot(t *testing.T) {
	catalog := &mockCatalog{}
	first := []MediaItem{
		{ID: "1", FileType: FileTypeVideo, FilePath: "uploads/a.mp4"},
		{ID: "2", FileType: FileTypeAudio, FilePath: "uploads/a.wav"},
	}
	second := []MediaItem{
		{ID: "3", FileType: FileTypeImage, FilePath: "uploads/frame.png"},
	}
	catalog.On("ListLibrary", mock.Anything).Return(first, nil).Once()
	catalog.On("ListLibrary", mock.Anything).Return(second, nil).Once()

	cache := NewCache(catalog, testLogger())
	assert.False(t, cache.Loaded())
	assert.Empty(t, cache.Items())

	items, err := cache.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, items)
	assert.True(t, cache.Loaded())
	assert.False(t, cache.RefreshedAt().IsZero())

	items, err = cache.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, second, items)

	_, err = cache.Select("1")
	assert.ErrorIs(t, err, ErrItemNotFound)

	catalog.AssertExpectations(t)
}

func TestCache_RefreshFailureKeepsSnapshot(t *testing.T) {
	catalog := &mockCatalog{}
	items := []MediaItem{{ID: "7", FileType: FileTypeVideo, FilePath: "uploads/v.mp4"}}
	catalog.On("ListLibrary", mock.Anything).Return(items, nil).Once()
	catalog.On("ListLibrary", mock.Anything).Return(nil, errors.New("catalog down")).Once()

	cache := NewCache(catalog, testLogger())
	_, err := cache.Refresh(context.Background())
	require.NoError(t, err)

	got, err := cache.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog down")
	assert.Equal(t, items, got)
	assert.Equal(t, items, cache.Items())
	assert.Equal(t, "catalog down", cache.LastError())
	assert.True(t, cache.Loaded())
}

func TestCache_FailedFirstRefreshIsNotEmptyLibrary(t *testing.T) {
	catalog := &mockCatalog{}
	catalog.On("ListLibrary", mock.Anything).Return(nil, errors.New("boom"))

	cache := NewCache(catalog, testLogger())
	_, err := cache.Refresh(context.Background())
	require.Error(t, err)
	assert.False(t, cache.Loaded())
	assert.NotEmpty(t, cache.LastError())
}

func TestCache_Select(t *testing.T) {
	catalog := &mockCatalog{}
	catalog.On("ListLibrary", mock.Anything).Return([]MediaItem{
		{ID: "a", FileType: FileTypeVideo, FilePath: "uploads/a.mp4"},
		{ID: "b", FileType: FileTypeImage, FilePath: "uploads/b.png"},
	}, nil)

	cache := NewCache(catalog, testLogger())
	_, err := cache.Refresh(context.Background())
	require.NoError(t, err)

	item, err := cache.Select("b")
	require.NoError(t, err)
	assert.Equal(t, FileTypeImage, item.FileType)
	assert.Equal(t, "uploads/b.png", item.FilePath)

	_, err = cache.Select("missing")
	assert.ErrorIs(t, err, ErrItemNotFound)
}

func TestCache_ItemsReturnsCopy(t *testing.T) {
	catalog := &mockCatalog{}
	catalog.On("ListLibrary", mock.Anything).Return([]MediaItem{{ID: "a", FileType: FileTypeVideo}}, nil)

	cache := NewCache(catalog, testLogger())
	_, err := cache.Refresh(context.Background())
	require.NoError(t, err)

	items := cache.Items()
	items[0].ID = "mutated"

	_, err = cache.Select("a")
	assert.NoError(t, err)
}

// slowCatalog blocks until released so concurrent refreshes overlap.
type slowCatalog struct {
	calls   atomic.Int32
	release chan struct{}
}

func (s *slowCatalog) ListLibrary(_ context.Context) ([]MediaItem, error) {
	s.calls.Add(1)
	<-s.release
	return []MediaItem{{ID: "x", FileType: FileTypeVideo}}, nil
}

func TestCache_ConcurrentRefreshCoalesced(t *testing.T) {
	catalog := &slowCatalog{release: make(chan struct{})}
	cache := NewCache(catalog, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cache.Refresh(context.Background())
		}()
	}

	// Give the goroutines time to join the in-flight call.
	time.Sleep(100 * time.Millisecond)
	close(catalog.release)
	wg.Wait()

	assert.Equal(t, int32(1), catalog.calls.Load())
	assert.Len(t, cache.Items(), 1)
}

// countingCatalog returns a one-item catalog whose ID is the fetch number.
type countingCatalog struct {
	calls atomic.Int32
}

func (c *countingCatalog) ListLibrary(_ context.Context) ([]MediaItem, error) {
	n := c.calls.Add(1)
	time.Sleep(time.Millisecond)
	return []MediaItem{{ID: strconv.Itoa(int(n)), FileType: FileTypeVideo}}, nil
}

func TestCache_RefreshKeepsLatestFetch(t *testing.T) {
	catalog := &countingCatalog{}
	cache := NewCache(catalog, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := cache.Refresh(context.Background())
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	items := cache.Items()
	require.Len(t, items, 1)
	assert.Equal(t, strconv.Itoa(int(catalog.calls.Load())), items[0].ID)
}

func TestFileType_IsValid(t *testing.T) {
	assert.True(t, FileTypeVideo.IsValid())
	assert.True(t, FileTypeAudio.IsValid())
	assert.True(t, FileTypeImage.IsValid())
	assert.False(t, FileType("doc").IsValid())
}
