package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	active  int32
	peak    int32
	failing map[string]bool
	stored  []string
}

func (s *fakeStore) Store(ctx context.Context, name string, r io.Reader) (string, error) {
	cur := atomic.AddInt32(&s.active, 1)
	defer atomic.AddInt32(&s.active, -1)
	for {
		old := atomic.LoadInt32(&s.peak)
		if cur <= old || atomic.CompareAndSwapInt32(&s.peak, old, cur) {
			break
		}
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	if s.failing[name] {
		return "", fmt.Errorf("store %s: disk full", name)
	}
	s.mu.Lock()
	s.stored = append(s.stored, name)
	s.mu.Unlock()
	return "/files/" + name, nil
}

func memFile(name, content string) File {
	return File{
		Name: name,
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}

func TestUploadAllPreservesInputOrder(t *testing.T) {
	store := &fakeStore{}
	p := Pipeline{Store: store, Concurrency: 4, Log: zerolog.Nop()}
	files := []File{
		memFile("a.jpg", "a"),
		memFile("b.jpg", "b"),
		memFile("c.jpg", "c"),
	}
	results := p.UploadAll(context.Background(), files)
	require.Len(t, results, 3)
	for i, f := range files {
		assert.Equal(t, f.Name, results[i].Name)
		assert.NoError(t, results[i].Err)
		assert.Equal(t, "/files/"+f.Name, results[i].URL)
	}
	assert.Equal(t, []string{"/files/a.jpg", "/files/b.jpg", "/files/c.jpg"}, URLs(results))
}

func TestUploadAllSettlesFailuresIndependently(t *testing.T) {
	store := &fakeStore{failing: map[string]bool{"b.jpg": true}}
	p := Pipeline{Store: store, Concurrency: 2, Log: zerolog.Nop()}
	files := []File{
		memFile("a.jpg", "a"),
		memFile("b.jpg", "b"),
		memFile("c.jpg", "c"),
	}
	results := p.UploadAll(context.Background(), files)
	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)
	// The failed file is simply absent; survivors keep their order.
	assert.Equal(t, []string{"/files/a.jpg", "/files/c.jpg"}, URLs(results))
}

func TestUploadAllOpenFailure(t *testing.T) {
	p := Pipeline{Store: &fakeStore{}, Concurrency: 1, Log: zerolog.Nop()}
	files := []File{
		{Name: "gone.jpg", Open: func() (io.ReadCloser, error) {
			return nil, errors.New("file removed")
		}},
		memFile("ok.jpg", "ok"),
	}
	results := p.UploadAll(context.Background(), files)
	assert.Error(t, results[0].Err)
	assert.Equal(t, []string{"/files/ok.jpg"}, URLs(results))
}

func TestUploadAllBoundsConcurrency(t *testing.T) {
	store := &fakeStore{}
	p := Pipeline{Store: store, Concurrency: 2, Log: zerolog.Nop()}
	var files []File
	for i := 0; i < 16; i++ {
		files = append(files, memFile(fmt.Sprintf("f%02d.jpg", i), "x"))
	}
	results := p.UploadAll(context.Background(), files)
	assert.Len(t, URLs(results), 16)
	assert.LessOrEqual(t, store.peak, int32(2))
}

func TestUploadAllEmptyBatch(t *testing.T) {
	p := Pipeline{Store: &fakeStore{}, Concurrency: 3, Log: zerolog.Nop()}
	results := p.UploadAll(context.Background(), nil)
	assert.Empty(t, results)
	assert.Empty(t, URLs(results))
}

func TestUploadAllCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Pipeline{Store: &fakeStore{}, Concurrency: 2, Log: zerolog.Nop()}
	results := p.UploadAll(ctx, []File{memFile("a.jpg", "a")})
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, context.Canceled)
}

func TestDiskStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := DiskStore{Dir: dir, BaseURL: "/files", MaxBytes: 1 << 20}
	url, err := store.Store(context.Background(), "photo.JPG", strings.NewReader("jpeg bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "/files/"))
	assert.True(t, strings.HasSuffix(url, ".jpg"))

	data, err := os.ReadFile(filepath.Join(dir, strings.TrimPrefix(url, "/files/")))
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(data))
}

func TestDiskStoreEnforcesMaxBytes(t *testing.T) {
	dir := t.TempDir()
	store := DiskStore{Dir: dir, BaseURL: "/files", MaxBytes: 4}
	_, err := store.Store(context.Background(), "big.jpg", strings.NewReader("way too large"))
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "oversized upload must not leave a file behind")
}
