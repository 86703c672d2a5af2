package store

import (
	"context"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/menta2k/depth-diffusion/pkg/processing"
)

func gallery(n int) []image.Image {
	out := make([]image.Image, n)
	for i := range out {
		out[i] = image.NewRGBA(image.Rect(0, 0, 6, 4))
	}
	return out
}

func TestLocalSinkSaveGallery(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	sink, err := NewLocalSink(dir, Format{Name: "png"}, nil)
	require.NoError(t, err)

	paths, err := SaveGallery(context.Background(), sink, "tower", "png", gallery(3))
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, filepath.Join(dir, "tower_depth.png"), paths[0])
	assert.Equal(t, filepath.Join(dir, "tower_sample_02.png"), paths[2])

	img, err := processing.NewProcessor().LoadImage(paths[1])
	require.NoError(t, err)
	assert.Equal(t, 6, img.Bounds().Dx())
}

func TestSaveGalleryEmpty(t *testing.T) {
	paths, err := SaveGallery(context.Background(), nil, "x", "png", nil)
	assert.NoError(t, err)
	assert.Nil(t, paths)
}

func TestLocalSinkCancelled(t *testing.T) {
	sink, err := NewLocalSink(t.TempDir(), Format{Name: "jpg", Quality: 80}, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sink.Save(ctx, "a.jpg", gallery(1)[0])
	assert.ErrorIs(t, err, context.Canceled)
}

// fakeS3 accepts HeadBucket and PutObject in path style
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	created bool
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.Method == http.MethodHead:
		if !f.created {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut && strings.Count(strings.Trim(r.URL.Path, "/"), "/") == 0:
		f.created = true
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		body, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = body
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestS3SinkUploads(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}, types: map[string]string{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg := S3Config{
		Endpoint:  srv.URL,
		Region:    "us-east-1",
		AccessKey: "minio",
		SecretKey: "minio123",
		Bucket:    "renders",
		Prefix:    "runs/42",
	}
	sink, err := NewS3Sink(context.Background(), cfg, Format{Name: "png"}, nil)
	require.NoError(t, err)
	assert.True(t, fake.created)

	uris, err := SaveGallery(context.Background(), sink, "tower", "png", gallery(2))
	require.NoError(t, err)
	assert.Equal(t, []string{"s3://renders/runs/42/tower_depth.png", "s3://renders/runs/42/tower_sample_01.png"}, uris)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	body, ok := fake.objects["/renders/runs/42/tower_depth.png"]
	require.True(t, ok)
	assert.Equal(t, "image/png", fake.types["/renders/runs/42/tower_depth.png"])
	img, err := processing.DecodeBytes(body)
	require.NoError(t, err)
	assert.Equal(t, 6, img.Bounds().Dx())
}

func TestS3SinkRequiresBucket(t *testing.T) {
	_, err := NewS3Sink(context.Background(), S3Config{}, Format{Name: "png"}, nil)
	assert.Error(t, err)
}
