package processing

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x % 256), uint8(y % 256), 128, 255})
		}
	}
	return img
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	img := createTestImage(20, 10)
	for _, format := range []string{"png", "jpg", "webp"} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Encode(&buf, img, format, 90, false))
			out, err := DecodeBytes(buf.Bytes())
			require.NoError(t, err)
			assert.Equal(t, img.Bounds().Size(), out.Bounds().Size())
		})
	}

	var buf bytes.Buffer
	assert.Error(t, Encode(&buf, img, "bmp", 90, false))
}

func TestEncodeBase64Shrinks(t *testing.T) {
	p := NewProcessor()
	s, err := p.EncodeBase64(createTestImage(200, 100), "png", 50, 0)
	require.NoError(t, err)

	out, err := DecodeBase64("data:image/png;base64," + s)
	require.NoError(t, err)
	assert.Equal(t, 50, out.Bounds().Dx())
	assert.Equal(t, 25, out.Bounds().Dy())
}

func TestDecodeBase64Invalid(t *testing.T) {
	_, err := DecodeBase64("!!!")
	assert.Error(t, err)
	_, err = DecodeBase64("aGVsbG8=")
	assert.Error(t, err)
}

func TestSaveAndLoadImage(t *testing.T) {
	p := NewProcessor()
	dir := t.TempDir()
	img := createTestImage(16, 12)

	for _, format := range []string{"png", "jpg", "webp"} {
		path := filepath.Join(dir, "out."+format)
		require.NoError(t, p.SaveImage(img, path, format, 90, true))
		loaded, err := p.LoadImage(path)
		require.NoError(t, err)
		assert.Equal(t, 16, loaded.Bounds().Dx())
	}

	_, err := p.LoadImage(filepath.Join(dir, "missing.png"))
	assert.Error(t, err)
}

func TestLoadImageFromURL(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, createTestImage(8, 8), "png", 0, false))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/img.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(buf.Bytes())
		case "/page":
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html></html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewProcessor()
	img, err := p.LoadImageSmart(context.Background(), srv.URL+"/img.png")
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())

	_, err = p.LoadImageFromURL(context.Background(), srv.URL+"/page")
	assert.Error(t, err)

	_, err = p.LoadImageFromURL(context.Background(), srv.URL+"/missing")
	assert.Error(t, err)

	_, err = p.LoadImageFromURL(context.Background(), "ftp://example.com/a.png")
	assert.Error(t, err)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/webp", ContentType("webp"))
	assert.Equal(t, "image/jpeg", ContentType("JPG"))
	assert.Equal(t, "image/png", ContentType("png"))
}
