package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsImageFile(t *testing.T) {
	assert.True(t, IsImageFile("a/b/photo.JPG"))
	assert.True(t, IsImageFile("x.webp"))
	assert.False(t, IsImageFile("notes.txt"))
	assert.False(t, IsImageFile("noext"))
}

func TestGalleryNames(t *testing.T) {
	names := GalleryNames("my photo", 2, "webp")
	assert.Equal(t, []string{"my_photo_depth.webp", "my_photo_sample_01.webp", "my_photo_sample_02.webp"}, names)

	assert.Equal(t, []string{"output_depth.png"}, GalleryNames("..", 0, ""))
}

func TestBaseName(t *testing.T) {
	assert.Equal(t, "tower", BaseName("/tmp/in/tower.jpeg"))
}

func TestListImageFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	for _, name := range []string{"a.png", "sub/b.jpg", "c.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}

	files, err := ListImageFiles(dir)
	require.NoError(t, err)
	assert.Len(t, files, 2)

	assert.True(t, FileExists(filepath.Join(dir, "a.png")))
	assert.False(t, FileExists(dir))
	assert.True(t, DirExists(dir))
	assert.False(t, DirExists(filepath.Join(dir, "nope")))
}

func TestEnsureDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	require.NoError(t, EnsureDir(dir))
	assert.True(t, DirExists(dir))
	require.NoError(t, EnsureDir(dir))
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "a_b_c", SanitizeFilename("a/b:c"))
	assert.Equal(t, "name", SanitizeFilename(" name. "))
}

func TestFormatFileSize(t *testing.T) {
	assert.Equal(t, "512 B", FormatFileSize(512))
	assert.Equal(t, "1.5 KB", FormatFileSize(1536))
	assert.Equal(t, "2.0 MB", FormatFileSize(2*1024*1024))
}
