package ollama

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDescribe(t *testing.T) {
	var got api.ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(api.ChatResponse{
			Model:   got.Model,
			Message: api.Message{Role: "assistant", Content: "a stone bridge over a river"},
			Done:    true,
		})
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL + "/api/chat")
	require.NoError(t, err)

	img := base64.StdEncoding.EncodeToString([]byte("fake-image"))
	text, err := c.Describe(context.Background(), "llava", "describe", img)
	require.NoError(t, err)
	assert.Equal(t, "a stone bridge over a river", text)

	assert.Equal(t, "llava", got.Model)
	require.Len(t, got.Messages, 1)
	require.Len(t, got.Messages[0].Images, 1)
	assert.Equal(t, "fake-image", string(got.Messages[0].Images[0]))
	require.NotNil(t, got.Stream)
	assert.False(t, *got.Stream)
}

func TestDescribeBadImage(t *testing.T) {
	c, err := NewClient("http://127.0.0.1:1")
	require.NoError(t, err)
	_, err = c.Describe(context.Background(), "llava", "describe", "%%%")
	assert.Error(t, err)
}

func TestDescribeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'nope' not found"}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL)
	_, err := c.Describe(context.Background(), "nope", "describe", "")
	assert.Error(t, err)
}

func TestNewClientInvalidURL(t *testing.T) {
	_, err := NewClient("localhost")
	assert.Error(t, err)
}

func TestModelOptions(t *testing.T) {
	assert.Equal(t, 0.7, modelOptions("openbmb/minicpm-v4.5")["temperature"])
	assert.Equal(t, 0.2, modelOptions("llava:7b")["temperature"])
}
