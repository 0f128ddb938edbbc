package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHTTPClient(t *testing.T) {
	t.Parallel()

	client := NewHTTPClient()
	httpClient, ok := client.(*HTTPClient)
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, httpClient.client.Timeout)
}

func TestHTTPClient_DoHTTPRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		requestParam *RequestParam
		handler      http.HandlerFunc
		wantErrMsg   string
	}{
		{
			name:         "GET 成功",
			requestParam: &RequestParam{Method: http.MethodGet},
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"ok": true}`))
			},
		},
		{
			name: "结构体按 JSON 发送",
			requestParam: &RequestParam{
				Method: http.MethodPost,
				Body:   map[string]any{"prompt": map[string]any{"1": "LoadImage"}},
			},
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
				var got map[string]any
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
				assert.Contains(t, got, "prompt")
				_, _ = w.Write([]byte(`{"prompt_id": "abc"}`))
			},
		},
		{
			name: "io.Reader 原样发送",
			requestParam: &RequestParam{
				Method: http.MethodPost,
				Header: map[string]string{"Content-Type": "text/plain"},
				Body:   strings.NewReader("raw"),
			},
			handler: func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				assert.Equal(t, "raw", string(body))
				assert.Equal(t, "text/plain", r.Header.Get("Content-Type"))
			},
		},
		{
			name:         "非 2xx 状态码",
			requestParam: &RequestParam{Method: http.MethodGet},
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("queue full"))
			},
			wantErrMsg: "HTTP request failed with status 503: queue full",
		},
		{
			name:         "单次请求超时",
			requestParam: &RequestParam{Method: http.MethodGet, Timeout: 50 * time.Millisecond},
			handler: func(w http.ResponseWriter, r *http.Request) {
				time.Sleep(200 * time.Millisecond)
			},
			wantErrMsg: "context deadline exceeded",
		},
		{
			name:         "请求参数为 nil",
			requestParam: nil,
			handler:      func(w http.ResponseWriter, r *http.Request) {},
			wantErrMsg:   "request param is nil",
		},
		{
			name:         "无法序列化的 body",
			requestParam: &RequestParam{Method: http.MethodPost, Body: make(chan int)},
			handler:      func(w http.ResponseWriter, r *http.Request) {},
			wantErrMsg:   "json: unsupported type: chan int",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := httptest.NewServer(tt.handler)
			defer server.Close()
			if tt.requestParam != nil {
				tt.requestParam.RequestURI = server.URL
			}

			err := NewHTTPClient().DoHTTPRequest(context.Background(), tt.requestParam)
			if tt.wantErrMsg != "" {
				assert.ErrorContains(t, err, tt.wantErrMsg)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestHTTPClient_DoHTTPRequest_Response(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/raw" {
			_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
			return
		}
		_, _ = w.Write([]byte(`{"name": "a.png", "subfolder": "", "type": "input"}`))
	}))
	defer server.Close()

	client := NewHTTPClient()

	var upload struct {
		Name string `json:"name"`
		Type string `json:"type"`
	}
	err := client.DoHTTPRequest(context.Background(), &RequestParam{
		Method:     http.MethodPost,
		RequestURI: server.URL,
		Response:   &upload,
	})
	require.NoError(t, err)
	assert.Equal(t, "a.png", upload.Name)
	assert.Equal(t, "input", upload.Type)

	var raw []byte
	err = client.DoHTTPRequest(context.Background(), &RequestParam{
		Method:     http.MethodGet,
		RequestURI: server.URL + "/raw",
		Response:   &raw,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, raw)
}

func TestHTTPClient_DoHTTPRequest_ContextCancellation(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	err := NewHTTPClient().DoHTTPRequest(ctx, &RequestParam{Method: http.MethodGet, RequestURI: server.URL})
	assert.ErrorContains(t, err, "context canceled")
}
