package rembg

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/billapan785-max/ai-background-remover-free/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type progressEvent struct {
	stage          string
	current, total int
}

type progressRecorder struct {
	mu     sync.Mutex
	events []progressEvent
}

func (r *progressRecorder) report(stage string, current, total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, progressEvent{stage, current, total})
}

func (r *progressRecorder) stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if len(out) == 0 || out[len(out)-1] != e.stage {
			out = append(out, e.stage)
		}
	}
	return out
}

// fakeComfyUI 模拟 ComfyUI：history 前 pending 次返回空，之后返回结果
type fakeComfyUI struct {
	t        *testing.T
	pending  int32
	failWith string
	result   image.Image

	polls      atomic.Int32
	mu         sync.Mutex
	uploadSize image.Point
	promptBody map[string]any
}

func (f *fakeComfyUI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/upload/image", func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("image")
		if !assert.NoError(f.t, err) {
			return
		}
		defer file.Close()
		img, _, err := image.Decode(file)
		if !assert.NoError(f.t, err) {
			return
		}
		f.mu.Lock()
		f.uploadSize = img.Bounds().Size()
		f.mu.Unlock()

		assert.Equal(f.t, "input", r.FormValue("type"))
		_, _ = w.Write([]byte(`{"name": "upload.png", "subfolder": "", "type": "input"}`))
	})
	mux.HandleFunc("/api/prompt", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&f.promptBody))
		_, _ = w.Write([]byte(`{"prompt_id": "p-1", "number": 3}`))
	})
	mux.HandleFunc("/api/history/p-1", func(w http.ResponseWriter, r *http.Request) {
		n := f.polls.Add(1)
		if n <= f.pending {
			_, _ = w.Write([]byte(`{}`))
			return
		}
		if f.failWith != "" {
			_, _ = w.Write([]byte(`{"p-1": {"status": {"status_str": "error", "completed": false,
				"messages": [["execution_start", {}], ["execution_error", {"exception_message": "` + f.failWith + `"}]]}, "outputs": {}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"p-1": {"status": {"status_str": "success", "completed": true, "messages": []},
			"outputs": {"3": {"images": [{"filename": "rembg_00001_.png", "subfolder": "", "type": "output"}]}}}}`))
	})
	mux.HandleFunc("/api/view", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(f.t, "rembg_00001_.png", r.URL.Query().Get("filename"))
		assert.Equal(f.t, "output", r.URL.Query().Get("type"))
		data, err := util.EncodePNG(f.result)
		if !assert.NoError(f.t, err) {
			return
		}
		_, _ = w.Write(data)
	})
	return mux
}

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func newTestRemover(url string) *BiRefNetRemBG {
	return NewBiRefNetRemBG(Config{
		BaseURL:      url,
		MaxSide:      64,
		PollInterval: 5 * time.Millisecond,
		MaxPolls:     10,
	}, nil)
}

func TestBiRefNetRemBG_Remove(t *testing.T) {
	fake := &fakeComfyUI{t: t, pending: 2, result: solid(64, 32, color.NRGBA{R: 1, G: 2, B: 3, A: 0})}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	rec := &progressRecorder{}
	src := solid(128, 64, color.NRGBA{R: 200, G: 10, B: 10, A: 255})

	got, err := newTestRemover(server.URL).Remove(context.Background(), src, rec.report)
	require.NoError(t, err)

	// 上传前缩到最长边 64，结果再放大回原尺寸
	assert.Equal(t, image.Pt(64, 32), fake.uploadSize)
	assert.Equal(t, src.Bounds(), got.Bounds())
	_, _, _, a := got.At(10, 10).RGBA()
	assert.Equal(t, uint32(0), a)

	assert.Equal(t, []string{StageUpload, StageCompute, StageDownload}, rec.stages())
	assert.EqualValues(t, 3, fake.polls.Load())

	prompt, ok := fake.promptBody["prompt"].(map[string]any)
	require.True(t, ok)
	load := prompt["1"].(map[string]any)["inputs"].(map[string]any)
	assert.Equal(t, "upload.png", load["image"])
}

func TestBiRefNetRemBG_Remove_ExecutionError(t *testing.T) {
	fake := &fakeComfyUI{t: t, pending: 1, failWith: "CUDA out of memory"}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	_, err := newTestRemover(server.URL).Remove(context.Background(), solid(8, 8, color.NRGBA{A: 255}), nil)
	assert.ErrorIs(t, err, ErrExecution)
	assert.ErrorContains(t, err, "CUDA out of memory")
}

func TestBiRefNetRemBG_Remove_PollLimit(t *testing.T) {
	fake := &fakeComfyUI{t: t, pending: 1000}
	server := httptest.NewServer(fake.handler())
	defer server.Close()

	_, err := newTestRemover(server.URL).Remove(context.Background(), solid(8, 8, color.NRGBA{A: 255}), nil)
	assert.ErrorIs(t, err, ErrPollLimit)
	assert.EqualValues(t, 10, fake.polls.Load())
}

func TestBiRefNetRemBG_Remove_ServerDown(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := newTestRemover(server.URL).Remove(context.Background(), solid(8, 8, color.NRGBA{A: 255}), nil)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "upload image:"))
}

func TestBuildWorkflow(t *testing.T) {
	a, err := buildWorkflow("a.png")
	require.NoError(t, err)
	b, err := buildWorkflow("b.png")
	require.NoError(t, err)

	// 每次都从内嵌模板重新构建，互不影响
	assert.Equal(t, "a.png", a["1"].(map[string]any)["inputs"].(map[string]any)["image"])
	assert.Equal(t, "b.png", b["1"].(map[string]any)["inputs"].(map[string]any)["image"])
}

func TestResizeWithinMax(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		w, h    int
		maxSide int
		want    image.Point
	}{
		{name: "不超限", w: 100, h: 50, maxSide: 1024, want: image.Pt(100, 50)},
		{name: "横图", w: 2048, h: 1024, maxSide: 1024, want: image.Pt(1024, 512)},
		{name: "竖图", w: 300, h: 900, maxSide: 300, want: image.Pt(100, 300)},
		{name: "不限制", w: 4000, h: 10, maxSide: 0, want: image.Pt(4000, 10)},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := resizeWithinMax(image.NewNRGBA(image.Rect(0, 0, tt.w, tt.h)), tt.maxSide)
			assert.Equal(t, tt.want, got.Bounds().Size())
		})
	}
}
