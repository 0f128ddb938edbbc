package rembg

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/billapan785-max/ai-background-remover-free/util"
	nhttp "github.com/billapan785-max/ai-background-remover-free/util/http"
	"github.com/segmentio/ksuid"
)

const (
	BiRefNetModel = "BiRefNet"

	StageUpload   = "upload:image"
	StageCompute  = "compute:inference"
	StageDownload = "download:result"

	uploadPath  = "api/upload/image"
	promptPath  = "api/prompt"
	historyPath = "api/history/"
	viewPath    = "api/view"

	// 工作流里 LoadImage 节点的占位文件名
	placeholderImage = "MyImage.png"
)

var (
	ErrExecution  = errors.New("comfyui execution failed")
	ErrPollLimit  = errors.New("comfyui result not ready")
	ErrEmptyImage = errors.New("comfyui returned no image")
)

//go:embed workflow.json
var workflowData []byte

type Config struct {
	BaseURL      string        `mapstructure:"base_url"`
	MaxSide      int           `mapstructure:"max_side"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	MaxPolls     int           `mapstructure:"max_polls"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// BiRefNetRemBG 通过 ComfyUI 的 HTTP API 调用 BiRefNet 抠图
type BiRefNetRemBG struct {
	cfg      Config
	baseURL  string
	cli      nhttp.IClient
	clientID string
}

func NewBiRefNetRemBG(cfg Config, cli nhttp.IClient) *BiRefNetRemBG {
	if cli == nil {
		cli = nhttp.NewHTTPClient()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 120
	}

	return &BiRefNetRemBG{
		cfg:      cfg,
		baseURL:  strings.TrimSuffix(cfg.BaseURL, "/") + "/",
		cli:      cli,
		clientID: ksuid.New().String(),
	}
}

func (b *BiRefNetRemBG) Remove(ctx context.Context, img image.Image, progress ProgressFunc) (image.Image, error) {
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	bounds := img.Bounds()
	input := resizeWithinMax(img, b.cfg.MaxSide)

	progress.report(StageUpload, 0, 1)
	name, err := b.uploadImage(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("upload image: %w", err)
	}
	progress.report(StageUpload, 1, 1)

	promptID, err := b.prompt(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("queue prompt: %w", err)
	}

	out, err := b.waitOutput(ctx, promptID, progress)
	if err != nil {
		return nil, err
	}

	progress.report(StageDownload, 0, 1)
	result, err := b.download(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("download result: %w", err)
	}
	progress.report(StageDownload, 1, 1)

	return fitTo(result, bounds), nil
}

type uploadImageResp struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

/*
	curl -X POST "$BASE_URL/api/upload/image" \
	  -F "image=@my_image.png" \
	  -F "type=input" \
	  -F "overwrite=true"

{"name": "my_image1.png", "subfolder": "", "type": "input"}%
*/
func (b *BiRefNetRemBG) uploadImage(ctx context.Context, img image.Image) (string, error) {
	data, err := util.EncodePNG(img)
	if err != nil {
		return "", err
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("image", ksuid.New().String()+".png")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}

	_ = writer.WriteField("type", "input")
	_ = writer.WriteField("overwrite", "true")
	_ = writer.Close()

	resp := &uploadImageResp{}
	reqParam := &nhttp.RequestParam{
		RequestURI: b.baseURL + uploadPath,
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": writer.FormDataContentType()},
		Body:       body,
		Response:   resp,
	}
	if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}

	slog.Debug("image uploaded", "model", BiRefNetModel, "name", resp.Name, "subfolder", resp.Subfolder)

	if resp.Subfolder != "" {
		return resp.Subfolder + "/" + resp.Name, nil
	}
	return resp.Name, nil
}

type promptResp struct {
	PromptID string `json:"prompt_id"`
	Number   int    `json:"number"`
}

/*
	curl -X POST "$BASE_URL/api/prompt" \
	  -H "Content-Type: application/json" \
	  -d '{"prompt": '"$(cat workflow.json)"'}'
*/
func (b *BiRefNetRemBG) prompt(ctx context.Context, imageName string) (string, error) {
	wk, err := buildWorkflow(imageName)
	if err != nil {
		return "", err
	}

	resp := &promptResp{}
	reqParam := &nhttp.RequestParam{
		RequestURI: b.baseURL + promptPath,
		Method:     http.MethodPost,
		Header:     map[string]string{"Content-Type": "application/json"},
		Body:       map[string]any{"prompt": wk, "client_id": b.clientID},
		Response:   resp,
	}
	if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	if resp.PromptID == "" {
		return "", errors.New("empty prompt id")
	}

	slog.Debug("prompt queued", "prompt_id", resp.PromptID, "number", resp.Number)
	return resp.PromptID, nil
}

// buildWorkflow 拷贝内嵌工作流，把 LoadImage 节点的输入换成已上传的文件名
func buildWorkflow(imageName string) (map[string]any, error) {
	wk := map[string]any{}
	if err := json.Unmarshal(workflowData, &wk); err != nil {
		return nil, fmt.Errorf("unmarshal workflow data: %w", err)
	}

	replaced := false
	for _, v := range wk {
		node, ok := v.(map[string]any)
		if !ok || node["class_type"] != "LoadImage" {
			continue
		}
		inputs, ok := node["inputs"].(map[string]any)
		if !ok || inputs["image"] != placeholderImage {
			continue
		}
		inputs["image"] = imageName
		replaced = true
	}
	if !replaced {
		return nil, errors.New("workflow has no LoadImage placeholder")
	}
	return wk, nil
}

type outputImage struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

type historyEntry struct {
	Status struct {
		StatusStr string              `json:"status_str"`
		Completed bool                `json:"completed"`
		Messages  [][]json.RawMessage `json:"messages"`
	} `json:"status"`
	Outputs map[string]struct {
		Images []outputImage `json:"images"`
	} `json:"outputs"`
}

// errorMessage 从 execution_error 消息里取出异常描述
func (h historyEntry) errorMessage() string {
	for _, m := range h.Status.Messages {
		if len(m) != 2 {
			continue
		}
		var kind string
		if err := json.Unmarshal(m[0], &kind); err != nil || kind != "execution_error" {
			continue
		}
		var detail struct {
			ExceptionMessage string `json:"exception_message"`
		}
		if err := json.Unmarshal(m[1], &detail); err == nil && detail.ExceptionMessage != "" {
			return strings.TrimSpace(detail.ExceptionMessage)
		}
	}
	return h.Status.StatusStr
}

// waitOutput 轮询 /api/history/{id}，直到拿到输出图片或出错
func (b *BiRefNetRemBG) waitOutput(ctx context.Context, promptID string, progress ProgressFunc) (outputImage, error) {
	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for i := 0; i < b.cfg.MaxPolls; i++ {
		progress.report(StageCompute, i, b.cfg.MaxPolls)

		history := map[string]historyEntry{}
		reqParam := &nhttp.RequestParam{
			RequestURI: b.baseURL + historyPath + url.PathEscape(promptID),
			Method:     http.MethodGet,
			Response:   &history,
		}
		if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
			return outputImage{}, fmt.Errorf("poll history: %w", err)
		}

		if entry, ok := history[promptID]; ok {
			if entry.Status.StatusStr == "error" {
				return outputImage{}, fmt.Errorf("%w: %s", ErrExecution, entry.errorMessage())
			}
			for _, out := range entry.Outputs {
				if len(out.Images) > 0 {
					progress.report(StageCompute, b.cfg.MaxPolls, b.cfg.MaxPolls)
					return out.Images[0], nil
				}
			}
			if entry.Status.Completed {
				return outputImage{}, ErrEmptyImage
			}
		}

		select {
		case <-ctx.Done():
			return outputImage{}, ctx.Err()
		case <-ticker.C:
		}
	}

	return outputImage{}, fmt.Errorf("%w after %d polls", ErrPollLimit, b.cfg.MaxPolls)
}

func (b *BiRefNetRemBG) download(ctx context.Context, out outputImage) (image.Image, error) {
	q := url.Values{}
	q.Set("filename", out.Filename)
	q.Set("subfolder", out.Subfolder)
	q.Set("type", out.Type)

	var data []byte
	reqParam := &nhttp.RequestParam{
		RequestURI: b.baseURL + viewPath + "?" + q.Encode(),
		Method:     http.MethodGet,
		Response:   &data,
	}
	if err := b.cli.DoHTTPRequest(ctx, reqParam); err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	img, err := util.DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return img, nil
}
