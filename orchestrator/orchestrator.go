// Package orchestrator 驱动一次抠图任务（Job）的完整生命周期：
//
//	Idle --Submit--> Running --> Succeeded | Failed
//	任意状态 --Reset--> Idle
//
// 同一时刻最多一个 Job。Job 持有的源图句柄和结果句柄在 Reset、被新任务替换、
// Close 时释放，且每个句柄只释放一次。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/billapan785-max/ai-background-remover-free/cache"
	"github.com/billapan785-max/ai-background-remover-free/rembg"
	"github.com/billapan785-max/ai-background-remover-free/resource"
	"github.com/billapan785-max/ai-background-remover-free/segment"
	"github.com/billapan785-max/ai-background-remover-free/util"
	"github.com/segmentio/ksuid"
)

const pngType = "image/png"

type Options struct {
	Store   resource.Store
	Remover rembg.Remover
	// Cache 可选，按源图 MD5 缓存 Deep 结果
	Cache cache.Cache

	// MaxSize 为 0 表示不限制
	MaxSize int64
	// MaxPixels 宽×高上限，在完整解码前检查，0 表示不限制
	MaxPixels    int64
	AllowedTypes []string
	Params       segment.Params

	Logger *slog.Logger
}

type Orchestrator struct {
	store     resource.Store
	remover   rembg.Remover
	cache     cache.Cache
	maxSize   int64
	maxPixels int64
	allowed   []string
	log       *slog.Logger
	engine    func(context.Context, *segment.Buffer, segment.Params) (*segment.Buffer, error)

	mu      sync.Mutex
	job     *job
	params  segment.Params
	closed  bool
	touched time.Time
	// 每次状态变化时关闭并替换，用于 Wait
	changed chan struct{}
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("resource store is required")
	}
	if err := opts.Params.Validate(); err != nil {
		return nil, fmt.Errorf("default params: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Orchestrator{
		store:     opts.Store,
		remover:   opts.Remover,
		cache:     opts.Cache,
		maxSize:   opts.MaxSize,
		maxPixels: opts.MaxPixels,
		allowed:   opts.AllowedTypes,
		log:       opts.Logger,
		engine:    segment.ApplyContext,
		params:    opts.Params,
		touched:   time.Now(),
		changed:   make(chan struct{}),
	}, nil
}

// Submit 校验文件并启动新任务。校验失败时返回 ErrInvalidInput，当前任务不受影响；
// 校验通过后先隐式 Reset 旧任务。Express 同步完成，Deep 在后台运行，用 Wait 或
// Snapshot 观察进度。
func (o *Orchestrator) Submit(ctx context.Context, file File, mode Mode) (Snapshot, error) {
	return o.submit(ctx, file, mode, nil)
}

// SubmitWithParams 同 Submit，文件被接受时才把 p 设为当前参数
func (o *Orchestrator) SubmitWithParams(ctx context.Context, file File, mode Mode, p segment.Params) (Snapshot, error) {
	if err := p.Validate(); err != nil {
		return o.Snapshot(), fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	return o.submit(ctx, file, mode, &p)
}

func (o *Orchestrator) submit(ctx context.Context, file File, mode Mode, params *segment.Params) (Snapshot, error) {
	if !mode.Valid() {
		return o.Snapshot(), fmt.Errorf("%w: %w %q", ErrInvalidInput, errUnknownMode, mode)
	}
	if mode == ModeDeep && o.remover == nil {
		return o.Snapshot(), fmt.Errorf("%w: deep engine not configured", ErrEngineFailure)
	}

	contentType, src, err := o.validate(file)
	if err != nil {
		o.log.Info("submission rejected", "file", file.Name, "size", len(file.Data), "err", err)
		return o.Snapshot(), err
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Snapshot{State: StateIdle}, ErrClosed
	}
	o.resetLocked()

	srcHandle, err := o.store.Put(file.Name, contentType, file.Data)
	if err != nil {
		o.mu.Unlock()
		return o.Snapshot(), fmt.Errorf("store source: %w", err)
	}
	if params != nil {
		o.params = *params
	}

	j := &job{
		id:           ksuid.New().String(),
		mode:         mode,
		state:        StateRunning,
		name:         file.Name,
		md5:          util.BytesMD5(file.Data),
		source:       src,
		sourceHandle: &srcHandle,
		params:       o.params,
		started:      time.Now(),
	}
	o.job = j
	o.touchLocked()

	o.log.Info("job started", "job_id", j.id, "mode", mode, "file", file.Name,
		"width", src.Width, "height", src.Height, "md5", j.md5)

	if mode == ModeDeep {
		j.status = statusDeepStart
		o.notifyLocked()
		snap := j.snapshot()
		o.mu.Unlock()

		go o.runDeep(context.WithoutCancel(ctx), j, src)
		return snap, nil
	}

	runCtx, seq := o.beginExpressLocked(ctx, j)
	p := j.params
	o.mu.Unlock()

	return o.runExpress(runCtx, j, src, p, seq)
}

// SetParams 修改后续 Express 任务使用的参数，不触发重算
func (o *Orchestrator) SetParams(p segment.Params) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.params = p
	o.touchLocked()
	return nil
}

// Recompute 用新参数对原始源图重新执行 Express。并发调用时以最后一次为准，
// 被取代的调用返回 ErrSuperseded，其结果被丢弃。
func (o *Orchestrator) Recompute(ctx context.Context, p segment.Params) (Snapshot, error) {
	if err := p.Validate(); err != nil {
		return o.Snapshot(), fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	o.mu.Lock()
	j := o.job
	if j == nil {
		o.params = p
		o.mu.Unlock()
		return o.Snapshot(), ErrNoJob
	}
	if j.mode != ModeExpress || (j.state != StateRunning && j.state != StateSucceeded) {
		snap := j.snapshot()
		o.mu.Unlock()
		return snap, fmt.Errorf("%w: recompute %s job in state %s", ErrWrongState, j.mode, j.state)
	}

	o.params = p
	j.params = p
	j.state = StateRunning
	j.progress = 0
	j.status = statusExpress
	runCtx, seq := o.beginExpressLocked(ctx, j)
	src := j.source
	o.notifyLocked()
	o.mu.Unlock()

	return o.runExpress(runCtx, j, src, p, seq)
}

// beginExpressLocked 取消上一次未完成的计算，返回本次计算的 ctx 和序号
func (o *Orchestrator) beginExpressLocked(ctx context.Context, j *job) (context.Context, uint64) {
	if j.cancel != nil {
		j.cancel()
	}
	runCtx, cancel := context.WithCancel(ctx)
	j.seq++
	j.cancel = cancel
	j.status = statusExpress
	o.touchLocked()
	return runCtx, j.seq
}

// current 调用方必须持有锁
func (o *Orchestrator) current(j *job, seq uint64) bool {
	return o.job == j && j.seq == seq
}

func (o *Orchestrator) runExpress(ctx context.Context, j *job, src *segment.Buffer, p segment.Params, seq uint64) (Snapshot, error) {
	defer util.Trace("express " + j.id)()

	out, err := o.engine(ctx, src, p)
	var data []byte
	if err == nil {
		data, err = util.EncodePNG(out.Image())
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.current(j, seq) {
		return o.snapshotLocked(), ErrSuperseded
	}
	j.cancel()
	j.cancel = nil

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// 调用方取消且没有更新的请求接手，按失败处理
			err = fmt.Errorf("%w: %w", ErrEngineFailure, err)
		}
		o.failLocked(j, err)
		return j.snapshot(), err
	}

	h, err := o.store.Put(util.TransparentName(j.name), pngType, data)
	if err != nil {
		err = fmt.Errorf("store result: %w", err)
		o.failLocked(j, err)
		return j.snapshot(), err
	}

	o.releaseResultLocked(j)
	bg := segment.EstimateBackground(src)
	j.background = &bg
	j.result = &Artifact{Handle: h, Name: h.Name}
	j.state = StateSucceeded
	j.progress = 100
	j.status = statusDone
	j.err = nil
	j.finished = time.Now()
	o.notifyLocked()

	o.log.Debug("express done", "job_id", j.id, "seq", seq,
		"tolerance", p.Tolerance, "feather", p.Feather, "cost", j.finished.Sub(j.started))
	return j.snapshot(), nil
}

func (o *Orchestrator) runDeep(ctx context.Context, j *job, src *segment.Buffer) {
	defer util.Trace("deep " + j.id)()

	data, cached, err := o.deepResult(ctx, j, src)

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.job != j {
		o.log.Info("deep result discarded", "job_id", j.id, "err", err)
		return
	}
	if err != nil {
		o.log.Warn("deep engine failed", "job_id", j.id, "err", err)
		o.failLocked(j, fmt.Errorf("%w: %w", ErrEngineFailure, err))
		return
	}

	h, err := o.store.Put(util.TransparentName(j.name), pngType, data)
	if err != nil {
		o.failLocked(j, fmt.Errorf("store result: %w", err))
		return
	}

	j.result = &Artifact{Handle: h, Name: h.Name}
	j.state = StateSucceeded
	j.progress = 100
	j.status = statusDone
	j.finished = time.Now()
	o.notifyLocked()

	o.log.Info("deep done", "job_id", j.id, "cached", cached, "cost", j.finished.Sub(j.started))
}

func (o *Orchestrator) deepResult(ctx context.Context, j *job, src *segment.Buffer) ([]byte, bool, error) {
	if o.cache != nil {
		data, ok, err := o.cache.Get(ctx, j.md5)
		if err != nil {
			o.log.Warn("failed to get cache", "job_id", j.id, "err", err)
		}
		if ok {
			return data, true, nil
		}
	}

	img, err := o.remover.Remove(ctx, src.Image(), func(stage string, current, total int) {
		o.reportProgress(j, stage, current, total)
	})
	if err != nil {
		return nil, false, err
	}
	if img == nil || img.Bounds().Empty() {
		return nil, false, errors.New("engine returned an empty image")
	}

	data, err := util.EncodePNG(img)
	if err != nil {
		return nil, false, err
	}

	if o.cache != nil {
		if err := o.cache.Set(ctx, j.md5, data); err != nil {
			o.log.Warn("failed to set cache", "job_id", j.id, "err", err)
		}
	}
	return data, false, nil
}

func (o *Orchestrator) reportProgress(j *job, stage string, current, total int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.job != j || j.state != StateRunning {
		return
	}
	j.progress = percent(current, total)
	j.status = stageStatus(stage, j.progress)
	o.notifyLocked()
}

// failLocked 失败时丢弃进度和任何已有结果
func (o *Orchestrator) failLocked(j *job, err error) {
	o.releaseResultLocked(j)
	j.state = StateFailed
	j.progress = 0
	j.err = err
	j.status = UserMessage(err)
	j.finished = time.Now()
	o.notifyLocked()
}

// Reset 丢弃当前任务并释放其全部句柄，回到 Idle
func (o *Orchestrator) Reset() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.resetLocked()
	o.touchLocked()
	return o.snapshotLocked()
}

// Close 组件销毁时调用，之后的 Submit 返回 ErrClosed
func (o *Orchestrator) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.resetLocked()
	o.closed = true
}

func (o *Orchestrator) resetLocked() {
	j := o.job
	if j == nil {
		return
	}
	if j.cancel != nil {
		j.cancel()
		j.cancel = nil
	}

	o.releaseResultLocked(j)
	if j.sourceHandle != nil {
		o.release(j, *j.sourceHandle)
		j.sourceHandle = nil
	}

	o.job = nil
	o.notifyLocked()
	o.log.Info("job reset", "job_id", j.id, "state", j.state)
}

func (o *Orchestrator) releaseResultLocked(j *job) {
	if j.result == nil {
		return
	}
	o.release(j, j.result.Handle)
	j.result = nil
}

func (o *Orchestrator) release(j *job, h resource.Handle) {
	if err := o.store.Release(h.ID); err != nil {
		o.log.Warn("failed to release handle", "job_id", j.id, "handle", h.ID, "err", err)
	}
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() Snapshot {
	if o.job == nil {
		return Snapshot{State: StateIdle, Params: o.params}
	}
	return o.job.snapshot()
}

// Wait 阻塞到当前任务离开 Running 状态
func (o *Orchestrator) Wait(ctx context.Context) (Snapshot, error) {
	for {
		o.mu.Lock()
		snap := o.snapshotLocked()
		ch := o.changed
		o.mu.Unlock()

		if snap.State != StateRunning {
			return snap, nil
		}

		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-ch:
		}
	}
}

// OpenResult 打开当前任务的结果，用于下载，调用方负责关闭
func (o *Orchestrator) OpenResult() (Artifact, io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.job == nil {
		return Artifact{}, nil, ErrNoJob
	}
	if o.job.state != StateSucceeded || o.job.result == nil {
		return Artifact{}, nil, fmt.Errorf("%w: no result in state %s", ErrWrongState, o.job.state)
	}

	a := *o.job.result
	rc, _, err := o.store.Open(a.Handle.ID)
	if err != nil {
		return Artifact{}, nil, fmt.Errorf("open result: %w", err)
	}
	o.touchLocked()
	return a, rc, nil
}

func (o *Orchestrator) LastActive() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.touched
}

func (o *Orchestrator) touchLocked() {
	o.touched = time.Now()
}

func (o *Orchestrator) notifyLocked() {
	close(o.changed)
	o.changed = make(chan struct{})
}

func (o *Orchestrator) validate(file File) (string, *segment.Buffer, error) {
	if len(file.Data) == 0 {
		return "", nil, fmt.Errorf("%w: %w", ErrInvalidInput, errEmptyFile)
	}
	if o.maxSize > 0 && int64(len(file.Data)) > o.maxSize {
		return "", nil, fmt.Errorf("%w: %w (%d > %d bytes)", ErrInvalidInput, errFileTooLarge, len(file.Data), o.maxSize)
	}

	contentType := util.DetectType(file.Data)
	if !o.allowedType(contentType) {
		return "", nil, fmt.Errorf("%w: %w %s", ErrInvalidInput, errUnsupportedType, contentType)
	}

	if o.maxPixels > 0 {
		w, h, err := util.ImageSize(file.Data)
		if err != nil {
			return "", nil, fmt.Errorf("%w: %w: %v", ErrInvalidInput, errUndecodable, err)
		}
		if int64(w)*int64(h) > o.maxPixels {
			return "", nil, fmt.Errorf("%w: %w (%dx%d > %d)", ErrInvalidInput, errTooManyPixels, w, h, o.maxPixels)
		}
	}

	img, err := util.DecodeImage(file.Data)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w: %v", ErrInvalidInput, errUndecodable, err)
	}

	src := segment.FromImage(img)
	if err := src.Validate(); err != nil {
		return "", nil, err
	}
	return contentType, src, nil
}

func (o *Orchestrator) allowedType(contentType string) bool {
	if len(o.allowed) == 0 {
		return true
	}
	return slices.Contains(o.allowed, contentType)
}
