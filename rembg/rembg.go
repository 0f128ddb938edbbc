// Package rembg 定义外部抠图引擎的接口，并提供基于 ComfyUI + BiRefNet 的实现。
package rembg

import (
	"context"
	"image"
)

// ProgressFunc 进度回调，stage 为任意阶段标识，current/total 为该阶段进度
type ProgressFunc func(stage string, current, total int)

type Remover interface {
	Remove(ctx context.Context, img image.Image, progress ProgressFunc) (image.Image, error)
}

// RemoverFunc 让普通函数满足 Remover
type RemoverFunc func(ctx context.Context, img image.Image, progress ProgressFunc) (image.Image, error)

func (f RemoverFunc) Remove(ctx context.Context, img image.Image, progress ProgressFunc) (image.Image, error) {
	return f(ctx, img, progress)
}

func (f ProgressFunc) report(stage string, current, total int) {
	if f != nil {
		f(stage, current, total)
	}
}
