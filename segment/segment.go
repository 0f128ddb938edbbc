// Package segment 实现 Express 抠图：以四角平均色为背景色的色键阈值算法，
// 只改写 alpha 通道，RGB 原样保留。
package segment

import (
	"context"
	"errors"
	"fmt"
	"math"
)

var ErrInvalidParams = errors.New("invalid params")

// 每处理这么多行检查一次 ctx
const rowsPerCheck = 64

// Params 分割参数
//
//	Tolerance 与背景色的 RGB 欧氏距离阈值，建议 5–150
//	Feather   羽化强度，建议 0–10，0 与 1 效果相同
type Params struct {
	Tolerance float64 `json:"tolerance" mapstructure:"tolerance"`
	Feather   float64 `json:"feather" mapstructure:"feather"`
}

func (p Params) Validate() error {
	if !(p.Tolerance > 0) || math.IsInf(p.Tolerance, 0) {
		return fmt.Errorf("%w: tolerance must be positive, got %v", ErrInvalidParams, p.Tolerance)
	}
	if !(p.Feather >= 0) || math.IsInf(p.Feather, 0) {
		return fmt.Errorf("%w: feather must be non-negative, got %v", ErrInvalidParams, p.Feather)
	}
	return nil
}

// RGB 背景色估计
type RGB struct {
	R, G, B float64
}

// EstimateBackground 四个角像素的 R、G、B 分别取算术平均，不含 alpha
func EstimateBackground(b *Buffer) RGB {
	corners := [4][2]int{
		{0, 0},
		{b.Width - 1, 0},
		{0, b.Height - 1},
		{b.Width - 1, b.Height - 1},
	}

	var sum RGB
	for _, c := range corners {
		r, g, bl, _ := b.At(c[0], c[1])
		sum.R += float64(r)
		sum.G += float64(g)
		sum.B += float64(bl)
	}
	return RGB{R: sum.R / 4, G: sum.G / 4, B: sum.B / 4}
}

// Distance RGB 空间欧氏距离
func (c RGB) Distance(r, g, b uint8) float64 {
	dr := float64(r) - c.R
	dg := float64(g) - c.G
	db := float64(b) - c.B
	return math.Sqrt(dr*dr + dg*dg + db*db)
}

// Alpha 计算单个像素的新 alpha；dist >= tolerance 时返回原值。
// 结果不会高于原 alpha，本身半透明的像素不会被调得更不透明。
func (p Params) Alpha(dist float64, orig uint8) uint8 {
	if dist >= p.Tolerance {
		return orig
	}
	if dist < p.Tolerance/1.5 {
		return 0
	}

	// feather 为 0 时按 1 处理
	ramp := (dist / p.Tolerance) * 255 * (1 / math.Max(p.Feather, 1))
	// 四舍五入，恰好 .5 时取偶数
	alpha := uint8(math.RoundToEven(math.Min(255, math.Max(0, ramp))))
	return min(alpha, orig)
}

// Apply 对 src 的拷贝执行抠图，src 不会被修改
func Apply(src *Buffer, p Params) (*Buffer, error) {
	return ApplyContext(context.Background(), src, p)
}

// ApplyContext 同 Apply，ctx 取消时中途放弃并返回 ctx.Err()
func ApplyContext(ctx context.Context, src *Buffer, p Params) (*Buffer, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	bg := EstimateBackground(src)
	dst := src.Clone()
	pix := dst.Pix
	stride := dst.Width * 4

	for y := 0; y < dst.Height; y++ {
		if y%rowsPerCheck == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		row := y * stride
		for i := row; i < row+stride; i += 4 {
			dist := bg.Distance(pix[i], pix[i+1], pix[i+2])
			pix[i+3] = p.Alpha(dist, pix[i+3])
		}
	}

	return dst, nil
}
