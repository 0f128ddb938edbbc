package segment

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
)

// ErrInvalidImage 像素缓冲区尺寸或长度不合法
var ErrInvalidImage = errors.New("invalid image")

// Buffer 非预乘的 RGBA 像素网格，每个像素 4 字节
type Buffer struct {
	Width  int
	Height int
	Pix    []uint8
}

func NewBuffer(width, height int) *Buffer {
	return &Buffer{
		Width:  width,
		Height: height,
		Pix:    make([]uint8, width*height*4),
	}
}

// Validate 检查宽高非零且 Pix 长度等于 width*height*4
func (b *Buffer) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: nil buffer", ErrInvalidImage)
	}
	if b.Width <= 0 || b.Height <= 0 {
		return fmt.Errorf("%w: size %dx%d", ErrInvalidImage, b.Width, b.Height)
	}
	if len(b.Pix) != b.Width*b.Height*4 {
		return fmt.Errorf("%w: pixel data length %d, want %d", ErrInvalidImage, len(b.Pix), b.Width*b.Height*4)
	}
	return nil
}

func (b *Buffer) Clone() *Buffer {
	pix := make([]uint8, len(b.Pix))
	copy(pix, b.Pix)
	return &Buffer{Width: b.Width, Height: b.Height, Pix: pix}
}

// At 返回 (x, y) 像素的 r, g, b, a
func (b *Buffer) At(x, y int) (r, g, bl, a uint8) {
	i := (y*b.Width + x) * 4
	return b.Pix[i], b.Pix[i+1], b.Pix[i+2], b.Pix[i+3]
}

func (b *Buffer) Set(x, y int, r, g, bl, a uint8) {
	i := (y*b.Width + x) * 4
	b.Pix[i], b.Pix[i+1], b.Pix[i+2], b.Pix[i+3] = r, g, bl, a
}

// Image 共享底层像素，不做拷贝
func (b *Buffer) Image() *image.NRGBA {
	return &image.NRGBA{
		Pix:    b.Pix,
		Stride: b.Width * 4,
		Rect:   image.Rect(0, 0, b.Width, b.Height),
	}
}

// FromImage 把任意图片转换成紧凑排列的 Buffer（原点移到 0,0）
func FromImage(img image.Image) *Buffer {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	if nrgba, ok := img.(*image.NRGBA); ok && nrgba.Stride == w*4 && nrgba.Rect.Min == (image.Point{}) {
		return (&Buffer{Width: w, Height: h, Pix: nrgba.Pix[:w*h*4]}).Clone()
	}

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), img, bounds.Min, draw.Src)
	return &Buffer{Width: w, Height: h, Pix: dst.Pix}
}
