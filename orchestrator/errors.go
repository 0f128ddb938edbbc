package orchestrator

import (
	"errors"

	"github.com/billapan785-max/ai-background-remover-free/segment"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrInvalidImage  = segment.ErrInvalidImage
	ErrEngineFailure = errors.New("engine failure")

	ErrNoJob      = errors.New("no job")
	ErrWrongState = errors.New("wrong state for operation")
	ErrSuperseded = errors.New("superseded by a newer request")
	ErrClosed     = errors.New("orchestrator closed")
)

// ErrInvalidInput 的具体原因
var (
	errEmptyFile       = errors.New("file is empty")
	errFileTooLarge    = errors.New("file exceeds size limit")
	errTooManyPixels   = errors.New("image exceeds pixel limit")
	errUnsupportedType = errors.New("unsupported file type")
	errUndecodable     = errors.New("image cannot be decoded")
	errUnknownMode     = errors.New("unknown mode")
)

// UserMessage 把错误翻译成给最终用户看的提示，不含技术细节
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errEmptyFile):
		return "The selected file is empty."
	case errors.Is(err, errFileTooLarge), errors.Is(err, errTooManyPixels):
		return "The selected file is too large."
	case errors.Is(err, errUnsupportedType), errors.Is(err, errUndecodable):
		return "Please choose a JPEG, PNG, WebP, GIF or BMP image."
	case errors.Is(err, ErrInvalidInput):
		return "The request could not be processed. Please check your input."
	case errors.Is(err, ErrInvalidImage):
		return "The image data is damaged and cannot be processed."
	case errors.Is(err, ErrEngineFailure):
		return "Background removal failed. Please try again, or switch to Express mode."
	case errors.Is(err, ErrNoJob):
		return "No image has been submitted yet."
	case errors.Is(err, ErrWrongState):
		return "This action is not available right now."
	default:
		return "Something went wrong."
	}
}
