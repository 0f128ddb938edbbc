package orchestrator

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPercent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		current, total, want int
	}{
		{0, 10, 0},
		{1, 3, 33},
		{2, 3, 67},
		{1, 2, 50},
		{10, 10, 100},
		{12, 10, 100},
		{-1, 10, 0},
		{5, 0, 0},
		{5, -3, 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, percent(tt.current, tt.total), "%d/%d", tt.current, tt.total)
	}
}

func TestStageStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Downloading model", stageStatus("fetch:isnet_fp16", 10))
	assert.Equal(t, "Downloading model", stageStatus("FETCH", 10))
	assert.Equal(t, "Analyzing image", stageStatus("compute:inference", 10))
	assert.Equal(t, "Processing (42%)", stageStatus("decode", 42))
	assert.Equal(t, "Processing (0%)", stageStatus("", 0))
}

func TestUserMessage(t *testing.T) {
	t.Parallel()

	assert.Empty(t, UserMessage(nil))
	assert.Equal(t, "The selected file is empty.", UserMessage(fmt.Errorf("%w: %w", ErrInvalidInput, errEmptyFile)))
	assert.Equal(t, "The selected file is too large.", UserMessage(fmt.Errorf("%w: %w", ErrInvalidInput, errFileTooLarge)))
	assert.Contains(t, UserMessage(fmt.Errorf("%w: %w", ErrInvalidInput, errUnsupportedType)), "JPEG")
	assert.Contains(t, UserMessage(fmt.Errorf("wrap: %w", ErrInvalidImage)), "damaged")
	assert.Contains(t, UserMessage(fmt.Errorf("%w: boom", ErrEngineFailure)), "Express mode")
	assert.Equal(t, "Something went wrong.", UserMessage(errors.New("???")))
}
