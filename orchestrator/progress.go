package orchestrator

import (
	"fmt"
	"math"
	"strings"
)

const (
	statusExpress   = "Removing background"
	statusDeepStart = "Preparing"
	statusDone      = "Done"
)

// 阶段标识包含这些子串时使用固定文案，按顺序匹配
var stageTexts = []struct {
	substr string
	text   string
}{
	{substr: "fetch", text: "Downloading model"},
	{substr: "compute", text: "Analyzing image"},
}

// percent round(current/total*100)，限制在 0–100
func percent(current, total int) int {
	if total <= 0 {
		return 0
	}
	p := math.Round(float64(current) / float64(total) * 100)
	return int(math.Min(100, math.Max(0, p)))
}

func stageStatus(stage string, pct int) string {
	key := strings.ToLower(stage)
	for _, s := range stageTexts {
		if strings.Contains(key, s.substr) {
			return s.text
		}
	}
	return fmt.Sprintf("Processing (%d%%)", pct)
}
