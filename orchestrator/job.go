package orchestrator

import (
	"context"
	"time"

	"github.com/billapan785-max/ai-background-remover-free/resource"
	"github.com/billapan785-max/ai-background-remover-free/segment"
)

type Mode string

const (
	ModeExpress Mode = "express"
	ModeDeep    Mode = "deep"
)

func (m Mode) Valid() bool {
	return m == ModeExpress || m == ModeDeep
}

type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// File 用户提交的原始文件
type File struct {
	Name string
	Data []byte
}

// Artifact 成功结果：结果句柄 + 建议的下载文件名
type Artifact struct {
	Handle resource.Handle `json:"handle"`
	Name   string          `json:"name"`
}

// Snapshot 某一时刻的任务视图，供外层展示
type Snapshot struct {
	JobID      string           `json:"job_id,omitempty"`
	Mode       Mode             `json:"mode,omitempty"`
	State      State            `json:"state"`
	Progress   int              `json:"progress"`
	Status     string           `json:"status"`
	Err        error            `json:"-"`
	Error      string           `json:"error,omitempty"`
	Source     *resource.Handle `json:"source,omitempty"`
	Result     *Artifact        `json:"result,omitempty"`
	Params     segment.Params   `json:"params"`
	Background *segment.RGB     `json:"background,omitempty"`
	Elapsed    time.Duration    `json:"elapsed"`
}

type job struct {
	id       string
	mode     Mode
	state    State
	progress int
	status   string
	err      error

	name string
	md5  string
	// 创建后只读，Reset 之后仍可能被后台计算读取
	source *segment.Buffer

	sourceHandle *resource.Handle
	result       *Artifact
	params       segment.Params
	background   *segment.RGB

	// 重算序号，只有最新一次的结果会被采用
	seq    uint64
	cancel context.CancelFunc

	started  time.Time
	finished time.Time
}

func (j *job) snapshot() Snapshot {
	s := Snapshot{
		JobID:      j.id,
		Mode:       j.mode,
		State:      j.state,
		Progress:   j.progress,
		Status:     j.status,
		Err:        j.err,
		Error:      UserMessage(j.err),
		Params:     j.params,
		Background: j.background,
	}
	if j.sourceHandle != nil {
		h := *j.sourceHandle
		s.Source = &h
	}
	if j.result != nil {
		a := *j.result
		s.Result = &a
	}

	end := j.finished
	if j.state == StateRunning || end.IsZero() {
		end = time.Now()
	}
	s.Elapsed = end.Sub(j.started)
	return s
}
