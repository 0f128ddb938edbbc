package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/billapan785-max/ai-background-remover-free/orchestrator"
	"github.com/segmentio/ksuid"
)

var ErrSessionNotFound = errors.New("session not found")

// Sessions 每个浏览器会话对应一个独立的 Orchestrator
type Sessions struct {
	opts orchestrator.Options
	idle time.Duration

	mu    sync.Mutex
	items map[string]*orchestrator.Orchestrator
}

func NewSessions(opts orchestrator.Options, idle time.Duration) *Sessions {
	return &Sessions{
		opts:  opts,
		idle:  idle,
		items: make(map[string]*orchestrator.Orchestrator),
	}
}

func (s *Sessions) Create() (string, *orchestrator.Orchestrator, error) {
	o, err := orchestrator.New(s.opts)
	if err != nil {
		return "", nil, err
	}

	id := ksuid.New().String()
	s.mu.Lock()
	s.items[id] = o
	s.mu.Unlock()

	slog.Debug("session created", "session_id", id)
	return id, o, nil
}

func (s *Sessions) Get(id string) (*orchestrator.Orchestrator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.items[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return o, nil
}

// Delete 关闭会话并释放其任务持有的全部句柄
func (s *Sessions) Delete(id string) error {
	s.mu.Lock()
	o, ok := s.items[id]
	delete(s.items, id)
	s.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	o.Close()
	return nil
}

// Sweep 关闭空闲超过 idle 的会话，返回关闭数量
func (s *Sessions) Sweep(now time.Time) int {
	if s.idle <= 0 {
		return 0
	}

	var expired []*orchestrator.Orchestrator
	s.mu.Lock()
	for id, o := range s.items {
		if now.Sub(o.LastActive()) > s.idle {
			expired = append(expired, o)
			delete(s.items, id)
		}
	}
	s.mu.Unlock()

	for _, o := range expired {
		o.Close()
	}
	if len(expired) > 0 {
		slog.Info("idle sessions swept", "count", len(expired))
	}
	return len(expired)
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

func (s *Sessions) CloseAll() {
	s.mu.Lock()
	items := s.items
	s.items = make(map[string]*orchestrator.Orchestrator)
	s.mu.Unlock()

	for _, o := range items {
		o.Close()
	}
}
