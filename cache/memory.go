package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

type memoryItem struct {
	key     string
	data    []byte
	expires time.Time
}

// Memory 进程内 LRU 缓存，maxEntries <= 0 表示不限条数，ttl <= 0 表示不过期
type Memory struct {
	mu         sync.Mutex
	maxEntries int
	ttl        time.Duration
	ll         *list.List
	items      map[string]*list.Element
	now        func() time.Time
}

func NewMemory(maxEntries int, ttl time.Duration) *Memory {
	return &Memory{
		maxEntries: maxEntries,
		ttl:        ttl,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		now:        time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[keyPrefix+key]
	if !ok {
		return nil, false, nil
	}
	item := el.Value.(*memoryItem)
	if !item.expires.IsZero() && m.now().After(item.expires) {
		m.removeElement(el)
		return nil, false, nil
	}

	m.ll.MoveToFront(el)
	return item.data, true, nil
}

func (m *Memory) Set(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expires time.Time
	if m.ttl > 0 {
		expires = m.now().Add(m.ttl)
	}

	k := keyPrefix + key
	if el, ok := m.items[k]; ok {
		item := el.Value.(*memoryItem)
		item.data = data
		item.expires = expires
		m.ll.MoveToFront(el)
		return nil
	}

	m.items[k] = m.ll.PushFront(&memoryItem{key: k, data: data, expires: expires})
	if m.maxEntries > 0 && m.ll.Len() > m.maxEntries {
		m.removeElement(m.ll.Back())
	}
	return nil
}

func (m *Memory) removeElement(el *list.Element) {
	m.ll.Remove(el)
	delete(m.items, el.Value.(*memoryItem).key)
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len()
}

func (m *Memory) Close() error { return nil }
