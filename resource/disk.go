package resource

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

// DiskStore 把句柄内容写到 baseDir 下，元信息放在同名 .json 文件中
type DiskStore struct {
	baseDir string

	mu    sync.Mutex
	count int
}

func NewDiskStore(baseDir string) (*DiskStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create resource dir: %w", err)
	}

	// 句柄不跨进程存活，清掉上次遗留的句柄文件；目录里的其他文件不动
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, fmt.Errorf("read resource dir: %w", err)
	}
	for _, e := range entries {
		if ownFile(e) {
			_ = os.Remove(filepath.Join(baseDir, e.Name()))
		}
	}

	return &DiskStore{baseDir: baseDir}, nil
}

// ownFile 判断是否为 Put 写出的 <ksuid>.bin / <ksuid>.json
func ownFile(e fs.DirEntry) bool {
	if !e.Type().IsRegular() {
		return false
	}
	ext := filepath.Ext(e.Name())
	if ext != ".bin" && ext != ".json" {
		return false
	}
	_, err := ksuid.Parse(strings.TrimSuffix(e.Name(), ext))
	return err == nil
}

func (s *DiskStore) dataPath(id string) string { return filepath.Join(s.baseDir, id+".bin") }
func (s *DiskStore) metaPath(id string) string { return filepath.Join(s.baseDir, id+".json") }

func (s *DiskStore) Put(name, contentType string, data []byte) (Handle, error) {
	h := Handle{
		ID:          ksuid.New().String(),
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		CreatedAt:   time.Now(),
	}

	meta, err := json.Marshal(h)
	if err != nil {
		return Handle{}, fmt.Errorf("marshal handle: %w", err)
	}
	if err := os.WriteFile(s.dataPath(h.ID), data, 0o644); err != nil {
		return Handle{}, fmt.Errorf("write resource: %w", err)
	}
	if err := os.WriteFile(s.metaPath(h.ID), meta, 0o644); err != nil {
		_ = os.Remove(s.dataPath(h.ID))
		return Handle{}, fmt.Errorf("write resource meta: %w", err)
	}

	s.mu.Lock()
	s.count++
	s.mu.Unlock()

	return h, nil
}

func (s *DiskStore) Open(id string) (io.ReadCloser, Handle, error) {
	if id == "" || filepath.Base(id) != id {
		return nil, Handle{}, fmt.Errorf("open %q: %w", id, ErrNotFound)
	}

	meta, err := os.ReadFile(s.metaPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Handle{}, fmt.Errorf("open %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, Handle{}, fmt.Errorf("read resource meta: %w", err)
	}

	var h Handle
	if err := json.Unmarshal(meta, &h); err != nil {
		return nil, Handle{}, fmt.Errorf("unmarshal handle: %w", err)
	}

	f, err := os.Open(s.dataPath(id))
	if err != nil {
		return nil, Handle{}, fmt.Errorf("open resource: %w", err)
	}
	return f, h, nil
}

func (s *DiskStore) Release(id string) error {
	if id == "" || filepath.Base(id) != id {
		return nil
	}

	err := os.Remove(s.metaPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("remove resource meta: %w", err)
	}

	s.mu.Lock()
	s.count--
	s.mu.Unlock()

	if err := os.Remove(s.dataPath(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove resource: %w", err)
	}
	return nil
}

func (s *DiskStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
