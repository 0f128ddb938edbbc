// Package resource 管理任务产生的临时图片句柄。
// 每个句柄由 Put 创建，必须且只需 Release 一次；重复 Release 是无害的空操作。
package resource

import (
	"errors"
	"io"
	"time"
)

var ErrNotFound = errors.New("resource not found")

type Handle struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

type Store interface {
	Put(name, contentType string, data []byte) (Handle, error)
	Open(id string) (io.ReadCloser, Handle, error)
	Release(id string) error
	Len() int
}
