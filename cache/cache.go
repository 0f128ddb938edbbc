// Package cache 缓存 Deep 引擎的输出，键为源图 MD5。
package cache

import "context"

type Cache interface {
	// Get 未命中时返回 (nil, false, nil)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte) error
	Close() error
}

const keyPrefix = "rembg:"
