package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/billapan785-max/ai-background-remover-free/cache"
	"github.com/billapan785-max/ai-background-remover-free/rembg"
	"github.com/billapan785-max/ai-background-remover-free/segment"
	"github.com/spf13/viper"
)

const envPrefix = "BGREMOVER"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Express  segment.Params `mapstructure:"express"`
	Deep     rembg.Config   `mapstructure:"deep"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Resource ResourceConfig `mapstructure:"resource"`
	Session  SessionConfig  `mapstructure:"session"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type UploadConfig struct {
	MaxSize int64 `mapstructure:"max_size"`
	// MaxPixels 宽×高上限，防止小文件解码出超大图
	MaxPixels    int64    `mapstructure:"max_pixels"`
	AllowedTypes []string `mapstructure:"allowed_types"`
}

type CacheConfig struct {
	// Driver 取值 memory | redis | none
	Driver     string            `mapstructure:"driver"`
	MaxEntries int               `mapstructure:"max_entries"`
	TTL        time.Duration     `mapstructure:"ttl"`
	Redis      cache.RedisConfig `mapstructure:"redis"`
}

type ResourceConfig struct {
	// Driver 取值 memory | disk
	Driver string `mapstructure:"driver"`
	Dir    string `mapstructure:"dir"`
}

type SessionConfig struct {
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// SweepSpec cron 表达式，定期清理空闲会话
	SweepSpec string `mapstructure:"sweep_spec"`
}

// Load 从 YAML 文件加载配置，path 为空时只用默认值和环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 只含默认值的配置
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("default config is invalid: %v", err))
	}
	return cfg
}

func (c *Config) Validate() error {
	if err := c.Express.Validate(); err != nil {
		return fmt.Errorf("express: %w", err)
	}
	if c.Upload.MaxSize < 0 {
		return fmt.Errorf("upload.max_size must be >= 0, got %d", c.Upload.MaxSize)
	}
	if c.Upload.MaxPixels < 0 {
		return fmt.Errorf("upload.max_pixels must be >= 0, got %d", c.Upload.MaxPixels)
	}
	if len(c.Upload.AllowedTypes) == 0 {
		return fmt.Errorf("upload.allowed_types is empty")
	}
	switch c.Cache.Driver {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf("unknown cache driver %q", c.Cache.Driver)
	}
	switch c.Resource.Driver {
	case "memory":
	case "disk":
		if c.Resource.Dir == "" {
			return fmt.Errorf("resource.dir is required for disk driver")
		}
	default:
		return fmt.Errorf("unknown resource driver %q", c.Resource.Driver)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("upload.max_size", 20*1024*1024)
	v.SetDefault("upload.max_pixels", 50_000_000)
	v.SetDefault("upload.allowed_types", []string{"image/jpeg", "image/png", "image/webp", "image/gif", "image/bmp"})

	v.SetDefault("express.tolerance", 30)
	v.SetDefault("express.feather", 1)

	v.SetDefault("deep.base_url", "http://127.0.0.1:8188/")
	v.SetDefault("deep.max_side", 1024)
	v.SetDefault("deep.poll_interval", time.Second)
	v.SetDefault("deep.max_polls", 180)
	v.SetDefault("deep.timeout", 5*time.Minute)

	v.SetDefault("cache.driver", "memory")
	v.SetDefault("cache.max_entries", 64)
	v.SetDefault("cache.ttl", 24*time.Hour)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.ttl", 24*time.Hour)

	v.SetDefault("resource.driver", "memory")
	v.SetDefault("resource.dir", "./output/resources")

	v.SetDefault("session.idle_timeout", 30*time.Minute)
	v.SetDefault("session.sweep_spec", "@every 1m")
}
