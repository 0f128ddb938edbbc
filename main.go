package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/billapan785-max/ai-background-remover-free/cache"
	"github.com/billapan785-max/ai-background-remover-free/config"
	"github.com/billapan785-max/ai-background-remover-free/orchestrator"
	"github.com/billapan785-max/ai-background-remover-free/rembg"
	"github.com/billapan785-max/ai-background-remover-free/resource"
	"github.com/billapan785-max/ai-background-remover-free/segment"
	"github.com/billapan785-max/ai-background-remover-free/server"
	"github.com/billapan785-max/ai-background-remover-free/util"
	nhttp "github.com/billapan785-max/ai-background-remover-free/util/http"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	inputPath := flag.String("in", "", "process one image (path or URL) and exit")
	mode := flag.String("mode", string(orchestrator.ModeExpress), "express | deep")
	outputDir := flag.String("out", "./output", "output directory for -in")
	tolerance := flag.Float64("tolerance", 0, "express tolerance, 0 uses config")
	feather := flag.Float64("feather", -1, "express feather, -1 uses config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}
	initLogger(cfg.Log)

	if *tolerance > 0 {
		cfg.Express.Tolerance = *tolerance
	}
	if *feather >= 0 {
		cfg.Express.Feather = *feather
	}

	opts, cleanup, err := buildOptions(cfg)
	if err != nil {
		log.Fatal("Failed to init:", err)
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *inputPath != "" {
		if err := processOne(ctx, opts, *inputPath, orchestrator.Mode(*mode), *outputDir); err != nil {
			log.Fatal("Failed to process image:", err)
		}
		return
	}

	srv, err := server.New(cfg, server.NewSessions(opts, cfg.Session.IdleTimeout))
	if err != nil {
		log.Fatal("Failed to create server:", err)
	}
	if err := srv.Run(ctx); err != nil {
		log.Fatal("Server error:", err)
	}
}

func initLogger(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(h))
}

func buildOptions(cfg *config.Config) (orchestrator.Options, func(), error) {
	opts := orchestrator.Options{
		MaxSize:      cfg.Upload.MaxSize,
		MaxPixels:    cfg.Upload.MaxPixels,
		AllowedTypes: cfg.Upload.AllowedTypes,
		Params:       segment.Params{Tolerance: cfg.Express.Tolerance, Feather: cfg.Express.Feather},
		Remover:      rembg.NewBiRefNetRemBG(cfg.Deep, nhttp.NewHTTPClientWithTimeout(cfg.Deep.Timeout)),
	}

	switch cfg.Resource.Driver {
	case "disk":
		store, err := resource.NewDiskStore(cfg.Resource.Dir)
		if err != nil {
			return opts, nil, err
		}
		opts.Store = store
	default:
		opts.Store = resource.NewMemoryStore()
	}

	switch cfg.Cache.Driver {
	case "redis":
		r := cache.NewRedis(cfg.Cache.Redis)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := r.Ping(ctx); err != nil {
			slog.Warn("redis connection failed, cache disabled", "addr", cfg.Cache.Redis.Addr, "err", err)
			_ = r.Close()
		} else {
			slog.Info("redis connected successfully", "addr", cfg.Cache.Redis.Addr)
			opts.Cache = r
		}
	case "memory":
		opts.Cache = cache.NewMemory(cfg.Cache.MaxEntries, cfg.Cache.TTL)
	}

	cleanup := func() {
		if opts.Cache != nil {
			_ = opts.Cache.Close()
		}
	}
	return opts, cleanup, nil
}

func processOne(ctx context.Context, opts orchestrator.Options, inputPath string, mode orchestrator.Mode, outputDir string) error {
	defer util.Trace("process " + inputPath)()

	var data []byte
	var err error
	if strings.HasPrefix(inputPath, "http://") || strings.HasPrefix(inputPath, "https://") {
		data, err = util.DownloadImage(ctx, inputPath)
	} else {
		data, err = os.ReadFile(inputPath)
	}
	if err != nil {
		return fmt.Errorf("load image: %w", err)
	}

	o, err := orchestrator.New(opts)
	if err != nil {
		return err
	}
	defer o.Close()

	if _, err := o.Submit(ctx, orchestrator.File{Name: filepath.Base(inputPath), Data: data}, mode); err != nil {
		return err
	}

	lastStatus := ""
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				snap := o.Snapshot()
				if snap.State != orchestrator.StateRunning {
					return
				}
				if snap.Status != lastStatus {
					lastStatus = snap.Status
					slog.Info("progress", "status", snap.Status, "progress", snap.Progress)
				}
			}
		}
	}()

	snap, err := o.Wait(ctx)
	if err != nil {
		return err
	}
	if snap.State == orchestrator.StateFailed {
		return snap.Err
	}

	artifact, rc, err := o.OpenResult()
	if err != nil {
		return err
	}
	defer func() {
		_ = rc.Close()
	}()

	if err := os.MkdirAll(outputDir, os.ModePerm); err != nil {
		return err
	}
	outPath := filepath.Join(outputDir, artifact.Name)
	f, err := os.Create(outPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = f.Close()
	}()

	if _, err := io.Copy(f, rc); err != nil {
		return err
	}

	log.Println("Done! Output:", outPath)
	return nil
}
