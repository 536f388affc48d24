package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sevlyar/go-daemon"

	"github.com/mediaroot/mediarootd/internal/albumcover"
	"github.com/mediaroot/mediarootd/internal/config"
	"github.com/mediaroot/mediarootd/internal/fileops"
	"github.com/mediaroot/mediarootd/internal/fingerprint"
	"github.com/mediaroot/mediarootd/internal/httpapi"
	"github.com/mediaroot/mediarootd/internal/index"
	"github.com/mediaroot/mediarootd/internal/inventory"
	. "github.com/mediaroot/mediarootd/internal/logging"
	"github.com/mediaroot/mediarootd/internal/mediatype"
	"github.com/mediaroot/mediarootd/internal/oplog"
	"github.com/mediaroot/mediarootd/internal/sandbox"
	"github.com/mediaroot/mediarootd/internal/thumbcache"
	"github.com/mediaroot/mediarootd/internal/videomosaic"
)

// version is set via ldflags: -X main.version=...
var version = "dev"

// CLI defines the command-line interface.
type CLI struct {
	Debug     bool   `help:"Enable debug logging" short:"d"`
	Trace     bool   `help:"Enable trace logging" short:"t"`
	Config    string `help:"Config file path" short:"c" type:"path"`
	MediaRoot string `help:"Media root override" type:"path"`

	Serve   ServeCmd   `cmd:"" default:"withargs" help:"Run the media server in the foreground"`
	Scan    ScanCmd    `cmd:"" help:"Scan the media root and print the index summary"`
	Warm    WarmCmd    `cmd:"" help:"Pre-generate thumbnails for every indexed image"`
	Start   StartCmd   `cmd:"" help:"Start the server as a background daemon"`
	Stop    StopCmd    `cmd:"" help:"Stop the background daemon"`
	Status  StatusCmd  `cmd:"" help:"Show daemon status"`
	Version VersionCmd `cmd:"" help:"Show version"`
}

// Context carries global flags into subcommands.
type Context struct {
	Debug     bool
	Trace     bool
	Config    string
	MediaRoot string
}

// loadConfig resolves the effective configuration for a subcommand.
func loadConfig(ctx *Context) (*config.Config, error) {
	result, err := config.Load(ctx.Config)
	if err != nil {
		return nil, err
	}
	cfg := result.Config
	if ctx.MediaRoot != "" {
		cfg.MediaRoot = ctx.MediaRoot
	}
	if err := cfg.ResolvePaths(); err != nil {
		return nil, err
	}
	if result.SourcePath != "" {
		L_debug("config loaded", "path", result.SourcePath)
	}
	return &cfg, nil
}

// services is the wired-together core shared by serve and warm.
type services struct {
	cfg     *config.Config
	sb      *sandbox.Sandbox
	types   *mediatype.Set
	idx     *index.Cache
	thumbs  *thumbcache.Cache
	covers  *albumcover.Cache
	mosaics *videomosaic.Cache
	fileops *fileops.Service
}

func buildServices(cfg *config.Config) (*services, error) {
	sb, err := sandbox.New(cfg.MediaRoot)
	if err != nil {
		return nil, fmt.Errorf("media root: %w", err)
	}

	types, err := config.LoadMediaTypes(cfg.MediaTypesPath)
	if err != nil {
		return nil, err
	}

	log, err := oplog.Open(cfg.OpLogPath)
	if err != nil {
		return nil, err
	}

	secret := []byte(cfg.Secret)
	if len(secret) == 0 {
		// Previews expire on restart when no secret is configured.
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate confirm-token secret: %w", err)
		}
		L_debug("using per-process confirm-token secret")
	}

	keyMode := fingerprint.KeyModeMtime
	if cfg.KeyMode == "sha1" {
		keyMode = fingerprint.KeyModeSHA1
	}

	thumbCfg := thumbcache.DefaultConfig(cfg.CacheRoot)
	thumbCfg.Size = cfg.ThumbSize
	thumbCfg.Quality = cfg.ThumbQuality
	thumbCfg.Workers = cfg.Workers
	thumbCfg.KeyMode = keyMode

	coverCfg := albumcover.DefaultConfig(cfg.CacheRoot)
	coverCfg.Size = cfg.ThumbSize
	coverCfg.Quality = cfg.ThumbQuality
	coverCfg.KeyMode = keyMode

	mosaicCfg := videomosaic.DefaultConfig(cfg.CacheRoot, cfg.Workers)
	mosaicCfg.Size = cfg.ThumbSize
	mosaicCfg.Quality = cfg.ThumbQuality
	mosaicCfg.KeyMode = keyMode

	opsCfg := fileops.DefaultConfig(secret)
	opsCfg.RetentionDays = cfg.RetentionDays

	return &services{
		cfg:     cfg,
		sb:      sb,
		types:   types,
		idx:     index.NewCache(index.ScanBuilder(sb, types, inventory.DefaultOptions())),
		thumbs:  thumbcache.New(thumbCfg, sb, types),
		covers:  albumcover.New(coverCfg, sb, types),
		mosaics: videomosaic.New(mosaicCfg, sb, types),
		fileops: fileops.New(sb, log, opsCfg),
	}, nil
}

// runtimePaths derives the daemon pidfile and logfile locations.
func runtimePaths(ctx *Context) (pidFile, logFile, dataDir string, err error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return "", "", "", err
	}
	return filepath.Join(cfg.DataDir, "mediarootd.pid"),
		filepath.Join(cfg.DataDir, "mediarootd.log"),
		cfg.DataDir, nil
}

// ServeCmd runs the server in the foreground.
type ServeCmd struct{}

func (s *ServeCmd) Run(ctx *Context) error {
	return runServer(ctx)
}

func runServer(ctx *Context) error {
	L_info("starting mediarootd", "version", version)

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	svc, err := buildServices(cfg)
	if err != nil {
		return err
	}
	defer svc.thumbs.Close()

	// Warm the index so the first request doesn't pay for the initial scan.
	if _, err := svc.idx.Get(true); err != nil {
		L_warn("initial index build failed", "error", err)
	}

	svc.fileops.StartGCSchedule()
	defer svc.fileops.StopGCSchedule()

	server := httpapi.NewServer(httpapi.Config{
		Listen:    cfg.ListenAddr(),
		CacheRoot: cfg.CacheRoot,
	}, httpapi.Deps{
		Sandbox: svc.sb,
		Types:   svc.types,
		Index:   svc.idx,
		Thumbs:  svc.thumbs,
		Covers:  svc.covers,
		Mosaics: svc.mosaics,
		Fileops: svc.fileops,
	})

	if err := server.Start(); err != nil {
		return err
	}
	L_info("serving", "addr", cfg.ListenAddr(), "mediaRoot", cfg.MediaRoot)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	L_info("shutting down", "signal", sig)

	return server.Stop()
}

// ScanCmd performs a one-shot scan and prints the index summary.
type ScanCmd struct {
	JSON bool `help:"Print the full index as JSON"`
}

func (s *ScanCmd) Run(ctx *Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	sb, err := sandbox.New(cfg.MediaRoot)
	if err != nil {
		return err
	}
	types, err := config.LoadMediaTypes(cfg.MediaTypesPath)
	if err != nil {
		return err
	}

	started := time.Now()
	inv := inventory.Scan(sb, inventory.DefaultOptions())
	idx := index.Build(inv, types)

	if s.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(idx)
	}

	fmt.Printf("Media root: %s\n", idx.MediaRootAbs)
	fmt.Printf("Scanned in: %s\n", time.Since(started).Round(time.Millisecond))
	fmt.Printf("Albums:     %d\n", len(idx.Albums))
	fmt.Printf("Scattered:  %d\n", len(idx.ScatteredImages))
	fmt.Printf("Videos:     %d\n", len(idx.Videos))
	fmt.Printf("Games:      %d\n", len(idx.Games))
	fmt.Printf("Others:     %d\n", len(idx.Others))
	for _, warning := range inv.Warnings {
		fmt.Printf("warning: %s %s: %s\n", warning.Code, warning.RelPath, warning.Message)
	}
	return nil
}

// WarmCmd pre-generates thumbnails for every indexed image.
type WarmCmd struct{}

func (c *WarmCmd) Run(ctx *Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	svc, err := buildServices(cfg)
	if err != nil {
		return err
	}
	defer svc.thumbs.Close()

	idx, err := svc.idx.Get(true)
	if err != nil {
		return err
	}

	var rels []string
	for _, img := range idx.ScatteredImages {
		rels = append(rels, img.RelPath)
	}
	for _, album := range idx.Albums {
		abs, err := svc.sb.Resolve(album.RelPath, false)
		if err != nil {
			continue
		}
		entries, err := os.ReadDir(abs)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() && svc.types.IsImage(strings.ToLower(filepath.Ext(e.Name()))) {
				rels = append(rels, album.RelPath+"/"+e.Name())
			}
		}
	}

	generated, failed := 0, 0
	for _, rel := range rels {
		if _, err := svc.thumbs.Ensure(context.Background(), rel); err != nil {
			L_warn("warm: thumbnail failed", "rel", rel, "error", err)
			failed++
			continue
		}
		generated++
	}
	fmt.Printf("Thumbnails: %d generated, %d failed of %d images\n", generated, failed, len(rels))
	return nil
}

// StartCmd daemonizes the server.
type StartCmd struct{}

func (s *StartCmd) Run(ctx *Context) error {
	pidFile, logFile, dataDir, err := runtimePaths(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		L_error("failed to create data directory", "error", err)
		return err
	}
	if isRunningAt(pidFile) {
		L_error("server already running")
		return fmt.Errorf("already running")
	}

	cntxt := &daemon.Context{
		PidFileName: pidFile,
		PidFilePerm: 0644,
		LogFileName: logFile,
		LogFilePerm: 0640,
		WorkDir:     "./",
		Umask:       027,
	}

	d, err := cntxt.Reborn()
	if err != nil {
		L_fatal("daemonize failed", "error", err)
	}
	if d != nil {
		L_info("server started", "pid", d.Pid, "dataDir", dataDir)
		return nil
	}
	defer cntxt.Release() //nolint:errcheck // daemon cleanup

	return runServer(ctx)
}

// StopCmd stops the daemon.
type StopCmd struct{}

func (s *StopCmd) Run(ctx *Context) error {
	pidFile, _, _, err := runtimePaths(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}

	pid, running := getPidFromFile(pidFile)
	if !running {
		L_info("server not running")
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("process not found: %w", err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to stop: %w", err)
	}

	L_info("server stopped", "pid", pid)
	os.Remove(pidFile)
	return nil
}

// StatusCmd reports whether the daemon is running.
type StatusCmd struct{}

func (s *StatusCmd) Run(ctx *Context) error {
	pidFile, _, _, err := runtimePaths(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}

	pid, running := getPidFromFile(pidFile)
	if !running {
		fmt.Println("Server:  not running")
		return nil
	}
	fmt.Println("Server:  running")
	fmt.Printf("PID:     %d\n", pid)
	return nil
}

// VersionCmd prints the build version.
type VersionCmd struct{}

func (v *VersionCmd) Run(ctx *Context) error {
	fmt.Printf("mediarootd %s\n", version)
	return nil
}

// getPidFromFile reads a pidfile and checks whether the process is alive.
func getPidFromFile(pidFile string) (int, bool) {
	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, false
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		os.Remove(pidFile)
		return pid, false
	}
	return pid, true
}

func isRunningAt(pidFile string) bool {
	_, running := getPidFromFile(pidFile)
	return running
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("mediarootd"),
		kong.Description("A loopback media server over a personal MediaRoot directory"),
		kong.UsageOnError(),
	)

	level := LevelInfo
	if cli.Trace {
		level = LevelTrace
	} else if cli.Debug {
		level = LevelDebug
	}
	Init(&Config{
		Level:      level,
		ShowCaller: true,
	})

	err := ctx.Run(&Context{
		Debug:     cli.Debug,
		Trace:     cli.Trace,
		Config:    cli.Config,
		MediaRoot: cli.MediaRoot,
	})
	if err != nil {
		L_error("command failed", "error", err)
		os.Exit(1)
	}
}
