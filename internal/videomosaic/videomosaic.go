// Package videomosaic implements the Video Mosaic Cache (C9): a 2x2 mosaic
// sampled from four frames of a video, extracted via an external ffmpeg/
// ffprobe-compatible tool at 5/25/50/75% of duration (falling back to
// 0/1/2/3s when duration probing fails), rendered with the same blur-fit
// composer as C7/C8. External process invocation is grounded on the
// teacher's internal/tools/exec.Runner (exec.CommandContext + per-call
// context.WithTimeout + stdout/stderr capture).
package videomosaic

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mediaroot/mediarootd/internal/apierr"
	"github.com/mediaroot/mediarootd/internal/fingerprint"
	"github.com/mediaroot/mediarootd/internal/logging"
	"github.com/mediaroot/mediarootd/internal/mediatype"
	"github.com/mediaroot/mediarootd/internal/render"
	"github.com/mediaroot/mediarootd/internal/sandbox"
)

// Config configures a Cache.
type Config struct {
	CacheRoot   string
	Size        int
	Quality     int
	KeyMode     fingerprint.KeyMode
	FFmpegPath  string // binary used for frame extraction, default "ffmpeg"
	FFprobePath string // binary used for duration probing, default "ffprobe"
	Concurrency int    // extraction-job semaphore size, default max(1, workers/2)
}

// DefaultConfig fills spec.md §4.8 defaults.
func DefaultConfig(cacheRoot string, workers int) Config {
	conc := workers / 2
	if conc < 1 {
		conc = 1
	}
	return Config{
		CacheRoot:   cacheRoot,
		Size:        320,
		Quality:     render.Quality,
		KeyMode:     fingerprint.KeyModeMtime,
		FFmpegPath:  "ffmpeg",
		FFprobePath: "ffprobe",
		Concurrency: conc,
	}
}

// Cache generates and serves video mosaics (C9).
type Cache struct {
	cfg   Config
	sb    *sandbox.Sandbox
	types *mediatype.Set
	sem   chan struct{}
}

// New builds a Cache.
func New(cfg Config, sb *sandbox.Sandbox, types *mediatype.Set) *Cache {
	if cfg.Size == 0 {
		cfg.Size = 320
	}
	if cfg.Quality == 0 {
		cfg.Quality = render.Quality
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 1
	}
	return &Cache{cfg: cfg, sb: sb, types: types, sem: make(chan struct{}, cfg.Concurrency)}
}

// Result is a resolved video mosaic.
type Result struct {
	Path        string
	Fingerprint string
}

// Ensure resolves a video rel_path to its mosaic, generating it on first
// demand. It fails FFMPEG_NOT_AVAILABLE (503) only when the binary cannot be
// located AND no cached mosaic already satisfies the request.
func (c *Cache) Ensure(ctx context.Context, rel string) (*Result, error) {
	abs, err := c.sb.Resolve(rel, true)
	if err != nil {
		if sandbox.IsViolation(err) {
			return nil, apierr.Of(apierr.CodeSandboxViolation, err.Error())
		}
		return nil, apierr.Ofw(apierr.CodeStatFailed, err)
	}

	if !c.types.IsVideo(filepath.Ext(abs)) {
		return nil, apierr.Of(apierr.CodeUnsupportedMediaType, "not a video: "+filepath.Ext(abs))
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apierr.Of(apierr.CodeNotFound, "source not found: "+rel)
		}
		return nil, apierr.Ofw(apierr.CodeStatFailed, err)
	}
	if info.IsDir() {
		return nil, apierr.Of(apierr.CodeNotAFile, "path is a directory: "+rel)
	}

	key, err := c.sourceKey(rel, abs, info)
	if err != nil {
		return nil, apierr.Ofw(apierr.CodeVideoMosaicFailed, err)
	}
	fp := fingerprint.VideoMosaic(key, c.cfg.Size, c.cfg.Quality)
	cachePath := fingerprint.ShardedPath(c.cfg.CacheRoot, "video-mosaics", fp)

	if _, err := os.Stat(cachePath); err == nil {
		return &Result{Path: cachePath, Fingerprint: fp}, nil
	}

	if _, err := exec.LookPath(c.cfg.FFmpegPath); err != nil {
		return nil, apierr.Of(apierr.CodeFFmpegNotAvailable, "ffmpeg binary not found")
	}

	select {
	case c.sem <- struct{}{}:
	case <-time.After(60 * time.Second):
		return nil, apierr.Of(apierr.CodeVideoMosaicRateLimited, "video mosaic generation queue full")
	case <-ctx.Done():
		return nil, apierr.Ofw(apierr.CodeVideoMosaicFailed, ctx.Err())
	}
	defer func() { <-c.sem }()

	if _, err := os.Stat(cachePath); err == nil {
		return &Result{Path: cachePath, Fingerprint: fp}, nil
	}

	if err := c.generate(ctx, abs, cachePath); err != nil {
		return nil, err
	}

	return &Result{Path: cachePath, Fingerprint: fp}, nil
}

func (c *Cache) generate(ctx context.Context, videoAbs, cachePath string) error {
	duration, err := c.probeDuration(ctx, videoAbs)
	var timestamps [4]float64
	if err != nil {
		logging.L_debug("videomosaic: duration probe failed, using fixed timestamps", "path", videoAbs, "error", err)
		timestamps = [4]float64{0, 1, 2, 3}
	} else {
		timestamps = fractionalTimestamps(duration)
	}

	tmpDir, err := os.MkdirTemp("", "mediaroot-mosaic-*")
	if err != nil {
		return apierr.Ofw(apierr.CodeVideoMosaicFailed, err)
	}
	defer os.RemoveAll(tmpDir)

	var frames [4]string
	for i, ts := range timestamps {
		framePath := filepath.Join(tmpDir, fmt.Sprintf("frame%d.png", i))
		if err := c.extractFrame(ctx, videoAbs, ts, framePath); err != nil {
			logging.L_debug("videomosaic: frame extraction failed, retrying at t=0", "path", videoAbs, "ts", ts, "error", err)
			if err := c.extractFrame(ctx, videoAbs, 0, framePath); err != nil {
				return classifyExtractError(err)
			}
		}
		frames[i] = framePath
	}

	half := c.cfg.Size / 2
	var quadImgs [4]image.Image
	for i, framePath := range frames {
		img, err := render.OpenOriented(framePath)
		if err != nil {
			return apierr.Ofw(apierr.CodeVideoMosaicFailed, err)
		}
		quadImgs[i] = render.Quadrant(img, half)
	}

	mosaic, err := render.Mosaic2x2(quadImgs, c.cfg.Size)
	if err != nil {
		return apierr.Ofw(apierr.CodeVideoMosaicFailed, err)
	}

	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return apierr.Ofw(apierr.CodeVideoMosaicFailed, err)
	}
	if err := render.EncodeJPEGAtomic(cachePath, mosaic, c.cfg.Quality); err != nil {
		return apierr.Ofw(apierr.CodeVideoMosaicFailed, err)
	}
	return nil
}

// probeDuration invokes ffprobe to read the container duration in seconds.
func (c *Cache) probeDuration(ctx context.Context, videoAbs string) (float64, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, c.cfg.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoAbs,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if probeCtx.Err() == context.DeadlineExceeded {
			return 0, apierr.Of(apierr.CodeFFmpegTimeout, "ffprobe timed out")
		}
		return 0, fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	dur, err := strconv.ParseFloat(strings.TrimSpace(stdout.String()), 64)
	if err != nil {
		return 0, fmt.Errorf("ffprobe returned unparseable duration %q: %w", stdout.String(), err)
	}
	return dur, nil
}

// extractFrame invokes ffmpeg to pull one PNG frame at timestamp ts seconds.
func (c *Cache) extractFrame(ctx context.Context, videoAbs string, ts float64, outPath string) error {
	frameCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd := exec.CommandContext(frameCtx, c.cfg.FFmpegPath,
		"-v", "quiet",
		"-ss", strconv.FormatFloat(ts, 'f', 3, 64),
		"-i", videoAbs,
		"-frames:v", "1",
		"-an", "-sn", "-dn",
		"-y", outPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if frameCtx.Err() == context.DeadlineExceeded {
			return apierr.Of(apierr.CodeFFmpegTimeout, "ffmpeg frame extraction timed out")
		}
		return fmt.Errorf("ffmpeg failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if _, err := os.Stat(outPath); err != nil {
		return fmt.Errorf("ffmpeg produced no output frame: %w", err)
	}
	return nil
}

func classifyExtractError(err error) error {
	if ae, ok := apierr.As(err); ok {
		return ae
	}
	return apierr.Ofw(apierr.CodeFFmpegFailed, err)
}

// fractionalTimestamps computes the four extraction points at 5/25/50/75% of
// duration, clamped to [0, duration-0.05].
func fractionalTimestamps(duration float64) [4]float64 {
	ceiling := duration - 0.05
	if ceiling < 0 {
		ceiling = 0
	}
	clamp := func(t float64) float64 {
		if t < 0 {
			return 0
		}
		if t > ceiling {
			return ceiling
		}
		return t
	}
	return [4]float64{
		clamp(duration * 0.05),
		clamp(duration * 0.25),
		clamp(duration * 0.50),
		clamp(duration * 0.75),
	}
}

func (c *Cache) sourceKey(rel, abs string, info os.FileInfo) (fingerprint.Key, error) {
	if c.cfg.KeyMode == fingerprint.KeyModeSHA1 {
		return fingerprint.KeyFromFile(abs)
	}
	return fingerprint.KeyFromStat(rel, info.ModTime().UnixNano(), info.Size()), nil
}
