package services

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"streamrelay/pkg/config"
	"streamrelay/pkg/interfaces"
	"streamrelay/pkg/logging"
)

const transcodeIdleTimeout = 5 * time.Minute

// FFmpegTranscoder converts sources players cannot consume directly into
// local HLS output, one ffmpeg process per stream. Streams nobody has
// touched for transcodeIdleTimeout are reaped.
type FFmpegTranscoder struct {
	cfg *config.Config
	log *logging.Logger

	mu      sync.RWMutex
	streams map[string]*transcodeStream

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type transcodeStream struct {
	cmd        *exec.Cmd
	dir        string
	cancel     context.CancelFunc
	startedAt  time.Time
	lastAccess time.Time
}

// NewFFmpegTranscoder creates the transcoder and starts its reaper loop.
func NewFFmpegTranscoder(cfg *config.Config, log *logging.Logger) (*FFmpegTranscoder, error) {
	if err := os.MkdirAll(cfg.FFmpegOutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcode output dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &FFmpegTranscoder{
		cfg:     cfg,
		log:     log.WithComponent("transcoder"),
		streams: make(map[string]*transcodeStream),
		ctx:     ctx,
		cancel:  cancel,
	}

	t.wg.Add(1)
	go t.reapLoop()

	return t, nil
}

// StartStream launches an ffmpeg process transcoding the source to HLS
// and returns the stream ID.
func (t *FFmpegTranscoder) StartStream(ctx context.Context, url string, headers map[string]string, clearKey string) (string, error) {
	streamID := uuid.New().String()[:8]
	streamDir := filepath.Join(t.cfg.FFmpegOutputDir, streamID)

	if err := os.MkdirAll(streamDir, 0o755); err != nil {
		return "", fmt.Errorf("create stream dir: %w", err)
	}

	args := transcodeArgs(url, headers, clearKey, filepath.Join(streamDir, "index.m3u8"))

	procCtx, procCancel := context.WithCancel(t.ctx)
	cmd := exec.CommandContext(procCtx, t.cfg.FFmpegPath, args...)
	cmd.Stderr = &processLogWriter{log: t.log, streamID: streamID}

	if err := cmd.Start(); err != nil {
		procCancel()
		_ = os.RemoveAll(streamDir)
		return "", fmt.Errorf("start ffmpeg: %w", err)
	}

	t.log.Info("transcode started", "stream_id", streamID, "url", url)

	now := time.Now()
	stream := &transcodeStream{
		cmd:        cmd,
		dir:        streamDir,
		cancel:     procCancel,
		startedAt:  now,
		lastAccess: now,
	}

	t.mu.Lock()
	t.streams[streamID] = stream
	t.mu.Unlock()

	go func() {
		err := cmd.Wait()
		if err != nil && procCtx.Err() == nil {
			t.log.Warn("ffmpeg exited with error",
				"stream_id", streamID,
				"duration", time.Since(stream.startedAt),
				"error", err)
		}
	}()

	return streamID, nil
}

// transcodeArgs builds the ffmpeg invocation for one source.
func transcodeArgs(url string, headers map[string]string, clearKey, outputPath string) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-fflags", "+genpts+discardcorrupt+igndts",
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5",
	}

	if len(headers) > 0 {
		lines := make([]string, 0, len(headers))
		for k, v := range headers {
			lines = append(lines, k+": "+v)
		}
		args = append(args, "-headers", strings.Join(lines, "\r\n"))
	}

	// ffmpeg takes the raw key only; the key ID is implied by the content.
	if _, key, found := strings.Cut(clearKey, ":"); found {
		args = append(args, "-cenc_decryption_key", key)
	}

	args = append(args, "-i", url,
		"-threads", "0",
		"-vf", "scale=-2:720",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-profile:v", "baseline",
		"-level", "3.1",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ac", "2",
		"-hls_time", "10",
		"-hls_list_size", "0",
		"-hls_flags", "delete_segments+append_list",
		"-f", "hls",
		outputPath,
	)

	return args
}

// GetStreamPath returns the directory holding a stream's HLS output.
func (t *FFmpegTranscoder) GetStreamPath(streamID string) string {
	return filepath.Join(t.cfg.FFmpegOutputDir, streamID)
}

// TouchStream marks a stream as still being watched.
func (t *FFmpegTranscoder) TouchStream(streamID string) {
	t.mu.Lock()
	if s, ok := t.streams[streamID]; ok {
		s.lastAccess = time.Now()
	}
	t.mu.Unlock()
}

// StopStream terminates a transcode and removes its output.
func (t *FFmpegTranscoder) StopStream(streamID string) error {
	t.mu.Lock()
	stream, ok := t.streams[streamID]
	delete(t.streams, streamID)
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("transcode stream not found: %s", streamID)
	}

	t.log.Info("stopping transcode", "stream_id", streamID)
	stream.cancel()
	_ = stream.cmd.Wait()

	if err := os.RemoveAll(stream.dir); err != nil {
		t.log.Warn("failed to remove transcode output", "stream_id", streamID, "error", err)
	}
	return nil
}

func (t *FFmpegTranscoder) reapLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.reapIdle()
		}
	}
}

func (t *FFmpegTranscoder) reapIdle() {
	cutoff := time.Now().Add(-transcodeIdleTimeout)

	t.mu.RLock()
	var idle []string
	for id, s := range t.streams {
		if s.lastAccess.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	t.mu.RUnlock()

	for _, id := range idle {
		t.log.Info("reaping idle transcode", "stream_id", id)
		_ = t.StopStream(id)
	}
}

// Close stops every transcode and removes the output directory.
func (t *FFmpegTranscoder) Close() error {
	t.cancel()

	t.mu.Lock()
	for _, s := range t.streams {
		s.cancel()
	}
	t.mu.Unlock()

	t.wg.Wait()
	return os.RemoveAll(t.cfg.FFmpegOutputDir)
}

// processLogWriter forwards ffmpeg stderr lines into the structured log.
type processLogWriter struct {
	log      *logging.Logger
	streamID string
}

func (w *processLogWriter) Write(p []byte) (int, error) {
	if msg := strings.TrimSpace(string(p)); msg != "" {
		w.log.Debug("ffmpeg", "stream_id", w.streamID, "output", msg)
	}
	return len(p), nil
}

var _ interfaces.Transcoder = (*FFmpegTranscoder)(nil)
