package dvr

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"streamrelay/pkg/config"
	"streamrelay/pkg/errdefs"
	"streamrelay/pkg/httpclient"
	"streamrelay/pkg/logging"
	"streamrelay/pkg/metrics"
	"streamrelay/pkg/types"

	"github.com/google/uuid"
)

// Recorder owns every capture session and the metadata store. It implements
// interfaces.Recorder.
type Recorder struct {
	cfg    *config.Config
	log    *logging.Logger
	client *httpclient.Client
	store  *Store

	mu       sync.Mutex
	sessions map[string]*session
	readers  map[string]int

	wg        sync.WaitGroup
	sweepStop context.CancelFunc
}

// session is one in-flight capture. Writer and tail readers synchronize on
// cond: the writer appends and broadcasts, readers wait for size to grow.
type session struct {
	id     string
	rec    *types.Recording
	cancel context.CancelFunc
	file   *os.File
	doneCh chan struct{}

	mu   sync.Mutex
	cond *sync.Cond
	size int64
	done bool
	err  error
}

func newSession(id string, rec *types.Recording, file *os.File, cancel context.CancelFunc) *session {
	s := &session{
		id:     id,
		rec:    rec,
		cancel: cancel,
		file:   file,
		doneCh: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// append writes captured bytes and wakes tail readers.
func (s *session) append(p []byte) error {
	if _, err := s.file.Write(p); err != nil {
		return err
	}
	s.mu.Lock()
	s.size += int64(len(p))
	s.mu.Unlock()
	s.cond.Broadcast()
	metrics.RecordedBytes.Add(float64(len(p)))
	return nil
}

// finish marks the session complete and releases blocked readers.
func (s *session) finish(err error) {
	s.mu.Lock()
	s.done = true
	s.err = err
	s.mu.Unlock()
	s.cond.Broadcast()
	s.file.Close()
	close(s.doneCh)
}

func (s *session) currentSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// NewRecorder opens the recording store under cfg.RecordingsDir and starts
// the retention sweeper. Captures left in a non-terminal state by an earlier
// process are marked failed.
func NewRecorder(cfg *config.Config, client *httpclient.Client, log *logging.Logger) (*Recorder, error) {
	if err := os.MkdirAll(cfg.RecordingsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}

	store, err := OpenStore(filepath.Join(cfg.RecordingsDir, "recordings.db"))
	if err != nil {
		return nil, err
	}

	r := &Recorder{
		cfg:      cfg,
		log:      log.WithComponent("recorder"),
		client:   client,
		store:    store,
		sessions: make(map[string]*session),
		readers:  make(map[string]int),
	}

	if err := r.failOrphaned(); err != nil {
		r.log.Warn("failed to clean up orphaned recordings", "error", err)
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	r.sweepStop = cancel
	r.wg.Add(1)
	go r.sweepLoop(sweepCtx)

	return r, nil
}

func (r *Recorder) failOrphaned() error {
	orphans, err := r.store.ListByStatus(types.RecordingStatusPending, types.RecordingStatusRecording)
	if err != nil {
		return err
	}
	for _, rec := range orphans {
		r.log.Warn("marking orphaned recording as failed", "id", rec.ID, "name", rec.Name)
		if err := r.store.UpdateStatus(rec.ID, types.RecordingStatusFailed, "interrupted by restart"); err != nil {
			return err
		}
	}
	return nil
}

// Start claims the URL, creates the media file and launches the capture
// writer. The writer runs detached from the caller's context; the capture
// outlives the API request that started it.
func (r *Recorder) Start(ctx context.Context, req types.RecordingRequest) (*types.Recording, error) {
	if req.URL == "" {
		return nil, fmt.Errorf("recording URL is required")
	}
	if req.Name == "" {
		req.Name = "recording-" + time.Now().Format("20060102-150405")
	}

	limit := req.Duration
	if limit <= 0 || limit > r.cfg.MaxRecordingDuration {
		limit = r.cfg.MaxRecordingDuration
	}

	id := uuid.NewString()
	rec := &types.Recording{
		ID:            id,
		Name:          req.Name,
		URL:           req.URL,
		Headers:       req.Headers,
		ClearKey:      req.ClearKey,
		Status:        types.RecordingStatusPending,
		FilePath:      filepath.Join(r.cfg.RecordingsDir, sanitizeName(req.Name)+"-"+id[:8]+".ts"),
		StartedAt:     time.Now().UTC(),
		DurationLimit: limit,
	}

	if err := r.store.Insert(rec); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(rec.FilePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		_ = r.store.UpdateStatus(id, types.RecordingStatusFailed, err.Error())
		return nil, fmt.Errorf("create recording file: %w", err)
	}

	captureCtx, cancel := context.WithTimeout(context.Background(), limit)
	sess := newSession(id, rec, file, cancel)

	r.mu.Lock()
	r.sessions[id] = sess
	r.mu.Unlock()

	metrics.ActiveRecordings.Inc()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runCapture(captureCtx, sess)
	}()

	r.log.Info("recording started", "id", id, "name", rec.Name, "url", rec.URL, "limit", limit)
	return rec, nil
}

// Stop ends an active capture. Stopping an already finished recording is a
// no-op; stopping an unknown ID is an error.
func (r *Recorder) Stop(id string) error {
	r.mu.Lock()
	sess := r.sessions[id]
	r.mu.Unlock()

	if sess != nil {
		sess.cancel()
		<-sess.doneCh
		return nil
	}

	rec, err := r.store.Get(id)
	if err != nil {
		return err
	}
	if !rec.Status.Terminal() {
		// No live session but the row says active: a stale row from a crash
		// that failOrphaned has not seen.
		return r.store.UpdateStatus(id, types.RecordingStatusFailed, "no active capture session")
	}
	return nil
}

// Get returns a recording with live size and subscriber counts overlaid.
func (r *Recorder) Get(id string) (*types.Recording, error) {
	rec, err := r.store.Get(id)
	if err != nil {
		return nil, err
	}
	r.overlay(rec)
	return rec, nil
}

// List returns all recordings, newest first.
func (r *Recorder) List() ([]*types.Recording, error) {
	recs, err := r.store.List()
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		r.overlay(rec)
	}
	return recs, nil
}

// ListActive returns captures still in progress.
func (r *Recorder) ListActive() ([]*types.Recording, error) {
	recs, err := r.store.ListByStatus(types.RecordingStatusPending, types.RecordingStatusRecording)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		r.overlay(rec)
	}
	return recs, nil
}

func (r *Recorder) overlay(rec *types.Recording) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[rec.ID]; ok {
		rec.ByteSize = sess.currentSize()
	}
	rec.Subscribers = r.readers[rec.ID]
}

// Delete stops the capture if running, then removes the media file and the
// metadata row.
func (r *Recorder) Delete(id string) error {
	rec, err := r.store.Get(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	sess := r.sessions[id]
	r.mu.Unlock()
	if sess != nil {
		sess.cancel()
		<-sess.doneCh
	}

	if rec.FilePath != "" {
		if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove recording file: %w", err)
		}
	}

	r.log.Info("recording deleted", "id", id, "name", rec.Name)
	return r.store.Delete(id)
}

// OpenStream returns a reader over the recording's media. Active captures
// get a tailing reader that blocks at end-of-file until more data lands.
func (r *Recorder) OpenStream(id string) (io.ReadCloser, error) {
	rec, err := r.store.Get(id)
	if err != nil {
		return nil, err
	}
	if rec.FilePath == "" {
		return nil, fmt.Errorf("%w: recording %s has no media file", errdefs.ErrRecordingNotFound, id)
	}

	file, err := os.Open(rec.FilePath)
	if err != nil {
		return nil, fmt.Errorf("open recording file: %w", err)
	}

	r.mu.Lock()
	sess := r.sessions[id]
	r.readers[id]++
	r.mu.Unlock()
	metrics.TailReaders.Inc()

	return &tailReader{recorder: r, sess: sess, id: id, file: file}, nil
}

func (r *Recorder) releaseReader(id string) {
	r.mu.Lock()
	if r.readers[id] > 1 {
		r.readers[id]--
	} else {
		delete(r.readers, id)
	}
	r.mu.Unlock()
	metrics.TailReaders.Dec()
}

func (r *Recorder) subscribers(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readers[id]
}

func (r *Recorder) dropSession(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
	metrics.ActiveRecordings.Dec()
}

// Close stops every capture and the sweeper, then closes the store.
func (r *Recorder) Close() error {
	r.sweepStop()

	r.mu.Lock()
	for _, sess := range r.sessions {
		sess.cancel()
	}
	r.mu.Unlock()

	r.wg.Wait()
	return r.store.Close()
}

func sanitizeName(name string) string {
	mapped := strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			return c
		case c == '-' || c == '_':
			return c
		case c == ' ':
			return '_'
		default:
			return -1
		}
	}, name)
	if mapped == "" {
		mapped = "recording"
	}
	if len(mapped) > 64 {
		mapped = mapped[:64]
	}
	return mapped
}
