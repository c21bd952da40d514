package dvr

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"streamrelay/pkg/config"
	"streamrelay/pkg/errdefs"
	"streamrelay/pkg/httpclient"
	"streamrelay/pkg/logging"
	"streamrelay/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder(t *testing.T) *Recorder {
	t.Helper()
	cfg := &config.Config{
		RecordingsDir:        t.TempDir(),
		MaxRecordingDuration: time.Minute,
		RecordingRetention:   time.Hour,
		SweepInterval:        time.Hour,
		RequestTimeout:       5 * time.Second,
		RetryAttempts:        1,
	}
	log := logging.New("error", false, io.Discard)
	r, err := NewRecorder(cfg, httpclient.New(cfg, log), log)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func waitForStatus(t *testing.T, r *Recorder, id string, want types.RecordingStatus) *types.Recording {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec, err := r.Get(id)
		require.NoError(t, err)
		if rec.Status == want {
			return rec
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("recording %s never reached status %s", id, want)
	return nil
}

func TestRecorderCapturesVODStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch req.URL.Path {
		case "/master.m3u8":
			fmt.Fprintf(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=1000000\n/media.m3u8\n")
		case "/media.m3u8":
			fmt.Fprintf(w, "#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXTINF:2.0,\n/seg0.ts\n#EXTINF:2.0,\n/seg1.ts\n#EXT-X-ENDLIST\n")
		case "/seg0.ts":
			io.WriteString(w, "first-segment|")
		case "/seg1.ts":
			io.WriteString(w, "second-segment")
		default:
			http.NotFound(w, req)
		}
	}))
	defer srv.Close()

	r := newTestRecorder(t)
	rec, err := r.Start(context.Background(), types.RecordingRequest{
		Name: "vod test",
		URL:  srv.URL + "/master.m3u8",
	})
	require.NoError(t, err)
	assert.Equal(t, types.RecordingStatusPending, rec.Status)

	done := waitForStatus(t, r, rec.ID, types.RecordingStatusCompleted)

	data, err := os.ReadFile(done.FilePath)
	require.NoError(t, err)
	assert.Equal(t, "first-segment|second-segment", string(data))
	assert.Equal(t, int64(len(data)), done.ByteSize)
	assert.False(t, done.EndedAt.IsZero())
}

func TestRecorderRejectsDuplicateURL(t *testing.T) {
	var stop atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/live.m3u8" {
			fmt.Fprintf(w, "#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXTINF:2.0,\n/seg.ts\n")
			if stop.Load() {
				fmt.Fprintf(w, "#EXT-X-ENDLIST\n")
			}
			return
		}
		io.WriteString(w, "payload")
	}))
	defer srv.Close()

	r := newTestRecorder(t)
	rec, err := r.Start(context.Background(), types.RecordingRequest{Name: "live", URL: srv.URL + "/live.m3u8"})
	require.NoError(t, err)

	_, err = r.Start(context.Background(), types.RecordingRequest{Name: "dup", URL: srv.URL + "/live.m3u8"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrRecordingConflict)

	stop.Store(true)
	require.NoError(t, r.Stop(rec.ID))
	waitForStatus(t, r, rec.ID, types.RecordingStatusCompleted)

	// The URL is free again once the first capture finished.
	_, err = r.Start(context.Background(), types.RecordingRequest{Name: "again", URL: srv.URL + "/live.m3u8"})
	require.NoError(t, err)
}

func TestRecorderStopIsIdempotent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/live.m3u8" {
			fmt.Fprintf(w, "#EXTM3U\n#EXT-X-TARGETDURATION:2\n#EXTINF:2.0,\n/seg.ts\n")
			return
		}
		io.WriteString(w, "payload")
	}))
	defer srv.Close()

	r := newTestRecorder(t)
	rec, err := r.Start(context.Background(), types.RecordingRequest{Name: "live", URL: srv.URL + "/live.m3u8"})
	require.NoError(t, err)

	require.NoError(t, r.Stop(rec.ID))
	waitForStatus(t, r, rec.ID, types.RecordingStatusCompleted)
	require.NoError(t, r.Stop(rec.ID))

	err = r.Stop("no-such-id")
	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrRecordingNotFound)
}

func TestTailReadersFollowLiveCapture(t *testing.T) {
	r := newTestRecorder(t)

	rec := &types.Recording{
		ID:        "tail-test",
		Name:      "tail",
		URL:       "http://example.com/live.m3u8",
		Status:    types.RecordingStatusPending,
		FilePath:  filepath.Join(r.cfg.RecordingsDir, "tail-test.ts"),
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, r.store.Insert(rec))

	file, err := os.OpenFile(rec.FilePath, os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	sess := newSession(rec.ID, rec, file, func() {})
	r.mu.Lock()
	r.sessions[rec.ID] = sess
	r.mu.Unlock()

	var chunks = [][]byte{[]byte("alpha-"), []byte("beta-"), []byte("gamma")}
	want := "alpha-beta-gamma"

	readAll := func() string {
		stream, err := r.OpenStream(rec.ID)
		require.NoError(t, err)
		defer stream.Close()
		data, err := io.ReadAll(stream)
		require.NoError(t, err)
		return string(data)
	}

	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = readAll()
		}(i)
	}

	// Writer appends with pauses so readers observe the blocking path.
	go func() {
		for _, chunk := range chunks {
			time.Sleep(30 * time.Millisecond)
			sess.append(chunk)
		}
		sess.finish(nil)
		r.dropSession(rec.ID)
	}()

	wg.Wait()
	assert.Equal(t, want, results[0])
	assert.Equal(t, want, results[1])
	assert.Zero(t, r.subscribers(rec.ID))
}

func TestSweepDefersWhileSubscribed(t *testing.T) {
	r := newTestRecorder(t)
	r.cfg.RecordingRetention = -time.Hour // everything finished is past retention

	rec := &types.Recording{
		ID:        "sweep-test",
		Name:      "sweep",
		URL:       "http://example.com/old.m3u8",
		Status:    types.RecordingStatusPending,
		FilePath:  filepath.Join(r.cfg.RecordingsDir, "sweep-test.ts"),
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, r.store.Insert(rec))
	require.NoError(t, os.WriteFile(rec.FilePath, []byte("recorded-data"), 0o644))
	require.NoError(t, r.store.UpdateStatus(rec.ID, types.RecordingStatusCompleted, ""))

	stream, err := r.OpenStream(rec.ID)
	require.NoError(t, err)

	r.sweepOnce()
	got, err := r.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RecordingStatusCompleted, got.Status)
	assert.FileExists(t, rec.FilePath)

	require.NoError(t, stream.Close())

	r.sweepOnce()
	got, err = r.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RecordingStatusExpired, got.Status)
	assert.NoFileExists(t, rec.FilePath)
}

func TestSweepSkipsFailedRecordings(t *testing.T) {
	r := newTestRecorder(t)
	r.cfg.RecordingRetention = -time.Hour // everything finished is past retention

	rec := &types.Recording{
		ID:        "sweep-failed",
		Name:      "failed",
		URL:       "http://example.com/dead.m3u8",
		Status:    types.RecordingStatusPending,
		FilePath:  filepath.Join(r.cfg.RecordingsDir, "sweep-failed.ts"),
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, r.store.Insert(rec))
	require.NoError(t, os.WriteFile(rec.FilePath, []byte("partial-data"), 0o644))
	require.NoError(t, r.store.UpdateStatus(rec.ID, types.RecordingStatusFailed, "upstream gone"))

	r.sweepOnce()

	got, err := r.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RecordingStatusFailed, got.Status)
	assert.FileExists(t, rec.FilePath)
}

func TestRecorderDelete(t *testing.T) {
	r := newTestRecorder(t)

	rec := &types.Recording{
		ID:        "delete-test",
		Name:      "delete",
		URL:       "http://example.com/del.m3u8",
		Status:    types.RecordingStatusPending,
		FilePath:  filepath.Join(r.cfg.RecordingsDir, "delete-test.ts"),
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, r.store.Insert(rec))
	require.NoError(t, os.WriteFile(rec.FilePath, []byte("x"), 0o644))
	require.NoError(t, r.store.UpdateStatus(rec.ID, types.RecordingStatusCompleted, ""))

	require.NoError(t, r.Delete(rec.ID))
	assert.NoFileExists(t, rec.FilePath)

	_, err := r.Get(rec.ID)
	assert.ErrorIs(t, err, errdefs.ErrRecordingNotFound)

	err = r.Delete(rec.ID)
	assert.ErrorIs(t, err, errdefs.ErrRecordingNotFound)
}

func TestParseCapturePlaylist(t *testing.T) {
	t.Run("master picks highest bandwidth", func(t *testing.T) {
		pl := parseCapturePlaylist(`#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=1000000,RESOLUTION=854x480
low.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080
high.m3u8
`, "https://cdn.example.com/live/master.m3u8")

		assert.True(t, pl.isMaster)
		assert.Equal(t, "https://cdn.example.com/live/high.m3u8", pl.bestVariant)
	})

	t.Run("media with key and map", func(t *testing.T) {
		pl := parseCapturePlaylist(`#EXTM3U
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:7
#EXT-X-MAP:URI="init.mp4"
#EXT-X-KEY:METHOD=AES-128,URI="key.bin",IV=0x000102030405060708090a0b0c0d0e0f
#EXTINF:4.0,
seg7.ts
#EXTINF:4.0,
seg8.ts
#EXT-X-ENDLIST
`, "https://cdn.example.com/live/media.m3u8")

		assert.False(t, pl.isMaster)
		assert.True(t, pl.ended)
		assert.Equal(t, 4.0, pl.targetDuration)
		require.Len(t, pl.segments, 2)

		first := pl.segments[0]
		assert.Equal(t, "https://cdn.example.com/live/seg7.ts", first.url)
		assert.Equal(t, uint64(7), first.sequence)
		assert.Equal(t, "https://cdn.example.com/live/key.bin", first.keyURI)
		assert.Equal(t, "https://cdn.example.com/live/init.mp4", first.mapURI)
		require.Len(t, first.iv, 16)
		assert.Equal(t, byte(0x0f), first.iv[15])

		assert.Equal(t, uint64(8), pl.segments[1].sequence)
	})

	t.Run("method none clears key state", func(t *testing.T) {
		pl := parseCapturePlaylist(`#EXTM3U
#EXT-X-KEY:METHOD=AES-128,URI="key.bin"
#EXTINF:4.0,
enc.ts
#EXT-X-KEY:METHOD=NONE
#EXTINF:4.0,
clear.ts
`, "https://cdn.example.com/m.m3u8")

		require.Len(t, pl.segments, 2)
		assert.NotEmpty(t, pl.segments[0].keyURI)
		assert.Empty(t, pl.segments[1].keyURI)
	})
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "recordings.db"))
	require.NoError(t, err)
	defer store.Close()

	rec := &types.Recording{
		ID:            "store-1",
		Name:          "store test",
		URL:           "http://example.com/a.m3u8",
		Headers:       map[string]string{"Referer": "http://example.com/"},
		ClearKey:      "kid:key",
		Status:        types.RecordingStatusPending,
		FilePath:      "/tmp/store-1.ts",
		StartedAt:     time.Now().UTC().Truncate(time.Millisecond),
		DurationLimit: 2 * time.Hour,
	}
	require.NoError(t, store.Insert(rec))

	got, err := store.Get("store-1")
	require.NoError(t, err)
	assert.Equal(t, rec.Name, got.Name)
	assert.Equal(t, rec.Headers, got.Headers)
	assert.Equal(t, rec.ClearKey, got.ClearKey)
	assert.Equal(t, rec.DurationLimit, got.DurationLimit)
	assert.True(t, rec.StartedAt.Equal(got.StartedAt))

	require.NoError(t, store.UpdateStatus("store-1", types.RecordingStatusFailed, "boom"))
	got, err = store.Get("store-1")
	require.NoError(t, err)
	assert.Equal(t, types.RecordingStatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
	assert.False(t, got.EndedAt.IsZero())

	list, err := store.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, store.Delete("store-1"))
	_, err = store.Get("store-1")
	assert.ErrorIs(t, err, errdefs.ErrRecordingNotFound)
}
