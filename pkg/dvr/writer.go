package dvr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"streamrelay/pkg/decrypt"
	"streamrelay/pkg/types"
	"streamrelay/pkg/urlutil"
)

// captureState carries what the writer loop keeps between playlist polls.
type captureState struct {
	playlistURL string
	seen        map[string]bool
	keyCache    map[string][]byte
	initSegment []byte
	initURL     string
	keys        *decrypt.KeySet
	lastTarget  float64
	failures    int
}

// consecutive poll failures tolerated before the capture is marked failed
const maxPollFailures = 5

// runCapture polls the media playlist and appends each new segment to the
// recording file until the stream ends, the duration limit fires, or the
// capture is stopped.
func (r *Recorder) runCapture(ctx context.Context, sess *session) {
	log := r.log.With("id", sess.id, "name", sess.rec.Name)

	state := &captureState{
		playlistURL: sess.rec.URL,
		seen:        make(map[string]bool),
		keyCache:    make(map[string][]byte),
	}
	if sess.rec.ClearKey != "" {
		keys, err := decrypt.ParseKeySet(sess.rec.ClearKey)
		if err != nil {
			r.finishCapture(sess, err)
			return
		}
		state.keys = keys
	}

	if err := r.store.UpdateStatus(sess.id, types.RecordingStatusRecording, ""); err != nil {
		r.finishCapture(sess, err)
		return
	}

	for {
		ended, err := r.pollOnce(ctx, sess, state)
		if err != nil {
			if ctx.Err() != nil {
				// Stop or duration limit: the capture is complete, not failed.
				r.finishCapture(sess, nil)
				return
			}
			state.failures++
			log.Warn("playlist poll failed", "attempt", state.failures, "error", err)
			if state.failures >= maxPollFailures {
				r.finishCapture(sess, err)
				return
			}
		} else {
			state.failures = 0
			if ended {
				log.Info("stream ended")
				r.finishCapture(sess, nil)
				return
			}
		}

		wait := time.Duration(state.lastTarget/2*1000) * time.Millisecond
		if wait < time.Second {
			wait = 2 * time.Second
		}
		select {
		case <-ctx.Done():
			r.finishCapture(sess, nil)
			return
		case <-time.After(wait):
		}
	}
}

func (r *Recorder) finishCapture(sess *session, err error) {
	status := types.RecordingStatusCompleted
	msg := ""
	if err != nil {
		status = types.RecordingStatusFailed
		msg = err.Error()
		r.log.Error("recording failed", "id", sess.id, "error", err)
	} else {
		r.log.Info("recording completed", "id", sess.id, "size", sess.currentSize())
	}

	sess.finish(err)
	if uerr := r.store.UpdateSize(sess.id, sess.currentSize()); uerr != nil {
		r.log.Warn("failed to persist recording size", "id", sess.id, "error", uerr)
	}
	if uerr := r.store.UpdateStatus(sess.id, status, msg); uerr != nil {
		r.log.Warn("failed to persist recording status", "id", sess.id, "error", uerr)
	}
	r.dropSession(sess.id)
}

// pollOnce fetches the playlist, follows a master playlist to its best
// variant, and downloads every segment not yet captured. It reports whether
// the stream has ended.
func (r *Recorder) pollOnce(ctx context.Context, sess *session, state *captureState) (bool, error) {
	body, err := r.fetchBytes(ctx, state.playlistURL, sess.rec.Headers)
	if err != nil {
		return false, err
	}

	pl := parseCapturePlaylist(string(body), state.playlistURL)
	if pl.isMaster {
		if pl.bestVariant == "" {
			return false, errors.New("master playlist has no variants")
		}
		state.playlistURL = pl.bestVariant
		return r.pollOnce(ctx, sess, state)
	}

	if pl.targetDuration > 0 {
		state.lastTarget = pl.targetDuration
	}

	for _, seg := range pl.segments {
		if state.seen[seg.url] {
			continue
		}
		if err := r.captureSegment(ctx, sess, state, seg); err != nil {
			return false, err
		}
		state.seen[seg.url] = true

		if err := r.store.UpdateSize(sess.id, sess.currentSize()); err != nil {
			r.log.Warn("failed to persist recording size", "id", sess.id, "error", err)
		}
	}

	return pl.ended, nil
}

func (r *Recorder) captureSegment(ctx context.Context, sess *session, state *captureState, seg captureSegment) error {
	data, err := r.fetchBytes(ctx, seg.url, sess.rec.Headers)
	if err != nil {
		return fmt.Errorf("fetch segment: %w", err)
	}

	switch {
	case seg.keyURI != "":
		key, err := r.segmentKey(ctx, state, seg.keyURI, sess.rec.Headers)
		if err != nil {
			return err
		}
		iv := seg.iv
		if iv == nil {
			iv = decrypt.SequenceIV(seg.sequence)
		}
		data, err = decrypt.AES128CBC(data, key, iv)
		if err != nil {
			return err
		}

	case state.keys != nil:
		if seg.mapURI != "" && seg.mapURI != state.initURL {
			init, err := r.fetchBytes(ctx, seg.mapURI, sess.rec.Headers)
			if err != nil {
				return fmt.Errorf("fetch init segment: %w", err)
			}
			state.initSegment = init
			state.initURL = seg.mapURI
		}
		data, err = decrypt.CENC(state.initSegment, data, state.keys)
		if err != nil {
			return err
		}
	}

	return sess.append(data)
}

func (r *Recorder) segmentKey(ctx context.Context, state *captureState, keyURI string, headers map[string]string) ([]byte, error) {
	if key, ok := state.keyCache[keyURI]; ok {
		return key, nil
	}
	key, err := r.fetchBytes(ctx, keyURI, headers)
	if err != nil {
		return nil, fmt.Errorf("fetch AES key: %w", err)
	}
	state.keyCache[keyURI] = key
	return key, nil
}

func (r *Recorder) fetchBytes(ctx context.Context, url string, headers map[string]string) ([]byte, error) {
	resp, err := r.client.Fetch(ctx, url, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
	}
	return io.ReadAll(resp.Body)
}

// capturePlaylist is the parsed view of one playlist poll.
type capturePlaylist struct {
	isMaster       bool
	bestVariant    string
	targetDuration float64
	ended          bool
	segments       []captureSegment
}

type captureSegment struct {
	url      string
	duration float64
	sequence uint64
	keyURI   string
	iv       []byte
	mapURI   string
}

// parseCapturePlaylist walks an HLS playlist the way the rewriter does,
// keeping only what the capture loop needs: variant choices for masters,
// segment URLs with their crypto context for media playlists.
func parseCapturePlaylist(content, baseURL string) *capturePlaylist {
	pl := &capturePlaylist{}

	var (
		bestBandwidth int64 = -1
		pendingInf    bool
		keyURI        string
		keyIV         []byte
		mapURI        string
		sequence      uint64
		variantNext   bool
		variantBW     int64
	)

	for _, raw := range strings.Split(content, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF"):
			pl.isMaster = true
			variantNext = true
			variantBW = attrInt(line, "BANDWIDTH")

		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			pl.targetDuration, _ = strconv.ParseFloat(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"), 64)

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			sequence, _ = strconv.ParseUint(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64)

		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			if strings.Contains(line, "METHOD=NONE") {
				keyURI, keyIV = "", nil
			} else if strings.Contains(line, "METHOD=AES-128") {
				keyURI = urlutil.Resolve(attrString(line, "URI"), baseURL)
				keyIV = parseIVAttr(line)
			}

		case strings.HasPrefix(line, "#EXT-X-MAP:"):
			mapURI = urlutil.Resolve(attrString(line, "URI"), baseURL)

		case strings.HasPrefix(line, "#EXTINF:"):
			pendingInf = true

		case strings.HasPrefix(line, "#EXT-X-ENDLIST"):
			pl.ended = true

		case strings.HasPrefix(line, "#"):
			// other tags are irrelevant to capture

		default:
			resolved := urlutil.Resolve(line, baseURL)
			if variantNext {
				if variantBW > bestBandwidth {
					bestBandwidth = variantBW
					pl.bestVariant = resolved
				}
				variantNext = false
				continue
			}
			if pendingInf || !pl.isMaster {
				pl.segments = append(pl.segments, captureSegment{
					url:      resolved,
					sequence: sequence,
					keyURI:   keyURI,
					iv:       keyIV,
					mapURI:   mapURI,
				})
				sequence++
				pendingInf = false
			}
		}
	}

	return pl
}

func attrString(line, name string) string {
	idx := strings.Index(line, name+`="`)
	if idx == -1 {
		return ""
	}
	rest := line[idx+len(name)+2:]
	if end := strings.Index(rest, `"`); end != -1 {
		return rest[:end]
	}
	return ""
}

func attrInt(line, name string) int64 {
	idx := strings.Index(line, name+"=")
	if idx == -1 {
		return 0
	}
	rest := line[idx+len(name)+1:]
	end := strings.IndexAny(rest, ",\r")
	if end == -1 {
		end = len(rest)
	}
	v, _ := strconv.ParseInt(rest[:end], 10, 64)
	return v
}

func parseIVAttr(line string) []byte {
	idx := strings.Index(line, "IV=0x")
	if idx == -1 {
		idx = strings.Index(line, "IV=0X")
	}
	if idx == -1 {
		return nil
	}
	hexStr := line[idx+5:]
	if end := strings.IndexAny(hexStr, ","); end != -1 {
		hexStr = hexStr[:end]
	}
	if len(hexStr) != 32 {
		return nil
	}
	iv := make([]byte, 16)
	for i := 0; i < 16; i++ {
		v, err := strconv.ParseUint(hexStr[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil
		}
		iv[i] = byte(v)
	}
	return iv
}
