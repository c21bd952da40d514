package manifest

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"streamrelay/pkg/errdefs"
	"streamrelay/pkg/urlutil"
)

// liveWindowSegments is the sliding window served for live presentations.
const liveWindowSegments = 20

// ConvertMaster renders an HLS master playlist from a DASH manifest. Each
// representation maps to a media playlist URI that re-enters the proxy with
// a rep_id selector. Video is filtered to the highest available quality.
func ConvertMaster(mpd *MPD, originalURL string, opts Options) (string, error) {
	var lines []string
	lines = append(lines, "#EXTM3U", "#EXT-X-VERSION:3")

	audioGroupID := "audio"
	hasAudio := false

	for _, period := range mpd.Periods {
		for _, as := range period.AdaptationSets {
			if !as.IsAudio() {
				continue
			}
			for _, rep := range as.Representations {
				mediaURL := buildMediaPlaylistRef(originalURL, rep.ID, opts)
				lang := as.Lang
				if lang == "" {
					lang = "und"
				}
				name := fmt.Sprintf("Audio %s (%s)", lang, rep.Bandwidth)

				defaultAttr := "NO"
				if !hasAudio {
					defaultAttr = "YES"
				}

				lines = append(lines, fmt.Sprintf(
					`#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="%s",NAME="%s",LANGUAGE="%s",DEFAULT=%s,AUTOSELECT=YES,URI="%s"`,
					audioGroupID, name, lang, defaultAttr, mediaURL,
				))
				hasAudio = true
			}
		}
	}

	maxHeight := 0
	for _, period := range mpd.Periods {
		for _, as := range period.AdaptationSets {
			if !as.IsVideo() {
				continue
			}
			for _, rep := range as.Representations {
				if rep.Height > maxHeight {
					maxHeight = rep.Height
				}
			}
		}
	}

	seen := make(map[string]bool)
	for _, period := range mpd.Periods {
		for _, as := range period.AdaptationSets {
			if !as.IsVideo() {
				continue
			}
			for _, rep := range as.Representations {
				if rep.Height < maxHeight || seen[rep.ID] {
					continue
				}
				seen[rep.ID] = true

				inf := fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%s", rep.Bandwidth)
				if rep.Width > 0 && rep.Height > 0 {
					inf += fmt.Sprintf(",RESOLUTION=%dx%d", rep.Width, rep.Height)
				}
				if rep.FrameRate != "" {
					inf += fmt.Sprintf(",FRAME-RATE=%s", rep.FrameRate)
				}
				if rep.Codecs != "" {
					inf += fmt.Sprintf(",CODECS=\"%s\"", rep.Codecs)
				}
				if hasAudio {
					inf += fmt.Sprintf(",AUDIO=\"%s\"", audioGroupID)
				}

				lines = append(lines, inf, buildMediaPlaylistRef(originalURL, rep.ID, opts))
			}
		}
	}

	return strings.Join(lines, "\n") + "\n", nil
}

// mediaSegment is one expanded segment reference with its period's init.
type mediaSegment struct {
	URL           string
	InitURL       string
	Duration      float64
	Time          int64
	DurationTS    int
	Discontinuity bool
}

// ConvertMedia renders an HLS media playlist for one representation.
// Period boundaries become EXT-X-DISCONTINUITY markers and each period's
// init segment travels with its own segments.
func ConvertMedia(mpd *MPD, repID, originalURL string, opts Options) (string, error) {
	var segments []mediaSegment
	found := false

	for _, period := range mpd.Periods {
		rep, as := findRepresentation(&period, repID)
		if rep == nil {
			continue
		}
		found = true

		st := rep.SegmentTemplate
		if st == nil {
			st = as.SegmentTemplate
		}
		if st == nil {
			return "", fmt.Errorf("%w: representation %q has no segment template", errdefs.ErrMalformedManifest, repID)
		}

		base := periodBaseURL(mpd, &period, originalURL)

		initURL := ""
		if st.Initialization != "" {
			initURL = urlutil.Resolve(expandTemplate(st.Initialization, repID, rep.Bandwidth, 0, 0), base)
		}

		expanded, err := expandSegments(st, &period, mpd, rep)
		if err != nil {
			return "", err
		}

		for i := range expanded {
			expanded[i].URL = urlutil.Resolve(expanded[i].URL, base)
			expanded[i].InitURL = initURL
		}
		if len(segments) > 0 && len(expanded) > 0 {
			expanded[0].Discontinuity = true
		}
		segments = append(segments, expanded...)
	}

	if !found {
		return "", fmt.Errorf("%w: representation %q not found", errdefs.ErrMalformedManifest, repID)
	}

	isLive := mpd.IsLive()
	if isLive && len(segments) > liveWindowSegments {
		segments = segments[len(segments)-liveWindowSegments:]
		segments[0].Discontinuity = false
	}

	var lines []string
	lines = append(lines, "#EXTM3U", "#EXT-X-VERSION:3")

	maxDur := 0.0
	for _, seg := range segments {
		if seg.Duration > maxDur {
			maxDur = seg.Duration
		}
	}
	lines = append(lines, fmt.Sprintf("#EXT-X-TARGETDURATION:%d", int(maxDur)+1))

	if isLive {
		lines = append(lines, "#EXT-X-START:TIME-OFFSET=-30.0,PRECISE=NO")
		if len(segments) > 0 && segments[0].DurationTS > 0 {
			lines = append(lines, fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d", segments[0].Time/int64(segments[0].DurationTS)))
		}
	} else {
		lines = append(lines, "#EXT-X-PLAYLIST-TYPE:VOD")
	}

	for _, seg := range segments {
		if seg.Discontinuity {
			lines = append(lines, "#EXT-X-DISCONTINUITY")
		}
		lines = append(lines, fmt.Sprintf("#EXTINF:%.3f,", seg.Duration))
		lines = append(lines, buildDecryptRef(seg.URL, seg.InitURL, opts))
	}

	if !isLive {
		lines = append(lines, "#EXT-X-ENDLIST")
	}

	return strings.Join(lines, "\n") + "\n", nil
}

func findRepresentation(period *Period, repID string) (*Representation, *AdaptationSet) {
	for i := range period.AdaptationSets {
		as := &period.AdaptationSets[i]
		for j := range as.Representations {
			if as.Representations[j].ID == repID {
				return &as.Representations[j], as
			}
		}
	}
	return nil, nil
}

// expandSegments materializes the segment list from either a SegmentTimeline
// or a fixed-duration numeric range.
func expandSegments(st *SegmentTemplate, period *Period, mpd *MPD, rep *Representation) ([]mediaSegment, error) {
	timescale := st.TimescaleValue()
	number := st.StartNumberValue()

	if st.SegmentTimeline != nil {
		return expandTimeline(st, rep, timescale, number), nil
	}

	segDur, err := strconv.Atoi(st.Duration)
	if err != nil || segDur <= 0 {
		return nil, fmt.Errorf("%w: segment template has neither timeline nor duration", errdefs.ErrMalformedManifest)
	}

	totalDur, _ := parseISODuration(period.Duration)
	if totalDur == 0 {
		totalDur = mpd.PresentationDuration()
	}
	if totalDur == 0 {
		return nil, fmt.Errorf("%w: cannot size numeric segment range without a duration", errdefs.ErrMalformedManifest)
	}

	duration := float64(segDur) / float64(timescale)
	count := int(totalDur.Seconds()/duration + 0.999)

	var segments []mediaSegment
	currentTime := int64(0)
	for i := 0; i < count; i++ {
		segments = append(segments, mediaSegment{
			URL:        expandTemplate(st.Media, rep.ID, rep.Bandwidth, number, currentTime),
			Duration:   duration,
			DurationTS: segDur,
			Time:       currentTime,
		})
		currentTime += int64(segDur)
		number++
	}
	return segments, nil
}

func expandTimeline(st *SegmentTemplate, rep *Representation, timescale, startNumber int) []mediaSegment {
	var segments []mediaSegment
	currentTime := int64(0)
	number := startNumber

	for _, s := range st.SegmentTimeline.S {
		if s.T != "" {
			if t, err := strconv.ParseInt(s.T, 10, 64); err == nil {
				currentTime = t
			}
		}

		d, _ := strconv.Atoi(s.D)
		repeat := 0
		if s.R != "" {
			repeat, _ = strconv.Atoi(s.R)
		}

		duration := float64(d) / float64(timescale)
		for i := 0; i <= repeat; i++ {
			segments = append(segments, mediaSegment{
				URL:        expandTemplate(st.Media, rep.ID, rep.Bandwidth, number, currentTime),
				Duration:   duration,
				DurationTS: d,
				Time:       currentTime,
			})
			currentTime += int64(d)
			number++
		}
	}
	return segments
}

func expandTemplate(template, repID, bandwidth string, number int, time int64) string {
	result := template
	result = strings.ReplaceAll(result, "$RepresentationID$", repID)
	result = strings.ReplaceAll(result, "$Bandwidth$", bandwidth)
	result = strings.ReplaceAll(result, "$Number$", strconv.Itoa(number))
	result = strings.ReplaceAll(result, "$Time$", strconv.FormatInt(time, 10))
	return result
}

// periodBaseURL resolves the effective base for segment URLs: the period's
// BaseURL, then the MPD's, then the manifest's own directory. String
// manipulation keeps the original URL encoding intact.
func periodBaseURL(mpd *MPD, period *Period, originalURL string) string {
	if len(period.BaseURLs) > 0 && period.BaseURLs[0] != "" {
		return urlutil.Resolve(period.BaseURLs[0], originalURL)
	}
	if len(mpd.BaseURLs) > 0 && mpd.BaseURLs[0] != "" {
		return urlutil.Resolve(mpd.BaseURLs[0], originalURL)
	}
	return urlutil.BaseDirectory(originalURL)
}

// buildMediaPlaylistRef points back at the manifest endpoint with the
// representation selector so the media playlist conversion happens there.
func buildMediaPlaylistRef(originalURL, repID string, opts Options) string {
	u, _ := url.Parse(opts.ProxyBase + EndpointManifest)
	q := u.Query()
	q.Set("url", originalURL)
	q.Set("rep_id", repID)
	for k, v := range opts.Headers {
		q.Set("h_"+strings.ReplaceAll(k, "-", "_"), v)
	}
	if opts.ClearKey != "" {
		q.Set("clearkey", opts.ClearKey)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// buildDecryptRef routes a fMP4 segment through the decrypt endpoint, which
// decrypts (when keys are present) and remuxes to TS for HLS playback.
func buildDecryptRef(segmentURL, initURL string, opts Options) string {
	u, _ := url.Parse(opts.ProxyBase + EndpointDecrypt)
	q := u.Query()
	q.Set("url", segmentURL)
	if initURL != "" {
		q.Set("init_url", initURL)
	}
	for k, v := range opts.Headers {
		q.Set("h_"+strings.ReplaceAll(k, "-", "_"), v)
	}

	if opts.ClearKey != "" {
		var kids, keys []string
		for _, pair := range strings.Split(opts.ClearKey, ",") {
			if kv := strings.SplitN(pair, ":", 2); len(kv) == 2 {
				kids = append(kids, strings.TrimSpace(kv[0]))
				keys = append(keys, strings.TrimSpace(kv[1]))
			}
		}
		if len(kids) > 0 {
			q.Set("key_id", strings.Join(kids, ","))
			q.Set("key", strings.Join(keys, ","))
		}
	} else {
		q.Set("skip_decrypt", "1")
	}

	u.RawQuery = q.Encode()
	return u.String()
}
