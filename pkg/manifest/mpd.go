package manifest

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"streamrelay/pkg/errdefs"
)

// MPD is the subset of the DASH manifest schema the converter needs.
type MPD struct {
	XMLName                   xml.Name `xml:"MPD"`
	Type                      string   `xml:"type,attr"`
	MediaPresentationDuration string   `xml:"mediaPresentationDuration,attr"`
	MinimumUpdatePeriod       string   `xml:"minimumUpdatePeriod,attr"`
	BaseURLs                  []string `xml:"BaseURL"`
	Periods                   []Period `xml:"Period"`
}

// IsLive reports whether the manifest describes a live presentation.
func (m *MPD) IsLive() bool {
	return strings.EqualFold(m.Type, "dynamic")
}

// PresentationDuration returns the total VOD duration, or zero if absent.
func (m *MPD) PresentationDuration() time.Duration {
	d, err := parseISODuration(m.MediaPresentationDuration)
	if err != nil {
		return 0
	}
	return d
}

type Period struct {
	ID             string          `xml:"id,attr"`
	Start          string          `xml:"start,attr"`
	Duration       string          `xml:"duration,attr"`
	BaseURLs       []string        `xml:"BaseURL"`
	AdaptationSets []AdaptationSet `xml:"AdaptationSet"`
}

type AdaptationSet struct {
	MimeType        string           `xml:"mimeType,attr"`
	ContentType     string           `xml:"contentType,attr"`
	Lang            string           `xml:"lang,attr"`
	SegmentTemplate *SegmentTemplate `xml:"SegmentTemplate"`
	Representations []Representation `xml:"Representation"`
}

// IsVideo reports whether the adaptation set carries video content.
func (as *AdaptationSet) IsVideo() bool {
	return strings.Contains(as.MimeType, "video") || strings.Contains(as.ContentType, "video")
}

// IsAudio reports whether the adaptation set carries audio content.
func (as *AdaptationSet) IsAudio() bool {
	return strings.Contains(as.MimeType, "audio") || strings.Contains(as.ContentType, "audio")
}

type Representation struct {
	ID              string           `xml:"id,attr"`
	Bandwidth       string           `xml:"bandwidth,attr"`
	Width           int              `xml:"width,attr"`
	Height          int              `xml:"height,attr"`
	FrameRate       string           `xml:"frameRate,attr"`
	Codecs          string           `xml:"codecs,attr"`
	SegmentTemplate *SegmentTemplate `xml:"SegmentTemplate"`
}

type SegmentTemplate struct {
	Timescale       string           `xml:"timescale,attr"`
	Duration        string           `xml:"duration,attr"`
	Initialization  string           `xml:"initialization,attr"`
	Media           string           `xml:"media,attr"`
	StartNumber     string           `xml:"startNumber,attr"`
	SegmentTimeline *SegmentTimeline `xml:"SegmentTimeline"`
}

// TimescaleValue returns the template timescale, defaulting to 1.
func (st *SegmentTemplate) TimescaleValue() int {
	ts, err := strconv.Atoi(st.Timescale)
	if err != nil || ts <= 0 {
		return 1
	}
	return ts
}

// StartNumberValue returns the first segment number, defaulting to 1.
func (st *SegmentTemplate) StartNumberValue() int {
	n, err := strconv.Atoi(st.StartNumber)
	if err != nil || n < 0 {
		return 1
	}
	return n
}

type SegmentTimeline struct {
	S []TimelineEntry `xml:"S"`
}

type TimelineEntry struct {
	T string `xml:"t,attr"`
	D string `xml:"d,attr"`
	R string `xml:"r,attr"`
}

// ParseMPD unmarshals a DASH manifest. Manifests without a namespace
// declaration are patched up first since some encoders omit it.
func ParseMPD(data []byte) (*MPD, error) {
	content := string(data)
	if !strings.Contains(content, "xmlns") {
		content = strings.Replace(content, "<MPD", `<MPD xmlns="urn:mpeg:dash:schema:mpd:2011"`, 1)
	}

	var mpd MPD
	if err := xml.Unmarshal([]byte(content), &mpd); err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrMalformedManifest, err)
	}
	if len(mpd.Periods) == 0 {
		return nil, fmt.Errorf("%w: MPD has no periods", errdefs.ErrMalformedManifest)
	}
	return &mpd, nil
}

var isoDurationRe = regexp.MustCompile(`(\d+(?:\.\d+)?)([HMS])`)

// parseISODuration parses ISO 8601 durations of the PT#H#M#S form.
func parseISODuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	if !strings.HasPrefix(s, "PT") {
		return time.ParseDuration(s)
	}

	var total time.Duration
	for _, match := range isoDurationRe.FindAllStringSubmatch(strings.TrimPrefix(s, "PT"), -1) {
		value, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			return 0, err
		}
		switch match[2] {
		case "H":
			total += time.Duration(value * float64(time.Hour))
		case "M":
			total += time.Duration(value * float64(time.Minute))
		case "S":
			total += time.Duration(value * float64(time.Second))
		}
	}
	return total, nil
}
