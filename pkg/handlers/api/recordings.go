package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"streamrelay/pkg/httpclient"
	"streamrelay/pkg/types"
)

func (h *Handlers) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	recordings, err := h.recorder.List()
	if err != nil {
		h.writeErrorFor(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, recordings)
}

func (h *Handlers) handleListActiveRecordings(w http.ResponseWriter, r *http.Request) {
	recordings, err := h.recorder.ListActive()
	if err != nil {
		h.writeErrorFor(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, recordings)
}

func (h *Handlers) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	rec, err := h.recorder.Get(r.PathValue("id"))
	if err != nil {
		h.writeErrorFor(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

func (h *Handlers) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	var body struct {
		types.RecordingRequest
		Duration string `json:"duration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.URL == "" {
		h.writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if body.Duration != "" {
		d, err := time.ParseDuration(body.Duration)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid duration")
			return
		}
		body.RecordingRequest.Duration = d
	}

	rec, err := h.recorder.Start(r.Context(), body.RecordingRequest)
	if err != nil {
		h.writeErrorFor(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, rec)
}

func (h *Handlers) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if err := h.recorder.Stop(r.PathValue("id")); err != nil {
		h.writeErrorFor(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleRecordingStream streams the recording payload. For an active
// recording the response tails the file and keeps the connection open
// until the capture finishes.
func (h *Handlers) handleRecordingStream(w http.ResponseWriter, r *http.Request) {
	stream, err := h.recorder.OpenStream(r.PathValue("id"))
	if err != nil {
		h.writeErrorFor(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "video/MP2T")
	w.Header().Set("Cache-Control", "no-cache")

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 64*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func (h *Handlers) handleRecordingDownload(w http.ResponseWriter, r *http.Request) {
	rec, err := h.recorder.Get(r.PathValue("id"))
	if err != nil {
		h.writeErrorFor(w, err)
		return
	}

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", rec.Name+".ts"))
	http.ServeFile(w, r, rec.FilePath)
}

func (h *Handlers) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	if err := h.recorder.Delete(r.PathValue("id")); err != nil {
		h.writeErrorFor(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRecord is the one-shot GET convenience: start a capture and
// redirect into its live stream.
func (h *Handlers) handleRecord(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := types.RecordingRequest{
		URL:      q.Get("url"),
		Name:     q.Get("name"),
		ClearKey: q.Get("clearkey"),
		Headers:  httpclient.ParseHeaderParams(q),
	}
	if req.URL == "" {
		h.writeError(w, http.StatusBadRequest, "url parameter required")
		return
	}
	if req.Name == "" {
		req.Name = "recording"
	}
	if d := q.Get("duration"); d != "" {
		parsed, err := time.ParseDuration(d)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid duration")
			return
		}
		req.Duration = parsed
	}

	rec, err := h.recorder.Start(r.Context(), req)
	if err != nil {
		h.writeErrorFor(w, err)
		return
	}

	http.Redirect(w, r, h.cfg.BaseURL+"/api/recordings/"+rec.ID+"/stream", http.StatusFound)
}
