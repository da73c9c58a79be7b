package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/deepzoom/internal/hash/sha256"
	"github.com/JakeFAU/deepzoom/internal/progress"
	"github.com/JakeFAU/deepzoom/internal/render"
)

const defaultKeepAlive = 15 * time.Second

// SnapshotSource returns the most recent progress snapshot.
type SnapshotSource interface {
	Latest() (render.Snapshot, bool)
}

// Subscriber opens a live notification subscription.
type Subscriber interface {
	Subscribe() (<-chan progress.Notification, <-chan struct{}, func())
}

// FrameSource exposes the renderer's frame buffer.
type FrameSource interface {
	IterationBounds() (minIter, maxIter uint64, ok bool)
	Image(minIter, maxIter uint64) *image.RGBA
}

// ProgressHandler exposes read-only views of the running job.
type ProgressHandler struct {
	latest    SnapshotSource
	events    Subscriber
	frame     FrameSource
	keepAlive time.Duration
	logger    *zap.Logger

	// bounds are the display iteration bounds. They are only rescanned from
	// the frame at stages that refresh them.
	mu     sync.Mutex
	bounds boundsDTO
}

// NewProgressHandler wires the progress sources. Any of them may be nil, in
// which case the matching route answers 503.
func NewProgressHandler(latest SnapshotSource, events Subscriber, frame FrameSource, logger *zap.Logger) *ProgressHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressHandler{
		latest:    latest,
		events:    events,
		frame:     frame,
		keepAlive: defaultKeepAlive,
		logger:    logger,
	}
}

// GetProgress handles GET /v1/progress. It returns {"snapshot": {...} | null,
// "bounds": {...}}.
func (h *ProgressHandler) GetProgress(w http.ResponseWriter, _ *http.Request) {
	if h.latest == nil {
		writeError(w, http.StatusServiceUnavailable, "progress unavailable")
		return
	}
	snap, ok := h.latest.Latest()
	stage := render.StageComplete
	var dto *snapshotDTO
	if ok {
		stage = snap.Stage
		v := toSnapshotDTO(snap)
		dto = &v
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"snapshot": dto,
		"bounds":   h.iterationBounds(stage),
	})
}

// GetFrame handles GET /v1/frame.png, encoding the current, possibly partial,
// frame. Responses carry an ETag so pollers can skip unchanged frames with
// If-None-Match.
func (h *ProgressHandler) GetFrame(w http.ResponseWriter, r *http.Request) {
	if h.frame == nil {
		writeError(w, http.StatusServiceUnavailable, "frame unavailable")
		return
	}
	stage := render.StageComplete
	if h.latest != nil {
		if snap, ok := h.latest.Latest(); ok {
			stage = snap.Stage
		}
	}
	b := h.iterationBounds(stage)

	var buf bytes.Buffer
	if err := png.Encode(&buf, h.frame.Image(b.Min, b.Max)); err != nil {
		h.logger.Error("encode frame failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to encode frame")
		return
	}
	etag := sha256.ETag(buf.Bytes())
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "no-cache")
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.logger.Debug("write frame failed", zap.Error(err))
	}
}

// StreamEvents handles GET /v1/events as a server-sent event stream. Each
// notification is sent as an event named after its kind. The stream ends when
// the client disconnects or the broadcaster closes.
func (h *ProgressHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	ch, done, cancel := h.events.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case n := <-ch:
			if err := writeEvent(w, n); err != nil {
				h.logger.Debug("event stream closed", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, n progress.Notification) error {
	data, err := json.Marshal(toNotificationDTO(n))
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", n.Kind, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func (h *ProgressHandler) iterationBounds(stage render.Stage) boundsDTO {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.frame != nil && stage.RefreshesIterationBounds() {
		if minIter, maxIter, ok := h.frame.IterationBounds(); ok {
			h.bounds = boundsDTO{Min: minIter, Max: maxIter, Valid: true}
		}
	}
	return h.bounds
}

type boundsDTO struct {
	Min   uint64 `json:"min"`
	Max   uint64 `json:"max"`
	Valid bool   `json:"valid"`
}

type snapshotDTO struct {
	JobID             string  `json:"job_id"`
	Command           string  `json:"command"`
	Stage             string  `json:"stage"`
	Fraction          float64 `json:"fraction"`
	ElapsedMS         int64   `json:"elapsed_ms"`
	MinValidIteration uint64  `json:"min_valid_iteration"`
	MaxValidIteration uint64  `json:"max_valid_iteration"`
	ReferenceCount    uint64  `json:"reference_count"`
}

func toSnapshotDTO(s render.Snapshot) snapshotDTO {
	return snapshotDTO{
		JobID:             s.JobID.String(),
		Command:           s.Command.String(),
		Stage:             s.Stage.String(),
		Fraction:          s.Fraction,
		ElapsedMS:         s.ElapsedMillis(),
		MinValidIteration: s.MinValidIteration,
		MaxValidIteration: s.MaxValidIteration,
		ReferenceCount:    s.ReferenceCount,
	}
}

type notificationDTO struct {
	Kind     string       `json:"kind"`
	TS       time.Time    `json:"ts"`
	JobID    string       `json:"job_id"`
	Snapshot *snapshotDTO `json:"snapshot,omitempty"`
}

func toNotificationDTO(n progress.Notification) notificationDTO {
	dto := notificationDTO{
		Kind:  string(n.Kind),
		TS:    n.TS,
		JobID: n.JobID().String(),
	}
	if n.Kind != progress.KindRepaint {
		s := toSnapshotDTO(n.Snapshot)
		dto.Snapshot = &s
	}
	return dto
}
