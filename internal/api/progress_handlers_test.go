package api

import (
	"bufio"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/deepzoom/internal/config"
	"github.com/JakeFAU/deepzoom/internal/progress"
	"github.com/JakeFAU/deepzoom/internal/progress/sinks"
	"github.com/JakeFAU/deepzoom/internal/render"
)

type fakeFrame struct {
	mu       sync.Mutex
	min, max uint64
	ok       bool
}

func (f *fakeFrame) set(minIter, maxIter uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.min, f.max, f.ok = minIter, maxIter, true
}

func (f *fakeFrame) IterationBounds() (uint64, uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.min, f.max, f.ok
}

func (f *fakeFrame) Image(uint64, uint64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.SetRGBA(1, 1, color.RGBA{R: 0xff, A: 0xff})
	return img
}

type progressResponse struct {
	Snapshot *snapshotDTO `json:"snapshot"`
	Bounds   boundsDTO    `json:"bounds"`
}

func getProgress(t *testing.T, h http.Handler) progressResponse {
	t.Helper()
	rec := do(t, h, http.MethodGet, "/v1/progress")
	require.Equal(t, http.StatusOK, rec.Code)
	var out progressResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func note(kind progress.Kind, id uuid.UUID, stage render.Stage, fraction float64) progress.Notification {
	return progress.Notification{Kind: kind, TS: time.Now().UTC(), Snapshot: render.Snapshot{
		JobID:    id,
		Command:  render.FastReset,
		Stage:    stage,
		Fraction: fraction,
		Elapsed:  1500 * time.Millisecond,
	}}
}

func TestProgress_NoSnapshotYet(t *testing.T) {
	t.Parallel()

	frame := &fakeFrame{}
	frame.set(3, 9)
	ph := NewProgressHandler(sinks.NewLatestSink(), nil, frame, zap.NewNop())
	h := NewServer(&fakeController{}, ph, config.AuthConfig{}, nil, zap.NewNop()).Handler()

	got := getProgress(t, h)
	require.Nil(t, got.Snapshot)
	require.Equal(t, boundsDTO{Min: 3, Max: 9, Valid: true}, got.Bounds)
}

func TestProgress_BoundsFollowStageGating(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	latest := sinks.NewLatestSink()
	frame := &fakeFrame{}
	ph := NewProgressHandler(latest, nil, frame, zap.NewNop())
	h := NewServer(&fakeController{}, ph, config.AuthConfig{}, nil, zap.NewNop()).Handler()

	first := uuid.New()
	frame.set(10, 20)
	require.NoError(t, latest.Consume(ctx, []progress.Notification{
		note(progress.KindProgress, first, render.StageIteration, 0.4),
	}))
	got := getProgress(t, h)
	require.Equal(t, "iteration", got.Snapshot.Stage)
	require.Equal(t, 0.4, got.Snapshot.Fraction)
	require.Equal(t, int64(1500), got.Snapshot.ElapsedMS)
	require.Equal(t, boundsDTO{Min: 10, Max: 20, Valid: true}, got.Bounds)

	// A new job still computing its reference keeps the previous bounds.
	second := uuid.New()
	frame.set(1, 2)
	require.NoError(t, latest.Consume(ctx, []progress.Notification{
		note(progress.KindProgress, second, render.StageReference, 0.1),
	}))
	got = getProgress(t, h)
	require.Equal(t, "reference", got.Snapshot.Stage)
	require.Equal(t, boundsDTO{Min: 10, Max: 20, Valid: true}, got.Bounds)

	require.NoError(t, latest.Consume(ctx, []progress.Notification{
		note(progress.KindComplete, second, render.StageComplete, 1),
	}))
	got = getProgress(t, h)
	require.Equal(t, "complete", got.Snapshot.Stage)
	require.Equal(t, second.String(), got.Snapshot.JobID)
	require.Equal(t, boundsDTO{Min: 1, Max: 2, Valid: true}, got.Bounds)
}

func TestProgress_Unavailable(t *testing.T) {
	t.Parallel()

	ph := NewProgressHandler(nil, nil, nil, nil)
	h := NewServer(&fakeController{}, ph, config.AuthConfig{}, nil, zap.NewNop()).Handler()
	require.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/v1/progress").Code)
	require.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/v1/frame.png").Code)
	require.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/v1/events").Code)
}

func TestFrame_PNG(t *testing.T) {
	t.Parallel()

	frame := &fakeFrame{}
	ph := NewProgressHandler(sinks.NewLatestSink(), nil, frame, zap.NewNop())
	h := NewServer(&fakeController{}, ph, config.AuthConfig{}, nil, zap.NewNop()).Handler()

	rec := do(t, h, http.MethodGet, "/v1/frame.png")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 2, 2), img.Bounds())
	_, _, _, a := img.At(1, 1).RGBA()
	require.Equal(t, uint32(0xffff), a)

	etag := rec.Header().Get("ETag")
	require.NotEmpty(t, etag)
	req := httptest.NewRequest(http.MethodGet, "/v1/frame.png", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotModified, rec.Code)
	require.Zero(t, rec.Body.Len())
}

func TestEvents_StreamsNotifications(t *testing.T) {
	t.Parallel()

	broadcaster := sinks.NewBroadcaster(8, zap.NewNop())
	ph := NewProgressHandler(nil, broadcaster, nil, zap.NewNop())
	srv := httptest.NewServer(NewServer(&fakeController{}, ph, config.AuthConfig{}, nil, zap.NewNop()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return broadcaster.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	id := uuid.New()
	// Separate batches, otherwise the completion supersedes the progress.
	for _, n := range []progress.Notification{
		note(progress.KindProgress, id, render.StageIteration, 0.5),
		{Kind: progress.KindRepaint, TS: time.Now().UTC(), Snapshot: render.Snapshot{JobID: id}},
		note(progress.KindComplete, id, render.StageComplete, 1),
	} {
		require.NoError(t, broadcaster.Consume(context.Background(), []progress.Notification{n}))
	}

	reader := bufio.NewReader(resp.Body)
	events := readEvents(t, reader, 3)
	require.Equal(t, []string{"progress", "repaint", "complete"}, []string{events[0].Kind, events[1].Kind, events[2].Kind})
	require.Nil(t, events[1].Snapshot)
	require.Equal(t, id.String(), events[1].JobID)
	require.Equal(t, "complete", events[2].Snapshot.Stage)
	require.Equal(t, 1.0, events[2].Snapshot.Fraction)
}

func TestEvents_EndWhenBroadcasterCloses(t *testing.T) {
	t.Parallel()

	broadcaster := sinks.NewBroadcaster(8, zap.NewNop())
	ph := NewProgressHandler(nil, broadcaster, nil, zap.NewNop())
	srv := httptest.NewServer(NewServer(&fakeController{}, ph, config.AuthConfig{}, nil, zap.NewNop()).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/events")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return broadcaster.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, broadcaster.Close(context.Background()))

	_, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
}

func readEvents(t *testing.T, r *bufio.Reader, n int) []notificationDTO {
	t.Helper()
	var out []notificationDTO
	var event string
	for len(out) < n {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			var dto notificationDTO
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &dto))
			require.Equal(t, event, dto.Kind)
			out = append(out, dto)
		}
	}
	return out
}
