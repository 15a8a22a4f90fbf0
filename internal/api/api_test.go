package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/database"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/events"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/identity"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeFeeds struct {
	feeds      map[string]*models.Feed
	err        error
	identities map[string]identity.Identity
}

func (f *fakeFeeds) GetFeed(_ context.Context, feedID string) (*models.Feed, error) {
	if f.err != nil {
		return nil, f.err
	}
	feed, ok := f.feeds[feedID]
	if !ok {
		return nil, database.ErrFeedNotFound
	}
	return feed, nil
}

func (f *fakeFeeds) UpsertIdentity(_ context.Context, feedID string, id identity.Identity) error {
	if f.err != nil {
		return f.err
	}
	f.identities[feedID+"/"+id.ID] = id
	return nil
}

type fakeLive struct {
	caches   map[string]*events.Cache
	enrolled map[string][]identity.Identity
}

func (l *fakeLive) Events(feedID string) (*events.Cache, bool) {
	c, ok := l.caches[feedID]
	return c, ok
}

func (l *fakeLive) Active() []string {
	out := make([]string, 0, len(l.caches))
	for id := range l.caches {
		out = append(out, id)
	}
	return out
}

func (l *fakeLive) Enroll(feedID string, id identity.Identity) int {
	var n int
	for fid := range l.caches {
		if feedID == "" || fid == feedID {
			l.enrolled[fid] = append(l.enrolled[fid], id)
			n++
		}
	}
	return n
}

type fakeCache struct {
	bySecond map[int64][]models.VideoEvent
	err      error
}

func (c *fakeCache) Get(_ context.Context, _ string, second int64) ([]models.VideoEvent, bool, error) {
	if c.err != nil {
		return nil, false, c.err
	}
	evts, ok := c.bySecond[second]
	return evts, ok, nil
}

func (c *fakeCache) Range(_ context.Context, _ string, from, to int64) ([]models.VideoEvent, error) {
	if c.err != nil {
		return nil, c.err
	}
	var out []models.VideoEvent
	for sec, evts := range c.bySecond {
		if sec >= from && sec <= to {
			out = append(out, evts...)
		}
	}
	return out, nil
}

type fakeArchive struct {
	bySecond map[int64][]models.VideoEvent
	loads    int
}

func (a *fakeArchive) LoadEvents(_ context.Context, _ string, second int64) ([]models.VideoEvent, error) {
	a.loads++
	return a.bySecond[second], nil
}

type fixture struct {
	feeds   *fakeFeeds
	live    *fakeLive
	cache   *fakeCache
	archive *fakeArchive
	handler http.Handler
}

func newFixture() *fixture {
	f := &fixture{
		feeds:   &fakeFeeds{feeds: map[string]*models.Feed{}, identities: map[string]identity.Identity{}},
		live:    &fakeLive{caches: map[string]*events.Cache{}, enrolled: map[string][]identity.Identity{}},
		cache:   &fakeCache{bySecond: map[int64][]models.VideoEvent{}},
		archive: &fakeArchive{bySecond: map[int64][]models.VideoEvent{}},
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pipeline_frames_processed_total 3\n"))
	})
	f.handler = NewHandlers(f.feeds, f.live, f.cache, f.archive, metrics, zap.NewNop()).Router()
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeEvents(t *testing.T, rec *httptest.ResponseRecorder) EventsResponse {
	t.Helper()
	var resp EventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestGetSecond_LookupOrder(t *testing.T) {
	f := newFixture()
	live := events.NewCache()
	live.Store(1, []models.VideoEvent{{ID: "live", Timestamp: 1.2}})
	f.live.caches["yard"] = live
	f.cache.bySecond[1] = []models.VideoEvent{{ID: "redis-1", Timestamp: 1.2}}
	f.cache.bySecond[2] = []models.VideoEvent{{ID: "redis-2", Timestamp: 2.2}}
	f.archive.bySecond[3] = []models.VideoEvent{{ID: "archive-3", Timestamp: 3.2}}

	tests := []struct {
		target string
		want   string
	}{
		{"/feeds/yard/events/1", "live"},
		{"/feeds/yard/events/2", "redis-2"},
		{"/feeds/yard/events/3", "archive-3"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, tt.target, "")

			require.Equal(t, http.StatusOK, rec.Code)
			resp := decodeEvents(t, rec)
			require.Len(t, resp.Events, 1)
			assert.Equal(t, tt.want, resp.Events[0].ID)
		})
	}
}

func TestGetSecond_EmptyIsArray(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodGet, "/feeds/yard/events/9", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"events":[]`)
}

func TestGetSecond_CacheErrorFallsBackToArchive(t *testing.T) {
	f := newFixture()
	f.cache.err = errors.New("redis down")
	f.archive.bySecond[4] = []models.VideoEvent{{ID: "archive-4", Timestamp: 4}}

	rec := f.do(t, http.MethodGet, "/feeds/yard/events/4", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "archive-4", decodeEvents(t, rec).Events[0].ID)
}

func TestGetEvents_RangeMergesSorted(t *testing.T) {
	f := newFixture()
	live := events.NewCache()
	live.Store(2, []models.VideoEvent{{ID: "b", Timestamp: 2.5}})
	f.live.caches["yard"] = live
	f.cache.bySecond[1] = []models.VideoEvent{{ID: "a", Timestamp: 1.1}}
	f.cache.bySecond[2] = []models.VideoEvent{{ID: "b", Timestamp: 2.5}}
	f.cache.bySecond[7] = []models.VideoEvent{{ID: "late", Timestamp: 7}}

	rec := f.do(t, http.MethodGet, "/feeds/yard/events?from=0&to=5", "")

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeEvents(t, rec)
	require.Len(t, resp.Events, 2)
	assert.Equal(t, "a", resp.Events[0].ID)
	assert.Equal(t, "b", resp.Events[1].ID)
	assert.Zero(t, f.archive.loads)
}

func TestGetEvents_ArchiveFallback(t *testing.T) {
	f := newFixture()
	f.archive.bySecond[10] = []models.VideoEvent{{ID: "x", Timestamp: 10.4}}
	f.archive.bySecond[11] = []models.VideoEvent{{ID: "m", Timestamp: 11, OverlayOnly: true}}

	rec := f.do(t, http.MethodGet, "/feeds/yard/events?from=10&to=12&timeline=true", "")

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeEvents(t, rec)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "x", resp.Events[0].ID)
	assert.Equal(t, 3, f.archive.loads)
}

func TestGetEvents_BadRange(t *testing.T) {
	f := newFixture()

	for _, target := range []string{
		"/feeds/yard/events",
		"/feeds/yard/events?from=-1",
		"/feeds/yard/events?from=5&to=2",
		"/feeds/yard/events?from=0&to=99999",
		"/feeds/yard/events?from=0&to=x",
	} {
		rec := f.do(t, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestGetFeedStatus(t *testing.T) {
	f := newFixture()
	f.feeds.feeds["yard"] = &models.Feed{ID: "yard", Action: models.CommandStart, Frames: 12}
	f.live.caches["yard"] = events.NewCache()

	rec := f.do(t, http.MethodGet, "/feeds/yard", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var status FeedStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "yard", status.ID)
	assert.Equal(t, int64(12), status.Frames)
	assert.True(t, status.Running)
}

func TestGetFeedStatus_Errors(t *testing.T) {
	f := newFixture()
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/feeds/ghost", "").Code)

	f.feeds.err = errors.New("connection refused")
	assert.Equal(t, http.StatusInternalServerError, f.do(t, http.MethodGet, "/feeds/yard", "").Code)
}

func TestListFeeds(t *testing.T) {
	f := newFixture()
	f.live.caches["b"] = events.NewCache()
	f.live.caches["a"] = events.NewCache()

	rec := f.do(t, http.MethodGet, "/feeds", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"feeds":["a","b"]}`, rec.Body.String())
}

func TestCreateIdentity(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/identities", `{"feed_id":"yard","name":"Alice","embedding":[0.1,0.9]}`)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp CreateIdentityRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	stored, ok := f.feeds.identities["yard/"+resp.ID]
	require.True(t, ok)
	assert.Equal(t, identity.Embedding{0.1, 0.9}, stored.Embedding)
}

func TestCreateIdentity_EnrollsRunningFeeds(t *testing.T) {
	f := newFixture()
	f.live.caches["yard"] = events.NewCache()
	f.live.caches["gate"] = events.NewCache()

	rec := f.do(t, http.MethodPost, "/identities", `{"id":"id-7","feed_id":"yard","name":"Alice","embedding":[1,0]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, f.live.enrolled["yard"], 1)
	assert.Equal(t, "Alice", f.live.enrolled["yard"][0].Name)
	assert.Empty(t, f.live.enrolled["gate"])

	rec = f.do(t, http.MethodPost, "/identities", `{"name":"Bob","embedding":[0,1]}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Len(t, f.live.enrolled["yard"], 2)
	assert.Len(t, f.live.enrolled["gate"], 1)
}

func TestCreateIdentity_Invalid(t *testing.T) {
	f := newFixture()

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/identities", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/identities", `{"name":"Alice"}`).Code)
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pipeline_frames_processed_total")
}
