package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waterlinehq/waterline/coordinator"
	"github.com/waterlinehq/waterline/db"
	"github.com/waterlinehq/waterline/notify"
	"github.com/waterlinehq/waterline/order"
)

type recordingRetention struct {
	mu    sync.Mutex
	calls []struct {
		room string
		mark order.Key
	}
}

func (r *recordingRetention) PurgeBefore(room string, mark order.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, struct {
		room string
		mark order.Key
	}{room, mark})
}

type apiRig struct {
	server    *Server
	index     *db.EventIndex
	markers   db.MarkerStore
	retention *recordingRetention
}

func newAPIRig(t *testing.T, mutate func(*ServerConfig)) *apiRig {
	t.Helper()

	idx, err := db.NewEventIndex(filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	markers := db.NewMemoryMarkerStore()
	retention := &recordingRetention{}
	coord := coordinator.NewReadMarkerCoordinator(
		markers,
		idx,
		notify.NewHub(),
		retention,
		coordinator.NewKeyedSerializer(),
	)

	config := ServerConfig{
		Coordinator:      coord,
		Markers:          markers,
		Index:            idx,
		RetentionEnabled: true,
	}
	if mutate != nil {
		mutate(&config)
	}

	server, err := NewServer(config)
	require.NoError(t, err)

	return &apiRig{server: server, index: idx, markers: markers, retention: retention}
}

func (rig *apiRig) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	rig.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (rig *apiRig) ingest(t *testing.T, room, event string, depth int64) {
	t.Helper()
	rec := rig.do(t, http.MethodPost, "/v1/events", ingestEventRequest{
		RoomID: room, EventID: event, Depth: depth,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func markerPath(room string) string {
	return fmt.Sprintf("/v1/rooms/%s/read_markers", room)
}

func TestAPI_Health(t *testing.T) {
	rig := newAPIRig(t, nil)
	rec := rig.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPI_IngestAndUpdateMarker(t *testing.T) {
	rig := newAPIRig(t, nil)
	rig.ingest(t, "!room:a", "$e1", 1)
	rig.ingest(t, "!room:a", "$e2", 2)

	rec := rig.do(t, http.MethodPost, markerPath("!room:a"), updateMarkerRequest{
		UserID: "@alice:a", EventID: "$e2",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = rig.do(t, http.MethodGet, markerPath("!room:a")+"/@alice:a", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var marker markerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &marker))
	assert.Equal(t, "$e2", marker.EventID)
	require.NotNil(t, marker.Depth)
	assert.Equal(t, int64(2), *marker.Depth)
}

func TestAPI_IngestReportsPosition(t *testing.T) {
	rig := newAPIRig(t, nil)

	rec := rig.do(t, http.MethodPost, "/v1/events", ingestEventRequest{
		RoomID: "!room:a", EventID: "$e1", Depth: 7,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		EventID string `json:"event_id"`
		Depth   int64  `json:"depth"`
		Stream  int64  `json:"stream"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "$e1", resp.EventID)
	assert.Equal(t, int64(7), resp.Depth)
	assert.Positive(t, resp.Stream)
}

func TestAPI_UnknownEventRejected(t *testing.T) {
	rig := newAPIRig(t, nil)

	rec := rig.do(t, http.MethodPost, markerPath("!room:a"), updateMarkerRequest{
		UserID: "@alice:a", EventID: "$missing",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_InvalidBodyRejected(t *testing.T) {
	rig := newAPIRig(t, nil)

	req := httptest.NewRequest(http.MethodPost, markerPath("!room:a"), bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	rig.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = rig.do(t, http.MethodPost, markerPath("!room:a"), updateMarkerRequest{UserID: "@alice:a"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing event_id")
}

func TestAPI_RoomMarkersSortedByUser(t *testing.T) {
	rig := newAPIRig(t, nil)
	rig.ingest(t, "!room:a", "$e1", 1)
	rig.ingest(t, "!room:a", "$e2", 2)

	for _, user := range []string{"@carol:a", "@alice:a", "@bob:a"} {
		rec := rig.do(t, http.MethodPost, markerPath("!room:a"), updateMarkerRequest{
			UserID: user, EventID: "$e1",
		}, nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := rig.do(t, http.MethodGet, markerPath("!room:a"), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		RoomID  string           `json:"room_id"`
		Markers []markerResponse `json:"markers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Markers, 3)
	assert.Equal(t, "@alice:a", resp.Markers[0].UserID)
	assert.Equal(t, "@bob:a", resp.Markers[1].UserID)
	assert.Equal(t, "@carol:a", resp.Markers[2].UserID)
}

func TestAPI_MissingMarkerIs404(t *testing.T) {
	rig := newAPIRig(t, nil)
	rec := rig.do(t, http.MethodGet, markerPath("!room:a")+"/@nobody:a", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAPI_RetentionTriggeredForSoleReader(t *testing.T) {
	rig := newAPIRig(t, nil)
	rig.ingest(t, "!room:a", "$e1", 1)
	rig.ingest(t, "!room:a", "$e5", 5)

	rec := rig.do(t, http.MethodPost, markerPath("!room:a"), updateMarkerRequest{
		UserID: "@alice:a", EventID: "$e5",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rig.retention.mu.Lock()
	defer rig.retention.mu.Unlock()
	require.Len(t, rig.retention.calls, 1)
	assert.Equal(t, "!room:a", rig.retention.calls[0].room)
	assert.Equal(t, int64(5), rig.retention.calls[0].mark.Depth)
}

func TestAPI_RetentionDisabledSkipsRoomWidePath(t *testing.T) {
	rig := newAPIRig(t, func(c *ServerConfig) { c.RetentionEnabled = false })
	rig.ingest(t, "!room:a", "$e5", 5)

	rec := rig.do(t, http.MethodPost, markerPath("!room:a"), updateMarkerRequest{
		UserID: "@alice:a", EventID: "$e5",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rig.retention.mu.Lock()
	defer rig.retention.mu.Unlock()
	assert.Empty(t, rig.retention.calls)
}

func TestAPI_MarkerUpdateAfterRetentionExpiry(t *testing.T) {
	rig := newAPIRig(t, nil)
	ctx := context.Background()
	rig.ingest(t, "!room:a", "$e5", 5)
	rig.ingest(t, "!room:a", "$e8", 8)
	rig.ingest(t, "!room:a", "$e9", 9)

	rec := rig.do(t, http.MethodPost, markerPath("!room:a"), updateMarkerRequest{
		UserID: "@alice:a", EventID: "$e5",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = rig.do(t, http.MethodPost, markerPath("!room:a"), updateMarkerRequest{
		UserID: "@bob:a", EventID: "$e8",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Apply the watermark the coordinator just requested. Alice's marker
	// event falls below it and gets expired from live history.
	rig.retention.mu.Lock()
	require.NotEmpty(t, rig.retention.calls)
	last := rig.retention.calls[len(rig.retention.calls)-1]
	rig.retention.mu.Unlock()
	assert.Equal(t, int64(8), last.mark.Depth)

	_, err := rig.index.ExpireBefore(ctx, last.room, last.mark)
	require.NoError(t, err)

	// Alice's next update evaluates the room-wide candidate set, which
	// still includes her expired $e5. It must resolve and succeed.
	rec = rig.do(t, http.MethodPost, markerPath("!room:a"), updateMarkerRequest{
		UserID: "@alice:a", EventID: "$e9",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = rig.do(t, http.MethodGet, markerPath("!room:a")+"/@alice:a", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var marker markerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &marker))
	assert.Equal(t, "$e9", marker.EventID)
}

func TestAPI_UserMarkerRejectsNULIdentifier(t *testing.T) {
	rig := newAPIRig(t, nil)
	rec := rig.do(t, http.MethodGet, markerPath("!room:a")+"/%00bad", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_WatermarkEndpoint(t *testing.T) {
	rig := newAPIRig(t, nil)

	rec := rig.do(t, http.MethodGet, "/v1/rooms/!room:a/retention/watermark", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.NoError(t, rig.index.SetPurgeWatermark(context.Background(), "!room:a", order.Key{Depth: 4, Stream: 2}))

	rec = rig.do(t, http.MethodGet, "/v1/rooms/!room:a/retention/watermark", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Depth  int64 `json:"depth"`
		Stream int64 `json:"stream"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(4), resp.Depth)
	assert.Equal(t, int64(2), resp.Stream)
}

func TestAPI_ListRooms(t *testing.T) {
	rig := newAPIRig(t, nil)
	rig.ingest(t, "!room:a", "$e1", 1)

	rec := rig.do(t, http.MethodPost, markerPath("!room:a"), updateMarkerRequest{
		UserID: "@alice:a", EventID: "$e1",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = rig.do(t, http.MethodGet, "/v1/rooms", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Rooms []string `json:"rooms"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"!room:a"}, resp.Rooms)
}

func TestAPI_AuthRequired(t *testing.T) {
	rig := newAPIRig(t, func(c *ServerConfig) { c.AuthToken = "sekrit" })

	rec := rig.do(t, http.MethodGet, "/v1/rooms", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = rig.do(t, http.MethodGet, "/v1/rooms", nil, map[string]string{
		"Authorization": "Bearer wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = rig.do(t, http.MethodGet, "/v1/rooms", nil, map[string]string{
		"Authorization": "Bearer sekrit",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = rig.do(t, http.MethodGet, "/v1/rooms", nil, map[string]string{
		"X-Waterline-Token": "sekrit",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open.
	rec = rig.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
