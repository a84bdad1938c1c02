package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/waterlinehq/waterline/coordinator"
	"github.com/waterlinehq/waterline/db"
	"github.com/waterlinehq/waterline/order"
)

// Handlers holds the collaborators behind the HTTP endpoints.
type Handlers struct {
	coordinator      Coordinator
	markers          db.MarkerStore
	index            *db.EventIndex
	oracle           *db.CachedOracle
	retentionEnabled bool
}

type updateMarkerRequest struct {
	UserID  string `json:"user_id"`
	EventID string `json:"event_id"`
}

type ingestEventRequest struct {
	RoomID  string `json:"room_id"`
	EventID string `json:"event_id"`
	Depth   int64  `json:"depth"`
}

type markerResponse struct {
	UserID  string `json:"user_id"`
	EventID string `json:"event_id"`
	Depth   *int64 `json:"depth,omitempty"`
	Stream  *int64 `json:"stream,omitempty"`
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]string{"status": "ok"})
}

func (h *Handlers) handleUpdateMarker(w http.ResponseWriter, r *http.Request) {
	room, ok := roomParam(w, r)
	if !ok {
		return
	}

	var req updateMarkerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !validIdentifier(req.UserID) || !validIdentifier(req.EventID) {
		writeErrorResponse(w, http.StatusBadRequest, "user_id and event_id are required and must not contain NUL")
		return
	}

	var err error
	if h.retentionEnabled {
		err = h.coordinator.UpdateMarkerAndMaybeRetain(r.Context(), room, req.UserID, req.EventID)
	} else {
		err = h.coordinator.UpdateMarker(r.Context(), room, req.UserID, req.EventID)
	}
	if err != nil {
		status := statusForError(err)
		if status >= http.StatusInternalServerError {
			log.Error().Err(err).Str("room", room).Str("user", req.UserID).Msg("Marker update failed")
		}
		writeErrorResponse(w, status, err.Error())
		return
	}

	writeJSONResponse(w, map[string]string{"status": "ok"})
}

func (h *Handlers) handleRoomMarkers(w http.ResponseWriter, r *http.Request) {
	room, ok := roomParam(w, r)
	if !ok {
		return
	}

	markers, err := h.markers.GetAllForRoom(r.Context(), room)
	if err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	out := make([]markerResponse, 0, len(markers))
	keys := h.resolveKeys(r, markers)
	for user, event := range markers {
		resp := markerResponse{UserID: user, EventID: event}
		if key, ok := keys[event]; ok {
			depth, stream := key.Depth, key.Stream
			resp.Depth, resp.Stream = &depth, &stream
		}
		out = append(out, resp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })

	writeJSONResponse(w, map[string]any{"room_id": room, "markers": out})
}

func (h *Handlers) handleUserMarker(w http.ResponseWriter, r *http.Request) {
	room, ok := roomParam(w, r)
	if !ok {
		return
	}
	user := chi.URLParam(r, "userID")
	if !validIdentifier(user) {
		writeErrorResponse(w, http.StatusBadRequest, "user ID is required and must not contain NUL")
		return
	}

	event, found, err := h.markers.Get(r.Context(), room, user)
	if err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !found {
		writeErrorResponse(w, http.StatusNotFound, "no read marker for user in room")
		return
	}

	resp := markerResponse{UserID: user, EventID: event}
	if key, ok := h.resolveKeys(r, map[string]string{user: event})[event]; ok {
		depth, stream := key.Depth, key.Stream
		resp.Depth, resp.Stream = &depth, &stream
	}

	writeJSONResponse(w, resp)
}

func (h *Handlers) handleListRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := h.markers.Rooms(r.Context())
	if err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSONResponse(w, map[string]any{"rooms": rooms})
}

func (h *Handlers) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req ingestEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !validIdentifier(req.RoomID) || !validIdentifier(req.EventID) {
		writeErrorResponse(w, http.StatusBadRequest, "room_id and event_id are required and must not contain NUL")
		return
	}
	if req.Depth < 0 {
		writeErrorResponse(w, http.StatusBadRequest, "depth must be >= 0")
		return
	}

	key, err := h.index.InsertEvent(r.Context(), req.RoomID, req.EventID, req.Depth)
	if err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if h.oracle != nil {
		h.oracle.NoteEvent(req.EventID, key)
	}

	writeJSONResponse(w, map[string]any{
		"event_id": req.EventID,
		"depth":    key.Depth,
		"stream":   key.Stream,
	})
}

func (h *Handlers) handleWatermark(w http.ResponseWriter, r *http.Request) {
	room, ok := roomParam(w, r)
	if !ok {
		return
	}

	mark, found, err := h.index.PurgeWatermark(r.Context(), room)
	if err != nil {
		writeErrorResponse(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if !found {
		writeErrorResponse(w, http.StatusNotFound, "no retention watermark for room")
		return
	}

	writeJSONResponse(w, map[string]any{
		"room_id": room,
		"depth":   mark.Depth,
		"stream":  mark.Stream,
	})
}

// resolveKeys enriches marker responses with order positions, best effort.
// A poisoned or unavailable index just leaves the positions off.
func (h *Handlers) resolveKeys(r *http.Request, markers map[string]string) map[string]order.Key {
	if len(markers) == 0 {
		return nil
	}

	events := make([]string, 0, len(markers))
	seen := make(map[string]struct{}, len(markers))
	for _, event := range markers {
		if _, dup := seen[event]; dup {
			continue
		}
		seen[event] = struct{}{}
		events = append(events, event)
	}

	var keys map[string]order.Key
	var err error
	if h.oracle != nil {
		keys, err = h.oracle.OrderKeysFor(r.Context(), events)
	} else {
		keys, err = h.index.OrderKeysFor(r.Context(), events)
	}
	if err != nil {
		return nil
	}
	return keys
}

func roomParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	room := chi.URLParam(r, "roomID")
	if !validIdentifier(room) {
		writeErrorResponse(w, http.StatusBadRequest, "room ID is required and must not contain NUL")
		return "", false
	}
	return room, true
}

func validIdentifier(id string) bool {
	return id != "" && !strings.ContainsRune(id, '\x00')
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrUnknownEvent):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]any{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
