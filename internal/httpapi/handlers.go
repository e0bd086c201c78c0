package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DoyleJ11/whiteboard-backend/internal/engine"
	"github.com/DoyleJ11/whiteboard-backend/internal/hub"
)

const maxCodeAttempts = 10

func GenerateCode() (string, error) {
	const charset = engine.RoomIDCharset

	code := make([]byte, engine.RoomIDLength)
	for i := range code {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

// CreateRoomCode hands out an unused room id. The room itself is created by
// the first create-room over the websocket.
func CreateRoomCode(h *hub.Hub, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < maxCodeAttempts; i++ {
			c, err := GenerateCode()
			if err != nil {
				http.Error(w, "failed to generate code", http.StatusInternalServerError)
				return
			}
			taken, err := h.Exists(r.Context(), c)
			if err != nil {
				http.Error(w, "failed to check code", http.StatusInternalServerError)
				return
			}
			if taken {
				log.Debug("room.code_collision", zap.String("code", c))
				continue
			}
			writeJSON(w, http.StatusCreated, struct {
				RoomID string `json:"roomId"`
			}{RoomID: c})
			return
		}
		http.Error(w, "failed to generate code", http.StatusServiceUnavailable)
	}
}

func GetRoom(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := engine.NormalizeRoomID(chi.URLParam(r, "roomId"))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid room ID format"})
			return
		}
		info, err := h.Lookup(r.Context(), id)
		if errors.Is(err, engine.ErrRoomNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "Room not found"})
			return
		}
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "Internal server error"})
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

func Health(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := h.Status(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "unavailable"})
			return
		}
		database := "in-memory"
		if h.Durable() {
			database = "connected"
		}
		writeJSON(w, http.StatusOK, struct {
			Status     string    `json:"status"`
			Rooms      int       `json:"rooms"`
			TotalUsers int       `json:"totalUsers"`
			Timestamp  time.Time `json:"timestamp"`
			Database   string    `json:"database"`
		}{"ok", st.Rooms, st.Users, time.Now().UTC(), database})
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
