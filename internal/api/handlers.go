package api

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"peerprep/collab/internal/codec"
	"peerprep/collab/internal/models"
	"peerprep/collab/internal/relay"
)

const (
	maxFrameSize = 8 << 20
	readWait     = 90 * time.Second
	leaveTimeout = 5 * time.Second
)

type Handlers struct {
	logger   *zap.Logger
	hub      *relay.Hub
	upgrader websocket.Upgrader
}

// NewHandlers serves hub. allowedOrigins limits WebSocket upgrades; "*"
// allows any origin.
func NewHandlers(hub *relay.Hub, logger *zap.Logger, allowedOrigins []string) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		logger: logger,
		hub:    hub,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
		}},
	}
}

func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

type roomsResponse struct {
	Stats models.HubStats      `json:"stats"`
	Rooms []models.RoomSummary `json:"rooms"`
}

func (h *Handlers) ListRooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, roomsResponse{Stats: h.hub.Stats(), Rooms: h.hub.Summaries()})
}

type roomResponse struct {
	models.RoomSummary
	Keys []string `json:"keys"`
}

func (h *Handlers) GetRoom(w http.ResponseWriter, r *http.Request) {
	room, ok := h.hub.Get(chi.URLParam(r, "room"))
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	keys, err := room.Keys()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, roomResponse{RoomSummary: room.Summary(), Keys: keys})
}

// GetSnapshot returns the room's encoded document.
func (h *Handlers) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	data, ok := h.hub.GetDoc(chi.URLParam(r, "room"))
	if !ok {
		http.Error(w, "room not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = w.Write(data)
}

/*** Relay WebSocket: one connection per client per room ***/

func (h *Handlers) RoomWS(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")
	clientID := r.URL.Query().Get("client")
	if clientID == "" || clientID == relay.ID {
		http.Error(w, "missing or reserved client id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.String("room", roomID), zap.Error(err))
		return
	}
	defer conn.Close()
	log := h.logger.With(zap.String("room", roomID), zap.String("client", clientID))

	client := relay.NewClient(clientID, conn)
	room, err := h.hub.Join(r.Context(), roomID, client)
	if err != nil {
		log.Error("joining room", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "room unavailable"), time.Now().Add(time.Second))
		return
	}
	log.Info("client joined")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		h.hub.Leave(ctx, room, client)
		log.Info("client left")
	}()

	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		if mt != websocket.BinaryMessage {
			continue
		}
		var frame models.Frame
		if err := codec.Unmarshal(data, &frame); err != nil {
			log.Debug("dropping malformed frame", zap.Error(err))
			continue
		}
		room.Handle(client, frame)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
