package api

import (
	"net/http"

	"diagramsync/internal/models"
)

type roomLister interface {
	Rooms() []models.Room
}

type AdminHandler struct {
	hub roomLister
}

func NewAdminHandler(hub roomLister) *AdminHandler {
	return &AdminHandler{hub: hub}
}

type RoomInfo struct {
	models.Room
	ParticipantCount int `json:"participantCount"`
}

// RoomsHandler lists active relay rooms.
func (h *AdminHandler) RoomsHandler(w http.ResponseWriter, r *http.Request) {
	rooms := h.hub.Rooms()
	resp := make([]RoomInfo, len(rooms))
	for i, room := range rooms {
		resp[i] = RoomInfo{Room: room, ParticipantCount: len(room.Participants)}
	}
	writeJSON(w, http.StatusOK, resp)
}
