package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/iggydv12/meshtable/internal/identity"
)

type openRoomRequest struct {
	Name     string `json:"name" binding:"required"`
	Password string `json:"password"`
	RoomID   string `json:"roomId"`
}

type roomResponse struct {
	State   string               `json:"state"`
	Context identity.PeerContext `json:"context"`
	Peers   []string             `json:"peers"`
	Owners  map[string][]string  `json:"owners"`
	Objects int                  `json:"objects"`
}

func (s *Server) getRoom(c *gin.Context) {
	c.JSON(http.StatusOK, roomResponse{
		State:   s.deps.Session.State().String(),
		Context: s.deps.Session.Context(),
		Peers:   s.deps.Session.Peers(),
		Owners:  s.deps.Ledger.Snapshot(),
		Objects: s.deps.Store.Len(),
	})
}

func (s *Server) openRoom(c *gin.Context) {
	var req openRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	pc, err := s.deps.Rooms.OpenRoom(c.Request.Context(), req.Name, req.Password, req.RoomID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.deps.Session.State().String(), "context": pc})
}

func (s *Server) closeRoom(c *gin.Context) {
	if err := s.deps.Rooms.CloseRoom(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.deps.Session.State().String()})
}

func (s *Server) derive(c *gin.Context) {
	room := c.Query("room")
	if room == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "room is required"})
		return
	}
	roomID := c.DefaultQuery("roomID", identity.DefaultRoomID)
	rendezvous := identity.Derive(roomID, room, c.Query("password"))
	resp := gin.H{"rendezvous": rendezvous, "valid": true}
	if err := identity.Validate(rendezvous); err != nil {
		resp["valid"] = false
		resp["error"] = err.Error()
	}
	if info, err := identity.ParseRendezvous(rendezvous); err == nil {
		resp["roomId"] = info.RoomID
		resp["roomName"] = info.RoomName
		resp["isPrivate"] = info.IsPrivate
	}
	c.JSON(http.StatusOK, resp)
}
