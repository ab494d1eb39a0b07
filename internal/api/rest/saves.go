package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/iggydv12/meshtable/internal/storage"
)

type saveRequest struct {
	RootID string `json:"rootId"`
}

func (s *Server) listSaves(c *gin.Context) {
	list, err := s.deps.Saves.List()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// save stores the whole room, or the subtree of rootId when given.
func (s *Server) save(c *gin.Context) {
	var req saveRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	name := c.Param("name")

	var err error
	var info storage.SaveInfo
	if req.RootID != "" {
		info, err = s.deps.Saves.SaveObject(name, req.RootID)
	} else {
		info, err = s.deps.Saves.SaveRoom(name)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func (s *Server) restoreSave(c *gin.Context) {
	objs, err := s.deps.Saves.Restore(c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]objectDTO, 0, len(objs))
	for _, o := range objs {
		out = append(out, toDTO(o))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) deleteSave(c *gin.Context) {
	if err := s.deps.Saves.Delete(c.Param("name")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listTrash(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Trash.List())
}

func (s *Server) restoreTrash(c *gin.Context) {
	root, err := s.deps.Trash.Restore(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toDTO(root))
}
