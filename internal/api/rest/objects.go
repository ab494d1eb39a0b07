package rest

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/iggydv12/meshtable/internal/identity"
	"github.com/iggydv12/meshtable/internal/object"
	"github.com/iggydv12/meshtable/internal/store"
)

// valueDTO is the JSON form of an attribute value.
type valueDTO struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// objectDTO is the JSON form of an object.
type objectDTO struct {
	Identifier string              `json:"identifier"`
	Type       string              `json:"type" binding:"required"`
	Parent     string              `json:"parent,omitempty"`
	Owner      string              `json:"owner,omitempty"`
	Version    uint64              `json:"version"`
	Writer     string              `json:"writer,omitempty"`
	Attributes map[string]valueDTO `json:"attributes"`
	References []string            `json:"references,omitempty"`
}

// updateDTO is the body of PUT /objects/:id.
type updateDTO struct {
	Attributes map[string]valueDTO `json:"attributes"`
	Unset      []string            `json:"unset"`
	Parent     *string             `json:"parent"`
}

func toDTO(o *object.Object) objectDTO {
	dto := objectDTO{
		Identifier: o.Identifier,
		Type:       o.Type,
		Parent:     o.Parent,
		Owner:      o.Owner,
		Version:    o.Version,
		Writer:     o.Writer,
		Attributes: make(map[string]valueDTO, len(o.Attributes)),
		References: o.References(),
	}
	for k, v := range o.Attributes {
		dto.Attributes[k] = valueDTO{Kind: v.Kind.String(), Value: v.Raw}
	}
	return dto
}

func parseValues(in map[string]valueDTO) (map[string]object.Value, error) {
	out := make(map[string]object.Value, len(in))
	for k, dto := range in {
		kind, err := object.ParseKind(dto.Kind)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", k, err)
		}
		v := object.Value{Kind: kind, Raw: dto.Value}
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("attribute %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func (s *Server) listObjects(c *gin.Context) {
	out := []objectDTO{}
	for o := range s.deps.Store.GetAll(c.Query("type")) {
		out = append(out, toDTO(o))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) createObject(c *gin.Context) {
	var dto objectDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	attrs, err := parseValues(dto.Attributes)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := dto.Identifier
	if id == "" {
		id = identity.GenerateID(dto.Type + "-")
	}
	o := object.New(id, dto.Type)
	o.Parent = dto.Parent
	o.Attributes = attrs
	if err := s.deps.Store.Add(o); err != nil {
		s.fail(c, err)
		return
	}
	created, err := s.deps.Store.Resolve(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toDTO(created))
}

func (s *Server) getObject(c *gin.Context) {
	o, err := s.deps.Store.Resolve(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toDTO(o))
}

func (s *Server) getChildren(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.deps.Store.Resolve(id); err != nil {
		s.fail(c, err)
		return
	}
	out := []objectDTO{}
	for _, o := range s.deps.Store.Children(id) {
		out = append(out, toDTO(o))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getSnapshot(c *gin.Context) {
	text, err := s.deps.Store.Snapshot(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/xml; charset=utf-8", []byte(text))
}

func (s *Server) updateObject(c *gin.Context) {
	id := c.Param("id")
	var dto updateDTO
	if err := c.ShouldBindJSON(&dto); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	attrs, err := parseValues(dto.Attributes)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	st := s.deps.Store
	err = st.Edit(id, store.Change{Set: attrs, Unset: dto.Unset, Parent: dto.Parent})
	if err != nil {
		s.fail(c, err)
		return
	}
	o, err := st.Resolve(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toDTO(o))
}

func (s *Server) deleteObject(c *gin.Context) {
	id := c.Param("id")
	if !s.deps.Store.Remove(id) {
		_, err := s.deps.Store.Resolve(id)
		switch {
		case errors.Is(err, store.ErrDestroyed):
			// already gone
		case err != nil:
			s.fail(c, err)
			return
		default:
			s.fail(c, fmt.Errorf("object %s was not removed", id))
			return
		}
	}
	c.Status(http.StatusNoContent)
}
