// Package rest provides the Gin-based control API of a node.
package rest

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/iggydv12/meshtable/internal/identity"
	"github.com/iggydv12/meshtable/internal/ledger"
	"github.com/iggydv12/meshtable/internal/session"
	"github.com/iggydv12/meshtable/internal/snapshot"
	"github.com/iggydv12/meshtable/internal/storage"
	"github.com/iggydv12/meshtable/internal/store"
	"github.com/iggydv12/meshtable/internal/transport"
)

// RoomController opens and closes rooms on behalf of the API.
type RoomController interface {
	OpenRoom(ctx context.Context, name, password, roomID string) (identity.PeerContext, error)
	CloseRoom() error
}

// Deps are the components the API exposes.
type Deps struct {
	Store   *store.Store
	Session *session.Session
	Ledger  *ledger.Ledger
	Saves   *storage.Saves
	Trash   *storage.Trash
	Rooms   RoomController
}

// Server is the REST API server.
type Server struct {
	engine *gin.Engine
	deps   Deps
	logger *zap.Logger
}

// New creates a REST Server.
func New(deps Deps, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine: engine,
		deps:   deps,
		logger: logger,
	}
	s.registerRoutes()
	return s
}

// Handler exposes the router, for http.Server and tests.
func (s *Server) Handler() http.Handler { return s.engine }

// registerRoutes sets up the /meshtable context path.
func (s *Server) registerRoutes() {
	api := s.engine.Group("/meshtable")

	// Swagger UI
	api.GET("/swagger-ui/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	roomGroup := api.Group("/room")
	{
		roomGroup.GET("", s.getRoom)
		roomGroup.POST("/open", s.openRoom)
		roomGroup.POST("/close", s.closeRoom)
	}

	objectGroup := api.Group("/objects")
	{
		objectGroup.GET("", s.listObjects)
		objectGroup.POST("", s.createObject)
		objectGroup.GET("/:id", s.getObject)
		objectGroup.GET("/:id/children", s.getChildren)
		objectGroup.GET("/:id/snapshot", s.getSnapshot)
		objectGroup.PUT("/:id", s.updateObject)
		objectGroup.DELETE("/:id", s.deleteObject)
	}

	saveGroup := api.Group("/saves")
	{
		saveGroup.GET("", s.listSaves)
		saveGroup.POST("/:name", s.save)
		saveGroup.POST("/:name/restore", s.restoreSave)
		saveGroup.DELETE("/:name", s.deleteSave)
	}

	trashGroup := api.Group("/trash")
	{
		trashGroup.GET("", s.listTrash)
		trashGroup.POST("/:id/restore", s.restoreTrash)
	}

	api.GET("/identity/derive", s.derive)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrDestroyed):
		return http.StatusGone
	case errors.Is(err, store.ErrNotFound), errors.Is(err, storage.ErrNoSave):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateIdentifier):
		return http.StatusConflict
	case errors.Is(err, snapshot.ErrMalformedSnapshot),
		errors.Is(err, store.ErrInvalidObject),
		errors.Is(err, identity.ErrIdentifierTooLong),
		errors.Is(err, storage.ErrInvalidSaveName):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotOpen):
		return http.StatusConflict
	case errors.Is(err, transport.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
