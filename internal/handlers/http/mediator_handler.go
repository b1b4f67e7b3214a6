package http

import (
	"net/http"

	"roomrelay/internal/core/domain"
	"roomrelay/internal/core/ports"
	"roomrelay/pkg/errors"
	"roomrelay/pkg/validation"

	"github.com/gin-gonic/gin"
)

// MediatorHandler is the admin API of a mediator process.
type MediatorHandler struct {
	mediator ports.MediatorService
}

func NewMediatorHandler(mediator ports.MediatorService) *MediatorHandler {
	return &MediatorHandler{mediator: mediator}
}

// SetupRoutes mounts read endpoints behind read and forwarding triggers
// behind write.
func (h *MediatorHandler) SetupRoutes(router gin.IRouter, read, write gin.HandlerFunc) {
	api := router.Group("/api/v1")
	{
		api.GET("/stats", read, h.GetStats)
		api.GET("/bindings", read, h.ListBindings)

		api.POST("/rooms/forward", write, h.ForwardAll)
		api.POST("/rooms/:id/forward", write, h.ForwardRoom)
	}
}

func (h *MediatorHandler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats": h.mediator.Stats(),
	})
}

func (h *MediatorHandler) ListBindings(c *gin.Context) {
	bindings := h.mediator.Bindings()

	if room := c.Query("room_id"); room != "" {
		filtered := bindings[:0:0]
		for _, b := range bindings {
			if string(b.RoomID) == room {
				filtered = append(filtered, b)
			}
		}
		bindings = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"bindings": bindings,
		"count":    len(bindings),
	})
}

// ForwardRoom queues one forwarding attempt per subscriber of the room.
func (h *MediatorHandler) ForwardRoom(c *gin.Context) {
	roomID := c.Param("id")
	if err := validation.ValidateRoomID(roomID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()).WithContext("room_id", roomID))
		return
	}

	if err := h.mediator.ForwardRoom(c.Request.Context(), domain.RoomID(roomID)); err != nil {
		c.Error(errors.FromDomain(err).WithContext("room_id", roomID))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"room_id": roomID,
		"status":  "queued",
	})
}

func (h *MediatorHandler) ForwardAll(c *gin.Context) {
	rooms, err := h.mediator.ForwardAll(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	if rooms == nil {
		rooms = []domain.RoomID{}
	}

	c.JSON(http.StatusAccepted, gin.H{
		"rooms":  rooms,
		"status": "queued",
	})
}
