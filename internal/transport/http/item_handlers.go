package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/itemchat-server/internal/core"
	"github.com/vovakirdan/itemchat-server/internal/store"
)

// ItemHandlers exposes the minimal item catalog conversations refer to.
type ItemHandlers struct {
	store store.ItemStore
	log   *zerolog.Logger
}

// NewItemHandlers creates item handlers.
func NewItemHandlers(st store.ItemStore, logger *zerolog.Logger) *ItemHandlers {
	return &ItemHandlers{store: st, log: logger}
}

// CreateItemRequest represents the create item request body.
type CreateItemRequest struct {
	Title    string `json:"title" binding:"required,min=1,max=128"`
	Category string `json:"category" binding:"max=64"`
	Status   string `json:"status" binding:"omitempty,oneof=lost found returned"`
}

// ItemResponse represents an item in API responses.
type ItemResponse struct {
	ID        int64  `json:"id"`
	OwnerID   int64  `json:"owner_id"`
	Title     string `json:"title"`
	Category  string `json:"category,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

func toItemResponse(item *store.Item) ItemResponse {
	return ItemResponse{
		ID:        item.ID,
		OwnerID:   item.OwnerID,
		Title:     item.Title,
		Category:  item.Category,
		Status:    string(item.Status),
		CreatedAt: item.CreatedAt.Format(time.RFC3339Nano),
	}
}

// CreateItem lists a new item owned by the caller.
// POST /api/items
func (h *ItemHandlers) CreateItem(c *gin.Context) {
	uid, ok := currentUserID(c, h.log)
	if !ok {
		return
	}

	var req CreateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid create item request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: core.ErrCodeBadRequest})
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "title is required", Code: core.ErrCodeValidation})
		return
	}

	item := &store.Item{
		OwnerID:  uid,
		Title:    title,
		Category: strings.TrimSpace(req.Category),
		Status:   store.ItemStatus(req.Status),
	}
	if err := h.store.CreateItem(c.Request.Context(), item); err != nil {
		h.log.Error().Err(err).Int64("owner_id", uid).Msg("failed to create item")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Code: core.ErrCodeInternal})
		return
	}

	h.log.Info().Int64("item_id", item.ID).Int64("owner_id", uid).Msg("item created")
	c.JSON(http.StatusCreated, toItemResponse(item))
}

// GetItem returns a single item.
// GET /api/items/:id
func (h *ItemHandlers) GetItem(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid item id", Code: core.ErrCodeBadRequest})
		return
	}

	item, err := h.store.GetItemByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "item not found", Code: core.ErrCodeNotFound})
			return
		}
		h.log.Error().Err(err).Int64("item_id", id).Msg("failed to get item")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error", Code: core.ErrCodeInternal})
		return
	}

	c.JSON(http.StatusOK, toItemResponse(item))
}
