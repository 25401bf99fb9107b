// Package handler exposes the conversation engine over gin REST routes.
package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/parleyhq/parley/pkg/config"
	"github.com/parleyhq/parley/pkg/service"
)

// OwnerIDHeader carries the opaque owner id supplied by the external
// authentication collaborator. The core never validates it.
const OwnerIDHeader = "X-Owner-ID"

// ConversationHandler serves the conversation registry, the message log and
// the synchronization engine.
type ConversationHandler struct {
	registry *service.ConversationService
	log      *service.MessageLogService
	engine   *service.SyncEngine
	purge    *service.PurgeService
	logger   *slog.Logger
}

// NewConversationHandler wires the handler to its services.
func NewConversationHandler(registry *service.ConversationService, log *service.MessageLogService, engine *service.SyncEngine, purge *service.PurgeService, logger *slog.Logger) *ConversationHandler {
	return &ConversationHandler{
		registry: registry,
		log:      log,
		engine:   engine,
		purge:    purge,
		logger:   logger,
	}
}

// RequireOwner extracts the opaque owner id, rejecting requests without one.
func RequireOwner(c *gin.Context) (string, bool) {
	ownerID := c.GetHeader(OwnerIDHeader)
	if ownerID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing " + OwnerIDHeader + " header"})
		return "", false
	}
	return ownerID, true
}

// Create starts a new, empty conversation for the caller.
func (h *ConversationHandler) Create(c *gin.Context) {
	ownerID, ok := RequireOwner(c)
	if !ok {
		return
	}

	conv, err := h.registry.Create(c.Request.Context(), ownerID)
	if err != nil {
		h.logger.Error("Failed to create conversation", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create conversation"})
		return
	}

	c.JSON(http.StatusOK, conv)
}

// List returns the caller's conversations, most recently updated first, with
// the derived view applied: optional `search` (case-insensitive title
// substring), optional `category` (or "all"), pinned conversations first.
func (h *ConversationHandler) List(c *gin.Context) {
	ownerID, ok := RequireOwner(c)
	if !ok {
		return
	}

	conversations, err := h.registry.List(c.Request.Context(), ownerID)
	if err != nil {
		h.logger.Error("Failed to list conversations", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list conversations"})
		return
	}

	filtered := service.FilterConversations(conversations, c.Query("search"), c.Query("category"))
	c.JSON(http.StatusOK, filtered)
}

// Get returns a single conversation record.
func (h *ConversationHandler) Get(c *gin.Context) {
	conv, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
			return
		}
		h.logger.Error("Failed to get conversation", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get conversation"})
		return
	}
	c.JSON(http.StatusOK, conv)
}

// Messages returns the full ordered log of a conversation.
func (h *ConversationHandler) Messages(c *gin.Context) {
	turns, err := h.log.Turns(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Error("Failed to get messages", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get messages"})
		return
	}
	c.JSON(http.StatusOK, turns)
}

// Send submits one user turn (text, inline image, or both) through the
// synchronization engine.
func (h *ConversationHandler) Send(c *gin.Context) {
	var req struct {
		Text      string `json:"text"`
		ImageData string `json:"image_data"`
		ImageMime string `json:"image_mime"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	err := h.engine.SendMessage(c.Request.Context(), c.Param("id"), service.SendInput{
		Text:      req.Text,
		ImageData: req.ImageData,
		ImageMime: req.ImageMime,
	})
	h.respondEngine(c, err)
}

// Regenerate re-submits the most recent user turn; the new answer is
// appended after the old one.
func (h *ConversationHandler) Regenerate(c *gin.Context) {
	err := h.engine.Regenerate(c.Request.Context(), c.Param("id"))
	if errors.Is(err, service.ErrNoUserTurn) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Nothing to regenerate"})
		return
	}
	h.respondEngine(c, err)
}

func (h *ConversationHandler) respondEngine(c *gin.Context, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "Submitted"})
	case errors.Is(err, service.ErrEmptySubmission):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrSubmissionInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, config.ErrMissingAPIKey):
		// Configuration errors surface verbatim.
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Submission failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Submission failed"})
	}
}

// SetPinned toggles the pinned flag on a conversation.
func (h *ConversationHandler) SetPinned(c *gin.Context) {
	var req struct {
		Pinned *bool `json:"pinned" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	if err := h.registry.SetPinned(c.Request.Context(), c.Param("id"), *req.Pinned); err != nil {
		if errors.Is(err, service.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
			return
		}
		h.logger.Error("Failed to set pinned", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Updated"})
}

// SetCategory selects a conversation's category.
func (h *ConversationHandler) SetCategory(c *gin.Context) {
	var req struct {
		Category string `json:"category" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	if err := h.registry.SetCategory(c.Request.Context(), c.Param("id"), req.Category); err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidCategory):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, service.ErrConversationNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
		default:
			h.logger.Error("Failed to set category", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update conversation"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Updated"})
}

// Delete removes a conversation: its log is drained in pages first, then the
// record goes.
func (h *ConversationHandler) Delete(c *gin.Context) {
	turns, err := h.purge.DeleteConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrConversationNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Conversation not found"})
			return
		}
		h.logger.Error("Failed to delete conversation", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"turns_deleted": turns})
}

// ClearAll deletes every conversation the caller owns. The UI contract
// requires two explicit confirmations in the request body before anything is
// touched.
func (h *ConversationHandler) ClearAll(c *gin.Context) {
	ownerID, ok := RequireOwner(c)
	if !ok {
		return
	}

	var req struct {
		Confirm      bool `json:"confirm"`
		ConfirmAgain bool `json:"confirm_again"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || !req.Confirm || !req.ConfirmAgain {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Clearing all chats requires confirm and confirm_again"})
		return
	}

	result, err := h.purge.ClearAll(c.Request.Context(), ownerID)
	if err != nil {
		h.logger.Error("Failed to clear chats", "owner_id", ownerID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to clear chats", "partial": result})
		return
	}
	c.JSON(http.StatusOK, result)
}
