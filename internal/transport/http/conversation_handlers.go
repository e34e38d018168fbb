package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/vovakirdan/itemchat-server/internal/core"
	"github.com/vovakirdan/itemchat-server/internal/service/directory"
	"github.com/vovakirdan/itemchat-server/internal/service/messages"
	"github.com/vovakirdan/itemchat-server/internal/service/projector"
	"github.com/vovakirdan/itemchat-server/internal/store"
)

// ConversationHandlers exposes the directory, message log and conversation list.
type ConversationHandlers struct {
	directory *directory.Service
	messages  *messages.Service
	projector *projector.Service
	log       *zerolog.Logger
}

// NewConversationHandlers creates conversation handlers.
func NewConversationHandlers(dir *directory.Service, msgs *messages.Service, proj *projector.Service, logger *zerolog.Logger) *ConversationHandlers {
	return &ConversationHandlers{
		directory: dir,
		messages:  msgs,
		projector: proj,
		log:       logger,
	}
}

// ResolveRequest asks for the conversation with counterpart about an item.
type ResolveRequest struct {
	ItemID        int64 `json:"item_id" binding:"required,gt=0"`
	CounterpartID int64 `json:"counterpart_id" binding:"required,gt=0"`
}

// PostMessageRequest represents the send message request body.
type PostMessageRequest struct {
	Content string `json:"content"`
}

// ResolveOrCreate returns the conversation for (item, caller, counterpart), creating it once.
// POST /api/conversations
func (h *ConversationHandlers) ResolveOrCreate(c *gin.Context) {
	uid, ok := currentUserID(c, h.log)
	if !ok {
		return
	}

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid resolve request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: core.ErrCodeBadRequest})
		return
	}

	res, err := h.directory.ResolveOrCreate(c.Request.Context(), req.ItemID, uid, req.CounterpartID)
	if err != nil {
		writeError(c, h.log, err, "resolve conversation failed")
		return
	}

	resp := toConversationResponse(res.Conversation)
	resp.Outcome = res.Outcome.String()
	status := lo.Ternary(res.Outcome == directory.Created, http.StatusCreated, http.StatusOK)
	c.JSON(status, resp)
}

// List returns the caller's conversations, most recently active first.
// GET /api/conversations
func (h *ConversationHandlers) List(c *gin.Context) {
	uid, ok := currentUserID(c, h.log)
	if !ok {
		return
	}

	summaries, err := h.projector.ListForUser(c.Request.Context(), uid)
	if err != nil {
		writeError(c, h.log, err, "list conversations failed")
		return
	}
	c.JSON(http.StatusOK, summaries)
}

// ListMessages returns messages after a sequence cursor.
// GET /api/conversations/:id/messages?after=&limit=
func (h *ConversationHandlers) ListMessages(c *gin.Context) {
	uid, ok := currentUserID(c, h.log)
	if !ok {
		return
	}
	convID, ok := conversationID(c)
	if !ok {
		return
	}

	after, err := strconv.ParseInt(c.DefaultQuery("after", "0"), 10, 64)
	if err != nil || after < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid after cursor", Code: core.ErrCodeBadRequest})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit", Code: core.ErrCodeBadRequest})
		return
	}

	msgs, err := h.messages.ListSince(c.Request.Context(), convID, uid, after, limit)
	if err != nil {
		writeError(c, h.log, err, "list messages failed")
		return
	}
	c.JSON(http.StatusOK, lo.Map(msgs, func(m store.Message, _ int) MessageResponse { return toMessageResponse(m) }))
}

// PostMessage appends a message to the conversation.
// POST /api/conversations/:id/messages
func (h *ConversationHandlers) PostMessage(c *gin.Context) {
	uid, ok := currentUserID(c, h.log)
	if !ok {
		return
	}
	convID, ok := conversationID(c)
	if !ok {
		return
	}

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Debug().Err(err).Msg("invalid post message request")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: core.ErrCodeBadRequest})
		return
	}

	msg, err := h.messages.Append(c.Request.Context(), convID, uid, req.Content)
	if err != nil {
		writeError(c, h.log, err, "append message failed")
		return
	}
	c.JSON(http.StatusCreated, toMessageResponse(*msg))
}

func conversationID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid conversation id", Code: core.ErrCodeBadRequest})
		return 0, false
	}
	return id, true
}
