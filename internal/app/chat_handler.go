package app

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"carechat/internal/middleware"
	"carechat/internal/model"
	"carechat/internal/service"
	"carechat/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// ChatHandler serves the request API. It never pushes to live channel
// rooms; live delivery only follows sends made over the socket.
type ChatHandler struct {
	chatService service.ChatService
}

func NewChatHandler(chatService service.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

type CreateChatRequest struct {
	ParticipantID string `json:"participant_id" binding:"required"`
}

type SendMessageRequest struct {
	Content     string            `json:"content" binding:"max=10000"`
	MessageType model.MessageType `json:"message_type"`
	FileURL     *string           `json:"file_url" binding:"omitempty,max=2048"`
}

type EditMessageRequest struct {
	Content string `json:"content" binding:"required,max=10000"`
}

// CreateChat returns the chat between the caller and participant_id,
// creating it on first contact.
// POST /api/v1/chat/create
func (h *ChatHandler) CreateChat(c *gin.Context) {
	var req CreateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	chat, created, err := h.chatService.CreateOrGetChat(c.Request.Context(), middleware.UserID(c), req.ParticipantID)
	if err != nil {
		respondError(c, err)
		return
	}

	if created {
		util.SuccessResponse(c, http.StatusCreated, "New chat created", chat)
		return
	}
	util.SuccessResponse(c, http.StatusOK, "Existing chat retrieved", chat)
}

// ListChats returns the caller's chats, most recently active first.
// GET /api/v1/chat
func (h *ChatHandler) ListChats(c *gin.Context) {
	chats, err := h.chatService.ListChats(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	util.SuccessResponse(c, http.StatusOK, "Chats retrieved successfully", chats)
}

// GET /api/v1/chat/:chatId
func (h *ChatHandler) GetChat(c *gin.Context) {
	chat, err := h.chatService.GetChat(c.Request.Context(), c.Param("chatId"), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	util.SuccessResponse(c, http.StatusOK, "Chat retrieved successfully", chat)
}

// ListMessages returns one page of history in chronological order.
// GET /api/v1/chat/:chatId/messages?page=1&limit=50
func (h *ChatHandler) ListMessages(c *gin.Context) {
	page, err := queryInt(c, "page", 1)
	if err != nil {
		util.BadRequest(c, "page must be a number")
		return
	}

	limitParam := "limit"
	if c.Query(limitParam) == "" && c.Query("pageSize") != "" {
		limitParam = "pageSize"
	}
	limit, err := queryInt(c, limitParam, service.DefaultPageSize)
	if err != nil {
		util.BadRequest(c, "limit must be a number")
		return
	}

	messages, err := h.chatService.ListMessages(c.Request.Context(), c.Param("chatId"), middleware.UserID(c), page, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	util.SuccessResponse(c, http.StatusOK, "Messages retrieved successfully", gin.H{
		"messages": messages,
		"page":     page,
		"limit":    limit,
	})
}

// SendMessage stores a message. Live room members are not notified.
// POST /api/v1/chat/:chatId/messages
func (h *ChatHandler) SendMessage(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	msg, err := h.chatService.SendMessage(c.Request.Context(), service.SendMessageInput{
		ChatID:      c.Param("chatId"),
		SenderID:    middleware.UserID(c),
		Content:     req.Content,
		MessageType: req.MessageType,
		FileURL:     req.FileURL,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	util.SuccessResponse(c, http.StatusCreated, "Message sent", msg)
}

// POST /api/v1/chat/:chatId/read
func (h *ChatHandler) MarkRead(c *gin.Context) {
	state, err := h.chatService.MarkRead(c.Request.Context(), c.Param("chatId"), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	util.SuccessResponse(c, http.StatusOK, "Messages marked as read", state)
}

// PUT /api/v1/chat/messages/:messageId
func (h *ChatHandler) EditMessage(c *gin.Context) {
	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	msg, err := h.chatService.EditMessage(c.Request.Context(), c.Param("messageId"), middleware.UserID(c), req.Content)
	if err != nil {
		respondError(c, err)
		return
	}

	util.SuccessResponse(c, http.StatusOK, "Message updated", msg)
}

// DELETE /api/v1/chat/messages/:messageId
func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	msg, err := h.chatService.DeleteMessage(c.Request.Context(), c.Param("messageId"), middleware.UserID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	util.SuccessResponse(c, http.StatusOK, "Message deleted", msg)
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// bindError turns binding failures into a 400 listing the offending fields.
func bindError(c *gin.Context, err error) {
	var validationErr validator.ValidationErrors
	if errors.As(err, &validationErr) {
		fields := make(map[string]string, len(validationErr))
		for _, fieldErr := range validationErr {
			switch fieldErr.Tag() {
			case "required":
				fields[fieldErr.Field()] = "is required"
			case "max":
				fields[fieldErr.Field()] = "must be at most " + fieldErr.Param() + " characters"
			default:
				fields[fieldErr.Field()] = "is invalid"
			}
		}
		util.ErrorResponse(c, http.StatusBadRequest, "Validation failed", fields)
		return
	}

	util.BadRequest(c, "Invalid request body")
}

func statusFor(kind service.ErrorKind) int {
	switch kind {
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindForbidden:
		return http.StatusForbidden
	case service.KindInvalidArgument:
		return http.StatusBadRequest
	case service.KindDomainViolation:
		return http.StatusUnprocessableEntity
	case service.KindPreconditionFailed:
		return http.StatusPreconditionFailed
	case service.KindUnauthenticated:
		return http.StatusUnauthorized
	case service.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	kind := service.KindOf(err)
	if kind == service.KindInternal {
		log.Printf("%s %s failed: %v", c.Request.Method, c.FullPath(), err)
	}
	util.ErrorResponse(c, statusFor(kind), service.MessageOf(err), nil)
}
