package relay

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"zalachat/sync/internal/models"
)

const (
	maxUploadSize = 5 * 1024 * 1024 // 5MB
	uploadDir     = "./uploads"
)

// Handlers serves the relay's REST surface over a Storage.
type Handlers struct {
	store Storage
	log   zerolog.Logger
}

// NewHandlers wires the REST handlers.
func NewHandlers(store Storage, log zerolog.Logger) *Handlers {
	return &Handlers{store: store, log: log}
}

// GetConversations lists the caller's conversations and groups.
func (h *Handlers) GetConversations(c *fiber.Ctx) error {
	userID := UserID(c)

	convs, err := h.store.Conversations(c.Context(), userID)
	if err != nil {
		h.log.Error().Err(err).Str("user", userID).Msg("failed to load conversations")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to load conversations",
		})
	}
	if convs == nil {
		convs = []models.Conversation{}
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    convs,
	})
}

// GetMessages returns the full history snapshot for one conversation.
func (h *Handlers) GetMessages(c *fiber.Ctx) error {
	conversationKey := c.Params("conversationKey")

	msgs, err := h.store.Messages(c.Context(), conversationKey)
	if err != nil {
		h.log.Error().Err(err).Str("conversation", conversationKey).Msg("failed to load history")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to load messages",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    msgs,
	})
}

// GetUser resolves one directory entry.
func (h *Handlers) GetUser(c *fiber.Ctx) error {
	userID := c.Params("userId")

	user, err := h.store.User(c.Context(), userID)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "User not found",
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    user,
	})
}

// UploadFile stores an uploaded blob and returns its reference URL. The
// content is never inspected; only the reference matters to clients.
func (h *Handlers) UploadFile(c *fiber.Ctx) error {
	file, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   "No file uploaded",
		})
	}

	if file.Size > maxUploadSize {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"error":   fmt.Sprintf("File size exceeds limit of 5MB (uploaded: %.2fMB)", float64(file.Size)/(1024*1024)),
		})
	}

	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to create upload directory",
		})
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	filename := fmt.Sprintf("%s-%d%s", uuid.NewString(), time.Now().Unix(), ext)
	if err := c.SaveFile(file, filepath.Join(uploadDir, filename)); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"error":   "Failed to save file",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"fileUrl": "/uploads/" + filename,
		},
	})
}
