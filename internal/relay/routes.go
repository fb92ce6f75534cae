package relay

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// SetupRoutes configures the relay's HTTP surface.
func SetupRoutes(app *fiber.App, h *Handlers, hub *Hub, secret []byte) {
	api := app.Group("/api/v1")

	// Health check (public)
	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"success": true,
			"data":    fiber.Map{"status": "ok", "clients": hub.ClientCount()},
		})
	})

	auth := AuthMiddleware(secret)

	chats := api.Group("/chats", auth)
	chats.Get("/conversations", h.GetConversations)
	chats.Get("/messages/:conversationKey", h.GetMessages)

	users := api.Group("/users", auth)
	users.Get("/:userId", h.GetUser)

	api.Post("/upload", auth, UploadRateLimiter(), h.UploadFile)

	// Serve uploaded files (public)
	app.Static("/uploads", uploadDir)

	// Push channel
	api.Get("/ws", auth, upgradeRequired, websocket.New(func(c *websocket.Conn) {
		userID, _ := c.Locals("userID").(string)
		username, _ := c.Locals("username").(string)

		client := NewClient(userID, username, c, hub)
		hub.Register <- client

		go client.WritePump()
		client.ReadPump() // blocks until the connection closes
	}))
}

// upgradeRequired rejects plain HTTP requests to the websocket endpoint.
func upgradeRequired(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
		"success": false,
		"error":   "WebSocket upgrade required",
	})
}
