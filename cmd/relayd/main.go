package main

import (
	"context"
	"os"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"zalachat/sync/internal/database"
	"zalachat/sync/internal/relay"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if err := godotenv.Load(); err != nil {
		log.Info().Msg("no .env file found")
	}

	secret := []byte(os.Getenv("JWT_SECRET"))
	if len(secret) == 0 {
		log.Fatal().Msg("JWT_SECRET is not set")
	}

	pool, err := database.Connect(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()

	store := relay.NewPGStore(pool)
	hub := relay.NewHub(store, log)
	go hub.Run()

	app := fiber.New(fiber.Config{
		AppName: "zalachat relay v1.0",
	})
	app.Use(cors.New())

	relay.SetupRoutes(app, relay.NewHandlers(store, log), hub, secret)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	log.Info().Str("port", port).Msg("relay starting")
	if err := app.Listen(":" + port); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
