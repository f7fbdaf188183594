package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"

	"usageledger/internal/blobstore"
	"usageledger/internal/config"
	"usageledger/internal/crypto"
	"usageledger/internal/database"
	"usageledger/internal/eventstore"
	"usageledger/internal/fetch"
	"usageledger/internal/handlers"
	"usageledger/internal/ingest"
	"usageledger/internal/jobs"
	"usageledger/internal/logging"
	"usageledger/internal/session"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting usageledger...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err == nil {
		log.Println("✅ .env file loaded")
	}

	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, DB: %s)", cfg.Port, cfg.DatabasePath)

	// Database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("❌ Failed to open database: %v", err)
	}
	defer db.Close()

	if err := db.Initialize(); err != nil {
		log.Fatalf("❌ Failed to initialize database: %v", err)
	}

	// Encryption service for the session store. Without a key the store
	// still opens, but saving an encrypted credential fails loudly rather
	// than falling back to plaintext.
	var encryptionService *crypto.EncryptionService
	if cfg.EncryptionKey != "" {
		encryptionService, err = crypto.NewEncryptionService(cfg.EncryptionKey)
		if err != nil {
			log.Fatalf("❌ Invalid ENCRYPTION_MASTER_KEY: %v", err)
		}
		log.Println("✅ Encryption service initialized")
	} else {
		if cfg.Environment == "production" {
			log.Fatal("❌ ENCRYPTION_MASTER_KEY is required in production. Generate with: openssl rand -hex 32")
		}
		log.Println("⚠️ ENCRYPTION_MASTER_KEY not set - encrypted credential saves will fail (development mode only)")
	}

	sessionStore, err := session.NewStore(cfg.SessionDir, encryptionService)
	if err != nil {
		log.Fatalf("❌ Failed to open session store: %v", err)
	}

	// Pipeline components
	blobStore := blobstore.NewStore(db)
	eventStore := eventstore.NewStore(db)
	ingestionStore := ingest.NewIngestionStore(db)
	fetchClient := fetch.NewClient(sessionStore, cfg.FetchTimeout)

	runner, err := ingest.NewRunner(fetchClient, blobStore, eventStore, ingestionStore,
		cfg.UsageExportURL, cfg.BlobRetentionCount)
	if err != nil {
		log.Fatalf("❌ Failed to configure ingestion pipeline: %v", err)
	}
	log.Println("✅ Ingestion pipeline initialized")

	// Scheduled ingestion runs
	scheduler := jobs.NewScheduler()
	scheduler.Register("usage-ingestion", jobs.NewIngestionJob(runner, cfg.IngestInterval))
	scheduler.Start()
	defer scheduler.Stop()

	// HTTP API
	app := fiber.New(fiber.Config{
		AppName:               "usageledger",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New())
	app.Use(logger.New())

	healthHandler := handlers.NewHealthHandler()
	ingestionHandler := handlers.NewIngestionHandler(runner, ingestionStore, eventStore)
	sessionHandler := handlers.NewSessionHandler(sessionStore)

	app.Get("/health", healthHandler.Handle)

	api := app.Group("/api")
	api.Post("/ingestions/run", ingestionHandler.TriggerRun)
	api.Get("/ingestions", ingestionHandler.ListIngestions)
	api.Get("/ingestions/:id", ingestionHandler.GetIngestion)
	api.Get("/usage/events", ingestionHandler.ListEvents)
	api.Post("/session", sessionHandler.Save)
	api.Get("/session", sessionHandler.Status)
	api.Delete("/session", sessionHandler.Clear)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Println("🛑 Shutting down...")
		scheduler.Stop()
		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Shutdown error: %v", err)
		}
	}()

	log.Printf("🌐 Listening on :%s", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Server error: %v", err)
	}
}
