package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shridarpatil/wasend/internal/config"
	"github.com/shridarpatil/wasend/internal/database"
	"github.com/shridarpatil/wasend/internal/handlers"
	"github.com/shridarpatil/wasend/internal/middleware"
	"github.com/shridarpatil/wasend/internal/processor"
	"github.com/shridarpatil/wasend/internal/queue"
	"github.com/shridarpatil/wasend/internal/scheduler"
	"github.com/shridarpatil/wasend/pkg/whatsapp"
	"github.com/valyala/fasthttp"
	"github.com/zerodha/fastglue"
	"github.com/zerodha/logf"
)

var (
	configPath = flag.String("config", "config.toml", "Path to config file")
	migrate    = flag.Bool("migrate", false, "Run database migrations")
)

func main() {
	flag.Parse()

	// Initialize logger
	lo := logf.New(logf.Opts{
		EnableColor:     true,
		Level:           logf.DebugLevel,
		EnableCaller:    true,
		TimestampFormat: "2006-01-02 15:04:05",
		DefaultFields:   []any{"app", "wasend"},
	})

	lo.Info("Starting Wasend...")

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		lo.Fatal("Failed to load config", "error", err)
	}

	// Set log level based on environment
	if cfg.App.Environment == "production" {
		lo = logf.New(logf.Opts{
			Level:           logf.InfoLevel,
			TimestampFormat: "2006-01-02 15:04:05",
			DefaultFields:   []any{"app", "wasend"},
		})
	}

	// Connect to PostgreSQL
	db, err := database.NewPostgres(&cfg.Database, cfg.App.Debug)
	if err != nil {
		lo.Fatal("Failed to connect to database", "error", err)
	}
	lo.Info("Connected to PostgreSQL")

	// Run migrations if requested
	if *migrate {
		lo.Info("Running database migrations...")
		if err := database.AutoMigrate(db); err != nil {
			lo.Fatal("Failed to run migrations", "error", err)
		}
		if err := database.CreateIndexes(db); err != nil {
			lo.Fatal("Failed to create indexes", "error", err)
		}
		lo.Info("Migrations completed successfully")
	}

	// Connect to Redis
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		lo.Fatal("Failed to connect to Redis", "error", err)
	}
	lo.Info("Connected to Redis")

	// Initialize Fastglue
	g := fastglue.NewGlue()

	// Initialize WhatsApp client
	var waClient *whatsapp.Client
	if cfg.WhatsApp.BaseURL != "" && cfg.WhatsApp.BaseURL != whatsapp.BaseURL {
		waClient = whatsapp.NewWithBaseURL(lo, cfg.WhatsApp.BaseURL)
	} else {
		waClient = whatsapp.New(lo)
	}

	// Initialize app with dependencies
	app := &handlers.App{
		Config:    cfg,
		DB:        db,
		Redis:     rdb,
		Log:       lo,
		WhatsApp:  waClient,
		Publisher: queue.NewPublisher(rdb, lo),
	}

	// Setup middleware
	allowedOrigins := middleware.ParseAllowedOrigins(cfg.Server.AllowedOrigins)
	g.Before(middleware.RequestLogger(lo))
	g.Before(middleware.CORS(allowedOrigins))
	g.Before(middleware.SecurityHeaders())
	g.Before(middleware.Recovery(lo))

	// Setup routes
	setupRoutes(g, app)

	// Start the queue processor and the scheduler
	engineCtx, stopEngine := context.WithCancel(context.Background())
	proc := processor.New(cfg, db, rdb, lo)
	sched := scheduler.New(cfg, db, rdb, lo)
	engineDone := make(chan struct{}, 2)
	go func() {
		if err := proc.Run(engineCtx); err != nil {
			lo.Error("Queue processor exited", "error", err)
		}
		engineDone <- struct{}{}
	}()
	go func() {
		if err := sched.Run(engineCtx); err != nil {
			lo.Error("Scheduler exited", "error", err)
		}
		engineDone <- struct{}{}
	}()

	// Create server
	server := &fasthttp.Server{
		Handler:      g.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		Name:         "Wasend",
	}

	// Start server in goroutine
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		lo.Info("Server listening", "address", addr)
		if err := server.ListenAndServe(addr); err != nil {
			lo.Fatal("Server failed", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lo.Info("Shutting down...")
	stopEngine()
	<-engineDone
	<-engineDone

	if err := server.Shutdown(); err != nil {
		lo.Error("Server shutdown error", "error", err)
	}
	app.WaitForBackgroundTasks()
	lo.Info("Stopped")
}

func setupRoutes(g *fastglue.Fastglue, app *handlers.App) {
	// Health check
	g.GET("/health", app.HealthCheck)
	g.GET("/ready", app.ReadyCheck)

	// Webhook routes (public - for Meta)
	g.GET("/api/webhook", app.WebhookVerify)
	g.POST("/api/webhook", app.WebhookReceive)

	// Senders
	g.GET("/api/senders", app.ListSenders)
	g.POST("/api/senders", app.CreateSender)
	g.GET("/api/senders/{id}", app.GetSender)
	g.PUT("/api/senders/{id}", app.UpdateSender)
	g.DELETE("/api/senders/{id}", app.DeleteSender)
	g.POST("/api/senders/{id}/test", app.TestSenderConnection)
	g.POST("/api/senders/{id}/templates/sync", app.SyncTemplates)

	// Templates
	g.GET("/api/templates", app.ListTemplates)
	g.PUT("/api/templates/{id}", app.UpdateTemplate)

	// Campaigns
	g.GET("/api/campaigns", app.ListCampaigns)
	g.POST("/api/campaigns", app.CreateCampaign)
	g.GET("/api/campaigns/{id}", app.GetCampaign)
	g.DELETE("/api/campaigns/{id}", app.DeleteCampaign)
	g.POST("/api/campaigns/{id}/stop", app.StopCampaign)
	g.POST("/api/campaigns/{id}/resume", app.ResumeCampaign)
	g.POST("/api/campaigns/{id}/retry-failed", app.RetryFailedMessages)
	g.GET("/api/campaigns/{id}/stats", app.CampaignStats)

	// Live event stream for dashboards
	g.GET("/api/events", app.StreamEvents)

	// Notifications
	g.GET("/api/notifications", app.ListNotifications)
	g.PUT("/api/notifications/{id}/read", app.MarkNotificationRead)
	g.PUT("/api/notifications/read-all", app.MarkAllNotificationsRead)
}
