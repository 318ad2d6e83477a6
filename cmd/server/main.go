package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sonarworks/workflow-backend/internal/config"
	"github.com/sonarworks/workflow-backend/internal/database"
	"github.com/sonarworks/workflow-backend/internal/handlers"
	"github.com/sonarworks/workflow-backend/internal/middleware"
	"github.com/sonarworks/workflow-backend/internal/repository"
	"github.com/sonarworks/workflow-backend/internal/services"
	"github.com/sonarworks/workflow-backend/internal/storage"
	"github.com/sonarworks/workflow-backend/pkg/utils"
)

func main() {
	cfg := config.Load()

	db, err := database.Connect(&cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(db)

	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	if err := database.Seed(db); err != nil {
		log.Printf("Warning: Failed to seed database: %v", err)
	}

	redisClient, err := database.ConnectRedis(&cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer database.CloseRedis(redisClient)

	minioStorage, err := storage.NewMinIOStorage(&cfg.MinIO)
	if err != nil {
		log.Fatalf("Failed to connect to MinIO: %v", err)
	}

	jwtManager := utils.NewJWTManager(cfg.JWT.Secret, cfg.JWT.ExpireHour)
	sessionStore := database.NewSessionStore(redisClient)

	// Repositories
	userRepo := repository.NewUserRepository(db)
	sbuRepo := repository.NewSbuRepository(db)
	workflowRepo := repository.NewWorkflowRepository(db)
	instanceRepo := repository.NewInstanceRepository(db)
	tokenRepo := repository.NewTokenRepository(db)
	settingRepo := repository.NewSettingRepository(db)
	auditLogRepo := repository.NewAuditLogRepository(db)
	notificationLogRepo := repository.NewNotificationLogRepository(db)

	// Services
	settingService := services.NewSettingService(settingRepo, redisClient)
	notificationService := services.NewNotificationService(notificationLogRepo, cfg.SMTP)
	emailApprovalService := services.NewEmailApprovalService(tokenRepo, settingService)
	userService := services.NewUserService(userRepo, jwtManager, sessionStore)
	sbuService := services.NewSbuService(sbuRepo)
	workflowService := services.NewWorkflowService(workflowRepo)
	auditService := services.NewAuditService(auditLogRepo)
	attachmentService := services.NewAttachmentService(instanceRepo, minioStorage)
	instanceService := services.NewInstanceService(
		db, instanceRepo, workflowRepo, userRepo,
		emailApprovalService, notificationService, settingService,
	)

	escalationMonitor := services.NewEscalationMonitor(instanceService, emailApprovalService, 5*time.Minute)
	ctx := context.Background()
	escalationMonitor.Start(ctx)
	defer escalationMonitor.Stop()

	// Handlers
	userHandler := handlers.NewUserHandler(userService)
	sbuHandler := handlers.NewSbuHandler(sbuService)
	workflowHandler := handlers.NewWorkflowHandler(workflowService)
	instanceHandler := handlers.NewInstanceHandler(instanceService, attachmentService)
	emailActionHandler := handlers.NewEmailActionHandler(instanceService, emailApprovalService)
	settingHandler := handlers.NewSettingHandler(settingService)
	auditLogHandler := handlers.NewAuditLogHandler(auditService)
	healthHandler := handlers.NewHealthHandler(db, redisClient)

	authMiddleware := middleware.NewAuthMiddleware(jwtManager, sessionStore, userRepo)

	app := fiber.New(fiber.Config{
		AppName:      "Workflow Backend",
		ErrorHandler: customErrorHandler,
	})

	app.Use(recover.New())
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins:     "http://localhost:3000,http://localhost:5173",
		AllowMethods:     "GET,POST,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: true,
	}))
	app.Use(middleware.AuditLogger(middleware.AuditLoggerConfig{
		Enabled:     true,
		SkipPaths:   []string{"/api/v1/health", "/api/v1/ready", "/api/v1/auth/login", "/api/v1/auth/register"},
		SkipMethods: []string{"GET", "OPTIONS"},
		Audit:       auditService,
	}))

	api := app.Group("/api")
	v1 := api.Group("/v1")

	// Health
	v1.Get("/health", healthHandler.Health)
	v1.Get("/ready", healthHandler.Ready)

	// Auth
	auth := v1.Group("/auth")
	auth.Post("/register", userHandler.Register)
	auth.Post("/login", userHandler.Login)
	auth.Post("/refresh", authMiddleware.Authenticate(), userHandler.Refresh)
	auth.Post("/logout", authMiddleware.Authenticate(), userHandler.Logout)

	// Profile
	users := v1.Group("/users", authMiddleware.Authenticate())
	users.Get("/me", userHandler.GetProfile)
	users.Put("/me", userHandler.UpdateProfile)
	users.Put("/me/password", userHandler.ChangePassword)

	// Email action links: the token is the credential, no auth here.
	emailActions := v1.Group("/email-actions")
	emailActions.Get("/:token", emailActionHandler.Info)
	emailActions.Post("/:token", emailActionHandler.Redeem)

	// Workflow definitions
	workflows := v1.Group("/workflows", authMiddleware.Authenticate())
	workflows.Get("/", workflowHandler.List)
	workflows.Get("/:id", workflowHandler.Get)
	workflows.Post("/", authMiddleware.RequireAdmin(), workflowHandler.Create)
	workflows.Put("/:id", authMiddleware.RequireAdmin(), workflowHandler.Update)
	workflows.Delete("/:id", authMiddleware.RequireAdmin(), workflowHandler.Delete)
	workflows.Post("/:id/activate", authMiddleware.RequireAdmin(), workflowHandler.Activate)
	workflows.Post("/:id/deactivate", authMiddleware.RequireAdmin(), workflowHandler.Deactivate)
	workflows.Post("/:id/duplicate", authMiddleware.RequireAdmin(), workflowHandler.Duplicate)

	// Submissions
	instances := v1.Group("/instances", authMiddleware.Authenticate())
	instances.Post("/", instanceHandler.Create)
	instances.Get("/", instanceHandler.Search)
	instances.Get("/mine", instanceHandler.ListMySubmissions)
	instances.Get("/pending-approvals", instanceHandler.ListPendingApprovals)
	instances.Get("/counts", instanceHandler.Counts)
	instances.Get("/reference/:reference", instanceHandler.GetByReference)
	instances.Get("/:id", instanceHandler.Get)
	instances.Get("/:id/history", instanceHandler.History)
	instances.Put("/:id", instanceHandler.Update)
	instances.Delete("/:id", instanceHandler.Delete)
	instances.Post("/:id/submit", instanceHandler.Submit)
	instances.Post("/:id/approve", instanceHandler.Approve)
	instances.Post("/:id/reject", instanceHandler.Reject)
	instances.Post("/:id/escalate", instanceHandler.Escalate)
	instances.Post("/:id/cancel", instanceHandler.Cancel)
	instances.Post("/:id/recall", instanceHandler.Recall)
	instances.Post("/:id/resubmit", instanceHandler.Resubmit)
	instances.Post("/:id/clone", instanceHandler.Clone)
	instances.Post("/:id/attachments", instanceHandler.UploadAttachment)
	instances.Get("/:id/attachments", instanceHandler.ListAttachments)

	attachments := v1.Group("/attachments", authMiddleware.Authenticate())
	attachments.Get("/:attachmentId", instanceHandler.DownloadAttachment)
	attachments.Delete("/:attachmentId", instanceHandler.DeleteAttachment)

	// Admin
	admin := v1.Group("/admin", authMiddleware.Authenticate(), authMiddleware.RequireAdmin())
	admin.Get("/users", userHandler.ListUsers)
	admin.Get("/users/:id", userHandler.GetUser)
	admin.Put("/users/:id", userHandler.AdminUpdateUser)
	admin.Delete("/users/:id", authMiddleware.RequireSuperUser(), userHandler.DeleteUser)

	sbus := admin.Group("/sbus")
	sbus.Post("/", sbuHandler.Create)
	sbus.Get("/", sbuHandler.List)
	sbus.Get("/:id", sbuHandler.Get)
	sbus.Put("/:id", sbuHandler.Update)
	sbus.Delete("/:id", sbuHandler.Delete)

	settings := admin.Group("/settings")
	settings.Get("/", settingHandler.List)
	settings.Put("/:key", authMiddleware.RequireSuperUser(), settingHandler.Update)

	auditLogs := admin.Group("/audit-logs")
	auditLogs.Get("/", auditLogHandler.List)
	auditLogs.Get("/:id", auditLogHandler.Get)

	go func() {
		addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
		log.Printf("Server starting on %s", addr)
		if err := app.Listen(addr); err != nil {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	if err := app.Shutdown(); err != nil {
		log.Printf("Error during shutdown: %v", err)
	}
	log.Println("Server stopped")
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"success": false,
		"error":   message,
	})
}
