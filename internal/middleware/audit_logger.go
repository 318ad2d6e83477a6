package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sonarworks/workflow-backend/internal/services"
)

type AuditLoggerConfig struct {
	Enabled     bool
	SkipPaths   []string
	SkipMethods []string
	Audit       services.AuditService
}

// AuditLogger records every mutating request with its outcome and
// duration. Entries are written asynchronously so a slow audit table
// never delays the response.
func AuditLogger(config AuditLoggerConfig) fiber.Handler {
	skipPaths := make(map[string]bool)
	for _, path := range config.SkipPaths {
		skipPaths[path] = true
	}
	skipMethods := make(map[string]bool)
	for _, method := range config.SkipMethods {
		skipMethods[method] = true
	}

	return func(c *fiber.Ctx) error {
		if !config.Enabled || skipPaths[c.Path()] || skipMethods[c.Method()] {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		duration := time.Since(start).Milliseconds()

		var userID *uuid.UUID
		if id, ok := c.Locals("user_id").(uuid.UUID); ok {
			userID = &id
		}

		action := actionFromMethod(c.Method())
		module := moduleFromPath(c.Path())
		resourceID := c.Params("id")

		status := "success"
		errorMsg := ""
		if err != nil {
			status = "failed"
			errorMsg = err.Error()
		} else if c.Response().StatusCode() >= 400 {
			status = "failed"
		}

		params := &services.AuditParams{
			UserID:      userID,
			Action:      action,
			Module:      module,
			ResourceID:  resourceID,
			Description: describe(action, module, resourceID),
			IPAddress:   c.IP(),
			UserAgent:   c.Get("User-Agent"),
			Status:      status,
			ErrorMsg:    errorMsg,
			Duration:    duration,
		}
		go func() {
			_ = config.Audit.Record(c.Context(), params)
		}()

		return err
	}
}

func actionFromMethod(method string) string {
	switch method {
	case "POST":
		return "create"
	case "PUT", "PATCH":
		return "update"
	case "DELETE":
		return "delete"
	case "GET":
		return "view"
	default:
		return "other"
	}
}

// moduleFromPath reduces /api/v1/workflows/<id>/approve to "approve",
// skipping prefixes and IDs.
func moduleFromPath(path string) string {
	var segments []string
	current := ""
	for _, char := range path {
		if char == '/' {
			if current != "" {
				segments = append(segments, current)
				current = ""
			}
		} else {
			current += string(char)
		}
	}
	if current != "" {
		segments = append(segments, current)
	}

	for i := len(segments) - 1; i >= 0; i-- {
		seg := segments[i]
		if seg == "" || seg == "api" || seg == "v1" || seg == "admin" {
			continue
		}
		if _, err := uuid.Parse(seg); err == nil {
			continue
		}
		return seg
	}
	return "unknown"
}

func describe(action, module, resourceID string) string {
	desc := action + " " + module
	if resourceID != "" {
		desc += " (ID: " + resourceID + ")"
	}
	return desc
}
