package database

import (
	"fmt"
	"log"

	"github.com/sonarworks/workflow-backend/internal/config"
	"github.com/sonarworks/workflow-backend/internal/models"
	"github.com/sonarworks/workflow-backend/pkg/utils"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Connect(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		cfg.Host, cfg.User, cfg.Password, cfg.DBName, cfg.Port, cfg.SSLMode,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	DB = db
	log.Println("Database connected successfully")
	return db, nil
}

func Migrate(db *gorm.DB) error {
	log.Println("Running database migrations...")
	err := db.AutoMigrate(
		&models.Sbu{},
		&models.User{},
		&models.Setting{},
		&models.AuditLog{},
		// Workflow definitions
		&models.Workflow{},
		&models.WorkflowField{},
		&models.FieldOption{},
		&models.WorkflowApprover{},
		// Submissions
		&models.WorkflowInstance{},
		&models.WorkflowFieldValue{},
		&models.ApprovalHistory{},
		&models.InstanceAttachment{},
		&models.EmailApprovalToken{},
		&models.NotificationLog{},
	)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	log.Println("Database migrations completed")
	return nil
}

// Seed installs the platform settings and the bootstrap super user.
// Existing rows are left alone so operator changes survive restarts.
func Seed(db *gorm.DB) error {
	log.Println("Seeding database...")

	settings := []models.Setting{
		{Key: models.SettingSkipUnauthorizedApprovers, Value: "true", Description: "Skip approval levels whose approvers cannot cover the submission amount"},
		{Key: models.SettingAllowEmailApprovals, Value: "true", Description: "Allow approvers to act through email links"},
		{Key: models.SettingEmailTokenExpiryHours, Value: "48", Description: "Hours before an email action link expires"},
		{Key: models.SettingAppBaseURL, Value: "http://localhost:8080", Description: "Base URL used when building email action links"},
	}
	for _, setting := range settings {
		var existing models.Setting
		result := db.Where("setting_key = ?", setting.Key).First(&existing)
		if result.Error == gorm.ErrRecordNotFound {
			if err := db.Create(&setting).Error; err != nil {
				log.Printf("Failed to create setting %s: %v", setting.Key, err)
			}
		}
	}

	var admin models.User
	result := db.Where("email = ?", "admin@sonarworks.local").First(&admin)
	if result.Error == gorm.ErrRecordNotFound {
		hashedPassword, _ := utils.HashPassword("admin123")
		admin = models.User{
			Email:       "admin@sonarworks.local",
			Username:    "admin",
			Password:    hashedPassword,
			FirstName:   "Super",
			LastName:    "User",
			Role:        "admin",
			IsActive:    true,
			IsSuperUser: true,
		}
		if err := db.Create(&admin).Error; err != nil {
			log.Printf("Failed to create default super user: %v", err)
		}
	}

	var sbu models.Sbu
	result = db.Where("code = ?", "HQ").First(&sbu)
	if result.Error == gorm.ErrRecordNotFound {
		sbu = models.Sbu{
			Name:        "Headquarters",
			Code:        "HQ",
			Description: "Default business unit",
			IsActive:    true,
		}
		if err := db.Create(&sbu).Error; err != nil {
			log.Printf("Failed to create default business unit: %v", err)
		}
	}

	log.Println("Database seeding completed")
	return nil
}

func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
