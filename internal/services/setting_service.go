package services

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sonarworks/workflow-backend/internal/models"
	"github.com/sonarworks/workflow-backend/internal/repository"
	"gorm.io/gorm"
)

const settingCacheTTL = 5 * time.Minute

// SettingService reads platform settings with a Redis read-through cache.
// Missing keys fall back to the caller-supplied default.
type SettingService interface {
	Get(ctx context.Context, key, fallback string) string
	GetBool(ctx context.Context, key string, fallback bool) bool
	GetInt(ctx context.Context, key string, fallback int) int
	List(ctx context.Context) ([]models.Setting, error)
	Set(ctx context.Context, key, value string) error
}

type settingService struct {
	repo  repository.SettingRepository
	cache *redis.Client
}

func NewSettingService(repo repository.SettingRepository, cache *redis.Client) SettingService {
	return &settingService{repo: repo, cache: cache}
}

func (s *settingService) Get(ctx context.Context, key, fallback string) string {
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, "setting:"+key).Result(); err == nil {
			return cached
		}
	}

	setting, err := s.repo.FindByKey(ctx, key)
	if err == gorm.ErrRecordNotFound {
		return fallback
	}
	if err != nil {
		return fallback
	}

	if s.cache != nil {
		s.cache.Set(ctx, "setting:"+key, setting.Value, settingCacheTTL)
	}
	return setting.Value
}

func (s *settingService) GetBool(ctx context.Context, key string, fallback bool) bool {
	value := s.Get(ctx, key, strconv.FormatBool(fallback))
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return b
}

func (s *settingService) GetInt(ctx context.Context, key string, fallback int) int {
	value := s.Get(ctx, key, strconv.Itoa(fallback))
	i, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return i
}

func (s *settingService) List(ctx context.Context) ([]models.Setting, error) {
	return s.repo.List(ctx)
}

func (s *settingService) Set(ctx context.Context, key, value string) error {
	if err := s.repo.Upsert(ctx, key, value); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Del(ctx, "setting:"+key)
	}
	return nil
}
