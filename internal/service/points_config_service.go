package service

import (
	"context"
	"errors"

	apperrors "github.com/review-anchor/internal/errors"
	"github.com/review-anchor/internal/logging"
	"github.com/review-anchor/internal/models"
	"github.com/review-anchor/internal/storage"
)

// PointsConfigService exposes the reward weights to administrators.
type PointsConfigService struct {
	store  PointsConfigStore
	logger *logging.Logger
}

// NewPointsConfigService creates a new points config service
func NewPointsConfigService(store PointsConfigStore) *PointsConfigService {
	return &PointsConfigService{
		store:  store,
		logger: logging.GetGlobalLogger().WithField("component", "points_config_service"),
	}
}

// Current returns the weights in effect.
func (s *PointsConfigService) Current(ctx context.Context) (*models.PointsConfig, error) {
	cfg, err := s.store.Current(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NewConfigurationError("points configuration is missing")
		}
		return nil, apperrors.NewDatabaseError("get points config", err)
	}
	return cfg, nil
}

// Update appends a new weights row; earlier rows are kept as history.
func (s *PointsConfigService) Update(ctx context.Context, cfg models.PointsConfig, actorID string) (*models.PointsConfig, error) {
	weights := map[string]int{
		"image_yes":    cfg.ImageYes,
		"image_no":     cfg.ImageNo,
		"desc_gt200":   cfg.DescGT200,
		"desc_lte200":  cfg.DescLTE200,
		"stars_yes":    cfg.StarsYes,
		"stars_no":     cfg.StarsNo,
		"price_lt100":  cfg.PriceLT100,
		"price_gte100": cfg.PriceGTE100,
	}
	for name, w := range weights {
		if w < 0 {
			return nil, apperrors.NewInvalidParameterError(name, "must not be negative")
		}
	}

	cfg.ID = 0
	if err := s.store.Save(ctx, &cfg); err != nil {
		return nil, apperrors.NewDatabaseError("save points config", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"config_id": cfg.ID,
		"actor_id":  actorID,
	}).Info("Points configuration updated")
	return &cfg, nil
}
