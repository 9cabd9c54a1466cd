package progress

import (
	"context"

	"sage-talk/server/internal/model"
)

type Store interface {
	Get(ctx context.Context, id string) (*model.LearningSession, error)
	Save(ctx context.Context, s *model.LearningSession) error
	List(ctx context.Context) ([]*model.LearningSession, error)
}
