package progress

import (
	"context"
	"errors"
	"sort"
	"sync"

	"sage-talk/server/internal/model"
)

var ErrNotFound = errors.New("learning session not found")

// InMemoryStore 是一个基于内存的学习进度存储实现。
type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]*model.LearningSession
}

func NewInMemoryStore() *InMemoryStore {
	// 第一阶段用内存 store：实现简单、调试方便。
	// 注意：重启即丢数据；多人/多实例部署需要替换为 DB。
	return &InMemoryStore{data: make(map[string]*model.LearningSession)}
}

// Get 根据 SessionID 获取学习会话。
func (s *InMemoryStore) Get(_ context.Context, id string) (*model.LearningSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ls, ok := s.data[id]
	if !ok {
		return nil, ErrNotFound
	}

	return ls, nil
}

// Save 保存或更新学习会话。
func (s *InMemoryStore) Save(_ context.Context, ls *model.LearningSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data[ls.SessionID] = ls
	return nil
}

// List 返回全部学习会话（按开始时间排序）。
func (s *InMemoryStore) List(_ context.Context) ([]*model.LearningSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.LearningSession, 0, len(s.data))
	for _, ls := range s.data {
		out = append(out, ls)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}
