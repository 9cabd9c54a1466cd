package content

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"sage-talk/server/internal/model"
)

// Library 持有当前加载的全部学习素材包，支持热替换。
type Library struct {
	mu       sync.RWMutex
	packages []model.ContentPackage
	byID     map[string]*model.ContentPackage
}

// LoadPackages 从指定路径加载素材包数据。
func LoadPackages(path string) ([]model.ContentPackage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read content packages: %w", err)
	}

	var packages []model.ContentPackage
	if err := json.Unmarshal(data, &packages); err != nil {
		return nil, fmt.Errorf("parse content packages: %w", err)
	}

	for i := range packages {
		if err := validatePackage(&packages[i]); err != nil {
			return nil, fmt.Errorf("package %d: %w", i, err)
		}
	}
	return packages, nil
}

func validatePackage(p *model.ContentPackage) error {
	if p.ID == "" {
		return fmt.Errorf("missing id")
	}
	if p.Subject == "" {
		return fmt.Errorf("package %s: missing subject", p.ID)
	}
	for _, q := range p.Quizzes {
		for _, question := range q.Questions {
			if question.Answer < 0 || question.Answer >= len(question.Options) {
				return fmt.Errorf("quiz %s question %s: answer index %d out of range",
					q.ID, question.ID, question.Answer)
			}
		}
	}
	for _, s := range p.Sorters {
		cats := make(map[string]bool, len(s.Categories))
		for _, c := range s.Categories {
			cats[c] = true
		}
		for _, item := range s.Items {
			if !cats[item.Category] {
				return fmt.Errorf("sorter %s: item %q references unknown category %q",
					s.ID, item.Label, item.Category)
			}
		}
	}
	return nil
}

// NewLibrary 加载初始素材并构建索引。
func NewLibrary(path string) (*Library, error) {
	packages, err := LoadPackages(path)
	if err != nil {
		return nil, err
	}
	lib := &Library{}
	lib.replace(packages)
	return lib, nil
}

func (l *Library) replace(packages []model.ContentPackage) {
	byID := make(map[string]*model.ContentPackage, len(packages))
	for i := range packages {
		byID[packages[i].ID] = &packages[i]
	}

	l.mu.Lock()
	l.packages = packages
	l.byID = byID
	l.mu.Unlock()
}

// Packages 返回全部素材包（副本，调用方可安全修改切片本身）。
func (l *Library) Packages() []model.ContentPackage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.ContentPackage, len(l.packages))
	copy(out, l.packages)
	return out
}

// Get 按 ID 返回素材包。
func (l *Library) Get(id string) (*model.ContentPackage, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.byID[id]
	return p, ok
}

// BySubject 返回指定学科的素材包。
func (l *Library) BySubject(subject string) []model.ContentPackage {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []model.ContentPackage
	for _, p := range l.packages {
		if p.Subject == subject {
			out = append(out, p)
		}
	}
	return out
}
