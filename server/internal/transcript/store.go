package transcript

import (
	"context"

	"sage-talk/server/internal/model"
)

// Store 是会话转写时间线的存储抽象。
// Append 为每个 session 分配单调递增的 seq；相同 EventID 幂等。
type Store interface {
	Append(ctx context.Context, sessionID string, evt *model.TranscriptEvent) (int64, error)
	List(ctx context.Context, sessionID string) ([]model.TranscriptEvent, error)
}
