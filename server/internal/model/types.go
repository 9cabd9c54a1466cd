package model

import "time"

// Card 定义了一张练习卡片的基本信息。
type Card struct {
	ID       string   `json:"id"`
	Skill    string   `json:"skill"`
	Subskill string   `json:"subskill,omitempty"`
	Front    string   `json:"front"`
	Back     string   `json:"back"`
	Keywords []string `json:"keywords,omitempty"`
}

// SorterItem 是分类练习中的一个待分类条目。
type SorterItem struct {
	Label    string `json:"label"`
	Category string `json:"category"`
}

// Sorter 表示一个分类练习：把条目拖进正确的类别。
type Sorter struct {
	ID         string       `json:"id"`
	Skill      string       `json:"skill"`
	Prompt     string       `json:"prompt"`
	Categories []string     `json:"categories"`
	Items      []SorterItem `json:"items"`
}

// QuizQuestion 表示一个测验问题。
type QuizQuestion struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []string `json:"options"`
	// Answer 是正确选项在 Options 中的下标。
	Answer int `json:"answer"`
}

// Quiz 包含一组测验问题。
type Quiz struct {
	ID        string         `json:"id"`
	Skill     string         `json:"skill"`
	Questions []QuizQuestion `json:"questions"`
}

// ContentPackage 是一个学科的完整学习素材包。
type ContentPackage struct {
	ID      string   `json:"id"`
	Subject string   `json:"subject"`
	Title   string   `json:"title"`
	Cards   []Card   `json:"cards,omitempty"`
	Sorters []Sorter `json:"sorters,omitempty"`
	Quizzes []Quiz   `json:"quizzes,omitempty"`
}

// LearningSession 保存了一次学习会话的进度状态。
type LearningSession struct {
	// 唯一标识一次会话。
	SessionID string `json:"session_id"`
	// 本次会话的教学上下文。
	Subject  string `json:"subject"`
	Skill    string `json:"skill"`
	Subskill string `json:"subskill,omitempty"`

	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitempty"`

	// 练习进度统计。
	CardsSeen   int `json:"cards_seen"`
	QuizCorrect int `json:"quiz_correct"`
	QuizTotal   int `json:"quiz_total"`
	// 掌握度估计，范围 [0, 1]。
	MasteryEstimate float64 `json:"mastery_estimate"`
}

// TranscriptEvent 表示会话转写时间线中的一个事件。
type TranscriptEvent struct {
	// Seq 由存储层分配的单调序号，用于回放与幂等。
	Seq int64 `json:"seq,omitempty"`
	// SessionID 由存储层补齐，调用方可不传。
	SessionID string `json:"session_id,omitempty"`
	// EventID 用于去重与重试幂等，调用方可传 UUID。
	EventID string `json:"event_id,omitempty"`

	// Role 表示事件来源（user/tutor/system）。
	Role string `json:"role"`
	// Type 表示事件类型（text/listening/screen_share/state/error/...）。
	Type string `json:"type"`
	// Text 是文本内容或状态描述。
	Text string `json:"text,omitempty"`

	// ClientTS/ServerTS 用于对齐体验与回放，ServerTS 由存储层补齐。
	ClientTS time.Time `json:"client_ts,omitempty"`
	ServerTS time.Time `json:"server_ts,omitempty"`
}
