package protocol

// MessageType 定义了会话通道上的消息类型
type MessageType string

const (
	// MessageTypeText 文本消息（双向）
	// 出站时可携带 is_system_message / end_of_turn 标记
	MessageTypeText MessageType = "text"
	// MessageTypeAudio 音频消息（入站）：Base64 编码的 PCM s16le 单声道
	MessageTypeAudio MessageType = "audio"
	// MessageTypeScreen 屏幕帧消息（出站）：Base64 编码的 JPEG 图像
	MessageTypeScreen MessageType = "screen"
	// MessageTypeError 错误消息（入站）
	MessageTypeError MessageType = "error"
	// MessageTypeEndConversation 会话结束控制消息（出站）
	MessageTypeEndConversation MessageType = "end_conversation"
)

// DefaultSampleRate 入站音频未声明采样率时的默认值（Hz）
const DefaultSampleRate = 24000

// Message 是会话通道上的消息联合体
// 按 Type 判别；一条消息构造后不可变，且只在一个方向上传输
type Message struct {
	Type MessageType `json:"type"`

	// 文本消息字段
	Content         string `json:"content,omitempty"`
	IsSystemMessage bool   `json:"is_system_message,omitempty"`
	EndOfTurn       bool   `json:"end_of_turn,omitempty"`

	// 音频/屏幕消息字段：Base64 编码的载荷
	Data       string `json:"data,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`

	// 错误消息字段
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

// SampleRateOrDefault 返回消息声明的采样率，缺省时回退到 DefaultSampleRate
func (m *Message) SampleRateOrDefault() int {
	if m.SampleRate > 0 {
		return m.SampleRate
	}
	return DefaultSampleRate
}
