package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// DecodeError 表示线协议解码失败
// 解码必须是全函数：畸形或未识别的载荷返回 DecodeError 而不是 panic，
// 调用方记录日志并丢弃该帧，会话通道保持打开
type DecodeError struct {
	Reason string
	Raw    []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message: %s", e.Reason)
}

// Encode 将消息序列化为线上的 JSON 文本帧
func Encode(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("encode message: nil message")
	}
	switch msg.Type {
	case MessageTypeText, MessageTypeAudio, MessageTypeScreen,
		MessageTypeError, MessageTypeEndConversation:
	default:
		return nil, fmt.Errorf("encode message: unknown type %q", msg.Type)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode 将线上的 JSON 文本帧解析为消息
// 先解析 type 信封再校验载荷，任何失败都返回 *DecodeError
func Decode(data []byte) (*Message, error) {
	var envelope struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid json: %v", err), Raw: data}
	}
	if envelope.Type == "" {
		return nil, &DecodeError{Reason: "missing type", Raw: data}
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &DecodeError{Reason: fmt.Sprintf("invalid payload: %v", err), Raw: data}
	}

	switch msg.Type {
	case MessageTypeText, MessageTypeEndConversation:
		return &msg, nil
	case MessageTypeError:
		if msg.Error == "" {
			return nil, &DecodeError{Reason: "error message missing error field", Raw: data}
		}
		return &msg, nil
	case MessageTypeAudio, MessageTypeScreen:
		if msg.Data == "" {
			return nil, &DecodeError{Reason: fmt.Sprintf("%s message missing data", msg.Type), Raw: data}
		}
		if _, err := base64.StdEncoding.DecodeString(msg.Data); err != nil {
			return nil, &DecodeError{Reason: fmt.Sprintf("%s data is not valid base64: %v", msg.Type, err), Raw: data}
		}
		return &msg, nil
	default:
		return nil, &DecodeError{Reason: fmt.Sprintf("unrecognized type %q", msg.Type), Raw: data}
	}
}
