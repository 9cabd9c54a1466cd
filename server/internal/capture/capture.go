// Package capture 实现上行采集管线：麦克风音频与屏幕帧
// 管线只负责采集、编码和节流，发送经由 Sender 抽象交给会话层
package capture

import (
	"context"
	"errors"
	"image"
)

var (
	// ErrNotConnected 在会话未连接时启动采集返回
	// 采集启动前必须先检查连接状态，再触碰设备（权限弹窗不能白弹）
	ErrNotConnected = errors.New("capture: session not connected")

	// ErrPermissionDenied 表示用户拒绝了设备授权
	ErrPermissionDenied = errors.New("capture: permission denied")

	// ErrDeviceUnavailable 表示设备不存在或无法打开
	ErrDeviceUnavailable = errors.New("capture: device unavailable")

	// ErrSourceClosed 表示采集源已被外部关闭（如用户在系统层撤销共享）
	ErrSourceClosed = errors.New("capture: source closed")
)

// Sender 是采集管线的下行出口，由会话层实现
type Sender interface {
	// Connected 报告会话当前是否处于已连接状态
	Connected() bool
	// SendAudioFrame 以二进制帧发送一段 s16le 单声道 PCM
	SendAudioFrame(frame []byte) error
	// SendScreen 发送一帧 Base64 编码的 JPEG 截屏
	SendScreen(dataB64 string) error
	// SendEndOfTurn 通知对端用户发言结束
	SendEndOfTurn() error
}

// AudioSource 是麦克风设备抽象，按帧产出 s16le 单声道 PCM
type AudioSource interface {
	// ReadFrame 阻塞读取一帧音频；源关闭后返回 ErrSourceClosed 或 io.EOF
	ReadFrame() ([]byte, error)
	// Close 释放设备并解除 ReadFrame 的阻塞；必须容忍重复调用
	Close() error
}

// AudioSourceOpener 打开麦克风设备并返回采样率
// 打开过程可能触发系统权限弹窗，期间会话状态可能已经变化，
// 调用方必须在打开返回后重新检查连接状态
type AudioSourceOpener func(ctx context.Context) (AudioSource, int, error)

// DisplaySource 是屏幕采集源抽象，按需抓取单帧
type DisplaySource interface {
	// Frame 抓取当前屏幕的一帧；源被外部撤销后返回 ErrSourceClosed
	Frame(ctx context.Context) (image.Image, error)
	Close() error
}

// DisplaySourceOpener 打开屏幕采集源（可能触发系统授权流程）
type DisplaySourceOpener func(ctx context.Context) (DisplaySource, error)
