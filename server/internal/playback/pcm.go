package playback

import (
	"encoding/base64"
	"fmt"
	"time"
)

// DecodePCM16 将 Base64 编码的 PCM s16le 单声道载荷解码为 [-1.0, 1.0] 的浮点缓冲
// 线上的采样值是 16 位有符号整数，除以 32768 转为浮点；
// 该转换必须精确，否则会引入可闻的量化噪声
func DecodePCM16(data string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode pcm base64: %w", err)
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("decode pcm: odd byte count %d", len(raw))
	}

	samples := make([]float32, len(raw)/2)
	for i := range samples {
		s := int16(uint16(raw[2*i]) | uint16(raw[2*i+1])<<8)
		samples[i] = float32(s) / 32768.0
	}
	return samples, nil
}

// EncodePCM16 将浮点缓冲编码回 PCM s16le 字节流（供输出设备使用）
// 超出 [-1.0, 1.0] 的采样值做硬削波
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		if v > 1.0 {
			v = 1.0
		} else if v < -1.0 {
			v = -1.0
		}
		s := int16(v * 32767.0)
		out[2*i] = byte(s)
		out[2*i+1] = byte(s >> 8)
	}
	return out
}

// Duration 计算单声道浮点缓冲在给定采样率下的播放时长
func Duration(sampleCount, sampleRate int) time.Duration {
	if sampleRate <= 0 || sampleCount <= 0 {
		return 0
	}
	return time.Duration(sampleCount) * time.Second / time.Duration(sampleRate)
}
