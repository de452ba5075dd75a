package hardware

import (
	"sort"
	"sync"

	"github.com/wfunc/slot-iocard/internal/errors"
)

// Codec 帧编解码器，负责起止标记、转义与校验
//
// 具体实现由外部提供并通过 RegisterCodec 注册，本包只依赖这个接口。
type Codec interface {
	// Encode 把一帧编码为可直接写入串口的字节
	Encode(f Frame) ([]byte, error)
	// NewDecoder 为一次连接创建有状态的流式解码器
	NewDecoder() FrameDecoder
}

// FrameDecoder 流式解码器，一个实例只服务一条连接
type FrameDecoder interface {
	// Feed 追加读到的字节，返回其中已完整的帧。
	// 返回错误表示丢弃了一段无法解析的数据，解码器仍可继续使用。
	Feed(p []byte) ([]ReceivedFrame, error)
}

var (
	codecsMu sync.RWMutex
	codecs   = make(map[string]Codec)
)

// RegisterCodec 注册帧编解码器，名称重复或 codec 为空时 panic
func RegisterCodec(name string, c Codec) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	if c == nil {
		panic("hardware: RegisterCodec codec is nil")
	}
	if _, dup := codecs[name]; dup {
		panic("hardware: RegisterCodec called twice for codec " + name)
	}
	codecs[name] = c
}

// LookupCodec 按名称查找已注册的编解码器
func LookupCodec(name string) (Codec, error) {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	if c, ok := codecs[name]; ok {
		return c, nil
	}
	return nil, errors.Newf(errors.ErrUnknownCodec, "codec=%q", name)
}

// Codecs 已注册的编解码器名称
func Codecs() []string {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	names := make([]string, 0, len(codecs))
	for name := range codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
