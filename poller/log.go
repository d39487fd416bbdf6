//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package poller

import (
	"github.com/joeycumines/logiface"
	"go.uber.org/atomic"
)

// 包级别的 logger，默认为 nil，即不输出任何日志
var logger atomic.Pointer[logiface.Logger[logiface.Event]]

// SetLogger 设置包级别的 logger，传 nil 关闭日志
func SetLogger(l *logiface.Logger[logiface.Event]) {
	logger.Store(l)
}

func log() *logiface.Logger[logiface.Event] {
	return logger.Load()
}
