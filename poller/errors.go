//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package poller

import "errors"

var (
	// ErrClosed 表示在已关闭的句柄上操作
	ErrClosed = errors.New("poller: use of closed descriptor")

	// ErrSelectorMismatch 表示一个资源已经注册到某个 Selector 之后，又试图注册到另一个 Selector 上。
	// 这是调用方的逻辑错误，不应重试。
	ErrSelectorMismatch = errors.New("poller: resource is associated with a different selector")
)
