//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd && !dragonfly

// Package poller 是对操作系统 I/O 就绪通知机制的封装。当前平台不受支持。
package poller
