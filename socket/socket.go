//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

// Package socket 提供非阻塞 socket 的基础操作，直接映射到系统调用，错误原样返回。
//
// 非阻塞 connect 返回 EINPROGRESS 时不是错误，而是 InProgress；
// 非阻塞 accept / recvfrom 没有数据时返回 unix.EAGAIN，用 IsWouldBlock 判断。
package socket

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ConnectState 是非阻塞 connect 的结果
type ConnectState int

const (
	// Connected 连接已经建立
	Connected ConnectState = iota + 1
	// InProgress 连接正在建立，注册可写事件，可写之后用 TakeError 检查结果
	InProgress
)

func (s ConnectState) String() string {
	switch s {
	case Connected:
		return "connected"
	case InProgress:
		return "in progress"
	}
	return "unknown"
}

// Connect 发起连接，只有 EINPROGRESS 会被当作 InProgress，其他错误原样返回
func Connect(fd int, sa unix.Sockaddr) (ConnectState, error) {
	switch err := unix.Connect(fd, sa); err {
	case nil:
		return Connected, nil
	case unix.EINPROGRESS:
		return InProgress, nil
	default:
		return 0, err
	}
}

// TakeError 读取并清除 SO_ERROR，用于在可写之后确认非阻塞 connect 的结果
func TakeError(fd int) error {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if v != 0 {
		return unix.Errno(v)
	}
	return nil
}

func Bind(fd int, sa unix.Sockaddr) error {
	return unix.Bind(fd, sa)
}

func Listen(fd int, backlog int) error {
	return unix.Listen(fd, backlog)
}

// RecvFrom 接收一个数据报，非阻塞句柄上没有数据时返回 unix.EAGAIN
func RecvFrom(fd int, p []byte) (int, unix.Sockaddr, error) {
	return unix.Recvfrom(fd, p, 0)
}

// SendTo 发送一个数据报。不管句柄本身是否阻塞，总是使用 MSG_DONTWAIT
func SendTo(fd int, p []byte, to unix.Sockaddr) (int, error) {
	return unix.SendmsgN(fd, p, nil, to, unix.MSG_DONTWAIT)
}

func GetSockName(fd int) (unix.Sockaddr, error) {
	return unix.Getsockname(fd)
}

func GetPeerName(fd int) (unix.Sockaddr, error) {
	return unix.Getpeername(fd)
}

// Dup 复制句柄，新句柄带 close-on-exec。两个句柄共享同一个打开的文件，但各自独立关闭。
func Dup(fd int) (int, error) {
	return unix.FcntlInt(uintptr(fd), unix.F_DUPFD_CLOEXEC, 0)
}

// Shutdown how 取 unix.SHUT_RD、unix.SHUT_WR 或 unix.SHUT_RDWR
func Shutdown(fd int, how int) error {
	return unix.Shutdown(fd, how)
}

// IsWouldBlock 判断 err 是否表示“暂时没有数据 / 暂时不能写”
func IsWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

// IsInProgress 判断 err 是否是 EINPROGRESS，Connect 已经处理了这种情况，
// 这里给直接调用 unix.Connect 的地方使用
func IsInProgress(err error) bool {
	return errors.Is(err, unix.EINPROGRESS)
}
