//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package poller

import (
	"errors"

	"golang.org/x/sys/unix"
)

var wakeBytes = []byte{1}

// Awakener 用来从其他 goroutine 唤醒阻塞在 Select 上的 Selector。
//
// 它是一个管道：Wakeup 往写端写一个字节，读端注册在 Selector 上，于是 Select 返回一个可读事件；
// 调用方看到 Awakener 的 Token 后调用 Cleanup 把管道读空。多次 Wakeup 可能合并成一个事件。
type Awakener struct {
	reader *FD
	writer *FD
}

var _ Evented = (*Awakener)(nil)

// NewAwakener 创建一个 Awakener
func NewAwakener() (*Awakener, error) {
	r, w, err := Pipe()
	if err != nil {
		return nil, err
	}
	return &Awakener{reader: r, writer: w}, nil
}

// Wakeup 可以在任意 goroutine 中调用。
// 管道写满时返回 nil：管道里已经有数据，读端必然还有一个可读事件没被处理。
func (a *Awakener) Wakeup() error {
	_, err := a.writer.Write(wakeBytes)
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

// Cleanup 读空管道中的所有数据
func (a *Awakener) Cleanup() {
	var buf [128]byte
	for {
		n, err := a.reader.Read(buf[:])
		if err != nil || n <= 0 {
			return
		}
	}
}

// Close 关闭管道的两端
func (a *Awakener) Close() error {
	return errors.Join(a.reader.Close(), a.writer.Close())
}

// Fd 返回注册到 Selector 上的读端句柄
func (a *Awakener) Fd() int {
	return a.reader.Fd()
}

func (a *Awakener) Register(sel *Selector, token Token, interest Event, opts PollOpt) error {
	return a.reader.Register(sel, token, interest, opts)
}

func (a *Awakener) Reregister(sel *Selector, token Token, interest Event, opts PollOpt) error {
	return a.reader.Reregister(sel, token, interest, opts)
}

func (a *Awakener) Deregister(sel *Selector) error {
	return a.reader.Deregister(sel)
}
