//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package poller

import (
	"fmt"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// FD 持有一个系统文件句柄，Close 时关闭它。
//
// FD 会记住第一次注册成功的 Selector 的 id，之后不能再注册到其他 Selector 上，
// 即使中间调用过 Deregister。
type FD struct {
	fd int
	// 关联的 Selector id，0 表示还没有注册过
	selector atomic.Uint64
	closed   atomic.Bool
}

var _ Evented = (*FD)(nil)

// NewFD 接管 fd 的所有权
func NewFD(fd int) *FD {
	return &FD{fd: fd}
}

// Fd 返回系统文件句柄
func (f *FD) Fd() int {
	return f.fd
}

// Read 直接调用 read(2)；非阻塞句柄上没有数据时返回 unix.EAGAIN
func (f *FD) Read(p []byte) (int, error) {
	if f.closed.Load() {
		return 0, ErrClosed
	}
	n, err := unix.Read(f.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

// Write 直接调用 write(2)；非阻塞句柄上缓冲区满时返回 unix.EAGAIN
func (f *FD) Write(p []byte) (int, error) {
	if f.closed.Load() {
		return 0, ErrClosed
	}
	n, err := unix.Write(f.fd, p)
	if n < 0 {
		n = 0
	}
	return n, err
}

// Close 关闭句柄，重复调用返回 ErrClosed
func (f *FD) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return unix.Close(f.fd)
}

func (f *FD) Register(sel *Selector, token Token, interest Event, opts PollOpt) error {
	claimed, err := f.associate(sel)
	if err != nil {
		return err
	}
	if err := sel.Register(f.fd, token, interest, opts); err != nil {
		if claimed {
			f.selector.CompareAndSwap(sel.ID(), 0)
		}
		return err
	}
	return nil
}

func (f *FD) Reregister(sel *Selector, token Token, interest Event, opts PollOpt) error {
	if err := f.check(sel); err != nil {
		return err
	}
	return sel.Reregister(f.fd, token, interest, opts)
}

func (f *FD) Deregister(sel *Selector) error {
	if err := f.check(sel); err != nil {
		return err
	}
	return sel.Deregister(f.fd)
}

// associate 在 FD 还没有关联 Selector 时关联 sel，claimed 表示这次调用完成了关联
func (f *FD) associate(sel *Selector) (claimed bool, err error) {
	if f.selector.CompareAndSwap(0, sel.ID()) {
		return true, nil
	}
	return false, f.check(sel)
}

func (f *FD) check(sel *Selector) error {
	if id := f.selector.Load(); id != 0 && id != sel.ID() {
		return fmt.Errorf("fd %d: registered with selector %d, not %d: %w", f.fd, id, sel.ID(), ErrSelectorMismatch)
	}
	return nil
}

func (f *FD) String() string {
	return fmt.Sprintf("FD{fd: %d}", f.fd)
}
