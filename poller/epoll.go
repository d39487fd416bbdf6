//go:build linux

package poller

import (
	"fmt"
	"iter"
	"math"
	"runtime"
	"time"
	"unsafe"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// 每个 Selector 都有一个进程内唯一的 id，资源第一次注册时会记下这个 id，
// 之后再注册到别的 Selector 上会被拒绝
var nextID atomic.Uint64

// Selector 是对一个 epoll 实例的封装
type Selector struct {
	// 进程内唯一的 id，从 1 开始
	id uint64
	// epoll 对应的文件句柄
	epfd int
	// 保证 epfd 只被关闭一次
	closed atomic.Bool
}

var _ Poller = (*Selector)(nil)

// NewSelector 创建一个 Selector
func NewSelector() (*Selector, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	s := &Selector{
		id:   nextID.Inc(),
		epfd: epfd,
	}
	runtime.SetFinalizer(s, (*Selector).Close)
	log().Debug().Uint64("selector", s.id).Int("epfd", epfd).Log("selector created")
	return s, nil
}

func (s *Selector) ID() uint64 {
	return s.id
}

// Register 把 fd 加入 epoll，fd 已经注册过时返回 EEXIST
func (s *Selector) Register(fd int, token Token, interest Event, opts PollOpt) error {
	return s.ctl(unix.EPOLL_CTL_ADD, fd, token, interest, opts)
}

// Reregister 修改 fd 的注册信息，fd 没有注册过时返回 ENOENT
func (s *Selector) Reregister(fd int, token Token, interest Event, opts PollOpt) error {
	return s.ctl(unix.EPOLL_CTL_MOD, fd, token, interest, opts)
}

// Deregister 把 fd 从 epoll 中移除
func (s *Selector) Deregister(fd int) error {
	if s.closed.Load() {
		return ErrClosed
	}
	// 内核会忽略这个参数，但 2.6.9 之前的 linux 要求它不能是 nil
	var ev unix.EpollEvent
	err := unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, fd, &ev)
	runtime.KeepAlive(s)
	return err
}

// epfd 关闭后编号可能已经被别的文件复用，所以关闭后的 Selector 不能再发起任何系统调用
func (s *Selector) ctl(op int, fd int, token Token, interest Event, opts PollOpt) error {
	if s.closed.Load() {
		return ErrClosed
	}
	ev := unix.EpollEvent{Events: toEpoll(interest, opts)}
	setToken(&ev, token)
	err := unix.EpollCtl(s.epfd, op, fd, &ev)
	runtime.KeepAlive(s)
	return err
}

// Select 阻塞直到有事件就绪、超时或被信号打断，就绪的事件写入 events。
// timeout 为负数时无限等待。events 是零值时按 DefaultEventsCapacity 分配缓冲区。
func (s *Selector) Select(events *Events, timeout time.Duration) error {
	if s.closed.Load() {
		events.buf = events.buf[:0]
		return ErrClosed
	}
	if cap(events.buf) == 0 {
		events.buf = make([]unix.EpollEvent, 0, DefaultEventsCapacity)
	}
	buf := events.buf[:cap(events.buf)]
	n, err := unix.EpollWait(s.epfd, buf, timeoutMillis(timeout))
	runtime.KeepAlive(s)
	if err != nil {
		events.buf = events.buf[:0]
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	events.buf = buf[:n]
	return nil
}

// Close 关闭 epoll 句柄。多次调用是安全的；close 失败只记录日志，不返回错误。
func (s *Selector) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	runtime.SetFinalizer(s, nil)
	if err := unix.Close(s.epfd); err != nil {
		log().Warning().Uint64("selector", s.id).Int("epfd", s.epfd).Err(err).Log("failed to close selector")
		return nil
	}
	log().Debug().Uint64("selector", s.id).Log("selector closed")
	return nil
}

func (s *Selector) String() string {
	return fmt.Sprintf("Selector{id: %d, epfd: %d}", s.id, s.epfd)
}

// Events 是 Select 返回的就绪事件缓冲区，可以在多次 Select 之间复用
type Events struct {
	// len 是最近一次 Select 的就绪数量，cap 是可接收的最大数量
	buf []unix.EpollEvent
}

// NewEvents 创建容量为 capacity 的缓冲区，capacity <= 0 时使用 DefaultEventsCapacity
func NewEvents(capacity int) *Events {
	if capacity <= 0 {
		capacity = DefaultEventsCapacity
	}
	return &Events{buf: make([]unix.EpollEvent, 0, capacity)}
}

func (e *Events) Len() int { return len(e.buf) }

func (e *Events) Cap() int { return cap(e.buf) }

// Get 返回第 i 个就绪事件，i 超出 [0, Len()) 时 panic
func (e *Events) Get(i int) (Event, Token) {
	ev := &e.buf[i]
	return fromEpoll(ev.Events), getToken(ev)
}

// All 遍历最近一次 Select 的全部就绪事件
func (e *Events) All() iter.Seq2[Event, Token] {
	return func(yield func(Event, Token) bool) {
		for i := range e.buf {
			if !yield(e.Get(i)) {
				return
			}
		}
	}
}

// epoll_data 是一个 64 位的 union，在 x/sys 的 EpollEvent 中从 Fd 字段开始
func setToken(ev *unix.EpollEvent, token Token) {
	*(*uint64)(unsafe.Pointer(&ev.Fd)) = uint64(token)
}

func getToken(ev *unix.EpollEvent) Token {
	return Token(*(*uint64)(unsafe.Pointer(&ev.Fd)))
}

func toEpoll(interest Event, opts PollOpt) uint32 {
	var kind uint32
	if interest.IsReadable() {
		kind |= unix.EPOLLIN
	}
	if interest.IsWritable() {
		kind |= unix.EPOLLOUT
	}
	if interest.IsError() {
		kind |= unix.EPOLLERR
	}
	if interest.IsHup() {
		kind |= unix.EPOLLRDHUP
	}
	if opts.IsEdge() {
		kind |= unix.EPOLLET
	}
	if opts.IsOneshot() {
		kind |= unix.EPOLLONESHOT
	}
	if opts.IsLevel() {
		kind &^= unix.EPOLLET
	}
	return kind
}

func fromEpoll(kind uint32) Event {
	ev := EventNone
	if kind&unix.EPOLLIN != 0 {
		ev |= EventRead
	}
	if kind&unix.EPOLLOUT != 0 {
		ev |= EventWrite
	}
	if kind&unix.EPOLLERR != 0 {
		ev |= EventErr
	}
	if kind&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		ev |= EventHup
	}
	return ev
}

func timeoutMillis(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := timeout / time.Millisecond
	if timeout%time.Millisecond != 0 {
		ms++
	}
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}
