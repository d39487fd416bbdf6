//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

// Package eventloop 在 poller 之上实现一个单线程的 reactor：
// 一个 goroutine 调用 Run 循环 Select 并分发事件，其他 goroutine 通过 Post 把任务交给它执行。
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/JemmyH/amio/poller"
	"github.com/eapache/queue"
	"github.com/joeycumines/logiface"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// WakeToken 是 Awakener 使用的保留 Token，Register 不会分配它
const WakeToken = poller.Token(math.MaxUint64)

var (
	ErrLoopClosed     = errors.New("eventloop: loop closed")
	ErrAlreadyRunning = errors.New("eventloop: already running")
)

// Handler 在 loop goroutine 中被调用，ev 是本次就绪的事件
type Handler func(ev poller.Event)

type EventLoop struct {
	selector *poller.Selector
	awakener *poller.Awakener
	events   *poller.Events
	opts     *options

	// 注册的事件数
	connCount atomic.Int64
	nextToken atomic.Uint64

	hmu sync.Mutex
	// 每个 Token 与对应的回调函数的映射
	handlers map[poller.Token]Handler

	mu sync.Mutex
	// 任务等待队列，Post 的任务不会马上执行，先放进这个队列，loop 被唤醒后整体取出依次执行
	tasks *queue.Queue

	running  atomic.Bool
	stopping atomic.Bool
	closed   atomic.Bool
}

// New 创建一个 EventLoop，需要调用 Run 才会开始处理事件
func New(opts ...Option) (*EventLoop, error) {
	o, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	sel, err := poller.NewSelector()
	if err != nil {
		return nil, err
	}
	aw, err := poller.NewAwakener()
	if err != nil {
		_ = sel.Close()
		return nil, err
	}
	if err := aw.Register(sel, WakeToken, poller.EventRead, poller.OptLevel); err != nil {
		_ = aw.Close()
		_ = sel.Close()
		return nil, fmt.Errorf("eventloop: register awakener: %w", err)
	}
	return &EventLoop{
		selector: sel,
		awakener: aw,
		events:   poller.NewEvents(o.eventsCapacity),
		opts:     o,
		handlers: make(map[poller.Token]Handler),
		tasks:    queue.New(),
	}, nil
}

// Selector 返回 loop 使用的 Selector
func (l *EventLoop) Selector() *poller.Selector {
	return l.selector
}

// ConnCount 返回当前注册的句柄数，不包括 Awakener
func (l *EventLoop) ConnCount() int64 {
	return l.connCount.Load()
}

// Register 分配一个新的 Token 并把 ev 注册到 loop 上，事件就绪时在 loop goroutine 中调用 h
func (l *EventLoop) Register(ev poller.Evented, interest poller.Event, opts poller.PollOpt, h Handler) (poller.Token, error) {
	if l.closed.Load() {
		return 0, ErrLoopClosed
	}
	token := poller.Token(l.nextToken.Inc())
	if token == WakeToken {
		token = poller.Token(l.nextToken.Inc())
	}

	l.hmu.Lock()
	l.handlers[token] = h
	l.hmu.Unlock()

	if err := ev.Register(l.selector, token, interest, opts); err != nil {
		l.hmu.Lock()
		delete(l.handlers, token)
		l.hmu.Unlock()
		return 0, err
	}
	l.connCount.Inc()
	return token, nil
}

// Modify 修改 ev 关注的事件，token 必须是 Register 返回的值
func (l *EventLoop) Modify(ev poller.Evented, token poller.Token, interest poller.Event, opts poller.PollOpt) error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	return ev.Reregister(l.selector, token, interest, opts)
}

// Deregister 取消注册，之后同一批就绪事件中属于 token 的部分也不会再分发。
// 内核拒绝取消时（例如 ev 属于别的 Selector）注册仍然有效，回调也保留；
// EBADF 和 ENOENT 说明内核里已经没有这个注册，回调照样清理，错误原样返回。
func (l *EventLoop) Deregister(ev poller.Evented, token poller.Token) error {
	if l.closed.Load() {
		l.forget(token)
		return ErrLoopClosed
	}
	err := ev.Deregister(l.selector)
	if err != nil && !errors.Is(err, unix.EBADF) && !errors.Is(err, unix.ENOENT) {
		return err
	}
	l.forget(token)
	return err
}

func (l *EventLoop) forget(token poller.Token) {
	l.hmu.Lock()
	_, ok := l.handlers[token]
	delete(l.handlers, token)
	l.hmu.Unlock()
	if ok {
		l.connCount.Dec()
	}
}

// Post 可以在任意 goroutine 中调用，task 会在 loop goroutine 中按提交顺序执行
func (l *EventLoop) Post(task func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed.Load() {
		return ErrLoopClosed
	}
	l.tasks.Add(task)
	return l.awakener.Wakeup()
}

// Run 在当前 goroutine 中运行事件循环，直到 Stop 被调用（返回 nil）、ctx 结束（返回 ctx.Err()）
// 或者 Select 出错。同一时间只能有一个 Run。
func (l *EventLoop) Run(ctx context.Context) error {
	if l.closed.Load() {
		return ErrLoopClosed
	}
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)

	stop := context.AfterFunc(ctx, func() { _ = l.awakener.Wakeup() })
	defer stop()

	l.log().Debug().Uint64("selector", l.selector.ID()).Log("event loop started")
	defer func() {
		l.log().Debug().Uint64("selector", l.selector.ID()).Log("event loop stopped")
	}()

	for {
		if l.stopping.CompareAndSwap(true, false) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.selector.Select(l.events, l.opts.pollTimeout); err != nil {
			l.log().Err().Err(err).Log("select failed")
			return err
		}
		for ev, token := range l.events.All() {
			if token == WakeToken {
				l.awakener.Cleanup()
				l.doPendingTasks()
				continue
			}
			l.dispatch(token, ev)
		}
	}
}

// Stop 让 Run 在处理完当前这批事件后返回。在 Run 开始之前调用时，下一次 Run 会立即返回。
func (l *EventLoop) Stop() {
	l.stopping.Store(true)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed.Load() {
		_ = l.awakener.Wakeup()
	}
}

// Close 释放 Selector 和 Awakener，不能在 Run 返回之前调用。重复调用返回 nil。
// 还没执行的任务会被丢弃。
func (l *EventLoop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if n := l.tasks.Length(); n > 0 {
		l.log().Warning().Int("tasks", n).Log("discarding pending tasks")
	}
	l.tasks = queue.New()
	return errors.Join(l.awakener.Close(), l.selector.Close())
}

func (l *EventLoop) dispatch(token poller.Token, ev poller.Event) {
	l.hmu.Lock()
	h, ok := l.handlers[token]
	l.hmu.Unlock()
	if !ok || h == nil {
		return
	}
	l.safeCall(func() { h(ev) }, token)
}

// doPendingTasks 一次性取出等待队列中的任务再逐个执行，执行期间新 Post 的任务留到下一轮
func (l *EventLoop) doPendingTasks() {
	l.mu.Lock()
	pending := make([]func(), 0, l.tasks.Length())
	for l.tasks.Length() > 0 {
		pending = append(pending, l.tasks.Remove().(func()))
	}
	l.mu.Unlock()

	for _, task := range pending {
		l.safeCall(task, WakeToken)
	}
}

func (l *EventLoop) safeCall(fn func(), token poller.Token) {
	defer func() {
		if r := recover(); r != nil {
			l.log().Err().Uint64("token", uint64(token)).Any("panic", r).Log("recovered from handler panic")
		}
	}()
	fn()
}

func (l *EventLoop) log() *logiface.Logger[logiface.Event] {
	return l.opts.logger
}
