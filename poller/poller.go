//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

// Package poller 是对操作系统 I/O 就绪通知机制（Linux 上的 epoll，BSD/macOS 上的 kqueue）的封装。
//
// 调用方把文件句柄连同一个 Token 和感兴趣的事件注册到 Selector 上，
// 然后反复调用 Selector.Select 填充 Events，再根据 Token 找回对应的资源：
//
//	sel, err := poller.NewSelector()
//	if err != nil {
//		return err
//	}
//	defer sel.Close()
//
//	events := poller.NewEvents(0)
//	for {
//		if err := sel.Select(events, poller.Forever); err != nil {
//			return err
//		}
//		for ev, token := range events.All() {
//			// ...
//		}
//	}
//
// Selector 不做内部加锁：同一个 Selector 同一时刻只能有一个 goroutine 调用 Select。
// 需要从别的 goroutine 打断阻塞中的 Select 时，使用 Awakener。
package poller

import (
	"strings"
	"time"
)

// Event 是就绪事件的位集合，既用来表达注册时感兴趣的事件，也用来表达 Select 返回的就绪事件
type Event uint8

const (
	EventRead  Event = 1 << iota // 可读
	EventWrite                   // 可写
	EventErr                     // 出错，只会由内核报告
	EventHup                     // 挂断 / 对端关闭
	EventNone  Event = 0
)

func (e Event) IsReadable() bool { return e&EventRead != 0 }
func (e Event) IsWritable() bool { return e&EventWrite != 0 }
func (e Event) IsError() bool { return e&EventErr != 0 }
func (e Event) IsHup() bool { return e&EventHup != 0 }

// Union 返回两个集合的并集
func (e Event) Union(o Event) Event { return e | o }

// Contains 判断 o 中的每一位是否都在 e 中
func (e Event) Contains(o Event) bool { return e&o == o }

func (e Event) String() string {
	if e == EventNone {
		return "none"
	}
	var parts []string
	if e.IsReadable() {
		parts = append(parts, "read")
	}
	if e.IsWritable() {
		parts = append(parts, "write")
	}
	if e.IsError() {
		parts = append(parts, "err")
	}
	if e.IsHup() {
		parts = append(parts, "hup")
	}
	return strings.Join(parts, "|")
}

// PollOpt 是注册选项：边缘触发、水平触发、一次性触发
type PollOpt uint8

const (
	OptEdge PollOpt = 1 << iota
	// OptLevel 与 OptEdge 同时出现时，以水平触发为准
	OptLevel
	// OptOneshot 事件投递一次后内核自动停止关注，需要 Reregister 才能继续收到事件
	OptOneshot
)

func (o PollOpt) IsEdge() bool { return o&OptEdge != 0 }
func (o PollOpt) IsLevel() bool { return o&OptLevel != 0 }
func (o PollOpt) IsOneshot() bool { return o&OptOneshot != 0 }

func (o PollOpt) Union(other PollOpt) PollOpt { return o | other }
func (o PollOpt) Contains(other PollOpt) bool { return o&other == other }

func (o PollOpt) String() string {
	var parts []string
	if o.IsEdge() {
		parts = append(parts, "edge")
	}
	if o.IsLevel() {
		parts = append(parts, "level")
	}
	if o.IsOneshot() {
		parts = append(parts, "oneshot")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Token 是调用方附加在注册上的标识，内核原样带回；唯一性由调用方保证
type Token uint64

const (
	// Forever 作为 Select 的超时参数表示无限等待
	Forever time.Duration = -1

	// DefaultEventsCapacity 是 NewEvents 的默认容量
	DefaultEventsCapacity = 1024
)

// Poller 是各平台 Selector 共同提供的能力集合
type Poller interface {
	ID() uint64
	Register(fd int, token Token, interest Event, opts PollOpt) error
	Reregister(fd int, token Token, interest Event, opts PollOpt) error
	Deregister(fd int) error
	Select(events *Events, timeout time.Duration) error
	Close() error
}

// Evented 是可以注册到 Selector 上的资源
type Evented interface {
	Register(sel *Selector, token Token, interest Event, opts PollOpt) error
	Reregister(sel *Selector, token Token, interest Event, opts PollOpt) error
	Deregister(sel *Selector) error
}
