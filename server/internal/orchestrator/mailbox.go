package orchestrator

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// mailbox 为单个会话提供串行状态变更（Actor Model）。
// 解决问题：
// 1. 前台回复与后台评分并发修改同一份会话记录时的数据竞态
// 2. 保证变更与时间线事件的顺序一致
// 所有对 state 的读写都必须在 mailbox 的处理协程里执行，且不能在其中再次 call，否则会死锁。
type mailbox struct {
	ops  chan *queuedOp
	quit chan struct{}
	done chan struct{}
	once sync.Once
	log  *logrus.Entry

	mu        sync.Mutex
	total     int64
	processed int64
}

type queuedOp struct {
	apply     func()
	timestamp time.Time
	doneCh    chan struct{}
}

const (
	defaultMailboxCapacity = 64
	// 单次变更超过此耗时记录警告；变更本身只应操作内存。
	slowOpThreshold = 100 * time.Millisecond
)

func newMailbox(log *logrus.Entry) *mailbox {
	m := &mailbox{
		ops:  make(chan *queuedOp, defaultMailboxCapacity),
		quit: make(chan struct{}),
		done: make(chan struct{}),
		log:  log,
	}
	go m.loop()
	return m
}

// call 提交一次变更并等待其执行完成。
func (m *mailbox) call(fn func()) error {
	op, err := m.enqueue(fn)
	if err != nil {
		return err
	}
	select {
	case <-op.doneCh:
		return nil
	case <-m.done:
		// 处理协程可能恰好在关闭前执行完这条变更。
		select {
		case <-op.doneCh:
			return nil
		default:
			return ErrSessionClosed
		}
	}
}

// post 提交一次变更但不等待执行；队列满时阻塞直到有空位或邮箱关闭。
func (m *mailbox) post(fn func()) error {
	_, err := m.enqueue(fn)
	return err
}

func (m *mailbox) enqueue(fn func()) (*queuedOp, error) {
	select {
	case <-m.quit:
		return nil, ErrSessionClosed
	default:
	}

	op := &queuedOp{apply: fn, timestamp: time.Now(), doneCh: make(chan struct{})}
	select {
	case m.ops <- op:
		m.mu.Lock()
		m.total++
		m.mu.Unlock()
		return op, nil
	case <-m.quit:
		return nil, ErrSessionClosed
	}
}

// loop 串行执行变更（单协程）
func (m *mailbox) loop() {
	defer close(m.done)

	for {
		select {
		case <-m.quit:
			return
		case op := <-m.ops:
			m.process(op)
		}
	}
}

func (m *mailbox) process(op *queuedOp) {
	start := time.Now()
	op.apply()

	m.mu.Lock()
	m.processed++
	m.mu.Unlock()
	close(op.doneCh)

	if elapsed := time.Since(start); elapsed > slowOpThreshold {
		m.log.WithFields(logrus.Fields{
			"elapsed":       elapsed,
			"queue_latency": start.Sub(op.timestamp),
		}).Warn("[Mailbox] ⚠️  Slow state mutation")
	}
}

// close 停止处理协程；尚未执行的变更被丢弃，等待中的 call 返回 ErrSessionClosed。
func (m *mailbox) close() {
	m.once.Do(func() {
		close(m.quit)
		<-m.done

		st := m.stats()
		m.log.WithFields(logrus.Fields{
			"total":     st["total"],
			"processed": st["processed"],
			"pending":   st["pending"],
		}).Debug("[Mailbox] Closed")
	})
}

// stats 返回邮箱统计信息。
func (m *mailbox) stats() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int64{
		"total":     m.total,
		"processed": m.processed,
		"pending":   int64(len(m.ops)),
	}
}
