package clock

import (
	"sync"
	"time"
)

// Clock 抽象当前时间，内存实现的 TTL 判断都走这里，测试里可以手动拨时间
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Real 返回系统时钟
func Real() Clock { return realClock{} }

// Manual 手动推进的时钟，并发安全
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance 向前拨动时间（d<0 时忽略，时间不倒流）
func (m *Manual) Advance(d time.Duration) {
	if d < 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}
