package broadcast

import (
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
)

// DefaultHoldback 跨节点时乱序到达的操作最多等这么久，超时后按版本顺序放行
const DefaultHoldback = 250 * time.Millisecond

// docOrder 一个文档在本节点的投递进度。
// 多节点下本地提交和 relay 转发的操作都经过这里，保证订阅者按版本递增收到
type docOrder struct {
	mu      sync.Mutex
	last    uint64 // 已投递的最大版本
	seeded  bool
	dropped bool
	pending map[uint64]orderedFrame
	timer   *time.Timer
}

type orderedFrame struct {
	frame   []byte
	exclude string
}

// Seed 用加入时读到的当前版本初始化文档进度，只在第一次生效。
// 不高于这个版本的操作已经包含在加入结果里
func (r *Router) Seed(docID string, version uint64) {
	if r.relay == nil {
		return
	}
	st := r.orderFor(docID, true)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.seeded || st.dropped {
		return
	}
	st.seeded = true
	if version > st.last {
		st.last = version
	}
	r.drainLocked(docID, st)
}

func (r *Router) orderFor(docID string, create bool) *docOrder {
	r.orderMu.Lock()
	defer r.orderMu.Unlock()
	st := r.order[docID]
	if st == nil && create && r.Count(docID) > 0 {
		st = &docOrder{pending: make(map[uint64]orderedFrame)}
		r.order[docID] = st
	}
	return st
}

// dropOrder 文档在本节点没有订阅者后丢弃进度。
// 可能由投递过程中的退订触发，所以在单独的 goroutine 里调用
func (r *Router) dropOrder(docID string) {
	r.orderMu.Lock()
	st := r.order[docID]
	if st == nil || r.Count(docID) > 0 {
		r.orderMu.Unlock()
		return
	}
	delete(r.order, docID)
	r.orderMu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()
	st.dropped = true
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}

// deliverOrdered 按版本顺序投递：正好是下一个版本就立即投递，
// 出现空洞时先缓存，等前面的版本到达或 holdback 超时
func (r *Router) deliverOrdered(docID string, version uint64, frame []byte, excludeSessionID string) {
	st := r.orderFor(docID, true)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.dropped {
		return
	}

	switch {
	case version <= st.last:
		// 已经包含在加入结果里，或者超时放行后才到达
		if glog.V(1) {
			glog.Infof("broadcast: drop late op doc=%s v=%d last=%d", docID, version, st.last)
		}
	case version == st.last+1:
		r.DeliverLocal(docID, frame, excludeSessionID)
		st.last = version
		r.drainLocked(docID, st)
	default:
		st.pending[version] = orderedFrame{frame: frame, exclude: excludeSessionID}
		if st.timer == nil {
			st.timer = time.AfterFunc(r.holdback, func() { r.flush(docID, st) })
		}
	}
}

func (r *Router) drainLocked(docID string, st *docOrder) {
	for v := range st.pending {
		if v <= st.last {
			delete(st.pending, v)
		}
	}
	for {
		f, ok := st.pending[st.last+1]
		if !ok {
			break
		}
		delete(st.pending, st.last+1)
		r.DeliverLocal(docID, f.frame, f.exclude)
		st.last++
	}
	if len(st.pending) == 0 && st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
}

// flush 缺失的版本没等到（pub/sub 丢消息或发送方宕机），按顺序放行缓存的操作。
// 客户端发现版本不连续时用 sync 补齐
func (r *Router) flush(docID string, st *docOrder) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.timer = nil
	if st.dropped || len(st.pending) == 0 {
		return
	}
	versions := make([]uint64, 0, len(st.pending))
	for v := range st.pending {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	glog.Warningf("broadcast: doc=%s missing v%d..v%d, releasing %d held ops",
		docID, st.last+1, versions[0]-1, len(versions))
	for _, v := range versions {
		f := st.pending[v]
		r.DeliverLocal(docID, f.frame, f.exclude)
		st.last = v
	}
	st.pending = make(map[uint64]orderedFrame)
}
