package broadcast

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabServer/backend/internal/oplog"
)

func decodeOp(t *testing.T, frame []byte) (string, OperationEvent) {
	t.Helper()
	var env struct {
		Type string         `json:"type"`
		Data OperationEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame, &env))
	return env.Type, env.Data
}

func TestPublishSkipsSender(t *testing.T) {
	r := NewRouter(8)
	a := r.Subscribe("doc", "A")
	b := r.Subscribe("doc", "B")
	other := r.Subscribe("doc-2", "C")

	r.Publish("doc", oplog.Record{
		DocumentID:  "doc",
		SubmitterID: "alice",
		OperationID: "op-1",
		ClientID:    "c1",
		Payload:     []byte{0xab, 0xcd},
		Version:     6,
	}, "A")

	select {
	case frame := <-b.Outbox():
		typ, op := decodeOp(t, frame)
		assert.Equal(t, "operation", typ)
		assert.Equal(t, uint64(6), op.Version)
		assert.Equal(t, "abcd", op.Operation.Payload)
		assert.Equal(t, "alice", op.UserID)
		assert.Equal(t, "op-1", op.Operation.ID)
	default:
		t.Fatal("B did not receive the operation")
	}
	assert.Empty(t, a.Outbox())
	assert.Empty(t, other.Outbox())
}

func TestPublishPreservesOrder(t *testing.T) {
	r := NewRouter(64)
	sub := r.Subscribe("doc", "B")
	for v := uint64(1); v <= 50; v++ {
		r.Publish("doc", oplog.Record{Version: v, Payload: []byte{1}}, "A")
	}
	for v := uint64(1); v <= 50; v++ {
		_, op := decodeOp(t, <-sub.Outbox())
		assert.Equal(t, v, op.Version)
	}
}

func TestFullOutboxDisconnectsSubscriber(t *testing.T) {
	r := NewRouter(2)
	slow := r.Subscribe("doc", "slow")
	fast := r.Subscribe("doc", "fast")

	for v := uint64(1); v <= 3; v++ {
		r.Publish("doc", oplog.Record{Version: v}, "")
		<-fast.Outbox()
	}

	assert.True(t, slow.Lagging())
	select {
	case <-slow.Done():
	default:
		t.Fatal("lagging subscriber should be disconnected")
	}
	assert.Equal(t, 1, r.Count("doc"))
	assert.False(t, fast.Lagging())
}

func TestResubscribeReplacesOld(t *testing.T) {
	r := NewRouter(4)
	old := r.Subscribe("doc", "A")
	cur := r.Subscribe("doc", "A")
	<-old.Done()

	r.Unsubscribe(old) // 旧订阅者退订不影响新的
	assert.Equal(t, 1, r.Count("doc"))

	assert.True(t, r.Disconnect("doc", "A"))
	<-cur.Done()
	assert.Equal(t, 0, r.Count("doc"))
	assert.False(t, r.Disconnect("doc", "A"))
}

func TestPublishEvent(t *testing.T) {
	r := NewRouter(4)
	sub := r.Subscribe("doc", "B")
	r.PublishEvent("doc", Event{Type: "cursor.update", Data: map[string]any{"user_id": "alice"}}, "A")

	var env map[string]any
	require.NoError(t, json.Unmarshal(<-sub.Outbox(), &env))
	assert.Equal(t, "cursor.update", env["type"])
}

func TestRedisRelayAcrossNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() redis.UniversalClient {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r1 := NewRouter(8)
	relay1 := NewRedisRelay(newClient(), "node-1", r1)
	r1.SetRelay(relay1)

	r2 := NewRouter(8)
	relay2 := NewRedisRelay(newClient(), "node-2", r2)
	r2.SetRelay(relay2)

	ready1, ready2 := make(chan struct{}), make(chan struct{})
	go func() { _ = relay1.Run(ctx, ready1) }()
	go func() { _ = relay2.Run(ctx, ready2) }()
	<-ready1
	<-ready2

	local := r1.Subscribe("doc", "L")
	remote := r2.Subscribe("doc", "R")
	sender := r2.Subscribe("doc", "S")

	r1.Publish("doc", oplog.Record{Version: 1, SubmitterID: "alice"}, "L")
	r2.PublishEvent("doc", Event{Type: "awareness"}, "R")

	select {
	case frame := <-remote.Outbox():
		_, op := decodeOp(t, frame)
		assert.Equal(t, uint64(1), op.Version)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not deliver to the other node")
	}

	select {
	case frame := <-local.Outbox():
		var env map[string]any
		require.NoError(t, json.Unmarshal(frame, &env))
		assert.Equal(t, "awareness", env["type"])
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not deliver the event")
	}

	// S 收到本地的 awareness 和 node-1 转发来的操作，各一次
	types := map[string]int{}
	for i := 0; i < 2; i++ {
		select {
		case frame := <-sender.Outbox():
			var env map[string]any
			require.NoError(t, json.Unmarshal(frame, &env))
			types[env["type"].(string)]++
		case <-time.After(2 * time.Second):
			t.Fatal("sender missed a frame")
		}
	}
	assert.Equal(t, map[string]int{"operation": 1, "awareness": 1}, types)

	// 自己发出的消息不会被自己的 relay 再投递一次
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, remote.Outbox())
	assert.Empty(t, sender.Outbox())
	assert.Empty(t, local.Outbox())
}

type recordingRelay struct {
	mu       sync.Mutex
	versions []uint64
}

func (f *recordingRelay) Forward(_ context.Context, _ string, version uint64, _ []byte, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions = append(f.versions, version)
	return nil
}

func opFrame(t *testing.T, v uint64) []byte {
	t.Helper()
	frame, err := OperationFrame(oplog.Record{Version: v, SubmitterID: "u"})
	require.NoError(t, err)
	return frame
}

// outboxVersions 读出 outbox 里现有的帧，操作帧记版本号，其他帧记 0
func outboxVersions(t *testing.T, sub *Subscriber) []uint64 {
	t.Helper()
	var out []uint64
	for {
		select {
		case frame := <-sub.Outbox():
			typ, op := decodeOp(t, frame)
			if typ != "operation" {
				op.Version = 0
			}
			out = append(out, op.Version)
		default:
			return out
		}
	}
}

func TestRelayedOpsDeliveredInVersionOrder(t *testing.T) {
	r := NewRouter(16)
	relay := &recordingRelay{}
	r.SetRelay(relay)
	r.SetHoldback(time.Hour)

	sub := r.Subscribe("doc", "C")
	r.Seed("doc", 5)

	// 另一个节点的 v7 先于 v6 到达
	r.DeliverRelayed("doc", 7, opFrame(t, 7), "")
	assert.Empty(t, outboxVersions(t, sub))
	// 非操作事件不排队
	r.PublishEvent("doc", Event{Type: "cursor.update"}, "")
	r.DeliverRelayed("doc", 6, opFrame(t, 6), "")
	assert.Equal(t, []uint64{0, 6, 7}, outboxVersions(t, sub))

	// 本地提交的 v9 等 v8 到达后才投递，但立即转发给其他节点
	r.Publish("doc", oplog.Record{Version: 9}, "")
	assert.Empty(t, outboxVersions(t, sub))
	r.DeliverRelayed("doc", 8, opFrame(t, 8), "")
	assert.Equal(t, []uint64{8, 9}, outboxVersions(t, sub))

	// 重复或迟到的版本丢弃
	r.DeliverRelayed("doc", 6, opFrame(t, 6), "")
	assert.Empty(t, outboxVersions(t, sub))

	relay.mu.Lock()
	assert.Equal(t, []uint64{0, 9}, relay.versions)
	relay.mu.Unlock()
}

func TestSeedDropsOpsCoveredByJoin(t *testing.T) {
	r := NewRouter(16)
	r.SetRelay(&recordingRelay{})
	r.SetHoldback(time.Hour)
	sub := r.Subscribe("doc", "C")

	// 订阅之后、读日志之前到达的操作
	r.DeliverRelayed("doc", 4, opFrame(t, 4), "")
	r.DeliverRelayed("doc", 5, opFrame(t, 5), "")
	r.Seed("doc", 4)
	assert.Equal(t, []uint64{5}, outboxVersions(t, sub))

	// 没有任何前序版本时第一个版本直接投递
	other := r.Subscribe("fresh", "D")
	r.DeliverRelayed("fresh", 1, opFrame(t, 1), "")
	assert.Equal(t, []uint64{1}, outboxVersions(t, other))
}

func TestHoldbackReleasesAfterMissingVersion(t *testing.T) {
	r := NewRouter(16)
	r.SetRelay(&recordingRelay{})
	r.SetHoldback(20 * time.Millisecond)
	sub := r.Subscribe("doc", "C")
	r.Seed("doc", 9)

	r.DeliverRelayed("doc", 12, opFrame(t, 12), "")
	r.DeliverRelayed("doc", 11, opFrame(t, 11), "")
	assert.Empty(t, outboxVersions(t, sub))

	var got []uint64
	require.Eventually(t, func() bool {
		got = append(got, outboxVersions(t, sub)...)
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{11, 12}, got)

	// v10 最终到达时已经太迟
	r.DeliverRelayed("doc", 10, opFrame(t, 10), "")
	r.DeliverRelayed("doc", 13, opFrame(t, 13), "")
	assert.Equal(t, []uint64{13}, outboxVersions(t, sub))
}

func TestRedisRelayReordersAcrossNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	newClient := func() redis.UniversalClient {
		c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rc := NewRouter(16)
	relayC := NewRedisRelay(newClient(), "node-c", rc)
	rc.SetRelay(relayC)
	rc.SetHoldback(time.Hour)
	ready := make(chan struct{})
	go func() { _ = relayC.Run(ctx, ready) }()
	<-ready

	sub := rc.Subscribe("doc", "C")
	rc.Seed("doc", 5)

	// 节点 B 的 v7 先于节点 A 的 v6 发布到 redis
	relayA := NewRedisRelay(newClient(), "node-a", NewRouter(1))
	relayB := NewRedisRelay(newClient(), "node-b", NewRouter(1))
	require.NoError(t, relayB.Forward(ctx, "doc", 7, opFrame(t, 7), ""))
	require.NoError(t, relayA.Forward(ctx, "doc", 6, opFrame(t, 6), ""))

	var got []uint64
	require.Eventually(t, func() bool {
		got = append(got, outboxVersions(t, sub)...)
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint64{6, 7}, got)
}
