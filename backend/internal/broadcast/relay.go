package broadcast

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/golang/glog"
	redis "github.com/redis/go-redis/v9"

	"collabServer/backend/internal/cache"
)

// 跨节点传输的信封
type relayMessage struct {
	Node    string          `json:"node"`
	Exclude string          `json:"exclude,omitempty"`
	Version uint64          `json:"version,omitempty"`
	Frame   json.RawMessage `json:"frame"`
}

// RedisRelay 通过 redis pub/sub 把帧转发给其他节点，收到自己发出的消息时忽略
type RedisRelay struct {
	rdb    redis.UniversalClient
	nodeID string
	router *Router
}

func NewRedisRelay(rdb redis.UniversalClient, nodeID string, router *Router) *RedisRelay {
	return &RedisRelay{rdb: rdb, nodeID: nodeID, router: router}
}

func (r *RedisRelay) Forward(ctx context.Context, docID string, version uint64, frame []byte, excludeSessionID string) error {
	b, err := json.Marshal(relayMessage{Node: r.nodeID, Exclude: excludeSessionID, Version: version, Frame: frame})
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, cache.DocChannel(docID), b).Err()
}

// Run 订阅所有文档频道直到 ctx 结束。ready 非 nil 时在订阅生效后关闭
func (r *RedisRelay) Run(ctx context.Context, ready chan<- struct{}) error {
	pattern := cache.DocChannel("*")
	prefix := strings.TrimSuffix(pattern, "*")

	pubsub := r.rdb.PSubscribe(ctx, pattern)
	defer pubsub.Close()
	// 等订阅确认，避免启动瞬间丢消息
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	if ready != nil {
		close(ready)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var rm relayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &rm); err != nil {
				glog.Warningf("relay: bad message on %s: %v", msg.Channel, err)
				continue
			}
			if rm.Node == r.nodeID {
				continue
			}
			docID := strings.TrimPrefix(msg.Channel, prefix)
			r.router.DeliverRelayed(docID, rm.Version, rm.Frame, rm.Exclude)
			if glog.V(2) {
				glog.Infof("relay: doc=%s from=%s v=%d", docID, rm.Node, rm.Version)
			}
		}
	}
}
