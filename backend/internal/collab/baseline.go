package collab

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"
)

// Authorizer 用户能否加入文档（外部系统）
type Authorizer interface {
	CanJoin(ctx context.Context, principalID, docID string) (bool, error)
}

// BaselineProvider 文档的最近快照及其对应版本（外部系统）；没有快照时返回 (nil, 0, nil)
type BaselineProvider interface {
	GetBaseline(ctx context.Context, docID string) ([]byte, uint64, error)
}

type Baseline struct {
	State   []byte
	Version uint64
}

const defaultBaselineTimeout = 10 * time.Second

// baselineLoader 同一文档并发加入时只取一次快照
type baselineLoader struct {
	provider BaselineProvider
	group    singleflight.Group
	timeout  time.Duration
}

// load 共享的读取不跟随任何一个调用方的 ctx，调用方取消时只有它自己返回
func (l *baselineLoader) load(ctx context.Context, docID string) (Baseline, error) {
	if l.provider == nil {
		return Baseline{}, nil
	}
	timeout := l.timeout
	if timeout <= 0 {
		timeout = defaultBaselineTimeout
	}
	ch := l.group.DoChan(docID, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		state, version, err := l.provider.GetBaseline(fetchCtx, docID)
		if err != nil {
			return Baseline{}, err
		}
		return Baseline{State: state, Version: version}, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Baseline{}, res.Err
		}
		return res.Val.(Baseline), nil
	case <-ctx.Done():
		return Baseline{}, ctx.Err()
	}
}

// allowAll 未配置鉴权时使用（单机开发）
type allowAll struct{}

func (allowAll) CanJoin(context.Context, string, string) (bool, error) { return true, nil }
