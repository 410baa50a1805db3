package cache

import "fmt"

// 键语义：
// - roomKey(docID):        文档在线会话（ZSet<sessionID, expireAtUnixMilli>，score=expireAt）
// - sessionsKey(docID):    会话详情（Hash<sessionID -> session JSON>）
// - sessionDocKey(sid):    会话所属文档（String）
// - docsKey():             有过在线会话的文档索引（Set<docID>），Sweep 用
// - idemKey(key):          去重标记（String，"pending" 或版本号）
// - lockKey(docID, res):   资源锁（String，值为持有者 sessionID）
// - docChannel(docID):     跨节点广播频道
//
// 同一文档的 key 都带 {docID:xxx} hash tag，集群下落在同一个 slot，Lua 脚本可以一起操作

const (
	keyRoomFmt       = "presence:room:{docID:%s}"
	keySessionsFmt   = "presence:room:sessions:{docID:%s}"
	keySessionDocFmt = "presence:session:%s"
	keyDocsSet       = "presence:docs"
	keyIdemFmt       = "idem:%s"
	keyLockFmt       = "lock:{docID:%s}:%s"
	channelDocFmt    = "collab:doc:%s"
)

func roomKey(docID string) string          { return fmt.Sprintf(keyRoomFmt, docID) }
func sessionsKey(docID string) string      { return fmt.Sprintf(keySessionsFmt, docID) }
func sessionDocKey(sessionID string) string { return fmt.Sprintf(keySessionDocFmt, sessionID) }
func docsKey() string                      { return keyDocsSet }
func idemKey(key string) string            { return fmt.Sprintf(keyIdemFmt, key) }
func lockKey(docID, resourceID string) string {
	return fmt.Sprintf(keyLockFmt, docID, resourceID)
}

// DocChannel 文档的 pub/sub 频道名
func DocChannel(docID string) string { return fmt.Sprintf(channelDocFmt, docID) }
