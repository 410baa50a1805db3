package collab

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// OperationID 由 (文档, 提交者, 消息 id, 版本) 确定性地推导，32 位 hex
func OperationID(docID, submitterID, messageID string, version uint64) string {
	h, _ := blake2b.New(16, nil)
	for _, part := range []string{docID, submitterID, messageID} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	var v [8]byte
	binary.BigEndian.PutUint64(v[:], version)
	h.Write(v[:])
	return hex.EncodeToString(h.Sum(nil))
}
