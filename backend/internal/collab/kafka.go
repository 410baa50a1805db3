package collab

import (
	"time"

	"collabServer/backend/internal/oplog"
)

const EventOpApplied = "OP_APPLIED"

// DocOpEvent 操作落库后发往 kafka 的事件，按 docId 分区
type DocOpEvent struct {
	EventType   string    `json:"eventType"` // 固定 "OP_APPLIED"
	DocID       string    `json:"docId"`
	OperationID string    `json:"operationId"`
	Version     uint64    `json:"version"`
	SubmitterID string    `json:"submitterId"`
	ClientID    string    `json:"clientId,omitempty"`
	MessageID   string    `json:"messageId"`
	Payload     []byte    `json:"payload"`
	AppliedAt   time.Time `json:"appliedAt"`
}

func NewDocOpEvent(rec oplog.Record) DocOpEvent {
	return DocOpEvent{
		EventType:   EventOpApplied,
		DocID:       rec.DocumentID,
		OperationID: rec.OperationID,
		Version:     rec.Version,
		SubmitterID: rec.SubmitterID,
		ClientID:    rec.ClientID,
		MessageID:   rec.MessageID,
		Payload:     rec.Payload,
		AppliedAt:   time.UnixMicro(rec.SubmittedAt).UTC(),
	}
}
