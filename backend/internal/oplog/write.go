package oplog

import (
	"context"
	"errors"
	"fmt"
)

// Append 在一个事务里校验并推进文档版本、写入日志。
// 返回值：
//   - (rec, nil)            写入成功
//   - (existing, ErrDuplicate) 同一 (文档, 提交者, 消息 id) 已存在，existing 为首次写入的记录
//   - (_, ErrVersionConflict)  rec.Version 不是 current_version+1，什么都没写
//
// 事务回滚时版本不会被占用。
func (s *Store) Append(ctx context.Context, rec Record) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("append: begin tx: %w", err)
	}
	// commit 之后是 no-op
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.d.ensureCounter, rec.DocumentID); err != nil {
		return Record{}, fmt.Errorf("append: ensure counter: %w", err)
	}

	var current uint64
	err = tx.QueryRowContext(ctx,
		`SELECT current_version FROM document_versions WHERE document_id = ?`+s.d.forUpdate,
		rec.DocumentID,
	).Scan(&current)
	if err != nil {
		return Record{}, fmt.Errorf("append: read counter: %w", err)
	}
	if rec.Version != current+1 {
		return Record{}, fmt.Errorf("append doc=%s current=%d got=%d: %w",
			rec.DocumentID, current, rec.Version, ErrVersionConflict)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO operation_logs
		(document_id, submitter_id, message_id, client_id, operation_id, payload, version, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.DocumentID,
		rec.SubmitterID,
		rec.MessageID,
		rec.ClientID,
		rec.OperationID,
		rec.Payload,
		rec.Version,
		rec.SubmittedAt,
	)
	if err != nil {
		if !s.d.isDuplicate(err) {
			return Record{}, fmt.Errorf("append: insert: %w", err)
		}
		// 先放掉事务（SQLite 只有一个连接），再查首次写入的记录
		_ = tx.Rollback()
		existing, ferr := s.FindByMessage(ctx, rec.DocumentID, rec.SubmitterID, rec.MessageID)
		if ferr != nil {
			if errors.Is(ferr, ErrNotFound) {
				// operation_id 撞了但消息不同，按重复处理，不带旧记录
				return Record{}, fmt.Errorf("append op=%s: %w", rec.OperationID, ErrDuplicate)
			}
			return Record{}, fmt.Errorf("append: load duplicate: %w", ferr)
		}
		return existing, ErrDuplicate
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE document_versions SET current_version = ? WHERE document_id = ?`,
		rec.Version, rec.DocumentID,
	); err != nil {
		return Record{}, fmt.Errorf("append: bump counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("append: commit: %w", err)
	}
	return rec, nil
}
