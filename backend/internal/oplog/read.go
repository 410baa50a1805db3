package oplog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const selectColumns = `document_id, submitter_id, message_id, client_id, operation_id, payload, version, submitted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var r Record
	err := row.Scan(
		&r.DocumentID,
		&r.SubmitterID,
		&r.MessageID,
		&r.ClientID,
		&r.OperationID,
		&r.Payload,
		&r.Version,
		&r.SubmittedAt,
	)
	return r, err
}

// Range 返回 [from, to] 闭区间内的记录，按版本升序。
// to == 0 表示读到最新；from < 1 按 1 处理。
// 结果为空时返回空切片而不是 nil。
func (s *Store) Range(ctx context.Context, docID string, from, to uint64) ([]Record, error) {
	if from < 1 {
		from = 1
	}
	if to == 0 {
		latest, err := s.Latest(ctx, docID)
		if err != nil {
			return nil, err
		}
		to = latest
	}
	if to < from {
		return []Record{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+`
		FROM operation_logs
		WHERE document_id = ? AND version >= ? AND version <= ?
		ORDER BY version ASC
	`, docID, from, to)
	if err != nil {
		return nil, fmt.Errorf("range: query: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, min(to-from+1, 1024))
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("range: scan: %w", err)
		}
		// 版本必须从 from 开始逐一递增
		if r.Version != from+uint64(len(records)) {
			return nil, fmt.Errorf("range doc=%s want=%d got=%d: %w",
				docID, from+uint64(len(records)), r.Version, ErrLogGap)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("range: iterate: %w", err)
	}
	return records, nil
}

// Latest 返回文档当前版本，没有任何操作时为 0
func (s *Store) Latest(ctx context.Context, docID string) (uint64, error) {
	var v uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT current_version FROM document_versions WHERE document_id = ?`,
		docID,
	).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("latest: %w", err)
	}
	return v, nil
}

// FindByMessage 按幂等键查找已落库的记录
func (s *Store) FindByMessage(ctx context.Context, docID, submitterID, messageID string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+selectColumns+`
		FROM operation_logs
		WHERE document_id = ? AND submitter_id = ? AND message_id = ?
	`, docID, submitterID, messageID)
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("find by message: %w", err)
	}
	return r, nil
}

// Count 文档的日志条数（测试和运维用）
func (s *Store) Count(ctx context.Context, docID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM operation_logs WHERE document_id = ?`, docID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}
