package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"collabServer/backend/internal/entity"
)

// DocumentStore 提供加入文档时需要的两个外部能力：鉴权和快照
type DocumentStore struct{ db *gorm.DB }

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

// CanJoin 文档所有者、协作者，或者公开文档
func (s *DocumentStore) CanJoin(ctx context.Context, principalID, docID string) (bool, error) {
	var doc entity.Document
	err := s.db.WithContext(ctx).Where("id = ?", docID).First(&doc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	if doc.Public || doc.OwnerID == principalID {
		return true, nil
	}

	var n int64
	err = s.db.WithContext(ctx).Model(&entity.DocumentMember{}).
		Where("document_id = ? AND user_id = ?", docID, principalID).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetBaseline 没有快照时返回 (nil, 0, nil)
func (s *DocumentStore) GetBaseline(ctx context.Context, docID string) ([]byte, uint64, error) {
	var snap entity.DocumentSnapshot
	err := s.db.WithContext(ctx).Where("document_id = ?", docID).First(&snap).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	return snap.State, snap.Version, nil
}
