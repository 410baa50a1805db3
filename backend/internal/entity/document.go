package entity

import "time"

// Document 文档元信息，由文档服务维护，这里只读
type Document struct {
	ID        string `gorm:"primaryKey;type:varchar(64)"`
	OwnerID   string `gorm:"type:varchar(64);index"`
	Title     string `gorm:"type:varchar(255)"`
	Public    bool   `gorm:"default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentMember 文档协作者
type DocumentMember struct {
	DocumentID string `gorm:"primaryKey;type:varchar(64)"`
	UserID     string `gorm:"primaryKey;type:varchar(64)"`
	Role       string `gorm:"type:varchar(16);default:editor"`
	CreatedAt  time.Time
}

// DocumentSnapshot 文档最近一次快照，Version 是快照包含的最后一个操作版本
type DocumentSnapshot struct {
	DocumentID string `gorm:"primaryKey;type:varchar(64)"`
	Version    uint64 `gorm:"not null;default:0"`
	State      []byte `gorm:"type:longblob"`
	UpdatedAt  time.Time
}
