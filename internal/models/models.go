package models

import "time"

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	Email        string `gorm:"size:255"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Story struct {
	ID            uint   `gorm:"primaryKey"`
	Title         string `gorm:"size:200;not null"`
	Description   string `gorm:"type:text"`
	Genre         string `gorm:"size:64"`
	AuthorID      uint   `gorm:"index;not null"`
	Published     bool   `gorm:"index;not null;default:false"`
	PublishedAt   *time.Time
	Chapters      []Chapter      `gorm:"constraint:OnDelete:CASCADE"`
	Collaborators []Collaborator `gorm:"constraint:OnDelete:CASCADE"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Chapter 保存完整正文而非增量，Position 即协作事件里的 chapterIndex。
type Chapter struct {
	ID           uint   `gorm:"primaryKey"`
	StoryID      uint   `gorm:"uniqueIndex:idx_chapter_pos;not null"`
	Position     int    `gorm:"uniqueIndex:idx_chapter_pos;not null"`
	Title        string `gorm:"size:200"`
	Content      string `gorm:"type:text"`
	Published    bool   `gorm:"not null;default:false"`
	LastEditorID uint
	LastEditedAt time.Time
}

type Collaborator struct {
	ID        uint `gorm:"primaryKey"`
	StoryID   uint `gorm:"uniqueIndex:idx_collab;not null"`
	UserID    uint `gorm:"uniqueIndex:idx_collab;not null"`
	CreatedAt time.Time
}

type Comment struct {
	ID        uint   `gorm:"primaryKey"`
	StoryID   uint   `gorm:"index:idx_comment_story;not null"`
	UserID    uint   `gorm:"index;not null"`
	Content   string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

type Like struct {
	ID        uint `gorm:"primaryKey"`
	StoryID   uint `gorm:"uniqueIndex:idx_like;not null"`
	UserID    uint `gorm:"uniqueIndex:idx_like;not null"`
	CreatedAt time.Time
}

// RefreshToken 每次刷新都会轮换；SessionExpiresAt 在整条轮换链上保持不变。
type RefreshToken struct {
	ID               uint      `gorm:"primaryKey"`
	UserID           uint      `gorm:"index;not null"`
	Token            string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt        time.Time `gorm:"index;not null"`
	SessionExpiresAt time.Time `gorm:"not null"`
	RevokedAt        *time.Time
	CreatedAt        time.Time
}
