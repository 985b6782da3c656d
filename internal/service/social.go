package service

import (
	"context"
	"errors"
	"time"

	"storypad/internal/models"

	"gorm.io/gorm"
)

// SocialService 负责评论与点赞。
type SocialService struct {
	db *gorm.DB
}

func NewSocialService(db *gorm.DB) *SocialService {
	return &SocialService{db: db}
}

// CommentDTO 是对外输出的评论数据。
type CommentDTO struct {
	ID        uint      `json:"id"`
	StoryID   uint      `json:"storyId"`
	UserID    uint      `json:"userId"`
	Username  string    `json:"username"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s *SocialService) ensureStory(ctx context.Context, storyID uint) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Story{}).Where("id = ?", storyID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrStoryNotFound
	}
	return nil
}

func (s *SocialService) AddComment(ctx context.Context, storyID, userID uint, content string) (*CommentDTO, error) {
	if err := s.ensureStory(ctx, storyID); err != nil {
		return nil, err
	}
	c := models.Comment{StoryID: storyID, UserID: userID, Content: content}
	if err := s.db.WithContext(ctx).Create(&c).Error; err != nil {
		return nil, err
	}
	var user models.User
	if err := s.db.WithContext(ctx).Select("id", "username").First(&user, userID).Error; err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	return &CommentDTO{ID: c.ID, StoryID: storyID, UserID: userID, Username: user.Username, Content: c.Content, CreatedAt: c.CreatedAt}, nil
}

// ListComments 分页查询评论，按 id 升序返回。
func (s *SocialService) ListComments(ctx context.Context, storyID uint, limit int, beforeID uint) ([]CommentDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Where("story_id = ?", storyID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}
	var comments []models.Comment
	if err := q.Order("id desc").Limit(limit).Find(&comments).Error; err != nil {
		return nil, err
	}
	for i, j := 0, len(comments)-1; i < j; i, j = i+1, j-1 {
		comments[i], comments[j] = comments[j], comments[i]
	}

	usernames, err := s.resolveUsernames(ctx, comments)
	if err != nil {
		return nil, err
	}
	out := make([]CommentDTO, 0, len(comments))
	for _, c := range comments {
		out = append(out, CommentDTO{ID: c.ID, StoryID: c.StoryID, UserID: c.UserID, Username: usernames[c.UserID], Content: c.Content, CreatedAt: c.CreatedAt})
	}
	return out, nil
}

// ToggleLike 点赞或取消点赞，返回当前状态与总数。
func (s *SocialService) ToggleLike(ctx context.Context, storyID, userID uint) (bool, int64, error) {
	if err := s.ensureStory(ctx, storyID); err != nil {
		return false, 0, err
	}
	var liked bool
	var total int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("story_id = ? AND user_id = ?", storyID, userID).Delete(&models.Like{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			if err := tx.Create(&models.Like{StoryID: storyID, UserID: userID}).Error; err != nil {
				return err
			}
			liked = true
		}
		return tx.Model(&models.Like{}).Where("story_id = ?", storyID).Count(&total).Error
	})
	if err != nil {
		return false, 0, err
	}
	return liked, total, nil
}

func (s *SocialService) resolveUsernames(ctx context.Context, comments []models.Comment) (map[uint]string, error) {
	seen := make(map[uint]struct{}, len(comments))
	userIDs := make([]uint, 0, len(comments))
	for _, c := range comments {
		if _, ok := seen[c.UserID]; ok {
			continue
		}
		seen[c.UserID] = struct{}{}
		userIDs = append(userIDs, c.UserID)
	}
	usernames := make(map[uint]string, len(userIDs))
	if len(userIDs) > 0 {
		var users []models.User
		if err := s.db.WithContext(ctx).Select("id", "username").Where("id IN ?", userIDs).Find(&users).Error; err != nil {
			return nil, err
		}
		for _, u := range users {
			usernames[u.ID] = u.Username
		}
	}
	return usernames, nil
}
