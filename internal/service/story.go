package service

import (
	"context"
	"errors"
	"time"

	"storypad/internal/models"

	"gorm.io/gorm"
)

// StoryService 封装故事与章节的读写。协作编辑只走中继，落库由客户端主动保存整份章节数组。
type StoryService struct {
	db  *gorm.DB
	now func() time.Time
}

func NewStoryService(db *gorm.DB) *StoryService {
	return &StoryService{db: db, now: time.Now}
}

type ChapterDTO struct {
	Index        int       `json:"index"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	Published    bool      `json:"published"`
	LastEditorID uint      `json:"lastEditorId,omitempty"`
	LastEditedAt time.Time `json:"lastEditedAt"`
}

type StoryDTO struct {
	ID            uint         `json:"id"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	Genre         string       `json:"genre"`
	AuthorID      uint         `json:"authorId"`
	Published     bool         `json:"published"`
	PublishedAt   *time.Time   `json:"publishedAt,omitempty"`
	Chapters      []ChapterDTO `json:"chapters"`
	Collaborators []uint       `json:"collaborators"`
	Likes         int64        `json:"likes"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// ChapterInput 是保存时客户端提交的一章；数组下标即章节序号。
type ChapterInput struct {
	Title     string `json:"title"`
	Content   string `json:"content"`
	Published bool   `json:"published"`
}

type CreateStoryInput struct {
	Title       string
	Description string
	Genre       string
}

// Create 新建故事并附带一个空白的第一章。
func (s *StoryService) Create(ctx context.Context, authorID uint, in CreateStoryInput) (*StoryDTO, error) {
	story := models.Story{
		Title:       in.Title,
		Description: in.Description,
		Genre:       in.Genre,
		AuthorID:    authorID,
		Chapters:    []models.Chapter{{Position: 0, Title: "Chapter 1", LastEditorID: authorID, LastEditedAt: s.now()}},
	}
	if err := s.db.WithContext(ctx).Create(&story).Error; err != nil {
		return nil, err
	}
	return s.Get(ctx, story.ID)
}

// Get 返回故事详情，章节按序号升序。
func (s *StoryService) Get(ctx context.Context, storyID uint) (*StoryDTO, error) {
	var story models.Story
	err := s.db.WithContext(ctx).
		Preload("Chapters", func(db *gorm.DB) *gorm.DB { return db.Order("position asc") }).
		Preload("Collaborators").
		First(&story, storyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrStoryNotFound
	}
	if err != nil {
		return nil, err
	}
	var likes int64
	if err := s.db.WithContext(ctx).Model(&models.Like{}).Where("story_id = ?", storyID).Count(&likes).Error; err != nil {
		return nil, err
	}
	return toStoryDTO(story, likes), nil
}

// CanEdit 作者与协作者可以编辑。
func (s *StoryService) CanEdit(ctx context.Context, storyID, userID uint) (bool, error) {
	var story models.Story
	err := s.db.WithContext(ctx).Select("id", "author_id").First(&story, storyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, ErrStoryNotFound
	}
	if err != nil {
		return false, err
	}
	if story.AuthorID == userID {
		return true, nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.Collaborator{}).Where("story_id = ? AND user_id = ?", storyID, userID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// CanView 已发布的故事所有人可见；草稿只对作者与协作者可见，
// 对其他人表现为不存在。
func (s *StoryService) CanView(ctx context.Context, storyID, userID uint) error {
	var story models.Story
	err := s.db.WithContext(ctx).Select("id", "author_id", "published").First(&story, storyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrStoryNotFound
	}
	if err != nil {
		return err
	}
	if story.Published || story.AuthorID == userID {
		return nil
	}
	ok, err := s.CanEdit(ctx, storyID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStoryNotFound
	}
	return nil
}

// SaveChapters 用提交的章节数组整体覆盖已有章节（最后保存者胜出）。
// 标题或正文有变化的章节记录本次编辑者与时间；多出来的旧章节被删除。
func (s *StoryService) SaveChapters(ctx context.Context, storyID, editorID uint, chapters []ChapterInput) (*StoryDTO, error) {
	if len(chapters) == 0 {
		return nil, ErrInvalidChapters
	}
	ok, err := s.CanEdit(ctx, storyID, editorID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrForbidden
	}

	now := s.now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []models.Chapter
		if err := tx.Where("story_id = ?", storyID).Find(&existing).Error; err != nil {
			return err
		}
		byPos := make(map[int]models.Chapter, len(existing))
		for _, ch := range existing {
			byPos[ch.Position] = ch
		}
		for i, in := range chapters {
			ch, found := byPos[i]
			if !found {
				ch = models.Chapter{StoryID: storyID, Position: i}
			}
			if !found || ch.Title != in.Title || ch.Content != in.Content {
				ch.LastEditorID = editorID
				ch.LastEditedAt = now
			}
			ch.Title, ch.Content, ch.Published = in.Title, in.Content, in.Published
			if err := tx.Save(&ch).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("story_id = ? AND position >= ?", storyID, len(chapters)).Delete(&models.Chapter{}).Error; err != nil {
			return err
		}
		return tx.Model(&models.Story{}).Where("id = ?", storyID).Update("updated_at", now).Error
	})
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, storyID)
}

// Publish 只有作者能发布；重复发布保留第一次的发布时间。
func (s *StoryService) Publish(ctx context.Context, storyID, userID uint) (*StoryDTO, error) {
	var story models.Story
	err := s.db.WithContext(ctx).First(&story, storyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrStoryNotFound
	}
	if err != nil {
		return nil, err
	}
	if story.AuthorID != userID {
		return nil, ErrForbidden
	}
	if !story.Published {
		now := s.now()
		if err := s.db.WithContext(ctx).Model(&story).Updates(map[string]interface{}{"published": true, "published_at": &now}).Error; err != nil {
			return nil, err
		}
	}
	return s.Get(ctx, storyID)
}

// ListPublished 按发布时间倒序列出已发布的故事（不含章节正文）。
func (s *StoryService) ListPublished(ctx context.Context, limit int) ([]StoryDTO, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var stories []models.Story
	if err := s.db.WithContext(ctx).Where("published = ?", true).Order("published_at desc").Limit(limit).Find(&stories).Error; err != nil {
		return nil, err
	}
	likes, err := s.likeCounts(ctx, stories)
	if err != nil {
		return nil, err
	}
	out := make([]StoryDTO, 0, len(stories))
	for _, st := range stories {
		out = append(out, *toStoryDTO(st, likes[st.ID]))
	}
	return out, nil
}

// AddCollaborator 由作者按用户名添加协作者，重复添加是幂等的。
func (s *StoryService) AddCollaborator(ctx context.Context, storyID, ownerID uint, username string) (*StoryDTO, error) {
	var story models.Story
	err := s.db.WithContext(ctx).Select("id", "author_id").First(&story, storyID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrStoryNotFound
	}
	if err != nil {
		return nil, err
	}
	if story.AuthorID != ownerID {
		return nil, ErrForbidden
	}
	var user models.User
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if user.ID != ownerID {
		collab := models.Collaborator{StoryID: storyID, UserID: user.ID}
		if err := s.db.WithContext(ctx).Where(collab).FirstOrCreate(&collab).Error; err != nil {
			return nil, err
		}
	}
	return s.Get(ctx, storyID)
}

func (s *StoryService) likeCounts(ctx context.Context, stories []models.Story) (map[uint]int64, error) {
	out := make(map[uint]int64, len(stories))
	if len(stories) == 0 {
		return out, nil
	}
	ids := make([]uint, 0, len(stories))
	for _, st := range stories {
		ids = append(ids, st.ID)
	}
	var rows []struct {
		StoryID uint
		N       int64
	}
	if err := s.db.WithContext(ctx).Model(&models.Like{}).Select("story_id, count(*) as n").Where("story_id IN ?", ids).Group("story_id").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.StoryID] = r.N
	}
	return out, nil
}

func toStoryDTO(st models.Story, likes int64) *StoryDTO {
	dto := &StoryDTO{
		ID:            st.ID,
		Title:         st.Title,
		Description:   st.Description,
		Genre:         st.Genre,
		AuthorID:      st.AuthorID,
		Published:     st.Published,
		PublishedAt:   st.PublishedAt,
		Chapters:      make([]ChapterDTO, 0, len(st.Chapters)),
		Collaborators: make([]uint, 0, len(st.Collaborators)),
		Likes:         likes,
		CreatedAt:     st.CreatedAt,
		UpdatedAt:     st.UpdatedAt,
	}
	for _, ch := range st.Chapters {
		dto.Chapters = append(dto.Chapters, ChapterDTO{
			Index:        ch.Position,
			Title:        ch.Title,
			Content:      ch.Content,
			Published:    ch.Published,
			LastEditorID: ch.LastEditorID,
			LastEditedAt: ch.LastEditedAt,
		})
	}
	for _, c := range st.Collaborators {
		dto.Collaborators = append(dto.Collaborators, c.UserID)
	}
	return dto
}
