package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"storypad/internal/auth"
	"storypad/internal/config"
	"storypad/internal/db"
	"storypad/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect("sqlite://" + filepath.Join(t.TempDir(), "svc.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	return gdb
}

func mkUser(t *testing.T, gdb *gorm.DB, name string) uint {
	t.Helper()
	u := models.User{Username: name, PasswordHash: "x"}
	require.NoError(t, gdb.Create(&u).Error)
	return u.ID
}

// fixed clock that advances one minute per call
func stepClock(start time.Time) func() time.Time {
	cur := start
	return func() time.Time {
		cur = cur.Add(time.Minute)
		return cur
	}
}

func TestStory_CreateHasStarterChapter(t *testing.T) {
	gdb := openDB(t)
	ctx := context.Background()
	author := mkUser(t, gdb, "ada")

	st, err := NewStoryService(gdb).Create(ctx, author, CreateStoryInput{Title: "Tide"})
	require.NoError(t, err)
	require.Len(t, st.Chapters, 1)
	assert.Equal(t, "Chapter 1", st.Chapters[0].Title)
	assert.Equal(t, 0, st.Chapters[0].Index)
	assert.False(t, st.Published)
}

func TestStory_SaveChaptersTracksEditorOnlyOnChangedChapters(t *testing.T) {
	gdb := openDB(t)
	ctx := context.Background()
	author := mkUser(t, gdb, "ada")
	collab := mkUser(t, gdb, "bob")

	svc := NewStoryService(gdb)
	svc.now = stepClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	st, err := svc.Create(ctx, author, CreateStoryInput{Title: "Tide"})
	require.NoError(t, err)
	_, err = svc.AddCollaborator(ctx, st.ID, author, "bob")
	require.NoError(t, err)

	st, err = svc.SaveChapters(ctx, st.ID, author, []ChapterInput{
		{Title: "One", Content: "first"},
		{Title: "Two", Content: "second"},
	})
	require.NoError(t, err)
	firstEdit := st.Chapters[0].LastEditedAt

	st, err = svc.SaveChapters(ctx, st.ID, collab, []ChapterInput{
		{Title: "One", Content: "first"},
		{Title: "Two", Content: "second, by bob"},
	})
	require.NoError(t, err)
	require.Len(t, st.Chapters, 2)
	assert.Equal(t, author, st.Chapters[0].LastEditorID)
	assert.True(t, st.Chapters[0].LastEditedAt.Equal(firstEdit))
	assert.Equal(t, collab, st.Chapters[1].LastEditorID)
	assert.Equal(t, "second, by bob", st.Chapters[1].Content)
}

func TestStory_SaveChaptersTruncates(t *testing.T) {
	gdb := openDB(t)
	ctx := context.Background()
	author := mkUser(t, gdb, "ada")
	svc := NewStoryService(gdb)
	st, err := svc.Create(ctx, author, CreateStoryInput{Title: "Tide"})
	require.NoError(t, err)

	_, err = svc.SaveChapters(ctx, st.ID, author, []ChapterInput{{Title: "a"}, {Title: "b"}, {Title: "c"}})
	require.NoError(t, err)
	st, err = svc.SaveChapters(ctx, st.ID, author, []ChapterInput{{Title: "a"}})
	require.NoError(t, err)
	require.Len(t, st.Chapters, 1)

	var n int64
	require.NoError(t, gdb.Model(&models.Chapter{}).Where("story_id = ?", st.ID).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestStory_SaveChaptersRejects(t *testing.T) {
	gdb := openDB(t)
	ctx := context.Background()
	author := mkUser(t, gdb, "ada")
	stranger := mkUser(t, gdb, "eve")
	svc := NewStoryService(gdb)
	st, err := svc.Create(ctx, author, CreateStoryInput{Title: "Tide"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		storyID uint
		editor  uint
		input   []ChapterInput
		wantErr error
	}{
		{"empty array", st.ID, author, nil, ErrInvalidChapters},
		{"not a collaborator", st.ID, stranger, []ChapterInput{{Title: "x"}}, ErrForbidden},
		{"missing story", st.ID + 100, author, []ChapterInput{{Title: "x"}}, ErrStoryNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SaveChapters(ctx, tt.storyID, tt.editor, tt.input)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestStory_PublishKeepsFirstTimestamp(t *testing.T) {
	gdb := openDB(t)
	ctx := context.Background()
	author := mkUser(t, gdb, "ada")
	collab := mkUser(t, gdb, "bob")
	svc := NewStoryService(gdb)
	svc.now = stepClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	st, err := svc.Create(ctx, author, CreateStoryInput{Title: "Tide"})
	require.NoError(t, err)
	_, err = svc.AddCollaborator(ctx, st.ID, author, "bob")
	require.NoError(t, err)

	_, err = svc.Publish(ctx, st.ID, collab)
	assert.ErrorIs(t, err, ErrForbidden)

	first, err := svc.Publish(ctx, st.ID, author)
	require.NoError(t, err)
	require.NotNil(t, first.PublishedAt)
	again, err := svc.Publish(ctx, st.ID, author)
	require.NoError(t, err)
	assert.True(t, again.PublishedAt.Equal(*first.PublishedAt))

	list, err := svc.ListPublished(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, st.ID, list[0].ID)
}

func TestStory_AddCollaborator(t *testing.T) {
	gdb := openDB(t)
	ctx := context.Background()
	author := mkUser(t, gdb, "ada")
	bob := mkUser(t, gdb, "bob")
	svc := NewStoryService(gdb)
	st, err := svc.Create(ctx, author, CreateStoryInput{Title: "Tide"})
	require.NoError(t, err)

	_, err = svc.AddCollaborator(ctx, st.ID, author, "nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
	_, err = svc.AddCollaborator(ctx, st.ID, bob, "ada")
	assert.ErrorIs(t, err, ErrForbidden)

	for i := 0; i < 2; i++ {
		st, err = svc.AddCollaborator(ctx, st.ID, author, "bob")
		require.NoError(t, err)
	}
	assert.Equal(t, []uint{bob}, st.Collaborators)

	ok, err := svc.CanEdit(ctx, st.ID, bob)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSocial_ToggleLike(t *testing.T) {
	gdb := openDB(t)
	ctx := context.Background()
	author := mkUser(t, gdb, "ada")
	reader := mkUser(t, gdb, "bob")
	st, err := NewStoryService(gdb).Create(ctx, author, CreateStoryInput{Title: "Tide"})
	require.NoError(t, err)
	social := NewSocialService(gdb)

	liked, total, err := social.ToggleLike(ctx, st.ID, reader)
	require.NoError(t, err)
	assert.True(t, liked)
	assert.EqualValues(t, 1, total)

	liked, total, err = social.ToggleLike(ctx, st.ID, reader)
	require.NoError(t, err)
	assert.False(t, liked)
	assert.EqualValues(t, 0, total)

	_, _, err = social.ToggleLike(ctx, st.ID+100, reader)
	assert.ErrorIs(t, err, ErrStoryNotFound)
}

func TestSocial_CommentsPaginateOldestFirst(t *testing.T) {
	gdb := openDB(t)
	ctx := context.Background()
	author := mkUser(t, gdb, "ada")
	bob := mkUser(t, gdb, "bob")
	st, err := NewStoryService(gdb).Create(ctx, author, CreateStoryInput{Title: "Tide"})
	require.NoError(t, err)
	social := NewSocialService(gdb)

	for i, who := range []uint{author, bob, author, bob} {
		_, err := social.AddComment(ctx, st.ID, who, string(rune('a'+i)))
		require.NoError(t, err)
	}

	page, err := social.ListComments(ctx, st.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "c", page[0].Content)
	assert.Equal(t, "d", page[1].Content)
	assert.Equal(t, "bob", page[1].Username)

	older, err := social.ListComments(ctx, st.ID, 2, page[0].ID)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, "a", older[0].Content)
	assert.Equal(t, "ada", older[0].Username)
}

func TestUser_RegisterLoginRefresh(t *testing.T) {
	gdb := openDB(t)
	ctx := context.Background()
	cfg := config.Config{JWTSecret: "secret", AccessTokenTTLMinutes: 15, RefreshTokenTTLDays: 7, SessionTTLHours: 24}
	svc := NewUserService(gdb, cfg, auth.NewGormTokenStore(gdb))

	_, err := svc.Register(ctx, "ada", "ada@example.com", "pa55word")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "ada", "", "pa55word")
	assert.ErrorIs(t, err, ErrUsernameTaken)

	_, err = svc.Login(ctx, "ada", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	res, err := svc.Login(ctx, "ada", "pa55word")
	require.NoError(t, err)
	assert.Equal(t, "ada", res.User.Username)

	rotated, err := svc.Refresh(ctx, res.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, res.RefreshToken, rotated.RefreshToken)
	assert.True(t, rotated.SessionExpiresAt.Equal(res.SessionExpiresAt))

	_, err = svc.Refresh(ctx, res.RefreshToken)
	assert.ErrorIs(t, err, auth.ErrInvalidRefreshToken)

	require.NoError(t, svc.Logout(ctx, rotated.RefreshToken))
	_, err = svc.Refresh(ctx, rotated.RefreshToken)
	assert.Error(t, err)
}

func TestStory_CanView(t *testing.T) {
	gdb := openDB(t)
	ctx := context.Background()
	author := mkUser(t, gdb, "ada")
	bob := mkUser(t, gdb, "bob")
	eve := mkUser(t, gdb, "eve")
	svc := NewStoryService(gdb)
	st, err := svc.Create(ctx, author, CreateStoryInput{Title: "Tide"})
	require.NoError(t, err)
	_, err = svc.AddCollaborator(ctx, st.ID, author, "bob")
	require.NoError(t, err)

	assert.NoError(t, svc.CanView(ctx, st.ID, author))
	assert.NoError(t, svc.CanView(ctx, st.ID, bob))
	assert.ErrorIs(t, svc.CanView(ctx, st.ID, eve), ErrStoryNotFound)
	assert.ErrorIs(t, svc.CanView(ctx, st.ID+100, author), ErrStoryNotFound)

	_, err = svc.Publish(ctx, st.ID, author)
	require.NoError(t, err)
	assert.NoError(t, svc.CanView(ctx, st.ID, eve))
}
