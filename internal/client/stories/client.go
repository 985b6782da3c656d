// Package stories 是故事 REST 接口的客户端，供命令行编辑器读取与保存章节。
package stories

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

var ErrChapterMissing = errors.New("chapter index out of range")

// TokenSource 提供有效的 access token，*session.Manager 满足该接口。
type TokenSource interface {
	GetValidToken(ctx context.Context) (string, error)
}

type Chapter struct {
	Index        int       `json:"index"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	Published    bool      `json:"published"`
	LastEditorID uint      `json:"lastEditorId,omitempty"`
	LastEditedAt time.Time `json:"lastEditedAt"`
}

type Story struct {
	ID        uint      `json:"id"`
	Title     string    `json:"title"`
	AuthorID  uint      `json:"authorId"`
	Published bool      `json:"published"`
	Chapters  []Chapter `json:"chapters"`
}

type chapterInput struct {
	Title     string `json:"title"`
	Content   string `json:"content"`
	Published bool   `json:"published"`
}

type Client struct {
	base   string
	http   *http.Client
	tokens TokenSource
}

func New(baseURL string, httpClient *http.Client, tokens TokenSource) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient, tokens: tokens}
}

func (c *Client) Get(ctx context.Context, id string) (*Story, error) {
	var st Story
	if err := c.do(ctx, http.MethodGet, "/api/stories/"+id, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveChapter 读取最新的章节数组，替换 index 处的正文后整体提交。
func (c *Client) SaveChapter(ctx context.Context, id string, index int, content string) (*Story, error) {
	st, err := c.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(st.Chapters) {
		return nil, ErrChapterMissing
	}
	chapters := make([]chapterInput, len(st.Chapters))
	for i, ch := range st.Chapters {
		chapters[i] = chapterInput{Title: ch.Title, Content: ch.Content, Published: ch.Published}
	}
	chapters[index].Content = content

	var out Story
	if err := c.do(ctx, http.MethodPut, "/api/stories/"+id, map[string]interface{}{"chapters": chapters}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	token, err := c.tokens.GetValidToken(ctx)
	if err != nil {
		return err
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
