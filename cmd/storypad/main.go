package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"storypad/internal/client/editor"
	"storypad/internal/client/filesync"
	"storypad/internal/client/session"
	"storypad/internal/client/stories"
	clog "storypad/internal/log"

	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

type options struct {
	server   string
	story    string
	chapter  int
	file     string
	state    string
	username string
	logout   bool
	env      string
}

func main() {
	opts := parseFlags()
	clog.InitWriter(opts.env, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, opts); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "storypad: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() options {
	var o options
	home, _ := os.UserHomeDir()
	flag.StringVar(&o.server, "server", "http://localhost:8080", "StoryPad server base URL")
	flag.StringVar(&o.story, "story", "", "story id to co-edit")
	flag.IntVar(&o.chapter, "chapter", 0, "chapter index")
	flag.StringVar(&o.file, "file", "", "local file mirroring the chapter (default chapter-<n>.md)")
	flag.StringVar(&o.state, "state", filepath.Join(home, ".storypad"), "directory holding the session store")
	flag.StringVar(&o.username, "user", "", "username for login")
	flag.BoolVar(&o.logout, "logout", false, "end the stored session and exit")
	flag.StringVar(&o.env, "env", "dev", "log format: dev or prod")
	flag.Parse()
	if o.file == "" {
		o.file = fmt.Sprintf("chapter-%d.md", o.chapter)
	}
	return o
}

func run(ctx context.Context, cancel context.CancelFunc, o options) error {
	store, err := session.OpenBadgerStore(o.state)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer store.Close()

	mgr, signedIn := newSession(o.server, store, cancel)
	defer mgr.Stop()

	if o.logout {
		mgr.Logout(ctx)
		return nil
	}
	if o.story == "" {
		return errors.New("-story is required")
	}

	user, err := signIn(ctx, mgr, newConsole(os.Stdin), o.username)
	if err != nil {
		return err
	}
	signedIn.Store(true)
	mgr.Start()

	api := stories.New(o.server, nil, mgr)
	st, err := api.Get(ctx, o.story)
	if err != nil {
		return fmt.Errorf("load story: %w", err)
	}
	if o.chapter < 0 || o.chapter >= len(st.Chapters) {
		return fmt.Errorf("story %s has %d chapters: %w", o.story, len(st.Chapters), stories.ErrChapterMissing)
	}
	initial := st.Chapters[o.chapter].Content

	wsURL, err := socketURL(o.server)
	if err != nil {
		return err
	}

	var mirror *filesync.Mirror
	ed := editor.New(editor.Options{
		URL:          wsURL,
		StoryID:      o.story,
		UserID:       user.ID,
		Username:     user.Username,
		ChapterIndex: o.chapter,
		Content:      initial,
		OnContent: func(content string) {
			if mirror != nil {
				mirror.ApplyRemote(content)
			}
		},
		OnPeers: func(peers []editor.Peer) {
			names := make([]string, 0, len(peers))
			for _, p := range peers {
				names = append(names, p.Username)
			}
			fmt.Fprintf(os.Stderr, "editing with: %s\n", strings.Join(names, ", "))
		},
		OnStatus: func(s editor.Status) {
			log.Debug().Str("status", s.String()).Msg("relay")
		},
	})

	mirror, err = filesync.New(o.file, ed, initial)
	if err != nil {
		return fmt.Errorf("prepare %s: %w", o.file, err)
	}
	if err := ed.Open(ctx); err != nil {
		return fmt.Errorf("join story: %w", err)
	}
	defer ed.Close()

	fmt.Fprintf(os.Stderr, "editing %q chapter %d in %s, Ctrl-C to save and quit\n", st.Title, o.chapter, mirror.Path())
	runErr := mirror.Run(ctx)

	// 退出前把最终正文落库，中继本身不持久化。
	saveCtx, cancelSave := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelSave()
	if _, err := api.SaveChapter(saveCtx, o.story, o.chapter, ed.Content()); err != nil {
		return fmt.Errorf("save chapter: %w", err)
	}
	fmt.Fprintln(os.Stderr, "chapter saved")
	return runErr
}

// newSession 构造会话管理器。登出或刷新失败只在 signedIn 置位后才结束程序：
// 登录前清掉过期的本地会话是正常路径，之后还要提示输入密码。
func newSession(server string, store session.Store, cancel context.CancelFunc) (*session.Manager, *atomic.Bool) {
	signedIn := new(atomic.Bool)
	mgr := session.New(session.Config{
		BaseURL: server,
		Store:   store,
		OnWarning: func(w session.Warning) {
			fmt.Fprintf(os.Stderr, "session ends in %s, save your work\n", w.Remaining.Round(time.Minute))
		},
		OnRedirect: func() {
			if !signedIn.Load() {
				return
			}
			fmt.Fprintln(os.Stderr, "signed out")
			cancel()
		},
	})
	return mgr, signedIn
}

// signIn 复用存储里的会话；没有有效 token 时提示输入密码登录。
func signIn(ctx context.Context, mgr *session.Manager, con *console, username string) (*session.User, error) {
	if _, err := mgr.GetValidToken(ctx); err == nil {
		if u, err := mgr.CurrentUser(); err == nil {
			return u, nil
		}
	} else if !errors.Is(err, session.ErrNotAuthenticated) {
		log.Debug().Err(err).Msg("stored session unusable")
	}
	if username == "" {
		var err error
		if username, err = con.prompt("Username: "); err != nil {
			return nil, err
		}
	}
	pw, err := con.password("Password: ")
	if err != nil {
		return nil, err
	}
	u, err := mgr.Login(ctx, session.Credentials{Username: username, Password: pw})
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return u, nil
}

func socketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/socket"
	return u.String(), nil
}

// console 读取交互输入；整个会话共用一个 bufio.Reader，避免预读的行丢失。
type console struct {
	in  *bufio.Reader
	fd  int
	tty bool
}

func newConsole(f *os.File) *console {
	fd := int(f.Fd())
	return &console{in: bufio.NewReader(f), fd: fd, tty: term.IsTerminal(fd)}
}

func (c *console) prompt(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	line, err := c.in.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (c *console) password(label string) (string, error) {
	if !c.tty {
		return c.prompt(label)
	}
	fmt.Fprint(os.Stderr, label)
	b, err := term.ReadPassword(c.fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
