// Package supervisor 用 suture 托管常驻组件：协作中继、HTTP 服务与限速桶清理。
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

type TreeConfig struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// Tree 分两层：relay 层持有房间状态，api 层对外提供 HTTP。
// api 层崩溃重启不会丢失房间。
type Tree struct {
	root  *suture.Supervisor
	relay *suture.Supervisor
	api   *suture.Supervisor
	cfg   TreeConfig
}

func NewTree(logger zerolog.Logger, cfg TreeConfig) *Tree {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = 30
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	spec := suture.Spec{
		EventHook:        EventHook(logger),
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}
	child := spec
	child.EventHook = nil

	root := suture.New("storypad", spec)
	relay := suture.New("relay-layer", child)
	api := suture.New("api-layer", child)
	root.Add(relay)
	root.Add(api)
	return &Tree{root: root, relay: relay, api: api, cfg: cfg}
}

func (t *Tree) AddRelayService(svc suture.Service) suture.ServiceToken { return t.relay.Add(svc) }

func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken { return t.api.Add(svc) }

// Serve 阻塞直到 ctx 取消或树被终止。
func (t *Tree) Serve(ctx context.Context) error { return t.root.Serve(ctx) }

func (t *Tree) ServeBackground(ctx context.Context) <-chan error { return t.root.ServeBackground(ctx) }

// EventHook 把 suture 事件写进 zerolog。
func EventHook(logger zerolog.Logger) suture.EventHook {
	l := logger.With().Str("component", "supervisor").Logger()
	return func(e suture.Event) {
		var ev *zerolog.Event
		switch e.Type() {
		case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
			ev = l.Error()
		case suture.EventTypeBackoff, suture.EventTypeStopTimeout:
			ev = l.Warn()
		default:
			ev = l.Info()
		}
		ev.Fields(e.Map()).Msg(e.String())
	}
}

// Runner 是以 Run(ctx) 阻塞运行的组件，例如中继事件循环。
type Runner interface {
	Run(ctx context.Context) error
}

// OneShotService 包装不能重启的组件：提前退出时终止整棵树，让进程整体重启。
type OneShotService struct {
	name string
	r    Runner
}

func NewOneShotService(name string, r Runner) *OneShotService {
	return &OneShotService{name: name, r: r}
}

func (s *OneShotService) Serve(ctx context.Context) error {
	err := s.r.Run(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%s exited: %v: %w", s.name, err, suture.ErrTerminateSupervisorTree)
}

func (s *OneShotService) String() string { return s.name }

// HTTPServer 与 *http.Server 的生命周期方法一致。
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPService 把阻塞的 ListenAndServe 转成可取消的 suture 服务。
type HTTPService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

func NewHTTPService(server HTTPServer, shutdownTimeout time.Duration) *HTTPService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPService{server: server, shutdownTimeout: shutdownTimeout}
}

func (h *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPService) String() string { return "http-server" }
