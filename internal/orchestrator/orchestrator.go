// Package orchestrator ties the file watcher, the bundler and the HTTP
// listener into one dev session with an explicit lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/conneroisu/kitdev/internal/appgen"
	"github.com/conneroisu/kitdev/internal/bundler"
	"github.com/conneroisu/kitdev/internal/config"
	kiterrors "github.com/conneroisu/kitdev/internal/errors"
	"github.com/conneroisu/kitdev/internal/loader"
	"github.com/conneroisu/kitdev/internal/logging"
	"github.com/conneroisu/kitdev/internal/manifest"
	"github.com/conneroisu/kitdev/internal/render"
	"github.com/conneroisu/kitdev/internal/server"
	"github.com/conneroisu/kitdev/internal/watcher"
	"github.com/conneroisu/kitdev/internal/workspace"
)

// ReadyEvent is emitted once the listener accepts connections.
type ReadyEvent struct {
	Port int
}

// BundlerFactory starts, or attaches to, the bundler dev service.
type BundlerFactory func(ctx context.Context) (bundler.Service, error)

// LoaderFactory builds the module loader once the bundler is up.
type LoaderFactory func(svc bundler.Service) loader.Loader

// Options configures an Orchestrator. Only Config is required.
type Options struct {
	Config *config.Config
	// ProjectDir anchors every relative path in Config. Defaults to the
	// working directory.
	ProjectDir string
	Logger     logging.Logger

	Build      manifest.BuildFunc
	Bundler    BundlerFactory
	Loader     LoaderFactory
	Render     render.Func
	ModulePath render.ModulePathFunc
	// CacheDir overrides the per-user cache directory.
	CacheDir string
}

// Orchestrator owns a dev session: the manifest snapshot, the watcher, the
// bundler and the listener.
type Orchestrator struct {
	cfg    *config.Config
	opts   Options
	logger logging.Logger

	mu       sync.Mutex
	state    State
	onReady  []func(ReadyEvent)
	ready    chan struct{}
	event    ReadyEvent
	watcher  *watcher.FileWatcher
	bundler  bundler.Service
	listener net.Listener
	http     *http.Server
	group    *errgroup.Group
	cancel   context.CancelFunc

	snapshot  atomic.Pointer[server.Snapshot]
	workspace *workspace.Workspace

	closeOnce sync.Once
	closeErr  error
}

// New creates an orchestrator in the Created state.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil {
		return nil, kiterrors.NewConfigError(kiterrors.ErrCodeConfigInvalid, "orchestrator requires a configuration")
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	if opts.ProjectDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, kiterrors.NewIOError(kiterrors.ErrCodeWorkspace, "resolving working directory", err)
		}
		opts.ProjectDir = wd
	}

	cfg := opts.Config
	if opts.Build == nil {
		opts.Build = manifest.NewBuilder(cfg.Paths.RoutesImportPath, cfg.Paths.PageExtensions, cfg.Watch.PrivatePrefix).Build
	}
	if opts.Loader == nil {
		opts.Loader = func(svc bundler.Service) loader.Loader {
			return loader.NewHTTP(svc.URL(), nil)
		}
	}

	o := &Orchestrator{
		cfg:    cfg,
		opts:   opts,
		logger: opts.Logger.WithComponent("orchestrator"),
		ready:  make(chan struct{}),
	}
	if o.opts.Bundler == nil {
		o.opts.Bundler = o.startBundler
	}
	o.snapshot.Store(&server.Snapshot{})

	return o, nil
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// OnReady registers fn to receive the ready event. A subscriber registered
// after the event was emitted is called immediately.
func (o *Orchestrator) OnReady(fn func(ReadyEvent)) {
	o.mu.Lock()
	select {
	case <-o.ready:
		event := o.event
		o.mu.Unlock()
		fn(event)
		return
	default:
	}
	o.onReady = append(o.onReady, fn)
	o.mu.Unlock()
}

// Ready is closed when the ready event has been emitted.
func (o *Orchestrator) Ready() <-chan struct{} {
	return o.ready
}

// Snapshot returns the manifest state requests are currently served against.
func (o *Orchestrator) Snapshot() *server.Snapshot {
	return o.snapshot.Load()
}

// Manifest returns the most recently built manifest.
func (o *Orchestrator) Manifest() *manifest.Manifest {
	return o.snapshot.Load().Manifest
}

// Start runs the startup sequence and returns once the listener is serving.
// Any failure closes whatever was started and leaves the orchestrator
// Closed.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.advance(Initializing); err != nil {
		return err
	}
	if err := o.start(ctx); err != nil {
		if closeErr := o.Close(); closeErr != nil {
			o.logger.Warn(ctx, closeErr, "Cleanup after failed start")
		}
		return err
	}
	return nil
}

func (o *Orchestrator) start(ctx context.Context) error {
	o.initialize(ctx)

	if err := o.advance(WatchingFiles); err != nil {
		return err
	}
	fw, err := o.startWatcher(ctx)
	if err != nil {
		return err
	}

	if err := o.advance(BundlerStarting); err != nil {
		return err
	}
	svc, err := o.opts.Bundler(ctx)
	if err != nil {
		return err
	}
	if err := o.hold(func() { o.bundler = svc }); err != nil {
		svc.Close()
		return err
	}

	addr := net.JoinHostPort(o.cfg.Server.Host, strconv.Itoa(o.cfg.Server.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return kiterrors.NewNetworkError(kiterrors.ErrCodeListen, "listening on "+addr, err)
	}

	srv := &http.Server{Handler: o.router(svc)}
	loopCtx, cancel := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(loopCtx)
	if err := o.hold(func() {
		o.listener = listener
		o.http = srv
		o.group = group
		o.cancel = cancel
	}); err != nil {
		cancel()
		listener.Close()
		return err
	}

	port := listener.Addr().(*net.TCPAddr).Port
	if err := o.serving(ReadyEvent{Port: port}); err != nil {
		return err
	}
	o.logger.Info(ctx, "Dev server listening", "addr", listener.Addr().String(), "bundler", svc.URL())

	group.Go(func() error {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			return kiterrors.NewNetworkError(kiterrors.ErrCodeListen, "serving on "+addr, err)
		}
		return nil
	})
	group.Go(func() error {
		return o.watchLoop(groupCtx, fw.Events())
	})
	if exits, ok := svc.(interface{ Done() <-chan struct{} }); ok {
		group.Go(func() error {
			select {
			case <-exits.Done():
				o.logger.Error(groupCtx, nil, "Bundler exited; module requests will fail until restart")
			case <-groupCtx.Done():
			}
			return nil
		})
	}

	return nil
}

// initialize scaffolds the workspace and builds the first manifest. Neither
// failure aborts startup; they are reported on every request instead.
func (o *Orchestrator) initialize(ctx context.Context) {
	ws, err := workspace.Prepare(workspace.Options{
		ProjectDir: o.opts.ProjectDir,
		WorkDir:    o.cfg.Paths.WorkDir,
		OutputDir:  o.cfg.Paths.OutputDir,
		CacheDir:   o.opts.CacheDir,
	})
	if err != nil {
		o.logger.Error(ctx, err, "Failed to prepare workspace")
	}
	o.workspace = ws

	o.rebuild(ctx)
}

func (o *Orchestrator) startWatcher(ctx context.Context) (*watcher.FileWatcher, error) {
	fw, err := watcher.NewFileWatcher(o.path(o.cfg.Paths.Routes), o.logger)
	if err != nil {
		return nil, err
	}
	fw.AddFilter(watcher.PrivateFilter(o.cfg.Watch.PrivatePrefix))
	if len(o.cfg.Watch.Ignore) > 0 {
		fw.AddFilter(watcher.IgnoreFilter(o.cfg.Watch.Ignore))
	}

	if err := o.hold(func() { o.watcher = fw }); err != nil {
		fw.Stop()
		return nil, err
	}

	// The watcher outlives ctx; it stops on Close.
	if err := fw.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, err
	}
	return fw, nil
}

func (o *Orchestrator) startBundler(ctx context.Context) (bundler.Service, error) {
	if o.cfg.Bundler.ExternalURL != "" {
		return bundler.NewRemote(o.cfg.Bundler.ExternalURL, o.logger)
	}

	cacheDir := o.opts.CacheDir
	if o.workspace != nil {
		cacheDir = o.workspace.CacheDir
	}
	return bundler.Start(ctx, bundler.Options{
		Command:      o.cfg.Bundler.Command,
		Dir:          o.opts.ProjectDir,
		Host:         o.cfg.Server.Host,
		MainPort:     o.cfg.Server.Port,
		Mode:         o.cfg.Server.Mode,
		CacheDir:     cacheDir,
		StartTimeout: o.cfg.Bundler.StartTimeout,
		Logger:       o.logger,
	})
}

func (o *Orchestrator) router(svc bundler.Service) http.Handler {
	return server.NewRouter(server.Config{
		StaticDir:      o.path(o.cfg.Paths.Static),
		TemplatePath:   o.path(o.cfg.Paths.Template),
		Dev:            o.cfg.Dev(),
		HMRClientPaths: o.cfg.Bundler.HMRClientPaths,
		SetupModule:    o.cfg.Bundler.SetupModule,
		RootModule:     o.cfg.Bundler.RootModule,
		ClientEntry:    o.cfg.Bundler.ClientEntry,
		Bundler:        svc,
		Loader:         o.opts.Loader(svc),
		Render:         o.opts.Render,
		ModulePath:     o.opts.ModulePath,
		Snapshot:       o.Snapshot,
		Logger:         o.opts.Logger,
	})
}

// watchLoop rebuilds serially, in event order.
func (o *Orchestrator) watchLoop(ctx context.Context, events <-chan watcher.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if event.Kind == watcher.Added && !event.IsNew {
				continue
			}
			o.logger.Debug(ctx, "Route tree changed", "kind", event.Kind.String(), "path", event.Path)
			o.rebuild(ctx)
		}
	}
}

// rebuild replaces the snapshot. A failed build keeps the previous manifest
// and records the error for requests to report.
func (o *Orchestrator) rebuild(ctx context.Context) {
	previous := o.snapshot.Load()
	op := logging.StartOperation(o.logger, "rebuild")

	m, err := o.opts.Build(o.path(o.cfg.Paths.Routes))
	if err != nil {
		o.reportRebuild(ctx, op, err, "Manifest build failed")
		o.snapshot.Store(&server.Snapshot{Manifest: previous.Manifest, Err: err})
		return
	}

	result, err := appgen.Generate(appgen.Options{
		Manifest:         m,
		RoutesImportPath: o.cfg.Paths.RoutesImportPath,
		OutputDir:        o.path(o.cfg.Paths.OutputDir),
		Dev:              o.cfg.Dev(),
	})
	if err != nil {
		o.reportRebuild(ctx, op, err, "Generating app failed")
		o.snapshot.Store(&server.Snapshot{Manifest: m, Err: err})
		return
	}

	o.snapshot.Store(&server.Snapshot{Manifest: m})
	op.End(ctx, "Manifest rebuilt",
		"pages", len(m.Pages),
		"endpoints", len(m.Endpoints),
		"written", len(result.Written),
	)
}

// reportRebuild logs route mistakes the user can fix as warnings and
// everything else as errors.
func (o *Orchestrator) reportRebuild(ctx context.Context, op *logging.PerfLogger, err error, msg string) {
	if kiterrors.IsRecoverable(err) {
		op.Warn(ctx, err, msg)
		return
	}
	op.EndWithError(ctx, err, msg)
}

// serving enters Serving and emits ready in one step, so a concurrent Close
// either prevents both or happens after subscribers were notified.
func (o *Orchestrator) serving(event ReadyEvent) error {
	o.mu.Lock()
	if !canTransition(o.state, Serving) {
		from := o.state
		o.mu.Unlock()
		return kiterrors.ErrIllegalTransition(from.String(), Serving.String())
	}
	o.state = Serving
	o.event = event
	subscribers := o.onReady
	o.onReady = nil
	close(o.ready)
	o.mu.Unlock()

	for _, fn := range subscribers {
		fn(event)
	}
	return nil
}

// Wait blocks until serving ends and returns the first serving error.
func (o *Orchestrator) Wait() error {
	o.mu.Lock()
	group := o.group
	o.mu.Unlock()
	if group == nil {
		return nil
	}
	return group.Wait()
}

// Close stops the listener without draining in-flight requests, then the
// watcher and the bundler. It is safe to call in any state and more than
// once.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.state = Closed
		srv, listener, fw, svc, cancel := o.http, o.listener, o.watcher, o.bundler, o.cancel
		o.mu.Unlock()

		var errs []error
		if srv != nil {
			if err := srv.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		// Serve may not have taken ownership of the listener yet.
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if cancel != nil {
			cancel()
		}
		if fw != nil {
			if err := fw.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
		if svc != nil {
			if err := svc.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		o.closeErr = errors.Join(errs...)
	})
	return o.closeErr
}

func (o *Orchestrator) advance(to State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !canTransition(o.state, to) {
		return kiterrors.ErrIllegalTransition(o.state.String(), to.String())
	}
	o.state = to
	return nil
}

// hold stores a started resource so Close releases it. It fails once the
// orchestrator is closed; the caller then releases the resource itself.
func (o *Orchestrator) hold(store func()) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == Closed {
		return kiterrors.ErrIllegalTransition(o.state.String(), o.state.String())
	}
	store()
	return nil
}

func (o *Orchestrator) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(o.opts.ProjectDir, p)
}
