// Package runtime hosts the worker: it owns the lifecycle registration, runs
// install and activation side effects, and serves intercepted requests through
// the routing strategy of the active generation.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/bixworker/internal/config"
	"github.com/l0p7/bixworker/internal/metrics"
	"github.com/l0p7/bixworker/internal/runtime/cache"
	"github.com/l0p7/bixworker/internal/runtime/lifecycle"
	"github.com/l0p7/bixworker/internal/runtime/messaging"
	"github.com/l0p7/bixworker/internal/runtime/routing"
)

const (
	defaultInstallConcurrency = 4
	eventQueueDepth           = 64
)

// Options wires a Worker.
type Options struct {
	Store   cache.Store
	Network *routing.Network
	Worker  config.WorkerConfig
	Logger  *slog.Logger
	Metrics *metrics.Recorder

	// Hub is created when nil.
	Hub *messaging.Hub

	// CorrelationHeader names the request header echoed into request logs.
	CorrelationHeader string
}

// Status is the snapshot served at /sw/status.
type Status struct {
	State        lifecycle.State        `json:"state"`
	Current      string                 `json:"current,omitempty"`
	Origin       string                 `json:"origin"`
	Registration lifecycle.Registration `json:"registration"`
	Generations  []string               `json:"generations"`
	Clients      int                    `json:"clients"`
	Pages        []messaging.PageInfo   `json:"pages"`
}

type installResult struct {
	finished lifecycle.InstallFinished
	took     time.Duration
}

// Worker is the in-process worker. A single loop goroutine owns the
// registration; request handling only reads the current generation.
type Worker struct {
	base    *slog.Logger
	logger  *slog.Logger
	metrics *metrics.Recorder
	store   cache.Store
	network *routing.Network
	hub     *messaging.Hub
	router  *routing.Router
	handler http.Handler

	correlationHeader string

	scope        string
	skipWaiting  bool
	installLimit int

	events  chan lifecycle.Event
	results chan installResult
	nudge   chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	loopDone chan struct{}
	installs sync.WaitGroup
	once     sync.Once

	mu      sync.RWMutex
	reg     lifecycle.Registration
	current string

	// claimMu orders page connects against Claim so a page cannot register
	// with a controller that was just replaced.
	claimMu sync.Mutex
}

// NewWorker validates opts, builds the routing strategy and starts the event
// loop. Close must be called to stop it.
func NewWorker(opts Options) (*Worker, error) {
	if opts.Store == nil || opts.Network == nil {
		return nil, errors.New("runtime: store and network are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	wc := opts.Worker
	scope := strings.TrimSpace(wc.Scope)
	if scope == "" {
		scope = "/"
	}
	rule := strings.TrimSpace(wc.NavigationRule)
	if rule == "" {
		rule = config.DefaultNavigationRule
	}
	limit := wc.InstallConcurrency
	if limit <= 0 {
		limit = defaultInstallConcurrency
	}

	classifier, err := routing.NewClassifier(rule, scope)
	if err != nil {
		return nil, fmt.Errorf("runtime: navigation rule: %w", err)
	}

	hub := opts.Hub
	if hub == nil {
		hub = messaging.NewHub(messaging.HubOptions{Logger: logger, Metrics: opts.Metrics})
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		base:              logger,
		logger:            logger.With(slog.String("agent", "worker")),
		metrics:           opts.Metrics,
		store:             opts.Store,
		network:           opts.Network,
		hub:               hub,
		correlationHeader: strings.TrimSpace(opts.CorrelationHeader),
		scope:             scope,
		skipWaiting:       wc.SkipWaiting,
		installLimit:      limit,
		events:            make(chan lifecycle.Event, eventQueueDepth),
		results:           make(chan installResult, eventQueueDepth),
		nudge:             make(chan struct{}, 1),
		ctx:               ctx,
		cancel:            cancel,
		loopDone:          make(chan struct{}),
	}

	router, err := routing.NewRouter(routing.Options{
		Store:                 opts.Store,
		Network:               opts.Network,
		Classifier:            classifier,
		Current:               w.Current,
		Scope:                 scope,
		NavigationFallback:    wc.NavigationFallback,
		FallbackDocument:      wc.FallbackDocument,
		RevalidateConcurrency: wc.RevalidateConcurrency,
		Logger:                logger,
		Metrics:               opts.Metrics,
	})
	if err != nil {
		cancel()
		return nil, err
	}
	w.router = router
	w.handler = w.instrument(router)

	hub.SetOnChange(w.consumersChanged)
	hub.SetOnCommand(w.command)

	go w.loop()
	return w, nil
}

// Hub exposes the page channel hub.
func (w *Worker) Hub() *messaging.Hub {
	return w.hub
}

// Current returns the generation requests are served from.
func (w *Worker) Current() (string, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current, w.current != ""
}

// Registration returns a copy of the lifecycle registration.
func (w *Worker) Registration() lifecycle.Registration {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.reg.Clone()
}

// Status reports the registration, the stored generations and the connected
// pages.
func (w *Worker) Status(ctx context.Context) (Status, error) {
	reg := w.Registration()
	current, _ := w.Current()
	names, err := w.store.Names(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("runtime: list generations: %w", err)
	}
	pages := w.hub.Pages()
	return Status{
		State:        reg.State(),
		Current:      current,
		Origin:       w.network.Origin(),
		Registration: reg,
		Generations:  names,
		Clients:      len(pages),
		Pages:        pages,
	}, nil
}

// Deploy hands a worker script to the lifecycle. Scripts identical to a
// registered version are ignored there.
func (w *Worker) Deploy(script config.Script) {
	w.logger.Debug("script delivered", slog.String("version", script.Version), slog.String("digest", script.Digest))
	w.post(lifecycle.UpdateFound{
		Tag:         script.Version,
		Digest:      script.Digest,
		Manifest:    slices.Clone(script.Manifest),
		SkipWaiting: w.skipWaiting,
	})
}

// Restore adopts the generation already stored under the script version as
// the active one. It reports whether such a generation exists.
func (w *Worker) Restore(ctx context.Context, script config.Script) (bool, error) {
	names, err := w.store.Names(ctx)
	if err != nil {
		return false, fmt.Errorf("runtime: list generations: %w", err)
	}
	if !slices.Contains(names, script.Version) {
		return false, nil
	}
	w.logger.Info("restoring stored generation", slog.String("version", script.Version))
	w.post(lifecycle.Restore{Tag: script.Version, Digest: script.Digest, Manifest: slices.Clone(script.Manifest)})
	return true, nil
}

// Connect registers a page on the channel. A page opened while a version is
// active is controlled by it. The page receives a registered signal first.
func (w *Worker) Connect(id string) *messaging.Client {
	w.claimMu.Lock()
	current, _ := w.Current()
	client := w.hub.Connect(id, current)
	w.claimMu.Unlock()

	reg := w.Registration()
	sig := messaging.Signal{Kind: messaging.SignalRegistered, Active: current}
	if reg.Waiting != nil {
		sig.Waiting = reg.Waiting.Tag
	}
	w.hub.Send(client.ID(), sig)
	return client
}

// Dispatch delivers a command a page sent.
func (w *Worker) Dispatch(clientID string, cmd messaging.Command) {
	w.hub.Dispatch(clientID, cmd)
}

// Disconnect forgets a page.
func (w *Worker) Disconnect(c *messaging.Client) {
	w.hub.Disconnect(c)
}

// ServeHTTP intercepts one request.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.handler.ServeHTTP(rw, r)
}

// Close stops the loop, waits for installs and revalidations, disconnects
// pages and closes the store.
func (w *Worker) Close(ctx context.Context) error {
	var err error
	w.once.Do(func() {
		w.cancel()
		<-w.loopDone
		w.installs.Wait()
		w.router.Close()
		w.hub.Close()
		err = w.store.Close(ctx)
	})
	return err
}

func (w *Worker) post(ev lifecycle.Event) {
	select {
	case w.events <- ev:
	case <-w.ctx.Done():
	}
}

func (w *Worker) consumersChanged() {
	select {
	case w.nudge <- struct{}{}:
	default:
	}
}

func (w *Worker) command(clientID string, cmd messaging.Command) {
	if cmd == messaging.CommandSkipWaiting {
		w.post(lifecycle.SkipWaiting{})
	}
}

func (w *Worker) loop() {
	defer close(w.loopDone)
	for {
		select {
		case <-w.ctx.Done():
			return
		case ev := <-w.events:
			w.apply(ev)
		case res := <-w.results:
			w.observeInstall(res)
			w.apply(res.finished)
		case <-w.nudge:
			w.apply(lifecycle.ConsumersChanged{Count: w.activeConsumers()})
		}
	}
}

func (w *Worker) activeConsumers() int {
	w.mu.RLock()
	active := w.reg.Active
	w.mu.RUnlock()
	if active == nil {
		return 0
	}
	return w.hub.Controlled(active.Tag)
}

// apply steps the registration and runs the resulting effects. Events raised
// by effects are applied before the loop takes the next external event.
func (w *Worker) apply(ev lifecycle.Event) {
	queue := []lifecycle.Event{ev}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		w.mu.Lock()
		reg, effects := lifecycle.Step(w.reg, next)
		w.reg = reg
		w.mu.Unlock()

		for _, eff := range effects {
			if follow := w.execute(eff); follow != nil {
				queue = append(queue, follow)
			}
		}
	}
}

func (w *Worker) execute(eff lifecycle.Effect) lifecycle.Event {
	ctx := w.ctx
	switch e := eff.(type) {
	case lifecycle.Install:
		w.startInstall(e)
	case lifecycle.Discard:
		if err := w.store.Delete(ctx, e.Tag); err != nil {
			w.logger.Warn("discard generation failed", slog.String("version", e.Tag), slog.Any("error", err))
		}
		w.refreshGenerations(ctx)
	case lifecycle.Purge:
		w.purge(ctx, e.Keep)
	case lifecycle.Promote:
		w.mu.Lock()
		w.current = e.Tag
		w.mu.Unlock()
		w.logger.Info("generation promoted", slog.String("version", e.Tag))
	case lifecycle.Claim:
		w.claimMu.Lock()
		changed := w.hub.Claim(e.Tag)
		w.claimMu.Unlock()
		w.logger.Debug("pages claimed", slog.String("version", e.Tag), slog.Int("changed", changed))
		return lifecycle.ActivationFinished{Tag: e.Tag}
	case lifecycle.StateChanged:
		w.logger.Info("version state changed", slog.String("version", e.Tag), slog.String("state", string(e.State)))
		w.metrics.ObserveTransition(string(e.State))
		w.hub.Broadcast(messaging.Signal{Kind: messaging.SignalStateChange, Version: e.Tag, State: string(e.State)})
	case lifecycle.UpdateFoundNotice:
		w.hub.Broadcast(messaging.Signal{Kind: messaging.SignalUpdateFound, Version: e.Tag})
	}
	return nil
}

func (w *Worker) purge(ctx context.Context, keep string) {
	names, err := w.store.Names(ctx)
	if err != nil {
		w.logger.Warn("purge list failed", slog.Any("error", err))
		return
	}
	for _, name := range names {
		if name == keep {
			continue
		}
		if err := w.store.Delete(ctx, name); err != nil {
			w.logger.Warn("purge generation failed", slog.String("version", name), slog.Any("error", err))
			continue
		}
		w.logger.Debug("generation purged", slog.String("version", name))
	}
	w.refreshGenerations(ctx)
}

func (w *Worker) refreshGenerations(ctx context.Context) {
	names, err := w.store.Names(ctx)
	if err != nil {
		return
	}
	w.metrics.SetGenerations(len(names))
}

func (w *Worker) startInstall(e lifecycle.Install) {
	w.installs.Add(1)
	go func() {
		defer w.installs.Done()
		start := time.Now()
		err := w.install(w.ctx, e)
		if err != nil {
			w.logger.Warn("install failed", slog.String("version", e.Tag), slog.Any("error", err))
		} else {
			w.logger.Info("generation committed", slog.String("version", e.Tag), slog.Int("entries", len(e.Manifest)))
		}
		res := installResult{
			finished: lifecycle.InstallFinished{Tag: e.Tag, Serial: e.Serial, Err: err},
			took:     time.Since(start),
		}
		select {
		case w.results <- res:
		case <-w.ctx.Done():
		}
	}()
}

// install fetches every manifest entry and commits them as one generation.
// Any failure leaves the store untouched.
func (w *Worker) install(ctx context.Context, e lifecycle.Install) error {
	ids := make([]cache.Identity, 0, len(e.Manifest))
	for _, entry := range e.Manifest {
		target, err := w.network.Resolve(w.scope, entry)
		if err != nil {
			return err
		}
		ids = append(ids, cache.NewIdentity(http.MethodGet, target))
	}

	var mu sync.Mutex
	entries := make(map[cache.Identity]cache.Snapshot, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.installLimit)
	for _, id := range ids {
		g.Go(func() error {
			snap, err := w.network.Fetch(gctx, id, nil)
			if err != nil {
				return err
			}
			if !snap.OK() {
				return fmt.Errorf("runtime: fetch %s: status %d", id.URL, snap.Status)
			}
			if !snap.Shared() {
				return fmt.Errorf("runtime: fetch %s: %w", id.URL, cache.ErrNotCacheable)
			}
			mu.Lock()
			entries[id] = snap
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := w.store.Commit(ctx, e.Tag, entries); err != nil {
		return fmt.Errorf("runtime: commit %s: %w", e.Tag, err)
	}
	w.refreshGenerations(ctx)
	return nil
}

func (w *Worker) observeInstall(res installResult) {
	w.mu.RLock()
	installing := w.reg.Installing
	w.mu.RUnlock()

	switch {
	case res.finished.Err != nil:
		w.metrics.ObserveInstall(metrics.InstallFailed, res.took)
	case installing == nil || installing.Serial != res.finished.Serial:
		w.metrics.ObserveInstall(metrics.InstallDiscarded, res.took)
	default:
		w.metrics.ObserveInstall(metrics.InstallCommitted, res.took)
	}
}
