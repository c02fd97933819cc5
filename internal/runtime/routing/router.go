package routing

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/l0p7/bixworker/internal/config"
	"github.com/l0p7/bixworker/internal/metrics"
	"github.com/l0p7/bixworker/internal/runtime/cache"
)

// HeaderSource names the response header telling the page where a response
// came from.
const HeaderSource = "X-Worker-Cache"

// Source values carried in HeaderSource.
const (
	SourceHit         = "hit"
	SourceNetwork     = "network"
	SourceOffline     = "offline"
	SourceBypass      = "bypass"
	SourcePassthrough = "passthrough"
)

// ErrNoResponse means neither the network nor the cache could produce a
// response. The HTTP layer surfaces it as 504.
var ErrNoResponse = errors.New("routing: no response")

// Options wires a Router.
type Options struct {
	Store      cache.Store
	Network    *Network
	Classifier *Classifier
	// Current returns the generation fetch routing serves from; false while
	// no version is active.
	Current               func() (string, bool)
	Scope                 string
	NavigationFallback    string
	FallbackDocument      string
	RevalidateConcurrency int
	Logger                *slog.Logger
	Metrics               *metrics.Recorder
}

// Result is the outcome of routing one GET request.
type Result struct {
	Snapshot cache.Snapshot
	Source   string
	Kind     Kind
}

// Router implements the per-request fetch strategy: network-first for
// navigations and stale-while-revalidate for static assets.
type Router struct {
	store      cache.Store
	network    *Network
	classifier *Classifier
	current    func() (string, bool)
	scope      string
	fallback   string
	fallbackID cache.Identity
	logger     *slog.Logger
	metrics    *metrics.Recorder

	bypass      http.Handler
	passthrough http.Handler

	bgSem  chan struct{}
	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc

	// mu orders revalidate's wg.Add against Close's wg.Wait.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewRouter validates opts and builds a router.
func NewRouter(opts Options) (*Router, error) {
	if opts.Store == nil || opts.Network == nil || opts.Classifier == nil || opts.Current == nil {
		return nil, errors.New("routing: store, network, classifier and current are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	scope := opts.Scope
	if scope == "" {
		scope = "/"
	}
	limit := opts.RevalidateConcurrency
	if limit <= 0 {
		limit = 32
	}
	fallback := strings.ToLower(strings.TrimSpace(opts.NavigationFallback))
	if fallback == "" {
		fallback = config.NavigationFallbackExact
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		store:      opts.Store,
		network:    opts.Network,
		classifier: opts.Classifier,
		current:    opts.Current,
		scope:      scope,
		fallback:   fallback,
		logger:     logger.With(slog.String("agent", "routing")),
		metrics:    opts.Metrics,
		bgSem:      make(chan struct{}, limit),
		ctx:        ctx,
		cancel:     cancel,
	}
	if fallback == config.NavigationFallbackRoot {
		target, err := opts.Network.Resolve(scope, opts.FallbackDocument)
		if err != nil {
			cancel()
			return nil, err
		}
		r.fallbackID = cache.NewIdentity(http.MethodGet, target)
	}
	onError := func(req *http.Request, err error) {
		r.logger.Warn("origin unreachable", slog.String("method", req.Method), slog.String("path", req.URL.Path), slog.Any("error", err))
	}
	r.bypass = opts.Network.Proxy(SourceBypass, onError)
	r.passthrough = opts.Network.Proxy(SourcePassthrough, onError)
	return r, nil
}

// Close stops accepting background revalidations and waits for those in
// flight.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

// ServeHTTP routes one intercepted request.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()

	if req.Method != http.MethodGet {
		r.bypass.ServeHTTP(w, req)
		r.metrics.ObserveFetch(string(KindBypass), SourceBypass, time.Since(start))
		return
	}
	if _, ok := r.current(); !ok || !r.inScope(req) {
		r.passthrough.ServeHTTP(w, req)
		r.metrics.ObserveFetch(SourcePassthrough, SourcePassthrough, time.Since(start))
		return
	}

	res, err := r.Respond(req.Context(), req)
	if err != nil {
		setSourceHeader(w.Header(), SourceOffline)
		http.Error(w, "offline", http.StatusGatewayTimeout)
		r.metrics.ObserveFetch(string(res.Kind), SourceOffline, time.Since(start))
		return
	}
	writeSnapshot(w, res.Snapshot, res.Source)
	r.metrics.ObserveFetch(string(res.Kind), res.Source, time.Since(start))
}

// Respond computes the response for a GET request from the current
// generation and the network. It returns ErrNoResponse when neither can
// answer.
func (r *Router) Respond(ctx context.Context, req *http.Request) (Result, error) {
	gen, ok := r.current()
	if !ok {
		return Result{}, ErrNoResponse
	}
	target := r.network.Target(req)
	id := cache.NewIdentity(req.Method, target)

	kind, err := r.classifier.Classify(req, target)
	if err != nil {
		r.logger.Warn("navigation rule failed", slog.String("url", target), slog.Any("error", err))
	}
	header := req.Header.Clone()

	switch kind {
	case KindNavigation:
		res, err := r.navigate(ctx, gen, id, header)
		res.Kind = kind
		return res, err
	default:
		res, err := r.staleWhileRevalidate(ctx, gen, id, header)
		res.Kind = KindStatic
		return res, err
	}
}

func (r *Router) navigate(ctx context.Context, gen string, id cache.Identity, header http.Header) (Result, error) {
	snap, err := r.network.Fetch(ctx, id, header)
	if err == nil {
		if storable(snap) {
			r.put(ctx, gen, id, snap)
		}
		return Result{Snapshot: snap, Source: SourceNetwork}, nil
	}
	r.logger.Debug("navigation network failure", slog.String("url", id.URL), slog.Any("error", err))

	if cached, ok := r.match(ctx, gen, id); ok {
		return Result{Snapshot: cached, Source: SourceHit}, nil
	}
	if r.fallback == config.NavigationFallbackRoot && r.fallbackID != id {
		if cached, ok := r.match(ctx, gen, r.fallbackID); ok {
			return Result{Snapshot: cached, Source: SourceHit}, nil
		}
	}
	return Result{}, ErrNoResponse
}

func (r *Router) staleWhileRevalidate(ctx context.Context, gen string, id cache.Identity, header http.Header) (Result, error) {
	if cached, ok := r.match(ctx, gen, id); ok {
		r.revalidate(gen, id, header)
		return Result{Snapshot: cached, Source: SourceHit}, nil
	}
	snap, err := r.network.Fetch(ctx, id, header)
	if err != nil {
		r.logger.Debug("static network failure", slog.String("url", id.URL), slog.Any("error", err))
		return Result{}, ErrNoResponse
	}
	if storable(snap) {
		r.put(ctx, gen, id, snap)
	}
	return Result{Snapshot: snap, Source: SourceNetwork}, nil
}

// revalidate refreshes id in the background. Work is bounded by bgSem and
// deduplicated per generation and identity; when the budget is exhausted the
// refresh is dropped and the stale copy stays.
func (r *Router) revalidate(gen string, id cache.Identity, header http.Header) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	key := gen + "\x00" + id.Key()
	go func() {
		defer r.wg.Done()
		_, _, _ = r.group.Do(key, func() (any, error) {
			select {
			case r.bgSem <- struct{}{}:
			default:
				r.metrics.ObserveRevalidation(metrics.RevalidationDropped)
				return nil, nil
			}
			defer func() { <-r.bgSem }()
			r.metrics.ObserveRevalidation(r.revalidateOnce(gen, id, header))
			return nil, nil
		})
	}()
}

func (r *Router) revalidateOnce(gen string, id cache.Identity, header http.Header) metrics.RevalidationOutcome {
	snap, err := r.network.Fetch(r.ctx, id, header)
	if err != nil || !storable(snap) {
		return metrics.RevalidationFailed
	}
	if err := r.store.Put(r.ctx, gen, id, snap); err != nil {
		r.logger.Debug("revalidation not stored", slog.String("generation", gen), slog.String("url", id.URL), slog.Any("error", err))
		return metrics.RevalidationFailed
	}
	return metrics.RevalidationStored
}

// storable reports whether a network response may enter the shared store.
func storable(snap cache.Snapshot) bool {
	return snap.OK() && snap.Shared()
}

func (r *Router) match(ctx context.Context, gen string, id cache.Identity) (cache.Snapshot, bool) {
	snap, ok, err := r.store.Match(ctx, gen, id)
	if err != nil {
		r.logger.Warn("cache match failed", slog.String("generation", gen), slog.String("url", id.URL), slog.Any("error", err))
		return cache.Snapshot{}, false
	}
	return snap, ok
}

// put stores a fresh snapshot. A generation purged by a concurrent
// activation refuses the write, which is expected and logged at debug.
func (r *Router) put(ctx context.Context, gen string, id cache.Identity, snap cache.Snapshot) {
	err := r.store.Put(context.WithoutCancel(ctx), gen, id, snap)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrUnknownGeneration):
		r.logger.Debug("generation gone, snapshot dropped", slog.String("generation", gen), slog.String("url", id.URL))
	default:
		r.logger.Warn("cache put failed", slog.String("generation", gen), slog.String("url", id.URL), slog.Any("error", err))
	}
}

func (r *Router) inScope(req *http.Request) bool {
	if r.scope == "/" {
		return true
	}
	path := req.URL.Path
	return strings.HasPrefix(path, r.scope) || path+"/" == r.scope
}
