// Command dispatch is the process entry point: it resolves configuration,
// constructs every process-scoped singleton (spec.md §9 — explicitly built
// and passed into handlers rather than implicit globals), starts the
// change-stream subscription, and serves the HTTP Surface until signaled to
// stop.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ChlodAlejandro/deputy-dispatch/internal/changestream"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/config"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/httpapi"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/logger"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/replicapool"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/revisionexpander"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/revisionstore"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/siteregistry"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/talkscanner"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/taskengine"
	"github.com/ChlodAlejandro/deputy-dispatch/internal/wikiclient"
)

// exitMissingOAuthToken and exitBadPort are the startup-fatal exit codes
// spec.md §6/§7 requires the process to use before the HTTP listener binds.
const (
	exitMissingOAuthToken = 129
	exitBadPort           = 128
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		switch {
		case err == config.ErrMissingOAuthToken:
			fmt.Fprintln(os.Stderr, "dispatch: DISPATCH_SELF_OAUTH_ACCESS_TOKEN is required")
			os.Exit(exitMissingOAuthToken)
		default:
			fmt.Fprintln(os.Stderr, "dispatch:", err)
			os.Exit(exitBadPort)
		}
		return
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Raw: cfg.RawLog})
	log.WithField("port", cfg.Port).Info("starting dispatch")

	registry := siteregistry.New(cfg.SiteCatalogURL, http.DefaultClient)
	if err := registry.Refresh(context.Background()); err != nil {
		log.WithError(err).Warn("initial site registry refresh failed; lazy refresh will retry on first lookup")
	}

	clients := wikiclient.New(cfg.OAuthAccessToken)

	replicas := replicapool.New(replicapool.Options{
		Hosted:       cfg.Hosted,
		HostedSuffix: cfg.HostedSuffix,
	})

	tasks := taskengine.New(log, time.Hour)
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	tasks.StartSweep(sweepCtx)
	defer stopSweep()

	stream := changestream.New(changestream.DefaultConfig(cfg.ChangeStreamURL))
	store := revisionstore.New(revisionstore.Options{Stream: stream, Autostart: true})

	expanders := newExpanderRegistry(registry, clients)
	talkHistories := newTalkHistoryFactory(registry, clients, replicas)

	server := httpapi.NewServer(registry, tasks, replicas, expanders.expanderFor, talkHistories)
	server.Log = log
	server.Store = store

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithField("addr", httpServer.Addr).Info("http surface listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http surface stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	stream.Stop()
	tasks.StopSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown did not complete cleanly")
	}
}

// expanderRegistry lazily constructs one revisionexpander.Expander per
// wiki, mirroring wikiclient.Pool's one-client-per-wiki memoization
// (spec.md §4.5) for the Revision Expander (spec.md §4.6).
type expanderRegistry struct {
	registry *siteregistry.Registry
	clients  *wikiclient.Pool

	mu     sync.Mutex
	byWiki map[string]*revisionexpander.Expander
}

func newExpanderRegistry(registry *siteregistry.Registry, clients *wikiclient.Pool) *expanderRegistry {
	return &expanderRegistry{
		registry: registry,
		clients:  clients,
		byWiki:   make(map[string]*revisionexpander.Expander),
	}
}

func (e *expanderRegistry) expanderFor(wiki string) (*revisionexpander.Expander, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if exp, ok := e.byWiki[wiki]; ok {
		return exp, nil
	}

	desc, ok, err := e.registry.Get(context.Background(), wiki, siteregistry.ByDBName)
	if err != nil {
		return nil, fmt.Errorf("dispatch: resolve wiki %q: %w", wiki, err)
	}
	if !ok {
		return nil, fmt.Errorf("dispatch: unknown wiki %q", wiki)
	}

	fetcher := &revisionexpander.APIFetcher{
		Client:  e.clients.For(wiki),
		APIBase: desc.BaseURL + "/w/api.php",
	}
	exp := revisionexpander.New(fetcher, 10*time.Second)
	e.byWiki[wiki] = exp
	return exp, nil
}

// newTalkHistoryFactory returns an httpapi.TalkHistoryFactory that builds a
// talkscanner.APIHistoryFetcher per (wiki, user) call: the action API
// supplies content, the analytics replica supplies the progress-reporting
// revision total (spec.md §4.10 step 4).
func newTalkHistoryFactory(registry *siteregistry.Registry, clients *wikiclient.Pool, replicas *replicapool.Pool) httpapi.TalkHistoryFactory {
	return func(_ *httpapi.Request, wiki, user string) (talkscanner.HistoryFetcher, error) {
		ctx := context.Background()
		desc, ok, err := registry.Get(ctx, wiki, siteregistry.ByDBName)
		if err != nil {
			return nil, fmt.Errorf("dispatch: resolve wiki %q: %w", wiki, err)
		}
		if !ok {
			return nil, fmt.Errorf("dispatch: unknown wiki %q", wiki)
		}

		db, err := replicas.Connect(ctx, wiki, replicapool.Web)
		if err != nil {
			return nil, fmt.Errorf("dispatch: connect replica for %q: %w", wiki, err)
		}

		apiTitle, pageTitle := talkscanner.TitleForUserTalk(user)
		return &talkscanner.APIHistoryFetcher{
			Client:    clients.For(wiki),
			DB:        db,
			APIBase:   desc.BaseURL + "/w/api.php",
			Title:     apiTitle,
			PageTitle: pageTitle,
		}, nil
	}
}
