package main

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/agentworkforce/relaycache/internal/httpapi"
	"github.com/agentworkforce/relaycache/internal/logging"
	"github.com/agentworkforce/relaycache/internal/relaycache"
	"go.trai.ch/zerr"
)

// engine owns every long-lived component built from one appConfig.
type engine struct {
	logger    *slog.Logger
	logCloser io.Closer

	cache       *relaycache.Cache
	ledger      relaycache.Ledger
	events      *relaycache.EventBus
	source      relaycache.SourceClient
	resolver    *relaycache.ConflictResolver
	coordinator *relaycache.Coordinator
	queue       *relaycache.SyncQueue
	relations   *relaycache.RelationBatchResolver
}

type engineOptions struct {
	// RequireSource fails the build when no Notion token is configured.
	RequireSource bool
	// LogOutput overrides stderr when no log file is configured.
	LogOutput io.Writer
}

func buildEngine(cfg appConfig, opts engineOptions) (*engine, error) {
	logOpts := cfg.Log
	logOpts.Output = opts.LogOutput
	logger, logCloser, err := logging.New(logOpts)
	if err != nil {
		return nil, err
	}
	e := &engine{logger: logger, logCloser: logCloser}

	store, err := relaycache.BuildKeyValueStoreFromDSN(cfg.CacheDSN)
	if err != nil {
		e.Close()
		return nil, zerr.Wrap(err, "initialize cache backend")
	}
	e.cache = relaycache.NewCache(relaycache.CacheOptions{Store: store, TTLs: cfg.CacheTTLs, Logger: logger})

	e.ledger, err = relaycache.BuildLedgerFromDSN(cfg.LedgerDSN)
	if err != nil {
		e.Close()
		return nil, zerr.Wrap(err, "initialize conflict ledger")
	}

	journal, err := relaycache.BuildJournalFromDSN(cfg.JournalDSN)
	if err != nil {
		e.Close()
		return nil, zerr.Wrap(err, "initialize queue journal")
	}

	var validator *relaycache.PayloadValidator
	if cfg.SchemaDir != "" {
		validator, err = relaycache.NewPayloadValidatorFromDir(cfg.SchemaDir)
	} else {
		validator, err = relaycache.NewPayloadValidator()
	}
	if err != nil {
		_ = journal.Close()
		e.Close()
		return nil, zerr.Wrap(err, "load payload schemas")
	}

	var policy *relaycache.ConflictPolicy
	if cfg.PolicyFile != "" {
		loaded, err := relaycache.LoadConflictPolicy(cfg.PolicyFile)
		if err != nil {
			_ = journal.Close()
			e.Close()
			return nil, zerr.Wrap(err, "load conflict policy")
		}
		policy = &loaded
	}

	if cfg.NotionToken != "" {
		e.source = relaycache.NewNotionClient(relaycache.NotionClientOptions{
			BaseURL:       cfg.NotionBaseURL,
			TokenProvider: relaycache.StaticToken(cfg.NotionToken),
			HTTPClient:    &http.Client{Timeout: cfg.SourceTimeout},
			Databases:     cfg.NotionDatabases,
			Throttle:      relaycache.NewThrottle(cfg.SourceMinInterval),
			Logger:        logger,
		})
	} else if opts.RequireSource {
		_ = journal.Close()
		e.Close()
		return nil, zerr.New("notion.token is required (set RELAYCACHE_NOTION_TOKEN)")
	}

	e.events = relaycache.NewEventBus()
	e.resolver = relaycache.NewConflictResolver(relaycache.ConflictResolverOptions{
		Cache:  e.cache,
		Ledger: e.ledger,
		Policy: policy,
		Events: e.events,
		Logger: logger,
	})
	e.coordinator = relaycache.NewCoordinator(relaycache.CoordinatorOptions{
		Cache:              e.cache,
		Resolver:           e.resolver,
		Source:             e.source,
		Logger:             logger,
		BackgroundStrategy: cfg.BackgroundStrategy,
	})
	e.queue = relaycache.NewSyncQueue(relaycache.SyncQueueOptions{
		Cache:         e.cache,
		Source:        e.source,
		Resolver:      e.resolver,
		Journal:       journal,
		Validator:     validator,
		Events:        e.events,
		Logger:        logger,
		MaxAttempts:   cfg.QueueMaxAttempts,
		BackoffBase:   cfg.QueueBackoffBase,
		BackoffCap:    cfg.QueueBackoffCap,
		RemoteTimeout: cfg.SourceTimeout,
		HistoryLimit:  cfg.QueueHistoryLimit,
		HistoryWindow: cfg.QueueHistoryWindow,
	})
	e.relations = relaycache.NewRelationBatchResolver(relaycache.RelationBatchResolverOptions{
		Cache:  e.cache,
		Source: e.source,
		Logger: logger,
	})
	return e, nil
}

func (e *engine) httpDependencies() httpapi.Dependencies {
	return httpapi.Dependencies{
		Coordinator: e.coordinator,
		Queue:       e.queue,
		Resolver:    e.resolver,
		Relations:   e.relations,
		Source:      e.source,
		Events:      e.events,
		Logger:      e.logger,
	}
}

// Close stops components in reverse dependency order. The queue closes its own journal.
func (e *engine) Close() error {
	var errs []error
	if e.queue != nil {
		errs = append(errs, e.queue.Close())
	}
	if e.coordinator != nil {
		errs = append(errs, e.coordinator.Close())
	}
	if e.ledger != nil {
		errs = append(errs, e.ledger.Close())
	}
	if e.cache != nil {
		errs = append(errs, e.cache.Close())
	}
	if e.logCloser != nil {
		errs = append(errs, e.logCloser.Close())
	}
	return errors.Join(errs...)
}
