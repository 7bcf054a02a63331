package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/RocketChat/Rocket.Chat.Audit/internal/audit"
	"github.com/RocketChat/Rocket.Chat.Audit/internal/config"
	"github.com/RocketChat/Rocket.Chat.Audit/internal/httpapi"
	"github.com/RocketChat/Rocket.Chat.Audit/internal/mongolog"
	"github.com/RocketChat/Rocket.Chat.Audit/internal/sinks"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd(state *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Tail the replication log and audit chat events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAuditor(ctx, state.cfg, state.logger)
		},
	}
}

func runAuditor(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	// No ping here: an unreachable deployment fails the first session and
	// is retried like any later outage.
	client, err := mongolog.NewClient(cfg.Mongo.URI)
	if err != nil {
		return err
	}
	defer func() {
		if err := mongolog.Disconnect(client); err != nil {
			logger.Warn("disconnect from MongoDB failed", "error", err)
		}
	}()

	mongolog.RegisterContextStores()
	store, err := audit.BuildContextStoreFromDSN(cfg.Cache.StoreDSN)
	if err != nil {
		return fmt.Errorf("build edit context store: %w", err)
	}
	edits := audit.NewEditContextCache(audit.EditContextCacheOptions{
		Capacity:   cfg.Cache.MessageSize,
		Store:      store,
		FlushEvery: cfg.Cache.FlushEvery,
		Logger:     logger,
	})
	// restored flips once the persisted snapshot is loaded. Until then the
	// cache must not be saved over it.
	restored := false
	defer func() {
		if !restored {
			if closer, ok := store.(io.Closer); ok {
				_ = closer.Close()
			}
			return
		}
		if err := edits.Close(); err != nil {
			logger.Warn("save edit contexts on shutdown failed", "error", err)
		}
	}()

	chat := client.Database(cfg.Mongo.Database)
	rooms := audit.NewRoomResolver(mongolog.NewRoomStore(chat, cfg.Mongo.RoomsCollection), cfg.Cache.RoomSize)
	classifier := audit.NewClassifier(audit.ClassifierOptions{
		MessagesCollection: cfg.Mongo.Database + "." + cfg.Mongo.MessagesCollection,
		Edits:              edits,
		Rooms:              rooms,
		Logger:             logger,
	})
	tailer := audit.NewTailer(audit.TailerOptions{
		Classifier: classifier,
		Lookback:   cfg.Tail.Lookback,
		Logger:     logger,
	})
	oplog := mongolog.NewOplog(client, cfg.Mongo.OplogDatabase, cfg.Mongo.OplogCollection)

	var feed *httpapi.Feed
	if cfg.HTTP.Addr != "" {
		feed = httpapi.NewFeed(cfg.HTTP.FeedBuffer, logger)
	}
	sink, closeSinks, err := buildSinks(cfg, client, feed, logger)
	if err != nil {
		return err
	}
	defer closeSinks()

	supervisor, err := audit.NewSupervisor(audit.SupervisorOptions{
		Session: func(ctx context.Context) error {
			if !restored {
				if err := edits.Restore(); err != nil {
					return fmt.Errorf("restore edit contexts: %w", err)
				}
				restored = true
			}
			return tailer.ResumeAndTail(ctx, oplog, sink)
		},
		Backoff:   cfg.Tail.Backoff,
		Retryable: mongolog.IsRetryable,
		AfterSession: func() {
			if !restored {
				return
			}
			if err := edits.Flush(); err != nil {
				logger.Warn("save edit contexts failed", "error", err)
			}
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	serverErr := make(chan error, 1)
	if feed != nil {
		server := httpapi.NewServer(func() audit.Status {
			return audit.CollectStatus(supervisor, tailer, edits, rooms)
		}, feed, httpServerConfig(cfg.HTTP), logger)
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           server,
			ReadHeaderTimeout: 10 * time.Second,
		}
		served := make(chan struct{})
		go func() {
			defer close(served)
			logger.Info("admin API listening", "addr", cfg.HTTP.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- fmt.Errorf("admin API: %w", err)
				logger.Error("admin API failed", "error", err)
				cancel()
			}
		}()
		defer func() {
			feed.Close()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("admin API shutdown failed", "error", err)
			}
			<-served
		}()
	}

	logger.Info("auditor starting",
		"database", cfg.Mongo.Database,
		"oplog", cfg.Mongo.OplogDatabase+"."+cfg.Mongo.OplogCollection,
		"lookback", cfg.Tail.Lookback,
	)
	if err := supervisor.Run(ctx); err != nil {
		logger.Error("auditor stopped", "error", err)
		return err
	}
	logger.Info("auditor stopped")
	select {
	case err := <-serverErr:
		return err
	default:
		return nil
	}
}

// buildSinks assembles every configured destination. The returned func closes
// the ones that hold connections of their own.
func buildSinks(cfg *config.Config, client *mongo.Client, feed *httpapi.Feed, logger *slog.Logger) (audit.MultiSink, func(), error) {
	var (
		multi   audit.MultiSink
		closers []func() error
	)
	closeAll := func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logger.Warn("close sink failed", "error", err)
			}
		}
	}

	if cfg.Sinks.Log {
		multi = append(multi, sinks.NewLogSink(logger))
	}
	if cfg.Sinks.PostgresDSN != "" {
		pg, err := sinks.NewPostgresSink(cfg.Sinks.PostgresDSN)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("build postgres sink: %w", err)
		}
		multi = append(multi, pg)
		closers = append(closers, pg.Close)
	}
	if cfg.Sinks.MongoAuditDatabase != "" {
		if client == nil {
			closeAll()
			return nil, nil, fmt.Errorf("%w: mongo audit sink needs a client", audit.ErrInvalidInput)
		}
		ms, err := sinks.NewMongoSink(sinks.MongoSinkOptions{
			Source:        client.Database(cfg.Mongo.Database),
			Audit:         client.Database(cfg.Sinks.MongoAuditDatabase),
			UploadsBucket: cfg.Mongo.UploadsBucket,
			ArchiveFiles:  cfg.Sinks.ArchiveFiles,
			Logger:        logger,
		})
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("build mongo sink: %w", err)
		}
		multi = append(multi, ms)
	}
	if feed != nil {
		multi = append(multi, feed)
	}
	if len(multi) == 0 {
		return nil, nil, fmt.Errorf("%w: no sink configured", audit.ErrInvalidInput)
	}
	return multi, closeAll, nil
}

func httpServerConfig(cfg config.HTTPConfig) httpapi.ServerConfig {
	return httpapi.ServerConfig{
		JWTSecret:       cfg.JWTSecret,
		RateLimitMax:    cfg.RateLimit,
		RateLimitWindow: time.Minute,
	}
}
