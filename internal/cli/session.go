package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/curamigrate/internal/collect"
	"github.com/agentworkforce/curamigrate/internal/config"
	"github.com/agentworkforce/curamigrate/internal/entity"
	"github.com/agentworkforce/curamigrate/internal/ledger"
	"github.com/agentworkforce/curamigrate/internal/logging"
	"github.com/agentworkforce/curamigrate/internal/migrate"
	"github.com/agentworkforce/curamigrate/internal/schema"
	"github.com/agentworkforce/curamigrate/internal/sink"
	"github.com/agentworkforce/curamigrate/internal/source"
	"github.com/agentworkforce/curamigrate/internal/store"
)

type needs int

const (
	needSource needs = 1 << iota
	needSink
)

// loadConfig reads the config file and environment, with root flags taking
// precedence over both.
func loadConfig(cmd *cobra.Command, validate bool) (*config.Config, error) {
	v := config.New()
	for key, name := range map[string]string{
		"root.type": flagRootType,
		"root.id":   flagRootID,
		"log.level": flagLogLevel,
	} {
		if f := cmd.Flags().Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}
	path, _ := cmd.Flags().GetString(flagConfig)
	cfg, err := config.Load(v, path)
	if err != nil {
		return nil, err
	}
	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// session is one command's view of a migration run plus everything that
// must be released when the command ends.
type session struct {
	cfg     *config.Config
	logger  *zap.Logger
	run     *migrate.Run
	ledger  *ledger.Ledger
	closers []func() error
}

func openSession(cmd *cobra.Command, n needs) (*session, error) {
	cfg, err := loadConfig(cmd, true)
	if err != nil {
		return nil, err
	}
	if n&needSource != 0 {
		if err := cfg.ValidateSource(); err != nil {
			return nil, err
		}
	}
	if n&needSink != 0 {
		if err := cfg.ValidateSink(); err != nil {
			return nil, err
		}
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			_ = s.Close()
		}
	}()

	ctx := cmd.Context()
	deps := migrate.Deps{Logger: logger}
	if n&needSource != 0 {
		src, err := source.NewPostgresStore(source.PostgresOptions{
			DSN:    cfg.Source.DSN,
			Driver: cfg.Source.Driver,
			Table:  cfg.Source.Table,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open source store: %w", err)
		}
		s.closers = append(s.closers, src.Close)
		catalog, err := schema.NewFileCatalog(cfg.Schema.Dir)
		if err != nil {
			return nil, fmt.Errorf("failed to open schema catalog: %w", err)
		}
		deps.Source = src
		deps.Catalog = catalog
	}
	if n&needSink != 0 {
		client, err := newSinkClient(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		errs, err := ledger.Open(cfg.Ledger.Dir, "")
		if err != nil {
			return nil, fmt.Errorf("failed to open error ledger: %w", err)
		}
		s.ledger = errs
		s.closers = append(s.closers, errs.Close)
		deps.Sink = client
		deps.Ledger = errs
	}

	checkpoint, err := store.BuildCheckpointFromDSN(cfg.Checkpoint.DSN, cfg.Root.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	deps.Checkpoint = checkpoint

	opts := migrate.Options{
		Root:              collect.Root{Type: entity.Type(cfg.Root.Type), ID: cfg.Root.ID},
		CheckConcurrency:  cfg.Sink.CheckConcurrency,
		CreateConcurrency: cfg.Sink.CreateConcurrency,
	}
	if p := cfg.PriorityTypes(); len(p) > 0 {
		opts.Priority = p
	}
	run, err := migrate.Open(ctx, deps, opts)
	if err != nil {
		_ = checkpoint.Close()
		return nil, err
	}
	s.run = run
	ok = true
	return s, nil
}

func newSinkClient(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*sink.HTTPClient, error) {
	opts := sink.ClientOptions{
		BaseURL:       cfg.Sink.BaseURL,
		Token:         cfg.Sink.Token,
		HTTPClient:    &http.Client{Timeout: cfg.Sink.Timeout},
		PresenceField: cfg.Sink.PresenceField,
		MaxRetries:    cfg.Sink.MaxRetries,
		Logger:        logger,
	}
	// Zero in the config file means no retries.
	if opts.MaxRetries == 0 {
		opts.MaxRetries = -1
	}
	if cfg.Sink.AWSSign {
		signer, err := sink.NewAWSSigner(ctx, cfg.Sink.AWSRegion)
		if err != nil {
			return nil, err
		}
		opts.Signer = signer
	}
	return sink.NewHTTPClient(opts), nil
}

// Close releases the run and every backend, in reverse order of opening.
func (s *session) Close() error {
	var errs []error
	if s.run != nil {
		errs = append(errs, s.run.Close())
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	if s.logger != nil {
		_ = s.logger.Sync()
	}
	return errors.Join(errs...)
}
