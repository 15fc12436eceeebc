// Package migrate ties one migration run together: it owns the object
// store for a root and drives collection, linkage and sync over it.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/curamigrate/internal/collect"
	"github.com/agentworkforce/curamigrate/internal/entity"
	"github.com/agentworkforce/curamigrate/internal/linkage"
	"github.com/agentworkforce/curamigrate/internal/schema"
	"github.com/agentworkforce/curamigrate/internal/sink"
	"github.com/agentworkforce/curamigrate/internal/source"
	"github.com/agentworkforce/curamigrate/internal/store"
)

var ErrIncomplete = errors.New("sync finished with failures")

// Deps are the external systems a run talks to. Source and Catalog are only
// needed for collection, Sink only for sync.
type Deps struct {
	Source     source.Store
	Catalog    schema.Catalog
	Checkpoint store.Checkpoint
	Sink       sink.Client
	Ledger     sink.Recorder
	Logger     *zap.Logger
}

type Options struct {
	Root              collect.Root
	Priority          []entity.Type
	CheckConcurrency  int
	CreateConcurrency int
	// ExtraRelations are added to the catalog's relations; nil means
	// schema.DefaultRootRelations.
	ExtraRelations map[entity.Type][]schema.Relation
	Normalizers    map[entity.Type]collect.Normalizer
}

// Summary is what Execute reports for a whole run.
type Summary struct {
	Collect *collect.Result
	Link    linkage.Stats
	// Linked is set once linkage finished, whatever sync did afterwards.
	Linked  bool
	Sync    *sink.Report
	Elapsed time.Duration
}

type Run struct {
	deps    Deps
	opts    Options
	logger  *zap.Logger
	objects *store.Store
	links   *linkage.Transformer
}

// Open creates the run for opts.Root and restores its checkpoint.
func Open(ctx context.Context, deps Deps, opts Options) (*Run, error) {
	if opts.Root.Type == "" || opts.Root.ID == "" {
		return nil, fmt.Errorf("root type and id are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("root", string(opts.Root.Type)+"("+opts.Root.ID+")"))
	if opts.Priority == nil {
		opts.Priority = sink.DefaultPriority
	}
	if opts.ExtraRelations == nil {
		opts.ExtraRelations = schema.DefaultRootRelations()
	}

	objects := store.New(deps.Checkpoint)
	if err := objects.Load(ctx); err != nil {
		return nil, err
	}
	if n := objects.Len(); n > 0 {
		logger.Info("resuming from checkpoint", zap.Int("entities", n))
	}
	return &Run{
		deps:    deps,
		opts:    opts,
		logger:  logger,
		objects: objects,
		links:   linkage.New(logger),
	}, nil
}

func (r *Run) Store() *store.Store {
	return r.objects
}

func (r *Run) Links() *linkage.Transformer {
	return r.links
}

// Collect loads everything reachable from the root into the store.
func (r *Run) Collect(ctx context.Context) (*collect.Result, error) {
	if r.deps.Source == nil || r.deps.Catalog == nil {
		return nil, fmt.Errorf("collect needs a source store and a schema catalog")
	}
	catalog := schema.WithExtraRelations(r.deps.Catalog, r.opts.ExtraRelations)
	collector := collect.New(r.deps.Source, catalog, r.objects, r.links, collect.Options{
		Logger:      r.logger,
		Normalizers: r.opts.Normalizers,
	})
	res, err := collector.Collect(ctx, r.opts.Root)
	if err != nil {
		return res, fmt.Errorf("collect: %w", err)
	}
	r.logger.Info("collection finished",
		zap.Int("fetched", res.Fetched),
		zap.Int("reused", res.Reused),
		zap.Int("embedded", res.Embedded),
		zap.Int("skipped", res.Skipped),
		zap.Int("works", r.links.Len()))
	return res, nil
}

// Link rewrites recorded references to natural keys and checkpoints the
// result.
func (r *Run) Link(ctx context.Context) (linkage.Stats, error) {
	stats, err := r.links.Apply(ctx, r.objects)
	if err != nil {
		return stats, fmt.Errorf("link: %w", err)
	}
	if err := r.objects.Save(ctx); err != nil {
		return stats, err
	}
	r.logger.Info("linkage finished", zap.Int("rewritten", stats.Rewritten), zap.Int("unchanged", stats.Unchanged))
	return stats, nil
}

// Sync sends the store contents to the sink in priority order.
func (r *Run) Sync(ctx context.Context) (*sink.Report, error) {
	if r.deps.Sink == nil {
		return nil, fmt.Errorf("sync needs a sink client")
	}
	engine := sink.NewEngine(r.deps.Sink, sink.EngineOptions{
		CheckConcurrency:  r.opts.CheckConcurrency,
		CreateConcurrency: r.opts.CreateConcurrency,
		Ledger:            r.deps.Ledger,
		Logger:            r.logger,
	})
	entities := r.objects.GetAll(r.opts.Priority)
	r.logger.Info("syncing", zap.Int("entities", len(entities)))
	report, err := engine.Sync(ctx, entities)
	if err != nil {
		return report, fmt.Errorf("sync: %w", err)
	}
	return report, nil
}

// Execute runs collection, linkage and sync. A run whose sync recorded
// failures returns its summary together with ErrIncomplete.
func (r *Run) Execute(ctx context.Context) (*Summary, error) {
	start := time.Now()
	summary := &Summary{}
	defer func() { summary.Elapsed = time.Since(start) }()

	var err error
	if summary.Collect, err = r.Collect(ctx); err != nil {
		return summary, err
	}
	if summary.Link, err = r.Link(ctx); err != nil {
		return summary, err
	}
	summary.Linked = true
	if summary.Sync, err = r.Sync(ctx); err != nil {
		return summary, err
	}
	if !summary.Sync.Complete() {
		return summary, fmt.Errorf("%w: %d of %d entities", ErrIncomplete, summary.Sync.Failed, summary.Sync.Total)
	}
	return summary, nil
}

// Close releases the checkpoint.
func (r *Run) Close() error {
	return r.objects.Close()
}
