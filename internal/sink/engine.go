package sink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/curamigrate/internal/entity"
	"github.com/agentworkforce/curamigrate/internal/ledger"
)

const (
	DefaultCheckConcurrency  = 10
	DefaultCreateConcurrency = 1
	defaultProgressEvery     = 25
)

// DefaultPriority is the create order: records without outgoing references
// first, the root last, so references resolve when a record is created.
var DefaultPriority = []entity.Type{
	entity.TypeUser, entity.TypeDisease, entity.TypeArticle, entity.TypeGene, entity.TypeEvidenceScore,
	entity.TypeIndividual, entity.TypeFamily, entity.TypeGroup, entity.TypeExperimental, entity.TypeCaseControl,
	entity.TypeAnnotation, entity.TypeGDM,
}

// Recorder receives one entry per entity that could not be synced.
type Recorder interface {
	Record(e ledger.Entry) error
}

type EngineOptions struct {
	CheckConcurrency  int
	CreateConcurrency int
	Ledger            Recorder
	Logger            *zap.Logger
	// ProgressEvery is how many completed requests pass between progress
	// lines.
	ProgressEvery int
}

// Report is the outcome of one Sync.
type Report struct {
	Total     int
	Present   int
	Created   int
	Conflicts int
	Failed    int
	Failures  []ledger.Entry
	Elapsed   time.Duration
}

// Complete is true when every entity is known to be at the sink.
func (r *Report) Complete() bool {
	return r.Failed == 0
}

type Engine struct {
	client        Client
	checkWorkers  int
	createWorkers int
	ledger        Recorder
	logger        *zap.Logger
	progressEvery int
}

// tally is the report of one Sync call, shared by its workers.
type tally struct {
	mu     sync.Mutex
	report *Report
}

func NewEngine(client Client, opts EngineOptions) *Engine {
	check := opts.CheckConcurrency
	if check <= 0 {
		check = DefaultCheckConcurrency
	}
	create := opts.CreateConcurrency
	if create <= 0 {
		create = DefaultCreateConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	every := opts.ProgressEvery
	if every <= 0 {
		every = defaultProgressEvery
	}
	return &Engine{
		client:        client,
		checkWorkers:  check,
		createWorkers: create,
		ledger:        opts.Ledger,
		logger:        logger,
		progressEvery: every,
	}
}

type checkResult struct {
	present bool
	err     error
}

// Sync checks every entity against the sink and creates the missing ones.
// Entities must be grouped by type in dependency order, as returned by
// store.GetAll. Per-entity failures are recorded and do not stop the run;
// only cancellation of ctx does.
func (e *Engine) Sync(ctx context.Context, entities []entity.Entity) (*Report, error) {
	start := time.Now()
	t := &tally{report: &Report{Total: len(entities)}}

	results, err := e.check(ctx, entities)
	if err != nil {
		return t.finish(start), err
	}

	var missing []entity.Entity
	for i, res := range results {
		switch {
		case res.err != nil:
			e.fail(t, entities[i], "read failed", res.err)
		case res.present:
			t.report.Present++
			e.logger.Debug("already at sink, skipping",
				zap.String("type", string(entities[i].Type())),
				zap.String("identity", entities[i].Identity()))
		default:
			missing = append(missing, entities[i])
		}
	}
	e.logger.Info("existence check finished",
		zap.Int("total", len(entities)),
		zap.Int("present", t.report.Present),
		zap.Int("missing", len(missing)))

	if err := e.create(ctx, t, missing); err != nil {
		return t.finish(start), err
	}
	return t.finish(start), nil
}

func (e *Engine) check(ctx context.Context, entities []entity.Entity) ([]checkResult, error) {
	results := make([]checkResult, len(entities))
	progress := e.newProgress("GET", len(entities))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.checkWorkers)
	for i := range entities {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			present, err := e.client.Exists(gctx, entities[i])
			results[i] = checkResult{present: present, err: err}
			progress.step(entities[i], err == nil)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// create posts missing entities one type group at a time so that records
// referenced by later groups exist before those groups are sent.
func (e *Engine) create(ctx context.Context, t *tally, missing []entity.Entity) error {
	progress := e.newProgress("POST", len(missing))
	for _, group := range groupByType(missing) {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.createWorkers)
		for _, item := range group {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				err := e.client.Create(gctx, item)
				e.recordCreate(t, item, err)
				progress.step(item, err == nil || errors.Is(err, ErrConflict))
				return nil
			})
		}
		_ = g.Wait()
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) recordCreate(t *tally, item entity.Entity, err error) {
	switch {
	case err == nil:
		t.mu.Lock()
		t.report.Created++
		t.mu.Unlock()
	case errors.Is(err, ErrConflict):
		t.mu.Lock()
		t.report.Conflicts++
		t.mu.Unlock()
		e.logger.Info("skipping conflict, entity probably exists at sink",
			zap.String("type", string(item.Type())),
			zap.String("identity", item.Identity()))
	default:
		e.fail(t, item, "create failed", err)
	}
}

func (e *Engine) fail(t *tally, item entity.Entity, message string, err error) {
	entry := ledger.Entry{
		Timestamp:  time.Now().UTC(),
		EntityType: item.Type(),
		Identity:   item.Identity(),
		Message:    message + ": " + err.Error(),
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		entry.HTTPStatus = httpErr.StatusCode
		entry.ResponseBody = httpErr.Body
	}

	t.mu.Lock()
	t.report.Failed++
	t.report.Failures = append(t.report.Failures, entry)
	t.mu.Unlock()

	e.logger.Error(message,
		zap.String("type", string(entry.EntityType)),
		zap.String("identity", entry.Identity),
		zap.Int("status", entry.HTTPStatus),
		zap.Error(err))
	if e.ledger != nil {
		if recErr := e.ledger.Record(entry); recErr != nil {
			e.logger.Error("failed to record ledger entry", zap.Error(recErr))
		}
	}
}

func (t *tally) finish(start time.Time) *Report {
	t.report.Elapsed = time.Since(start)
	return t.report
}

func groupByType(entities []entity.Entity) [][]entity.Entity {
	var groups [][]entity.Entity
	for _, item := range entities {
		n := len(groups)
		if n > 0 && groups[n-1][0].Type() == item.Type() {
			groups[n-1] = append(groups[n-1], item)
			continue
		}
		groups = append(groups, []entity.Entity{item})
	}
	return groups
}

type progress struct {
	logger   *zap.Logger
	phase    string
	total    int
	every    int
	done     atomic.Int64
	estimate *Estimate
}

func (e *Engine) newProgress(phase string, total int) *progress {
	return &progress{
		logger:   e.logger,
		phase:    phase,
		total:    total,
		every:    e.progressEvery,
		estimate: NewEstimate(),
	}
}

func (p *progress) step(item entity.Entity, ok bool) {
	done := int(p.done.Add(1))
	if done%p.every != 0 && done != p.total {
		return
	}
	percent, eta := p.estimate.Get(done, p.total)
	p.logger.Info(p.phase+" progress",
		zap.Int("done", done),
		zap.Int("total", p.total),
		zap.Int("percent", percent),
		zap.Duration("eta", eta),
		zap.String("last", string(item.Type())+"("+item.Identity()+")"),
		zap.Bool("ok", ok))
}
