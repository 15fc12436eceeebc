package sink

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/curamigrate/internal/entity"
	"github.com/agentworkforce/curamigrate/internal/ledger"
)

type scriptedClient struct {
	mu        sync.Mutex
	present   map[string]bool
	readErr   map[string]error
	createErr map[string]error
	created   []string
	inFlight  map[entity.Type]int
	overlap   bool
	delay     time.Duration
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{
		present:   map[string]bool{},
		readErr:   map[string]error{},
		createErr: map[string]error{},
		inFlight:  map[entity.Type]int{},
	}
}

func (c *scriptedClient) Exists(_ context.Context, e entity.Entity) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readErr[e.Identity()]; err != nil {
		return false, err
	}
	return c.present[e.Identity()], nil
}

func (c *scriptedClient) Create(_ context.Context, e entity.Entity) error {
	c.mu.Lock()
	c.inFlight[e.Type()]++
	for t, n := range c.inFlight {
		if t != e.Type() && n > 0 {
			c.overlap = true
		}
	}
	c.mu.Unlock()

	time.Sleep(c.delay)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight[e.Type()]--
	if err := c.createErr[e.Identity()]; err != nil {
		return err
	}
	c.created = append(c.created, e.Identity())
	return nil
}

type memoryRecorder struct {
	mu      sync.Mutex
	entries []ledger.Entry
}

func (r *memoryRecorder) Record(e ledger.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func gdmScenario() []entity.Entity {
	return []entity.Entity{
		{"item_type": "article", "rid": "art-99", "pmid": "PMID-42"},
		{"item_type": "annotation", "rid": "ann-1", "article": "PMID-42"},
		{"item_type": "annotation", "rid": "ann-2", "article": "PMID-42"},
		{"item_type": "gdm", "rid": "gdm-1", "annotations": []any{"ann-1", "ann-2"}},
	}
}

func TestSyncNeverCreatesPresentEntities(t *testing.T) {
	client := newScriptedClient()
	client.present["PMID-42"] = true
	client.present["ann-2"] = true

	report, err := NewEngine(client, EngineOptions{}).Sync(context.Background(), gdmScenario())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"ann-1", "gdm-1"}, client.created)
	assert.Equal(t, 4, report.Total)
	assert.Equal(t, 2, report.Present)
	assert.Equal(t, 2, report.Created)
	assert.True(t, report.Complete())
}

func TestSyncTreatsConflictAsHandled(t *testing.T) {
	client := newScriptedClient()
	client.createErr["ann-1"] = &ConflictError{Type: entity.TypeAnnotation, Identity: "ann-1"}
	rec := &memoryRecorder{}

	report, err := NewEngine(client, EngineOptions{Ledger: rec}).Sync(context.Background(), gdmScenario())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)
	assert.Equal(t, 3, report.Created)
	assert.Equal(t, 0, report.Failed)
	assert.True(t, report.Complete())
	assert.Empty(t, rec.entries)
}

func TestSyncRecordsFailuresAndContinues(t *testing.T) {
	client := newScriptedClient()
	client.readErr["ann-2"] = errors.New("connection reset")
	client.createErr["ann-1"] = &HTTPError{Method: http.MethodPost, Path: "/annotations", StatusCode: 500, Body: "boom"}
	rec := &memoryRecorder{}

	report, err := NewEngine(client, EngineOptions{Ledger: rec}).Sync(context.Background(), gdmScenario())
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"PMID-42", "gdm-1"}, client.created)
	assert.Equal(t, 2, report.Failed)
	assert.False(t, report.Complete())
	require.Len(t, rec.entries, 2)

	byID := map[string]ledger.Entry{}
	for _, e := range rec.entries {
		byID[e.Identity] = e
	}
	assert.Equal(t, 500, byID["ann-1"].HTTPStatus)
	assert.Equal(t, "boom", byID["ann-1"].ResponseBody)
	assert.Equal(t, entity.TypeAnnotation, byID["ann-2"].EntityType)
	assert.Contains(t, byID["ann-2"].Message, "read failed")
	assert.Len(t, report.Failures, 2)
}

func TestSyncCreatesOneTypeGroupAtATime(t *testing.T) {
	client := newScriptedClient()
	client.delay = 5 * time.Millisecond
	var entities []entity.Entity
	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		entities = append(entities, entity.Entity{"item_type": "annotation", "rid": id})
	}
	entities = append(entities, entity.Entity{"item_type": "gdm", "rid": "gdm-1"})

	report, err := NewEngine(client, EngineOptions{CreateConcurrency: 4}).Sync(context.Background(), entities)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Created)
	assert.False(t, client.overlap)
	assert.Equal(t, "gdm-1", client.created[len(client.created)-1])
}

func TestSyncStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := newScriptedClient()
	_, err := NewEngine(client, EngineOptions{}).Sync(ctx, gdmScenario())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, client.created)
}

func TestConcurrentSyncsKeepSeparateReports(t *testing.T) {
	client := newScriptedClient()
	client.delay = 2 * time.Millisecond
	client.readErr["gdm-1"] = errors.New("read timeout")
	engine := NewEngine(client, EngineOptions{})

	var wg sync.WaitGroup
	var first, second *Report
	wg.Add(2)
	go func() {
		defer wg.Done()
		first, _ = engine.Sync(context.Background(), gdmScenario())
	}()
	go func() {
		defer wg.Done()
		second, _ = engine.Sync(context.Background(), []entity.Entity{{"item_type": "user", "rid": "user-1"}})
	}()
	wg.Wait()

	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, 4, first.Total)
	assert.Equal(t, 3, first.Created)
	assert.Equal(t, 1, first.Failed)
	assert.Equal(t, 1, second.Total)
	assert.Equal(t, 1, second.Created)
	assert.Equal(t, 0, second.Failed)
	assert.True(t, second.Complete())
}

func TestSyncEmptyInput(t *testing.T) {
	report, err := NewEngine(newScriptedClient(), EngineOptions{}).Sync(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Total)
	assert.True(t, report.Complete())
}

func TestSyncAgainstFakeSinkIsIdempotent(t *testing.T) {
	sink := newFakeSink()
	client := newTestClient(t, sink.router(), ClientOptions{})
	engine := NewEngine(client, EngineOptions{CheckConcurrency: 3, CreateConcurrency: 2})

	first, err := engine.Sync(context.Background(), gdmScenario())
	require.NoError(t, err)
	assert.Equal(t, 4, first.Created)

	second, err := engine.Sync(context.Background(), gdmScenario())
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 4, second.Present)
	assert.Len(t, sink.posts, 4)
}
