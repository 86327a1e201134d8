package scheduler_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simforge/vct/internal/hierarchy"
	"github.com/simforge/vct/internal/models"
	"github.com/simforge/vct/internal/runner"
	"github.com/simforge/vct/internal/scheduler"
	"github.com/simforge/vct/internal/store"
)

// recordingExecutor claims each run through the store so dispatch accounting
// matches production behavior, and tracks peak concurrency.
type recordingExecutor struct {
	store   *store.Store
	outcome runner.Outcome
	delay   time.Duration

	mu       sync.Mutex
	executed []int64
	active   int32
	peak     int32
}

func (e *recordingExecutor) Execute(ctx context.Context, run *models.Run) runner.Outcome {
	if err := e.store.ClaimRun(ctx, run.ID); err != nil {
		if errors.Is(err, models.ErrAlreadyClaimed) {
			return runner.OutcomeSkipped
		}
		return runner.OutcomeFailure
	}

	n := atomic.AddInt32(&e.active, 1)
	for {
		p := atomic.LoadInt32(&e.peak)
		if n <= p || atomic.CompareAndSwapInt32(&e.peak, p, n) {
			break
		}
	}
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	atomic.AddInt32(&e.active, -1)

	e.mu.Lock()
	e.executed = append(e.executed, run.ID)
	e.mu.Unlock()
	return e.outcome
}

type countingBuilder struct {
	calls int32
	err   error
}

func (b *countingBuilder) BuildForGroup(ctx context.Context, ii models.InputIdentity) error {
	atomic.AddInt32(&b.calls, 1)
	return b.err
}

type fixture struct {
	store   *store.Store
	service *hierarchy.Service
	inputs  models.InputIdentity
	base    models.VariationIndex
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "vct.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	configID, err := st.RegisterFolder(ctx, models.SlotConfig, "default", true)
	require.NoError(t, err)
	codeID, err := st.RegisterFolder(ctx, models.SlotCustomCode, "default", false)
	require.NoError(t, err)

	ii := models.NewInputIdentity(configID, codeID)
	return &fixture{
		store:   st,
		service: hierarchy.NewService(st),
		inputs:  ii,
		base:    models.NewVariationIndex(ii),
	}
}

// Scenario: three replicates, two workers. The pool must run everything while
// never exceeding the parallelism bound.
func TestRunBoundsLocalParallelism(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	group, err := f.service.NewReplicateGroup(ctx, f.inputs, f.base, 3, true)
	require.NoError(t, err)

	exec := &recordingExecutor{store: f.store, outcome: runner.OutcomeSuccess, delay: 20 * time.Millisecond}
	sched := &scheduler.Scheduler{
		Hierarchy:   f.service,
		Builder:     &countingBuilder{},
		Executor:    exec,
		MaxParallel: 2,
	}

	report, err := sched.Run(ctx, group)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Expected)
	assert.Equal(t, 3, report.Scheduled)
	assert.Equal(t, 3, report.Succeeded)
	assert.Zero(t, report.Failed)
	assert.LessOrEqual(t, exec.peak, int32(2), "worker pool must respect MaxParallel")
	assert.Len(t, exec.executed, 3)
}

func TestRunSkipsAlreadyStartedRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	group, err := f.service.NewReplicateGroup(ctx, f.inputs, f.base, 3, true)
	require.NoError(t, err)

	// Another scheduler already picked this one up.
	require.NoError(t, f.store.ClaimRun(ctx, group.RunIDs[0]))

	exec := &recordingExecutor{store: f.store, outcome: runner.OutcomeSuccess}
	sched := &scheduler.Scheduler{
		Hierarchy:   f.service,
		Builder:     &countingBuilder{},
		Executor:    exec,
		MaxParallel: 2,
	}

	report, err := sched.Run(ctx, group)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Expected)
	assert.Equal(t, 2, report.Scheduled, "the claimed run must not be dispatched again")
	assert.Equal(t, 2, report.Succeeded)
	assert.NotContains(t, exec.executed, group.RunIDs[0])
}

func TestRunBuildsOncePerGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sweep, err := f.service.NewSweep(ctx, f.inputs, []models.VariationIndex{
		f.base.Set(models.SlotConfig, 1),
		f.base.Set(models.SlotConfig, 2),
	}, 3, true)
	require.NoError(t, err)

	builder := &countingBuilder{}
	sched := &scheduler.Scheduler{
		Hierarchy:   f.service,
		Builder:     builder,
		Executor:    &recordingExecutor{store: f.store, outcome: runner.OutcomeSuccess},
		MaxParallel: 4,
	}

	report, err := sched.Run(ctx, sweep)
	require.NoError(t, err)

	assert.Equal(t, 6, report.Scheduled)
	assert.Equal(t, int32(2), builder.calls, "one build per group, not per run")
}

func TestRunSkipsGroupOnBuildFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	group, err := f.service.NewReplicateGroup(ctx, f.inputs, f.base, 3, true)
	require.NoError(t, err)

	exec := &recordingExecutor{store: f.store, outcome: runner.OutcomeSuccess}
	sched := &scheduler.Scheduler{
		Hierarchy:   f.service,
		Builder:     &countingBuilder{err: errors.New("compilation failed")},
		Executor:    exec,
		MaxParallel: 2,
	}

	report, err := sched.Run(ctx, group)
	require.NoError(t, err, "a build failure degrades the report, it does not abort")

	assert.Equal(t, 3, report.Expected)
	assert.Zero(t, report.Scheduled)
	assert.Empty(t, exec.executed)

	// Nothing was claimed, so a later request with a working build resumes.
	for _, id := range group.RunIDs {
		status, err := f.store.RunStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusNotStarted, status)
	}
}

func TestRunAggregatesFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	group, err := f.service.NewReplicateGroup(ctx, f.inputs, f.base, 2, true)
	require.NoError(t, err)

	sched := &scheduler.Scheduler{
		Hierarchy:   f.service,
		Builder:     &countingBuilder{},
		Executor:    &recordingExecutor{store: f.store, outcome: runner.OutcomeFailure},
		MaxParallel: 2,
	}

	report, err := sched.Run(ctx, group)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Scheduled)
	assert.Equal(t, 2, report.Failed)
	assert.Zero(t, report.Succeeded)
}

func TestRunBatchDispatchesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	group, err := f.service.NewReplicateGroup(ctx, f.inputs, f.base, 4, true)
	require.NoError(t, err)

	exec := &recordingExecutor{store: f.store, outcome: runner.OutcomeSuccess}
	sched := &scheduler.Scheduler{
		Hierarchy: f.service,
		Builder:   &countingBuilder{},
		Executor:  exec,
		// The batch scheduler owns concurrency; MaxParallel is ignored.
		MaxParallel: 1,
		UseSlurm:    true,
	}

	report, err := sched.Run(ctx, group)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Scheduled)
	assert.Equal(t, 4, report.Succeeded)
	assert.Len(t, exec.executed, 4)
}
