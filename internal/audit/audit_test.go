package audit_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/audit"
	"steward/internal/domain"
	"steward/internal/policy"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// tickingClock advances one second per call so ordering is deterministic.
func tickingClock() func() time.Time {
	var n int64
	return func() time.Time {
		i := atomic.AddInt64(&n, 1)
		return epoch.Add(time.Duration(i) * time.Second)
	}
}

func newLog(opts ...audit.Option) *audit.Log {
	l := audit.New(opts...)
	l.Now = tickingClock()
	return l
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	l := newLog()
	require.Equal(t, 10000, l.Capacity())
	for i := 1; i <= 10001; i++ {
		l.Write(domain.AuditEntry{Action: "code:read", Actor: "AGENT:a", Target: fmt.Sprintf("entry-%d", i), Result: domain.ResultSuccess})
	}
	assert.Equal(t, 10000, l.Len())
	snap := l.Snapshot()
	require.Len(t, snap, 10000)
	assert.Equal(t, "entry-2", snap[0].Target)
	assert.Equal(t, "entry-10001", snap[len(snap)-1].Target)
	for _, e := range snap {
		require.NotEqual(t, "entry-1", e.Target)
	}
}

func TestSmallCapacityRing(t *testing.T) {
	l := newLog(audit.WithCapacity(3))
	for i := 1; i <= 7; i++ {
		l.Write(domain.AuditEntry{Action: "code:read", Target: fmt.Sprintf("t%d", i)})
		assert.LessOrEqual(t, l.Len(), 3)
	}
	var got []string
	for _, e := range l.Snapshot() {
		got = append(got, e.Target)
	}
	assert.Equal(t, []string{"t5", "t6", "t7"}, got)
}

func TestWriteStampsAndClamps(t *testing.T) {
	l := newLog()
	e := l.Write(domain.AuditEntry{Action: "deploy:execute", RiskScore: 250, Details: map[string]any{"k": "v"}})
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, 100, e.RiskScore)

	snap := l.Snapshot()
	snap[0].Details["k"] = "mutated"
	assert.Equal(t, "v", l.Snapshot()[0].Details["k"])
}

func TestConcurrentWritesNeverExceedCapacity(t *testing.T) {
	l := audit.New(audit.WithCapacity(100))
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				l.Write(domain.AuditEntry{Action: "code:read"})
				_ = l.Read(audit.Filter{Limit: 10})
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, l.Len())
}

func seed(l *audit.Log) {
	l.Write(domain.AuditEntry{Action: "code:read", Actor: "AGENT:agent-builder", Target: "platform", Result: domain.ResultAllowed, RiskScore: 10})
	l.Write(domain.AuditEntry{Action: "deploy:execute", Actor: "AGENT:agent-builder", Target: "release", Result: domain.ResultDenied, RiskScore: 80})
	l.Write(domain.AuditEntry{Action: "review:create", Actor: "HUMAN:alice", Target: "rev-1", Result: domain.ResultSuccess, RiskScore: 10})
	l.Write(domain.AuditEntry{Action: "deploy:execute", Actor: "AGENT:agent-operator", Target: "release", Result: domain.ResultAllowed, RiskScore: 70})
	l.Write(domain.AuditEntry{Action: "tokenomics:update", Actor: "AGENT:agent-quant", Target: "finance", Result: domain.ResultDenied, RiskScore: 100})
}

func TestReadFiltersNewestFirst(t *testing.T) {
	l := newLog()
	seed(l)

	page := l.Read(audit.Filter{Action: "DEPLOY"})
	require.Equal(t, 2, page.Total)
	assert.Equal(t, "AGENT:agent-operator", page.Entries[0].Actor)
	assert.Equal(t, "AGENT:agent-builder", page.Entries[1].Actor)

	page = l.Read(audit.Filter{Actor: "builder"})
	assert.Equal(t, 2, page.Total)

	page = l.Read(audit.Filter{MinRisk: 70})
	assert.Equal(t, 3, page.Total)

	page = l.Read(audit.Filter{Result: "denied", Target: "fin"})
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "tokenomics:update", page.Entries[0].Action)

	page = l.Read(audit.Filter{From: epoch.Add(2 * time.Second), To: epoch.Add(4 * time.Second)})
	assert.Equal(t, 3, page.Total)
}

func TestReadPaginates(t *testing.T) {
	l := newLog()
	seed(l)

	first := l.Read(audit.Filter{Limit: 2})
	assert.Equal(t, 5, first.Total)
	assert.Equal(t, 1, first.Page)
	assert.Len(t, first.Entries, 2)
	assert.True(t, first.HasMore)
	assert.Equal(t, "tokenomics:update", first.Entries[0].Action)

	last := l.Read(audit.Filter{Limit: 2, Page: 3})
	assert.Len(t, last.Entries, 1)
	assert.False(t, last.HasMore)
	assert.Equal(t, "code:read", last.Entries[0].Action)

	beyond := l.Read(audit.Filter{Limit: 2, Page: 9})
	assert.Empty(t, beyond.Entries)
	assert.False(t, beyond.HasMore)
}

func TestSummary(t *testing.T) {
	l := newLog()
	seed(l)

	s := l.Summary(audit.Filter{})
	assert.Equal(t, 5, s.TotalActions)
	assert.Equal(t, 2, s.ByActor["AGENT:agent-builder"])
	assert.Equal(t, 2, s.ByAction["deploy:execute"])
	assert.Equal(t, 2, s.ByResult[domain.ResultDenied])
	assert.InDelta(t, 54.0, s.AverageRiskScore, 0.001)
	assert.Equal(t, 3, s.HighRiskCount)

	empty := l.Summary(audit.Filter{Actor: "nobody"})
	assert.Equal(t, 0, empty.TotalActions)
	assert.Zero(t, empty.AverageRiskScore)
}

func TestSummaryTotalsMatchEntries(t *testing.T) {
	l := newLog(audit.WithCapacity(50))
	for i := 0; i < 120; i++ {
		l.Write(domain.AuditEntry{Action: "code:read", RiskScore: i})
	}
	s := audit.Summarize(l.Snapshot(), l.HighRiskThreshold())
	assert.Equal(t, l.Len(), s.TotalActions)
	assert.GreaterOrEqual(t, s.AverageRiskScore, 0.0)
	assert.LessOrEqual(t, s.AverageRiskScore, 100.0)
}

func TestRiskScore(t *testing.T) {
	cases := []struct {
		action  policy.Action
		success bool
		reg     policy.Regulatory
		want    int
	}{
		{policy.ActionCodeRead, true, policy.Unregulated, 5},
		{policy.ActionCodeRead, false, policy.Unregulated, 25},
		{policy.ActionCodeGenerate, true, policy.Regulated, 40},
		{policy.ActionCodeGenerate, false, policy.HighlyRegulated, 70},
		{policy.ActionDeployExecute, false, policy.HighlyRegulated, 100},
		{policy.Action("unknown:verb"), true, policy.Unregulated, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, audit.RiskScore(tc.action, tc.success, tc.reg), "%s success=%v reg=%q", tc.action, tc.success, tc.reg)
	}
}

func TestLogAIAction(t *testing.T) {
	l := newLog()
	e := l.LogAIAction(audit.AIAction{
		Actor:      domain.Actor{ID: "agent-quant", Type: domain.ActorAgent},
		Action:     policy.ActionTokenomicsUpdate,
		Target:     "finance",
		Regulatory: policy.HighlyRegulated,
		Success:    false,
	})
	assert.Equal(t, "AGENT:agent-quant", e.Actor)
	assert.Equal(t, domain.ResultFailure, e.Result)
	assert.Equal(t, 100, e.RiskScore)
	assert.Equal(t, "HIGHLY_REGULATED", e.Details["regulatory"])
}

type recordingSink struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (s *recordingSink) Write(_ context.Context, e domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
	return nil
}

func (s *recordingSink) ids() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.entries {
		out = append(out, e.ID)
	}
	return out
}

func TestAsyncSinkForwardsInOrder(t *testing.T) {
	rec := &recordingSink{}
	sink := audit.NewAsyncSink(rec, 16)
	l := newLog(audit.WithForwarder(sink))

	var want []string
	for i := 0; i < 10; i++ {
		want = append(want, l.Write(domain.AuditEntry{Action: "code:read"}).ID)
	}
	require.NoError(t, sink.Close(context.Background()))
	assert.Equal(t, want, rec.ids())
	assert.Equal(t, int64(10), sink.Stats().Written)
	assert.ErrorIs(t, sink.Close(context.Background()), audit.ErrSinkClosed)
	assert.False(t, sink.Enqueue(domain.AuditEntry{}))
}

func TestAsyncSinkDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	blocking := audit.SinkFunc(func(ctx context.Context, e domain.AuditEntry) error {
		<-release
		return nil
	})
	sink := audit.NewAsyncSink(blocking, 2)
	l := newLog(audit.WithForwarder(sink))

	start := time.Now()
	for i := 0; i < 10; i++ {
		l.Write(domain.AuditEntry{Action: "code:read"})
	}
	assert.Less(t, time.Since(start), time.Second, "writes must not wait on the sink")
	assert.Equal(t, 10, l.Len())

	stats := sink.Stats()
	assert.Equal(t, int64(10), stats.Enqueued+stats.Dropped)
	assert.GreaterOrEqual(t, stats.Dropped, int64(7))

	close(release)
	require.NoError(t, sink.Close(context.Background()))
	assert.Equal(t, stats.Enqueued, sink.Stats().Written)
}

func TestAsyncSinkRetries(t *testing.T) {
	var calls atomic.Int32
	flaky := audit.SinkFunc(func(ctx context.Context, e domain.AuditEntry) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	sink := audit.NewAsyncSink(flaky, 4, audit.WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 5)
	}))
	require.True(t, sink.Enqueue(domain.AuditEntry{ID: "e1"}))
	require.NoError(t, sink.Close(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(1), sink.Stats().Written)
}

func TestAsyncSinkPermanentFailure(t *testing.T) {
	var calls atomic.Int32
	broken := audit.SinkFunc(func(ctx context.Context, e domain.AuditEntry) error {
		calls.Add(1)
		return backoff.Permanent(errors.New("schema mismatch"))
	})
	sink := audit.NewAsyncSink(broken, 4, audit.WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 5)
	}))
	sink.Enqueue(domain.AuditEntry{ID: "e1"})
	require.NoError(t, sink.Close(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), sink.Stats().Failed)
}

func TestAsyncSinkCloseHonorsContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := audit.SinkFunc(func(ctx context.Context, e domain.AuditEntry) error {
		<-release
		return nil
	})
	sink := audit.NewAsyncSink(stuck, 4)
	sink.Enqueue(domain.AuditEntry{ID: "e1"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sink.Close(ctx), context.DeadlineExceeded)
}
