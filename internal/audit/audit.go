// Package audit is the append-only, capacity-bounded record of every
// governance decision. Entries live in a fixed ring; once full, the oldest
// entry is evicted for each new one.
package audit

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"steward/internal/domain"
)

const (
	DefaultCapacity          = 10000
	DefaultHighRiskThreshold = 70
	DefaultPageLimit         = 50
	MaxPageLimit             = 1000
)

// Forwarder receives a copy of every written entry. Implementations must not
// block; AsyncSink is the standard one.
type Forwarder interface {
	Enqueue(entry domain.AuditEntry) bool
}

type Log struct {
	mu       sync.Mutex
	ring     []domain.AuditEntry
	start    int
	n        int
	capacity int
	highRisk int
	forward  Forwarder
	logger   *slog.Logger

	Now   func() time.Time
	NewID func() string
}

type Option func(*Log)

func WithCapacity(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.capacity = n
		}
	}
}

func WithHighRiskThreshold(n int) Option {
	return func(l *Log) {
		if n > 0 && n <= 100 {
			l.highRisk = n
		}
	}
}

func WithForwarder(f Forwarder) Option {
	return func(l *Log) { l.forward = f }
}

func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func New(opts ...Option) *Log {
	l := &Log{
		capacity: DefaultCapacity,
		highRisk: DefaultHighRiskThreshold,
		logger:   slog.Default(),
		Now:      time.Now,
		NewID:    func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(l)
	}
	l.ring = make([]domain.AuditEntry, l.capacity)
	return l
}

func (l *Log) Capacity() int          { return l.capacity }
func (l *Log) HighRiskThreshold() int { return l.highRisk }

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

// Write stamps entry with an id and timestamp when missing, stores it and
// returns the stored copy. Forwarding happens after the lock is released and
// never fails the write.
func (l *Log) Write(entry domain.AuditEntry) domain.AuditEntry {
	if entry.ID == "" {
		entry.ID = l.NewID()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.Now().UTC()
	}
	entry.RiskScore = clamp(entry.RiskScore)
	entry.Details = copyDetails(entry.Details)

	l.mu.Lock()
	if l.n < l.capacity {
		l.ring[(l.start+l.n)%l.capacity] = entry
		l.n++
	} else {
		l.ring[l.start] = entry
		l.start = (l.start + 1) % l.capacity
	}
	l.mu.Unlock()

	if l.forward != nil && !l.forward.Enqueue(entry) {
		l.logger.Warn("audit forward dropped", "id", entry.ID, "action", entry.Action)
	}
	return entry
}

// Snapshot returns every retained entry, oldest first.
func (l *Log) Snapshot() []domain.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.AuditEntry, l.n)
	for i := 0; i < l.n; i++ {
		e := l.ring[(l.start+i)%l.capacity]
		e.Details = copyDetails(e.Details)
		out[i] = e
	}
	return out
}

// Filter narrows Read and Summary. String fields are case-insensitive
// substring matches; zero times leave the range open on that side.
type Filter struct {
	Actor   string
	Target  string
	Action  string
	Result  string
	From    time.Time
	To      time.Time
	MinRisk int
	Page    int
	Limit   int
}

func (f Filter) match(e domain.AuditEntry) bool {
	if !contains(e.Actor, f.Actor) || !contains(e.Target, f.Target) || !contains(e.Action, f.Action) {
		return false
	}
	if f.Result != "" && !strings.EqualFold(e.Result, f.Result) {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return e.RiskScore >= f.MinRisk
}

func contains(s, sub string) bool {
	if sub == "" {
		return true
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

type Page struct {
	Entries []domain.AuditEntry `json:"entries"`
	Total   int                 `json:"total"`
	Page    int                 `json:"page"`
	Limit   int                 `json:"limit"`
	HasMore bool                `json:"has_more"`
}

// Read returns matching entries newest first, paginated from page 1.
func (l *Log) Read(f Filter) Page {
	matched := l.matching(f)
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	page, limit := f.Page, f.Limit
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	total := len(matched)
	from := (page - 1) * limit
	if from > total {
		from = total
	}
	to := from + limit
	if to > total {
		to = total
	}
	return Page{
		Entries: matched[from:to:to],
		Total:   total,
		Page:    page,
		Limit:   limit,
		HasMore: to < total,
	}
}

// matching returns matching entries newest first by insertion, which the
// stable sort in Read preserves for equal timestamps.
func (l *Log) matching(f Filter) []domain.AuditEntry {
	all := l.Snapshot()
	out := make([]domain.AuditEntry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if f.match(all[i]) {
			out = append(out, all[i])
		}
	}
	return out
}

type Summary struct {
	TotalActions     int            `json:"total_actions"`
	ByActor          map[string]int `json:"by_actor"`
	ByAction         map[string]int `json:"by_action"`
	ByResult         map[string]int `json:"by_result"`
	AverageRiskScore float64        `json:"average_risk_score"`
	HighRiskCount    int            `json:"high_risk_count"`
}

// Summary aggregates every entry matching f. Pagination fields are ignored.
func (l *Log) Summary(f Filter) Summary {
	return Summarize(l.matching(f), l.highRisk)
}

// Summarize aggregates entries with the given high-risk threshold.
func Summarize(entries []domain.AuditEntry, highRisk int) Summary {
	s := Summary{
		TotalActions: len(entries),
		ByActor:      map[string]int{},
		ByAction:     map[string]int{},
		ByResult:     map[string]int{},
	}
	total := 0
	for _, e := range entries {
		s.ByActor[e.Actor]++
		s.ByAction[e.Action]++
		s.ByResult[e.Result]++
		total += e.RiskScore
		if e.RiskScore >= highRisk {
			s.HighRiskCount++
		}
	}
	if len(entries) > 0 {
		s.AverageRiskScore = float64(total) / float64(len(entries))
	}
	return s
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func copyDetails(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
