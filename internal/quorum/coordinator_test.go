package quorum

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fractal-lba/releasegate/internal/api"
	"github.com/fractal-lba/releasegate/internal/authz"
	"github.com/fractal-lba/releasegate/internal/metrics"
	"github.com/fractal-lba/releasegate/internal/slo"
	"github.com/fractal-lba/releasegate/internal/store"
)

var (
	passing = map[string]float64{"latency_p95": 200, "err_rate": 0.005}
	failing = map[string]float64{"latency_p95": 400, "err_rate": 0.005}
)

func testDocument() *slo.Document {
	return &slo.Document{Routes: []slo.Route{
		{RouteID: "search", SLO: slo.Targets{"p95_ms": 300}},
		{RouteID: "chat", SLO: slo.Targets{"err_rate": 0.01}},
	}}
}

// downJudge is never ready.
type downJudge struct{ id string }

func (j downJudge) ID() string { return j.id }
func (j downJudge) Evaluate(context.Context, *slo.Document) (api.VerdictSet, error) {
	return api.VerdictSet{}, errors.New("connection refused")
}

// blockingJudge ignores its context and only returns when release is closed.
type blockingJudge struct {
	id      string
	release chan struct{}
}

func (j blockingJudge) ID() string { return j.id }
func (j blockingJudge) Evaluate(context.Context, *slo.Document) (api.VerdictSet, error) {
	<-j.release
	return api.VerdictSet{}, errors.New("too late")
}

type panicJudge struct{ id string }

func (j panicJudge) ID() string { return j.id }
func (j panicJudge) Evaluate(context.Context, *slo.Document) (api.VerdictSet, error) {
	panic("boom")
}

// countingJudge counts queries and tracks peak concurrency.
type countingJudge struct {
	id       string
	calls    *int64
	inflight *int64
	peak     *int64
	delay    time.Duration
}

func (j countingJudge) ID() string { return j.id }
func (j countingJudge) Evaluate(ctx context.Context, doc *slo.Document) (api.VerdictSet, error) {
	atomic.AddInt64(j.calls, 1)
	n := atomic.AddInt64(j.inflight, 1)
	defer atomic.AddInt64(j.inflight, -1)
	for {
		p := atomic.LoadInt64(j.peak)
		if n <= p || atomic.CompareAndSwapInt64(j.peak, p, n) {
			break
		}
	}
	time.Sleep(j.delay)
	return slo.JudgeDocument(doc, passing), nil
}

type denyAll struct{}

func (denyAll) Authorize(context.Context, string, string) (*authz.Principal, error) {
	return nil, &authz.DeniedError{Subject: "intruder", Reason: "missing scope"}
}

func up(id string) Judge   { return NewStaticJudge(id, passing) }
func bad(id string) Judge  { return NewStaticJudge(id, failing) }
func down(id string) Judge { return downJudge{id: id} }

func TestDecide_Quorum(t *testing.T) {
	tests := []struct {
		name        string
		k           int
		failClosed  bool
		judges      []Judge
		want        api.Decision
		wantExit    int
		wantReady   int
		wantBlocked api.BlockReason
	}{
		{
			name:      "2/3 one judge down proceeds",
			k:         2,
			judges:    []Judge{up("a"), up("b"), down("c")},
			want:      api.Proceed,
			wantExit:  0,
			wantReady: 2,
		},
		{
			name:        "2/3 two judges down fail-closed aborts",
			k:           2,
			failClosed:  true,
			judges:      []Judge{up("a"), down("b"), down("c")},
			want:        api.Abort,
			wantExit:    2,
			wantReady:   1,
			wantBlocked: api.BlockedQuorum,
		},
		{
			name:      "1/3 two judges down proceeds",
			k:         1,
			judges:    []Judge{up("a"), down("b"), down("c")},
			want:      api.Proceed,
			wantExit:  0,
			wantReady: 1,
		},
		{
			name:        "3/3 one judge down fail-closed aborts",
			k:           3,
			failClosed:  true,
			judges:      []Judge{up("a"), up("b"), down("c")},
			want:        api.Abort,
			wantExit:    2,
			wantReady:   2,
			wantBlocked: api.BlockedQuorum,
		},
		{
			name:      "2/3 two judges down fail-open warns",
			k:         2,
			judges:    []Judge{up("a"), down("b"), down("c")},
			want:      api.ProceedWithWarning,
			wantExit:  1,
			wantReady: 1,
		},
		{
			name:      "all judges down fail-open warns",
			k:         2,
			judges:    []Judge{down("a"), down("b"), down("c")},
			want:      api.ProceedWithWarning,
			wantExit:  1,
			wantReady: 0,
		},
		{
			name:        "one ready judge reports FAIL",
			k:           2,
			judges:      []Judge{up("a"), bad("b"), up("c")},
			want:        api.Abort,
			wantExit:    2,
			wantReady:   3,
			wantBlocked: api.BlockedBySLO,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(Config{K: tt.k, N: len(tt.judges), FailClosedOnDegrade: tt.failClosed, JudgeTimeout: time.Second}, tt.judges)
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}

			d, err := c.Decide(context.Background(), Request{Document: testDocument()})
			if err != nil {
				t.Fatalf("Decide failed: %v", err)
			}

			if d.Decision != tt.want {
				t.Errorf("Expected decision %s, got %s (reasons %v)", tt.want, d.Decision, d.Reasons)
			}
			if d.ExitCode != tt.wantExit {
				t.Errorf("Expected exit code %d, got %d", tt.wantExit, d.ExitCode)
			}
			if d.Quorum.ReadyCount != tt.wantReady {
				t.Errorf("Expected %d ready judges, got %d", tt.wantReady, d.Quorum.ReadyCount)
			}
			if d.BlockedBy != tt.wantBlocked {
				t.Errorf("Expected blocked_by %q, got %q", tt.wantBlocked, d.BlockedBy)
			}
			if len(d.Judges) != len(tt.judges) {
				t.Errorf("Expected %d judge outcomes, got %d", len(tt.judges), len(d.Judges))
			}
			if d.GateID == "" {
				t.Error("Expected generated gate id")
			}
		})
	}
}

func TestDecide_FailingRouteReasons(t *testing.T) {
	c, err := New(Config{K: 2, N: 2}, []Judge{up("a"), bad("b")})
	if err != nil {
		t.Fatal(err)
	}

	d, err := c.Decide(context.Background(), Request{Document: testDocument()})
	if err != nil {
		t.Fatal(err)
	}

	if d.Verdicts == nil || d.Verdicts.Routes["search"].Result != api.Fail {
		t.Fatalf("Expected search route to fail, got %+v", d.Verdicts)
	}
	if d.Verdicts.Routes["chat"].Result != api.Pass {
		t.Errorf("Expected chat route to pass, got %+v", d.Verdicts.Routes["chat"])
	}
	want := "route_failed: search: [b] latency_p95 <= 300.0 (actual=400.0)"
	found := false
	for _, r := range d.Reasons {
		if r == want {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected reason %q in %v", want, d.Reasons)
	}
}

func TestDecide_Aggregation(t *testing.T) {
	tests := []struct {
		name   string
		rule   Aggregation
		judges []Judge
		want   api.Decision
	}{
		{"unanimous rejects one dissent", Unanimous, []Judge{up("a"), up("b"), bad("c")}, api.Abort},
		{"majority accepts one dissent", Majority, []Judge{up("a"), up("b"), bad("c")}, api.Proceed},
		{"majority needs strictly more than half", Majority, []Judge{up("a"), bad("b")}, api.Abort},
		{"majority over ready judges only", Majority, []Judge{up("a"), up("b"), bad("c"), down("d")}, api.Proceed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(Config{K: 2, N: len(tt.judges), Aggregation: tt.rule}, tt.judges)
			if err != nil {
				t.Fatal(err)
			}
			d, err := c.Decide(context.Background(), Request{Document: testDocument()})
			if err != nil {
				t.Fatal(err)
			}
			if d.Decision != tt.want {
				t.Errorf("Expected %s, got %s (reasons %v)", tt.want, d.Decision, d.Reasons)
			}
			if d.Quorum.Aggregation != string(tt.rule) {
				t.Errorf("Expected aggregation %s recorded, got %s", tt.rule, d.Quorum.Aggregation)
			}
		})
	}
}

func TestDecide_AuthorizationDenied(t *testing.T) {
	var calls, inflight, peak int64
	judges := []Judge{
		countingJudge{id: "a", calls: &calls, inflight: &inflight, peak: &peak},
		countingJudge{id: "b", calls: &calls, inflight: &inflight, peak: &peak},
	}
	c, err := New(Config{K: 1, N: 2}, judges, WithAuthorizer(denyAll{}))
	if err != nil {
		t.Fatal(err)
	}

	d, err := c.Decide(context.Background(), Request{Document: testDocument(), Token: "x"})
	if err != nil {
		t.Fatalf("Denial must be a decision, got error %v", err)
	}
	if d.Decision != api.Abort || d.ExitCode != api.ExitAuthzDenied || d.BlockedBy != api.BlockedAuthz {
		t.Errorf("Expected abort/3/authz, got %s/%d/%s", d.Decision, d.ExitCode, d.BlockedBy)
	}
	if atomic.LoadInt64(&calls) != 0 {
		t.Errorf("No judge may be queried on denial, got %d calls", calls)
	}
	if len(d.Reasons) != 1 || !strings.HasPrefix(d.Reasons[0], ReasonAuthorizationDenied) {
		t.Errorf("Unexpected reasons %v", d.Reasons)
	}
}

func TestDecide_AuthorizationAllowed(t *testing.T) {
	secret := []byte("s")
	a, err := authz.NewJWTAuthorizer(authz.Config{Secret: secret})
	if err != nil {
		t.Fatal(err)
	}
	token, err := authz.IssueToken(secret, "ci", []string{authz.DefaultScope}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	c, _ := New(Config{K: 1, N: 1}, []Judge{up("a")}, WithAuthorizer(a))
	d, err := c.Decide(context.Background(), Request{Document: testDocument(), Token: token, Release: "2.4.1"})
	if err != nil {
		t.Fatal(err)
	}
	if d.Decision != api.Proceed {
		t.Errorf("Expected proceed, got %s (%v)", d.Decision, d.Reasons)
	}
}

func TestDecide_JudgeIgnoringContextCannotHang(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	judges := []Judge{up("a"), up("b"), blockingJudge{id: "slow", release: release}}
	c, err := New(Config{K: 2, N: 3, JudgeTimeout: 50 * time.Millisecond}, judges)
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan *api.GateDecision, 1)
	go func() {
		d, err := c.Decide(context.Background(), Request{Document: testDocument()})
		if err != nil {
			t.Errorf("Decide failed: %v", err)
		}
		done <- d
	}()

	select {
	case d := <-done:
		if d == nil {
			return
		}
		if d.Decision != api.Proceed {
			t.Errorf("Expected proceed with 2 of 3 ready, got %s", d.Decision)
		}
		slow := d.Judges[2]
		if slow.Ready || !strings.Contains(slow.Error, "timed out") {
			t.Errorf("Expected slow judge to time out, got %+v", slow)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Decide did not return: gate hung on a blocking judge")
	}
}

func TestDecide_PanickingJudgeIsNotReady(t *testing.T) {
	c, _ := New(Config{K: 1, N: 2}, []Judge{up("a"), panicJudge{id: "p"}})

	d, err := c.Decide(context.Background(), Request{Document: testDocument()})
	if err != nil {
		t.Fatal(err)
	}
	if d.Judges[1].Ready {
		t.Error("Expected panicking judge to be not ready")
	}
	if d.Decision != api.Proceed {
		t.Errorf("Expected proceed, got %s", d.Decision)
	}
}

func TestDecide_BoundedConcurrency(t *testing.T) {
	var calls, inflight, peak int64
	judges := make([]Judge, 4)
	for i := range judges {
		judges[i] = countingJudge{id: string(rune('a' + i)), calls: &calls, inflight: &inflight, peak: &peak, delay: 10 * time.Millisecond}
	}

	c, err := New(Config{K: 4, N: 4, MaxConcurrency: 1, JudgeTimeout: time.Second}, judges)
	if err != nil {
		t.Fatal(err)
	}
	d, err := c.Decide(context.Background(), Request{Document: testDocument()})
	if err != nil {
		t.Fatal(err)
	}

	if d.Decision != api.Proceed {
		t.Errorf("Expected proceed, got %s", d.Decision)
	}
	if calls != 4 {
		t.Errorf("Expected 4 judge calls, got %d", calls)
	}
	if peak != 1 {
		t.Errorf("Expected peak concurrency 1, got %d", peak)
	}
}

func TestDecide_ConfigurationErrors(t *testing.T) {
	c, _ := New(Config{K: 1, N: 1}, []Judge{up("a")})

	tests := []struct {
		name string
		req  Request
	}{
		{"nil document", Request{}},
		{"empty document", Request{Document: &slo.Document{}}},
		{"bad dsl", Request{Document: &slo.Document{Routes: []slo.Route{{RouteID: "r", DSL: "latency_p95 <="}}}}},
		{"bad release", Request{Document: testDocument(), Release: "not-a-version"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := c.Decide(context.Background(), tt.req)
			if err == nil {
				t.Fatalf("Expected error, got decision %+v", d)
			}
		})
	}
}

func TestNew_ConfigErrors(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		judges []Judge
	}{
		{"k greater than n", Config{K: 3, N: 2}, []Judge{up("a"), up("b")}},
		{"k zero", Config{K: 0, N: 2}, []Judge{up("a"), up("b")}},
		{"judge count mismatch", Config{K: 1, N: 3}, []Judge{up("a"), up("b")}},
		{"duplicate judge", Config{K: 1, N: 2}, []Judge{up("a"), up("a")}},
		{"unknown aggregation", Config{K: 1, N: 1, Aggregation: "plurality"}, []Judge{up("a")}},
		{"negative timeout", Config{K: 1, N: 1, JudgeTimeout: -time.Second}, []Judge{up("a")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.judges)
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Errorf("Expected ConfigError, got %v", err)
			}
		})
	}
}

func TestDecide_AttachesCanaryPolicy(t *testing.T) {
	c, _ := New(Config{K: 1, N: 1}, []Judge{bad("a")})

	current := api.CanaryPolicy{Enabled: true, StepPct: 20, MaxPct: 80}
	d, err := c.Decide(context.Background(), Request{
		Document: testDocument(),
		Drift:    &api.DriftReport{Severity: api.SeverityWarn, ReasonCodes: []string{"kl_divergence_warn"}},
		Canary:   &current,
	})
	if err != nil {
		t.Fatal(err)
	}

	if d.Decision != api.Abort {
		t.Errorf("Expected abort, got %s", d.Decision)
	}
	want := api.CanaryPolicy{Enabled: true, StepPct: 10, MaxPct: 56}
	if d.Canary == nil || *d.Canary != want {
		t.Errorf("Expected canary %+v attached regardless of decision, got %+v", want, d.Canary)
	}
	if d.Drift == nil || d.Drift.Severity != api.SeverityWarn {
		t.Errorf("Expected drift report attached, got %+v", d.Drift)
	}
}

func TestDecide_ReplaysRecordedDecision(t *testing.T) {
	s, err := store.NewMemoryStore("")
	if err != nil {
		t.Fatal(err)
	}

	var calls, inflight, peak int64
	judges := []Judge{countingJudge{id: "a", calls: &calls, inflight: &inflight, peak: &peak}}
	c, _ := New(Config{K: 1, N: 1}, judges, WithStore(s, 0))

	first, err := c.Decide(context.Background(), Request{GateID: "gate-7", Document: testDocument()})
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Decide(context.Background(), Request{GateID: "gate-7", Document: testDocument()})
	if err != nil {
		t.Fatal(err)
	}

	if calls != 1 {
		t.Errorf("Expected judges queried once, got %d", calls)
	}
	if !second.Replayed || first.Replayed {
		t.Errorf("Expected only the second decision replayed: %v %v", first.Replayed, second.Replayed)
	}
	if second.Decision != first.Decision || !second.DecidedAt.Equal(first.DecidedAt) {
		t.Errorf("Replay differs: %+v vs %+v", second, first)
	}
}

func TestDecide_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewWith(reg, nil)
	c, _ := New(Config{K: 2, N: 3, FailClosedOnDegrade: true}, []Judge{up("a"), down("b"), down("c")}, WithMetrics(m))

	if _, err := c.Decide(context.Background(), Request{Document: testDocument()}); err != nil {
		t.Fatal(err)
	}

	if got := testutil.ToFloat64(m.GateDecisions.WithLabelValues("abort", "quorum")); got != 1 {
		t.Errorf("Expected one quorum abort counted, got %v", got)
	}
	if got := testutil.ToFloat64(m.JudgeQueries.WithLabelValues("b", "false")); got != 1 {
		t.Errorf("Expected judge b counted not ready, got %v", got)
	}
	if got := testutil.ToFloat64(m.QuorumReady); got != 1 {
		t.Errorf("Expected ready gauge 1, got %v", got)
	}
}

func TestDecide_ConcurrentGates(t *testing.T) {
	c, _ := New(Config{K: 2, N: 3}, []Judge{up("a"), up("b"), up("c")})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := c.Decide(context.Background(), Request{Document: testDocument()})
			if err != nil || d.Decision != api.Proceed {
				t.Errorf("Unexpected result %+v, %v", d, err)
			}
		}()
	}
	wg.Wait()
}

func TestAggregate_MissingRouteCountsAsFail(t *testing.T) {
	doc := testDocument()
	partial := api.NewVerdictSet(map[string]api.Verdict{
		"search": {RouteID: "search", Result: api.Pass},
	})
	full := slo.JudgeDocument(doc, passing)

	set := Aggregate(doc, []api.JudgeOutcome{
		{JudgeID: "a", Ready: true, Verdicts: &full},
		{JudgeID: "b", Ready: true, Verdicts: &partial},
	}, Unanimous)

	if set.Routes["chat"].Result != api.Fail {
		t.Errorf("Expected chat to fail when a judge omits it, got %+v", set.Routes["chat"])
	}
	if set.Routes["search"].Result != api.Pass {
		t.Errorf("Expected search to pass, got %+v", set.Routes["search"])
	}
	if set.OverallVerdict != api.Fail {
		t.Errorf("Expected overall FAIL, got %s", set.OverallVerdict)
	}
}
