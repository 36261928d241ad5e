package quorum

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/fractal-lba/releasegate/internal/api"
	"github.com/fractal-lba/releasegate/internal/authz"
	"github.com/fractal-lba/releasegate/internal/canary"
	"github.com/fractal-lba/releasegate/internal/logging"
	"github.com/fractal-lba/releasegate/internal/metrics"
	"github.com/fractal-lba/releasegate/internal/slo"
	"github.com/fractal-lba/releasegate/internal/store"
	"github.com/fractal-lba/releasegate/pkg/otel"
)

// Reason prefixes attached to gate decisions.
const (
	ReasonAuthorizationDenied = "authorization_denied"
	ReasonQuorumNotMet        = "quorum_not_met"
	ReasonJudgeNotReady       = "judge_not_ready"
	ReasonRouteFailed         = "route_failed"
)

// Request is one gate invocation.
type Request struct {
	GateID   string // generated when empty
	Release  string // optional semantic version
	Token    string // bearer token for the authorizer
	Document *slo.Document

	// Drift, when set, throttles the rollout policy attached to the decision.
	Drift *api.DriftReport
	// Canary is the policy currently in force; DefaultPolicy when nil.
	Canary *api.CanaryPolicy
}

// Coordinator runs the quorum state machine: authorize, validate, dispatch
// to all judges, aggregate the ready ones, decide.
type Coordinator struct {
	cfg        Config
	judges     []Judge
	authorizer authz.Authorizer
	store      store.Store
	storeTTL   time.Duration
	logger     *zap.SugaredLogger
	metrics    *metrics.Metrics
	sem        *semaphore.Weighted
	now        func() time.Time
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithAuthorizer requires every gate to pass a.
func WithAuthorizer(a authz.Authorizer) Option {
	return func(c *Coordinator) { c.authorizer = a }
}

// WithStore records decisions in s and replays them for known gate ids.
func WithStore(s store.Store, ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.store = s
		c.storeTTL = ttl
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock overrides time.Now for DecidedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New validates cfg against judges and builds a coordinator.
func New(cfg Config, judges []Judge, opts ...Option) (*Coordinator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(len(judges)); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(judges))
	for _, j := range judges {
		if j == nil || j.ID() == "" {
			return nil, &ConfigError{Field: "judges", Message: "judge without id"}
		}
		if seen[j.ID()] {
			return nil, &ConfigError{Field: "judges", Message: fmt.Sprintf("duplicate judge id %q", j.ID())}
		}
		seen[j.ID()] = true
	}

	slots := int64(cfg.MaxConcurrency)
	if slots <= 0 || slots > int64(len(judges)) {
		slots = int64(len(judges))
	}

	c := &Coordinator{
		cfg:    cfg,
		judges: judges,
		sem:    semaphore.NewWeighted(slots),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrNop(c.logger)
	return c, nil
}

// Config returns the effective quorum policy.
func (c *Coordinator) Config() Config { return c.cfg }

// Decide runs one gate. Configuration and parse errors are returned as
// errors; every other outcome, authorization denial included, is a decision.
func (c *Coordinator) Decide(ctx context.Context, req Request) (*api.GateDecision, error) {
	start := time.Now()
	if req.GateID == "" {
		req.GateID = uuid.NewString()
	}

	ctx, span := otel.StartSpan(ctx, "quorum.decide", otel.GateAttributes(req.GateID, req.Release)...)
	defer span.End()

	log := c.logger.With("gate_id", req.GateID)

	// Authorize
	if c.authorizer != nil {
		principal, err := c.authorizer.Authorize(ctx, req.Token, req.Release)
		if err != nil {
			if !authz.IsDenied(err) {
				otel.RecordError(span, err, "authorizer failed")
				return nil, fmt.Errorf("authorize gate %s: %w", req.GateID, err)
			}
			log.Warnw("gate denied", "error", err)
			d := c.newDecision(req)
			d.Decision = api.Abort
			d.BlockedBy = api.BlockedAuthz
			d.Reasons = append(d.Reasons, fmt.Sprintf("%s: %v", ReasonAuthorizationDenied, err))
			return c.finish(span, d, start, false), nil
		}
		ctx = authz.WithPrincipal(ctx, principal)
		log = log.With("principal", principal.Subject)
	}

	// Replay
	if c.store != nil {
		recorded, err := c.store.Get(ctx, req.GateID)
		switch {
		case err == nil:
			log.Infow("gate already decided", "decision", recorded.Decision)
			replay := *recorded
			replay.Replayed = true
			if c.metrics != nil {
				c.metrics.DecisionReplays.Inc()
			}
			return &replay, nil
		case !errors.Is(err, store.ErrNotFound):
			otel.RecordError(span, err, "decision store")
			return nil, fmt.Errorf("read decision %s: %w", req.GateID, err)
		}
	}

	// Validate
	if err := c.validate(req); err != nil {
		otel.RecordError(span, err, "invalid gate request")
		return nil, err
	}

	// Dispatch
	outcomes := c.dispatch(ctx, req.Document)

	// Aggregate
	d := c.newDecision(req)
	d.Judges = outcomes
	ready := readyOutcomes(outcomes)
	d.Quorum.ReadyCount = len(ready)
	d.Quorum.QuorumMet = len(ready) >= c.cfg.K
	span.SetAttributes(otel.QuorumAttributes(c.cfg.K, c.cfg.N, len(ready), d.Quorum.QuorumMet)...)
	if c.metrics != nil {
		c.metrics.QuorumReady.Set(float64(len(ready)))
	}

	for _, o := range outcomes {
		if !o.Ready {
			d.Reasons = append(d.Reasons, fmt.Sprintf("%s: %s: %s", ReasonJudgeNotReady, o.JudgeID, o.Error))
		}
	}

	if len(ready) > 0 {
		set := Aggregate(req.Document, ready, c.cfg.Aggregation)
		d.Verdicts = &set
	}

	// Decide
	switch {
	case d.Quorum.QuorumMet && d.Verdicts.OverallVerdict == api.Pass:
		d.Decision = api.Proceed
	case d.Quorum.QuorumMet:
		d.Decision = api.Abort
		d.BlockedBy = api.BlockedBySLO
		d.Reasons = append(d.Reasons, routeFailures(d.Verdicts)...)
	default:
		d.Reasons = append(d.Reasons, fmt.Sprintf("%s: ready=%d k=%d n=%d", ReasonQuorumNotMet, len(ready), c.cfg.K, c.cfg.N))
		if d.Verdicts != nil {
			d.Reasons = append(d.Reasons, routeFailures(d.Verdicts)...)
		}
		if c.cfg.FailClosedOnDegrade {
			d.Decision = api.Abort
			d.BlockedBy = api.BlockedQuorum
		} else {
			d.Decision = api.ProceedWithWarning
		}
	}

	// Rollout throttling is independent of the decision.
	if req.Drift != nil {
		current := canary.DefaultPolicy()
		if req.Canary != nil {
			current = *req.Canary
		}
		next := canary.Next(req.Drift.Severity, current)
		drift := *req.Drift
		d.Drift = &drift
		d.Canary = &next
		if c.metrics != nil {
			c.metrics.ObserveCanary(next.Enabled, next.StepPct)
		}
	}

	d = c.finish(span, d, start, !d.Quorum.QuorumMet)

	if c.store != nil {
		recorded, created, err := c.store.Record(ctx, d, c.storeTTL)
		if err != nil {
			// the decision stands even when it cannot be recorded
			log.Errorw("failed to record decision", "error", err)
		} else if !created {
			log.Infow("concurrent gate recorded first", "decision", recorded.Decision)
			replay := *recorded
			replay.Replayed = true
			return &replay, nil
		}
	}
	return d, nil
}

func (c *Coordinator) newDecision(req Request) *api.GateDecision {
	return &api.GateDecision{
		GateID:  req.GateID,
		Release: req.Release,
		Reasons: []string{},
		Judges:  []api.JudgeOutcome{},
		Quorum: api.QuorumStatus{
			K:                   c.cfg.K,
			N:                   c.cfg.N,
			FailClosedOnDegrade: c.cfg.FailClosedOnDegrade,
			Aggregation:         string(c.cfg.Aggregation),
		},
	}
}

func (c *Coordinator) finish(span trace.Span, d *api.GateDecision, start time.Time, degraded bool) *api.GateDecision {
	d.ExitCode = api.ExitCodeFor(d.Decision, d.BlockedBy)
	d.DecidedAt = c.now().UTC()

	latency := float64(time.Since(start).Microseconds()) / 1000.0
	if c.metrics != nil {
		c.metrics.RecordDecision(string(d.Decision), string(d.BlockedBy), degraded, latency)
	}
	span.SetAttributes(otel.AttrDecision.String(string(d.Decision)))

	c.logger.Infow("gate decided",
		"gate_id", d.GateID,
		"release", d.Release,
		"decision", d.Decision,
		"exit_code", d.ExitCode,
		"blocked_by", d.BlockedBy,
		"ready", d.Quorum.ReadyCount,
		"quorum", c.cfg.Spec(),
		"latency_ms", latency,
	)
	return d
}

func (c *Coordinator) validate(req Request) error {
	if req.Document == nil {
		return &ConfigError{Field: "document", Message: "SLO document is required"}
	}
	if err := req.Document.Validate(); err != nil {
		return err
	}
	if req.Release != "" {
		if _, err := semver.NewVersion(req.Release); err != nil {
			return &ConfigError{Field: "release", Message: fmt.Sprintf("%q is not a semantic version: %v", req.Release, err)}
		}
	}
	return nil
}

// dispatch queries every judge and returns outcomes in judge order. It
// returns once each judge has answered or hit its own timeout.
func (c *Coordinator) dispatch(ctx context.Context, doc *slo.Document) []api.JudgeOutcome {
	outcomes := make([]api.JudgeOutcome, len(c.judges))

	var wg sync.WaitGroup
	for i, j := range c.judges {
		wg.Add(1)
		go func(i int, j Judge) {
			defer wg.Done()
			outcomes[i] = c.query(ctx, j, doc)
		}(i, j)
	}
	wg.Wait()

	return outcomes
}

type judgeResult struct {
	set api.VerdictSet
	err error
}

func (c *Coordinator) query(ctx context.Context, j Judge, doc *slo.Document) api.JudgeOutcome {
	out := api.JudgeOutcome{JudgeID: j.ID()}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		out.Error = fmt.Sprintf("not dispatched: %v", err)
		c.observeJudge(out)
		return out
	}
	defer c.sem.Release(1)

	start := time.Now()
	jctx, cancel := context.WithTimeout(ctx, c.cfg.JudgeTimeout)
	defer cancel()

	jctx, span := otel.StartSpan(jctx, "quorum.judge", otel.AttrJudgeID.String(j.ID()))
	defer span.End()

	// Buffered so a judge answering after its deadline never blocks.
	ch := make(chan judgeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- judgeResult{err: fmt.Errorf("judge panicked: %v", r)}
			}
		}()
		set, err := j.Evaluate(jctx, doc)
		ch <- judgeResult{set: set, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			out.Error = r.err.Error()
		} else {
			set := r.set
			out.Verdicts = &set
			out.Ready = true
		}
	case <-jctx.Done():
		if errors.Is(jctx.Err(), context.DeadlineExceeded) {
			out.Error = fmt.Sprintf("timed out after %s", c.cfg.JudgeTimeout)
		} else {
			out.Error = jctx.Err().Error()
		}
	}

	out.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	span.SetAttributes(otel.JudgeAttributes(out.JudgeID, out.Ready, out.LatencyMs)...)
	if !out.Ready {
		otel.RecordError(span, errors.New(out.Error), "judge not ready")
		c.logger.Warnw("judge not ready", "judge_id", out.JudgeID, "error", out.Error)
	}
	c.observeJudge(out)
	return out
}

func (c *Coordinator) observeJudge(o api.JudgeOutcome) {
	if c.metrics != nil {
		c.metrics.RecordJudge(o.JudgeID, o.Ready, o.LatencyMs)
	}
}

func readyOutcomes(outcomes []api.JudgeOutcome) []api.JudgeOutcome {
	var ready []api.JudgeOutcome
	for _, o := range outcomes {
		if o.Ready && o.Verdicts != nil {
			ready = append(ready, o)
		}
	}
	return ready
}

// Aggregate combines the verdicts of ready judges route by route. Judges are
// peers. A judge that omits a route counts as failing it.
func Aggregate(doc *slo.Document, ready []api.JudgeOutcome, rule Aggregation) api.VerdictSet {
	routes := make(map[string]api.Verdict, len(doc.Routes))

	for _, id := range doc.RouteIDs() {
		combined := api.Verdict{RouteID: id, Failures: []string{}}
		passes := 0
		var failures []string

		for _, o := range ready {
			v, ok := o.Verdicts.Routes[id]
			if !ok {
				failures = append(failures, fmt.Sprintf("[%s] no verdict reported", o.JudgeID))
				continue
			}
			if combined.Expression == "" {
				combined.Expression = v.Expression
			}
			if v.Result == api.Pass {
				passes++
				continue
			}
			if len(v.Failures) == 0 {
				failures = append(failures, fmt.Sprintf("[%s] FAIL", o.JudgeID))
			}
			for _, f := range v.Failures {
				failures = append(failures, fmt.Sprintf("[%s] %s", o.JudgeID, f))
			}
		}

		pass := false
		switch rule {
		case Majority:
			pass = len(ready) > 0 && passes*2 > len(ready)
		default:
			pass = len(ready) > 0 && passes == len(ready)
		}

		if pass {
			combined.Result = api.Pass
		} else {
			combined.Result = api.Fail
			combined.Failures = append(combined.Failures, failures...)
		}
		routes[id] = combined
	}

	return api.NewVerdictSet(routes)
}

// routeFailures lists failing routes in id order.
func routeFailures(set *api.VerdictSet) []string {
	if set == nil {
		return nil
	}
	ids := make([]string, 0, len(set.Routes))
	for id, v := range set.Routes {
		if v.Result != api.Pass {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var reasons []string
	for _, id := range ids {
		v := set.Routes[id]
		if len(v.Failures) == 0 {
			reasons = append(reasons, fmt.Sprintf("%s: %s", ReasonRouteFailed, id))
			continue
		}
		for _, f := range v.Failures {
			reasons = append(reasons, fmt.Sprintf("%s: %s: %s", ReasonRouteFailed, id, f))
		}
	}
	return reasons
}
