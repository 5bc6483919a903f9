package ability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/oarkflow/ability/filter"
	"github.com/oarkflow/ability/logger"
	"github.com/oarkflow/ability/schema"
	"github.com/oarkflow/ability/utils"
)

// ============================================================================
// ENGINE
// ============================================================================

const (
	DefaultLookupTimeout  = 5 * time.Second
	DefaultMaxConcurrency = 8
)

// Engine is the authorization facade. It holds no per-user state: every
// check re-reads the user and their rules and rebuilds the Ability.
type Engine struct {
	rules          RuleStore
	users          UserStore
	schemas        schema.Source
	persistence    filter.Persistence
	filters        *filter.Builder
	filterOpts     []filter.Option
	logger         logger.Logger
	traceIDFunc    logger.TraceIDFunc
	lookupTimeout  time.Duration
	strictFields   bool
	maxConcurrency int
	meterProvider  metric.MeterProvider
	metrics        *checkMetrics
	audit          AuditSink
}

type EngineOption func(*Engine) error

// WithLookupTimeout bounds each user/rule store lookup.
func WithLookupTimeout(d time.Duration) EngineOption {
	return func(e *Engine) error {
		if d <= 0 {
			return fmt.Errorf("lookup timeout must be positive, got %s", d)
		}
		e.lookupTimeout = d
		return nil
	}
}

// WithStrictFields rejects update payload keys outside the permitted fields
// instead of dropping them.
func WithStrictFields(strict bool) EngineOption {
	return func(e *Engine) error {
		e.strictFields = strict
		return nil
	}
}

// WithMaxConcurrency bounds the fan-out of batch checks.
func WithMaxConcurrency(n int) EngineOption {
	return func(e *Engine) error {
		if n <= 0 {
			return fmt.Errorf("max concurrency must be positive, got %d", n)
		}
		e.maxConcurrency = n
		return nil
	}
}

// WithSchemas sets the schema source used for "all fields" grants and list
// queries.
func WithSchemas(src schema.Source) EngineOption {
	return func(e *Engine) error {
		e.schemas = src
		return nil
	}
}

// WithFilterOptions configures the filter builder created for the schemas.
func WithFilterOptions(opts ...filter.Option) EngineOption {
	return func(e *Engine) error {
		e.filterOpts = append(e.filterOpts, opts...)
		return nil
	}
}

// WithPersistence injects the storage used by ListAccessible.
func WithPersistence(p filter.Persistence) EngineOption {
	return func(e *Engine) error {
		e.persistence = p
		return nil
	}
}

// WithMeterProvider enables check metrics.
func WithMeterProvider(p metric.MeterProvider) EngineOption {
	return func(e *Engine) error {
		e.meterProvider = p
		return nil
	}
}

func NewEngine(rules RuleStore, users UserStore, opts ...EngineOption) (*Engine, error) {
	if rules == nil || users == nil {
		return nil, errors.New("ability: rule store and user store are required")
	}
	e := &Engine{
		rules:          rules,
		users:          users,
		logger:         logger.NewNullLogger(),
		traceIDFunc:    func() string { return uuid.NewString() },
		lookupTimeout:  DefaultLookupTimeout,
		maxConcurrency: DefaultMaxConcurrency,
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	m, err := newCheckMetrics(e.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("ability: metrics: %w", err)
	}
	e.metrics = m
	if e.schemas != nil {
		fopts := append([]filter.Option{filter.WithLogger(e.logger)}, e.filterOpts...)
		b, err := filter.NewBuilder(e.schemas, fopts...)
		if err != nil {
			return nil, err
		}
		e.filters = b
	}
	return e, nil
}

// Close releases the filter builder cache.
func (e *Engine) Close() {
	if e.filters != nil {
		e.filters.Close()
	}
}

// Filters returns the schema-bound filter builder, nil without schemas.
func (e *Engine) Filters() *filter.Builder { return e.filters }

// LoadAbility fetches the user and their rules, interpolates the rules with
// contextData and the user, and compiles the Ability. The returned map is
// contextData normalized, the instance for FULL checks.
func (e *Engine) LoadAbility(ctx context.Context, userID string, contextData any) (*Ability, map[string]any, error) {
	inst, err := utils.NormalizeMap(contextData)
	if err != nil {
		return nil, nil, &ValidationError{Field: "contextData", Msg: err.Error()}
	}

	lctx, cancel := context.WithTimeout(ctx, e.lookupTimeout)
	defer cancel()

	user, err := e.users.GetUserByID(lctx, userID)
	if err != nil {
		return nil, nil, classify("user lookup", err)
	}
	if user == nil {
		return nil, nil, &NotFoundError{Entity: "user", ID: userID}
	}
	rules, err := e.rules.GetActiveRulesForUser(lctx, userID)
	if err != nil {
		return nil, nil, classify("rule lookup", err)
	}

	rules, err = InterpolateRules(rules, interpolationContext(user, inst))
	if err != nil {
		return nil, nil, err
	}
	return BuildAbility(rules), inst, nil
}

// interpolationContext exposes contextData and the user's attributes at the
// top level (attributes win) and the whole user under "user".
func interpolationContext(user *User, contextData map[string]any) map[string]any {
	out := make(map[string]any, len(contextData)+len(user.Attributes)+1)
	for k, v := range contextData {
		out[k] = v
	}
	for k, v := range user.Attributes {
		out[k] = v
	}
	out["user"] = user.Context()
	return out
}

// Decide runs one check and returns a typed decision. Denials are values;
// errors are lookup, validation or parse failures.
func (e *Engine) Decide(ctx context.Context, userID, action, subject string, contextData any, mode Mode) (AuthDecision, error) {
	start := time.Now()
	traceID := e.traceIDFunc()
	if mode == "" {
		mode = ModeFull
	}

	d, err := e.decide(ctx, userID, action, subject, contextData, mode)

	elapsed := time.Since(start)
	entry := &AuditEntry{
		ID:        uuid.NewString(),
		TraceID:   traceID,
		Timestamp: start,
		UserID:    userID,
		Action:    action,
		Subject:   subject,
		Mode:      mode,
	}
	if err != nil {
		kind := KindOf(err)
		e.logger.Error("ability check failed", "trace_id", traceID, "user", userID, "action", action,
			"subject", subject, "mode", string(mode), "kind", string(kind), "error", err)
		e.metrics.record(ctx, mode, string(kind), elapsed)
		entry.ErrorKind = kind
		entry.Reason = err.Error()
		e.writeAudit(ctx, entry)
		return nil, err
	}
	outcome := "denied"
	if d.IsAllowed() {
		outcome = "allowed"
	}
	kv := []any{"trace_id", traceID, "user", userID, "action", action, "subject", subject,
		"mode", string(mode), "allowed", d.IsAllowed(), "duration", elapsed.String()}
	if denied, ok := d.(Denied); ok && denied.Reason != "" {
		kv = append(kv, "reason", denied.Reason)
		entry.Reason = denied.Reason
	}
	e.logger.Debug("ability decision", kv...)
	e.metrics.record(ctx, mode, outcome, elapsed)
	entry.Allowed = d.IsAllowed()
	e.writeAudit(ctx, entry)
	return d, nil
}

func (e *Engine) decide(ctx context.Context, userID, action, subject string, contextData any, mode Mode) (AuthDecision, error) {
	switch mode {
	case ModeFull, ModePartial, ModeBoth:
	default:
		return nil, &ValidationError{Field: "mode", Msg: fmt.Sprintf("unknown mode %q", mode)}
	}
	ab, inst, err := e.LoadAbility(ctx, userID, contextData)
	if err != nil {
		return nil, err
	}

	switch mode {
	case ModePartial:
		if ab.CanPartial(action, subject) {
			return Allowed{}, nil
		}
		return Denied{Reason: "no rule for " + action + " " + subject}, nil
	case ModeBoth:
		partial := ab.CanPartial(action, subject)
		d, err := e.full(ab, action, subject, inst)
		if err != nil {
			return nil, err
		}
		switch v := d.(type) {
		case Allowed:
			v.Partial = &partial
			return v, nil
		case Denied:
			v.Partial = &partial
			return v, nil
		}
		return d, nil
	}
	return e.full(ab, action, subject, inst)
}

func (e *Engine) full(ab *Ability, action, subject string, inst map[string]any) (AuthDecision, error) {
	if err := ab.ThrowUnlessCan(action, subject, inst); err != nil {
		var fe *ForbiddenError
		if errors.As(err, &fe) {
			return Denied{Reason: fe.Error()}, nil
		}
		return nil, err
	}
	if action != ActionUpdate {
		return Allowed{}, nil
	}
	return Allowed{Fields: PermittedFields(ab, action, subject, inst, SchemaFieldSource(e.schemas, subject))}, nil
}

// CanUser is the single entry point for services. It never returns an error:
// every outcome, including lookup failures, is mapped onto Result.
func (e *Engine) CanUser(ctx context.Context, userID, action, subject string, contextData any, mode Mode) *Result {
	return ResultFrom(e.Decide(ctx, userID, action, subject, contextData, mode))
}

// AuthorizeUpdate runs a FULL update check on instance and reduces payload
// to the permitted fields. Stray keys are dropped with a warning, or denied
// when the engine is strict.
func (e *Engine) AuthorizeUpdate(ctx context.Context, userID, subject string, instance any, payload map[string]any) (map[string]any, *Result) {
	d, err := e.Decide(ctx, userID, ActionUpdate, subject, instance, ModeFull)
	if err != nil || !d.IsAllowed() {
		return nil, ResultFrom(d, err)
	}
	allowed := d.(Allowed)
	kept, dropped, err := FilterPayload(payload, allowed.Fields, e.strictFields)
	if len(dropped) > 0 {
		e.logger.Warn("update payload has fields outside the permitted set",
			"user", userID, "subject", subject, "fields", dropped, "strict", e.strictFields)
	}
	if err != nil {
		var fe *ForbiddenError
		if errors.As(err, &fe) {
			fe.Subject = subject
		}
		return nil, ResultFrom(nil, err)
	}
	return kept, ResultFrom(d, nil)
}

// Check is one CanUser call in a batch.
type Check struct {
	UserID      string
	Action      string
	Subject     string
	ContextData any
	Mode        Mode
}

// CanUserMany runs independent checks concurrently, at most
// WithMaxConcurrency at a time. Results are in input order.
func (e *Engine) CanUserMany(ctx context.Context, checks []Check) []*Result {
	results := make([]*Result, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrency)
	for i, c := range checks {
		g.Go(func() error {
			results[i] = e.CanUser(gctx, c.UserID, c.Action, c.Subject, c.ContextData, c.Mode)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// AnnotateRows loads the user's ability once and evaluates every action on
// every row, e.g. canEdit/canDelete flags for a table. Flags are in row order.
func (e *Engine) AnnotateRows(ctx context.Context, userID, subject string, rows []map[string]any, actions []string) ([]map[string]bool, error) {
	ab, _, err := e.LoadAbility(ctx, userID, nil)
	if err != nil {
		return nil, err
	}
	flags := make([]map[string]bool, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxConcurrency)
	for i, row := range rows {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			inst, err := utils.NormalizeMap(row)
			if err != nil {
				return &ValidationError{Field: fmt.Sprintf("rows[%d]", i), Msg: err.Error()}
			}
			f := make(map[string]bool, len(actions))
			for _, a := range actions {
				f[a] = ab.Can(a, subject, inst)
			}
			flags[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return flags, nil
}
