package rbac

import (
	"context"
	"time"

	"github.com/platinummonkey/warden/pkg/async"
	"github.com/platinummonkey/warden/pkg/audit"
	"github.com/platinummonkey/warden/pkg/locks"
	"github.com/platinummonkey/warden/pkg/observability"
)

// hierarchyLockKey serializes every hierarchy edge insertion.
const hierarchyLockKey = "rbac:hierarchy"

// Invalidator is told when cached decisions may be stale.
type Invalidator interface {
	InvalidateUser(userID string)
	InvalidateAll()
}

// Options carries the collaborators shared by every RBAC service. Nil fields
// fall back to in-process defaults.
type Options struct {
	Locker      locks.Locker
	Audit       audit.Logger
	Logger      *observability.Logger
	Metrics     *observability.Metrics
	OTelMetrics *observability.OTelMetrics
	Directory   UserDirectory
	Evaluator   ConditionEvaluator
	Clock       func() time.Time

	// AuditTimeout bounds each fire-and-forget audit write.
	AuditTimeout time.Duration
	// ResolveRetries is how many times a transient store read is retried
	// while resolving.
	ResolveRetries int
	// BulkWorkers caps concurrency of bulk operations.
	BulkWorkers int
}

// core is the state shared by the services of one Manager.
type core struct {
	store       Store
	locker      locks.Locker
	auditor     audit.Logger
	logger      *observability.Logger
	metrics     *observability.Metrics
	otel        *observability.OTelMetrics
	directory   UserDirectory
	evaluator   ConditionEvaluator
	clock       func() time.Time
	invalidator Invalidator

	auditTimeout   time.Duration
	resolveRetries int
	bulkWorkers    int
}

func newCore(store Store, opts Options) *core {
	c := &core{
		store:          store,
		locker:         opts.Locker,
		auditor:        opts.Audit,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		otel:           opts.OTelMetrics,
		directory:      opts.Directory,
		evaluator:      opts.Evaluator,
		clock:          opts.Clock,
		auditTimeout:   opts.AuditTimeout,
		resolveRetries: opts.ResolveRetries,
		bulkWorkers:    opts.BulkWorkers,
	}
	if c.locker == nil {
		c.locker = locks.NewLocalLocker()
	}
	if c.auditor == nil {
		c.auditor = audit.NewNoOpLogger()
	}
	if c.logger == nil {
		c.logger = observability.NewNopLogger()
	}
	c.logger = c.logger.Component("rbac")
	if c.evaluator == nil {
		c.evaluator = NewAttributeEvaluator()
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.auditTimeout <= 0 {
		c.auditTimeout = 5 * time.Second
	}
	if c.resolveRetries < 0 {
		c.resolveRetries = 0
	}
	if c.bulkWorkers <= 0 {
		c.bulkWorkers = 4
	}
	return c
}

func (c *core) now() time.Time {
	return c.clock().UTC()
}

// emit hands record to the audit sink without waiting for it. A failing
// sink is logged and never reaches the caller.
func (c *core) emit(ctx context.Context, record *audit.Record) {
	if record.RequestID == "" {
		record.RequestID = observability.GetRequestID(ctx)
	}
	async.SafeGo(context.WithoutCancel(ctx), c.logger, c.auditTimeout, "audit "+string(record.EventType),
		func(ctx context.Context) error {
			return c.auditor.Log(ctx, record)
		})
}

// change describes one mutation for metrics, audit and cache invalidation.
type change struct {
	event  audit.EventType
	op     string
	entity string
	id     string
	users  []string
	global bool
}

func roleChange(op, id string) *change {
	return &change{event: audit.EventTypeRoleChange, op: op, entity: "role", id: id, global: true}
}

func permissionChange(op, id string) *change {
	return &change{event: audit.EventTypePermissionChange, op: op, entity: "permission", id: id, global: true}
}

func hierarchyChange(op, parent, child string) *change {
	return &change{event: audit.EventTypeHierarchyChange, op: op, entity: "role_hierarchy", id: parent + "->" + child, global: true}
}

func assignmentChange(op, id string, users ...string) *change {
	return &change{event: audit.EventTypeAssignmentChange, op: op, entity: "user_role", id: id, users: users}
}

func elevationChange(op, id string, users ...string) *change {
	return &change{event: audit.EventTypeElevationChange, op: op, entity: "temp_role_elevation", id: id, users: users}
}

// track is deferred by every mutation. It reads the final error through
// errp, so callers can keep filling ch after the defer.
func (c *core) track(ctx context.Context, ch *change, errp *error) {
	var err error
	if errp != nil {
		err = *errp
	}

	c.metrics.RecordMutation(ch.op, err)
	c.otel.RecordMutation(ctx, ch.op, err)

	record := &audit.Record{
		EventType:    ch.event,
		Status:       audit.EventStatusSuccess,
		ResourceType: ch.entity,
		ResourceID:   ch.id,
		Action:       ch.op,
		AttemptedAt:  c.now(),
		ActorUserID:  observability.GetUserID(ctx),
	}
	if len(ch.users) == 1 {
		record.UserID = ch.users[0]
	}
	if err != nil {
		record.Status = audit.EventStatusFailure
		record.Message = err.Error()
		observability.FromContext(ctx).Component("rbac").
			WithError(err).
			WithFields(map[string]interface{}{"operation": ch.op, "entity_id": ch.id}).
			Debug("mutation rejected")
	} else {
		c.invalidate(ch)
	}
	c.emit(ctx, record)
}

func (c *core) invalidate(ch *change) {
	if c.invalidator == nil {
		return
	}
	if ch.global {
		c.invalidator.InvalidateAll()
		return
	}
	for _, u := range ch.users {
		c.invalidator.InvalidateUser(u)
	}
}

// retryRead retries an idempotent read while it fails transiently.
func (c *core) retryRead(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !IsTransient(err) || attempt >= c.resolveRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
}

// BulkResult reports the outcome of one item of a bulk operation.
type BulkResult struct {
	ID    string `json:"id"`
	Error string `json:"error,omitempty"`
}

func bulkResults(ids []string, errs []error) []BulkResult {
	out := make([]BulkResult, len(ids))
	for i, id := range ids {
		out[i].ID = id
		if errs[i] != nil {
			out[i].Error = errs[i].Error()
		}
	}
	return out
}

// actor is the caller recorded on created records and audit entries.
func actor(ctx context.Context) string {
	return observability.GetUserID(ctx)
}
