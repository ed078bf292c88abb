package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"sales-funnel-crm-realtime/internal/event"
	"sales-funnel-crm-realtime/internal/fabric"
	"sales-funnel-crm-realtime/internal/sequence"
	"sales-funnel-crm-realtime/internal/store"
	"sales-funnel-crm-realtime/shared/influxx"
	"sales-funnel-crm-realtime/shared/logx"
	"sales-funnel-crm-realtime/shared/metricsx"
)

// Emitter is the single write path for sync events: allocate a sequence,
// persist, then hand off for distribution. Persistence happens before any
// delivery so a catch-up read can never miss an event a live push carried.
type Emitter struct {
	seq       sequence.Allocator
	store     *store.Store
	fabric    fabric.Fabric
	local     func(event.Event)
	influx    *influxx.Client
	logger    logx.Logger
	retention time.Duration
	tracer    trace.Tracer
}

// New builds an emitter. fab may be nil for single-process deployments, in
// which case events go straight to the local sink. local must never be nil.
func New(seq sequence.Allocator, st *store.Store, fab fabric.Fabric, local func(event.Event), influx *influxx.Client, retention time.Duration, logger logx.Logger) *Emitter {
	return &Emitter{
		seq:       seq,
		store:     st,
		fabric:    fab,
		local:     local,
		influx:    influx,
		logger:    logger.Component("emitter"),
		retention: retention,
		tracer:    otel.Tracer("emitter"),
	}
}

// Emit records a tenant-wide event and distributes it. The returned event
// carries the allocated sequence number.
func (e *Emitter) Emit(ctx context.Context, tenantID uuid.UUID, t event.Type, payload json.RawMessage) (event.Event, error) {
	return e.emit(ctx, tenantID, nil, t, payload)
}

// EmitToUser records a session-scoped event delivered only to one user's
// connections.
func (e *Emitter) EmitToUser(ctx context.Context, tenantID uuid.UUID, userID uuid.UUID, t event.Type, payload json.RawMessage) (event.Event, error) {
	uid := userID
	return e.emit(ctx, tenantID, &uid, t, payload)
}

func (e *Emitter) emit(ctx context.Context, tenantID uuid.UUID, userID *uuid.UUID, t event.Type, payload json.RawMessage) (event.Event, error) {
	if !t.Valid() {
		return event.Event{}, fmt.Errorf("unknown event type %q", t)
	}
	if t.SessionScoped() && userID == nil {
		return event.Event{}, fmt.Errorf("event type %q requires a target user", t)
	}

	ctx, span := e.tracer.Start(ctx, "emitter.emit", trace.WithAttributes(
		attribute.String("tenant.id", tenantID.String()),
		attribute.String("event.type", string(t)),
	))
	defer span.End()

	seq, err := e.seq.Next(ctx, tenantID)
	if err != nil {
		return event.Event{}, fmt.Errorf("allocate sequence: %w", err)
	}

	ev := event.New(tenantID, seq, t, payload, userID, e.retention)
	if err := e.store.Append(ctx, ev); err != nil {
		return event.Event{}, fmt.Errorf("append event: %w", err)
	}

	metricsx.IncEventEmitted(string(t))
	if e.influx != nil {
		if err := e.influx.RecordEmit(ctx, tenantID.String(), string(t), seq); err != nil {
			e.logger.Warn(ctx, "influx_write_failed", "emit stats write failed",
				slog.String("error", err.Error()),
			)
		}
	}

	e.distribute(ctx, ev)
	return ev, nil
}

// distribute hands the event to the fabric, or to the local sink when no
// fabric is configured. A fabric publish failure falls back to local delivery
// so clients on this process still receive the event; other processes catch
// up from the store on their next sync.
func (e *Emitter) distribute(ctx context.Context, ev event.Event) {
	if e.fabric == nil {
		e.local(ev)
		return
	}
	if err := e.fabric.Publish(ctx, ev); err != nil {
		metricsx.IncFabricPublishFailure()
		e.logger.Error(ctx, "fabric_publish_failed", "event not relayed, delivering locally",
			slog.String("tenant_id", ev.TenantID.String()),
			slog.Int64("sequence", ev.Sequence),
			slog.String("error", err.Error()),
		)
		e.local(ev)
	}
}

// fire is the best-effort form used by the typed helpers: mutation handlers
// must not fail because notification did.
func (e *Emitter) fire(ctx context.Context, tenantID uuid.UUID, userID *uuid.UUID, t event.Type, payload json.RawMessage) {
	if _, err := e.emit(ctx, tenantID, userID, t, payload); err != nil {
		e.logger.Error(ctx, "emit_failed", "dropping sync event",
			slog.String("tenant_id", tenantID.String()),
			slog.String("event_type", string(t)),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Emitter) LeadCreated(ctx context.Context, tenantID uuid.UUID, payload json.RawMessage) {
	e.fire(ctx, tenantID, nil, event.LeadCreated, payload)
}

func (e *Emitter) LeadUpdated(ctx context.Context, tenantID uuid.UUID, payload json.RawMessage) {
	e.fire(ctx, tenantID, nil, event.LeadUpdated, payload)
}

func (e *Emitter) LeadDeleted(ctx context.Context, tenantID uuid.UUID, payload json.RawMessage) {
	e.fire(ctx, tenantID, nil, event.LeadDeleted, payload)
}

func (e *Emitter) CaseCreated(ctx context.Context, tenantID uuid.UUID, payload json.RawMessage) {
	e.fire(ctx, tenantID, nil, event.CaseCreated, payload)
}

func (e *Emitter) CaseUpdated(ctx context.Context, tenantID uuid.UUID, payload json.RawMessage) {
	e.fire(ctx, tenantID, nil, event.CaseUpdated, payload)
}

func (e *Emitter) CaseDeleted(ctx context.Context, tenantID uuid.UUID, payload json.RawMessage) {
	e.fire(ctx, tenantID, nil, event.CaseDeleted, payload)
}

func (e *Emitter) DocumentCreated(ctx context.Context, tenantID uuid.UUID, payload json.RawMessage) {
	e.fire(ctx, tenantID, nil, event.DocumentCreated, payload)
}

func (e *Emitter) DocumentUpdated(ctx context.Context, tenantID uuid.UUID, payload json.RawMessage) {
	e.fire(ctx, tenantID, nil, event.DocumentUpdated, payload)
}

func (e *Emitter) DocumentDeleted(ctx context.Context, tenantID uuid.UUID, payload json.RawMessage) {
	e.fire(ctx, tenantID, nil, event.DocumentDeleted, payload)
}

func (e *Emitter) SessionInvalidated(ctx context.Context, tenantID uuid.UUID, userID uuid.UUID) {
	e.fire(ctx, tenantID, &userID, event.SessionInvalidated, nil)
}

func (e *Emitter) PermissionsChanged(ctx context.Context, tenantID uuid.UUID, userID uuid.UUID, payload json.RawMessage) {
	e.fire(ctx, tenantID, &userID, event.PermissionsChanged, payload)
}

func (e *Emitter) AccountLocked(ctx context.Context, tenantID uuid.UUID, userID uuid.UUID) {
	e.fire(ctx, tenantID, &userID, event.AccountLocked, nil)
}

func (e *Emitter) SessionExpiring(ctx context.Context, tenantID uuid.UUID, userID uuid.UUID, payload json.RawMessage) {
	e.fire(ctx, tenantID, &userID, event.SessionExpiring, payload)
}
