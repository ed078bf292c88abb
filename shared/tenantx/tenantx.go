package tenantx

import (
	"context"

	"github.com/google/uuid"
)

type contextKey struct{}

type TenantContext struct {
	ID uuid.UUID
}

func WithTenant(ctx context.Context, tenant TenantContext) context.Context {
	return context.WithValue(ctx, contextKey{}, tenant)
}

func FromContext(ctx context.Context) (TenantContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if t, ok := v.(TenantContext); ok {
			return t, true
		}
	}
	return TenantContext{}, false
}

func TenantIDFromContext(ctx context.Context) string {
	if t, ok := FromContext(ctx); ok && t.ID != uuid.Nil {
		return t.ID.String()
	}
	return ""
}
