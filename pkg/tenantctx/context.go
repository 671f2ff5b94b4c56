package tenantctx

import "context"

type keyType string

const (
	orgIDKey  keyType = "org_id"
	userIDKey keyType = "user_id"
)

func WithOrgID(ctx context.Context, orgID int64) context.Context {
	return context.WithValue(ctx, orgIDKey, orgID)
}

func OrgID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(orgIDKey).(int64)
	return id, ok
}

func WithUserID(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

func UserID(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(userIDKey).(int64)
	return id, ok
}
