// Package ctxkeys defines typed context keys to avoid SA1029 lint warnings
// and prevent key collisions across packages.
package ctxkeys

import "context"

// Key is a typed context key to prevent collisions.
type Key string

// Auth context keys
const (
	KeyUserID    Key = "user_id"
	KeyAccountID Key = "account_id"
	KeyEmail     Key = "email"
	KeyRole      Key = "role"
	KeyJWTToken  Key = "jwt_token"
	KeyAuthType  Key = "auth_type"
)

// Request context keys
const (
	KeyRequestID    Key = "request_id"
	KeyServiceToken Key = "service_token"
)

// GetAccountID extracts account_id from context.
func GetAccountID(ctx context.Context) string {
	if v, ok := ctx.Value(KeyAccountID).(string); ok {
		return v
	}
	return ""
}

// GetUserID extracts user_id from context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(KeyUserID).(string); ok {
		return v
	}
	return ""
}

// GetRole extracts role from context.
func GetRole(ctx context.Context) string {
	if v, ok := ctx.Value(KeyRole).(string); ok {
		return v
	}
	return ""
}
