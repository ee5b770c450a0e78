package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

const (
	// UserIDKey is the context key for the calling user's id.
	UserIDKey contextKey = "user_id"
	// TeamIDKey is the context key for the thread's team, if any.
	TeamIDKey contextKey = "team_id"
)

// Identity extracts the caller's identity from the request. The user id
// comes from the X-User-ID header; the team id from X-Team-ID and is
// empty outside a team thread, which hides team-scoped tool servers.
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" {
			userID = strings.TrimSpace(r.URL.Query().Get("user_id"))
		}
		if userID == "" {
			userID = "anonymous"
		}

		teamID := strings.TrimSpace(r.Header.Get("X-Team-ID"))

		ctx := context.WithValue(r.Context(), UserIDKey, userID)
		ctx = context.WithValue(ctx, TeamIDKey, teamID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserID retrieves the user id from the request context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return "anonymous"
}

// GetTeamID retrieves the team id from the request context; empty means
// the request is outside any team thread.
func GetTeamID(ctx context.Context) string {
	if v, ok := ctx.Value(TeamIDKey).(string); ok {
		return v
	}
	return ""
}
