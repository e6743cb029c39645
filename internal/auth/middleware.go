package auth

import (
	"encoding/json"
	"net/http"
)

// ActorHeader carries the user authenticated by the upstream gateway.
const ActorHeader = "X-User-Email"

// RequireActor rejects requests without an acting user and stores the user on
// the request context otherwise.
func RequireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := ContextWithActor(r.Context(), r.Header.Get(ActorHeader))
		if _, ok := ActorFromContext(ctx); !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":  "fail",
				"message": "authentication required",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
