package api

import (
	"context"
	"net/http"
	"strings"
)

// Authentication happens upstream; the proxy forwards the resolved principal
// in these headers.
const (
	headerUser  = "X-Remote-User"
	headerRoles = "X-Remote-Roles"
)

type principalKey struct{}

// principal is the caller of a request. An empty Name is anonymous.
type principal struct {
	Name    string
	IsAdmin bool
}

func (s *Server) principalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principal{Name: strings.TrimSpace(r.Header.Get(headerUser))}
		if p.Name != "" {
			for role := range strings.SplitSeq(r.Header.Get(headerRoles), ",") {
				if strings.EqualFold(strings.TrimSpace(role), s.adminRole) {
					p.IsAdmin = true
					break
				}
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

func principalFrom(ctx context.Context) principal {
	p, _ := ctx.Value(principalKey{}).(principal)
	return p
}

// canSee reports whether p may read or cancel an execution owned by owner.
// Anonymous executions are reachable by anyone holding their id; listings
// never include them.
func (p principal) canSee(owner string) bool {
	if owner == "" {
		return true
	}
	return p.IsAdmin || p.Name == owner
}
