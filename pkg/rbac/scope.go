package rbac

import (
	"context"
	"errors"

	"github.com/opsdesk/opsdesk/pkg/observability"
)

// ScopeResolver computes the access scope for a user: organization-wide
// for admins and managers, a team set for team leads, self-only for
// agents and for any user the directory cannot vouch for.
type ScopeResolver struct {
	directory   *Directory
	cache       ScopeCache
	metrics     *observability.Metrics
	maxLedTeams int
}

// NewScopeResolver creates a resolver. cache may be nil to disable
// caching entirely. metrics may be nil.
func NewScopeResolver(directory *Directory, cache ScopeCache, metrics *observability.Metrics, maxLedTeams int) *ScopeResolver {
	if maxLedTeams <= 0 {
		maxLedTeams = 64
	}
	return &ScopeResolver{
		directory:   directory,
		cache:       cache,
		metrics:     metrics,
		maxLedTeams: maxLedTeams,
	}
}

// selfOnlyScope is the most restrictive scope: no team visibility, so
// access falls back to per-resource ownership checks.
func selfOnlyScope() AccessScope {
	return AccessScope{OrganizationWide: false}
}

// ResolveScope returns the access scope for userID. A missing or
// inactive user resolves to the self-only scope, never an error. Cache
// failures fall back to direct computation.
func (r *ScopeResolver) ResolveScope(ctx context.Context, userID int64) (AccessScope, error) {
	if r.cache != nil {
		cached, err := r.cache.Get(ctx, userID)
		if err != nil {
			// The cache is an optimization, not a source of truth.
			observability.GetLogger(ctx).WithError(err).Warn("scope cache unavailable, resolving directly")
			if r.metrics != nil {
				r.metrics.ScopeCacheErrorsTotal.Inc()
			}
		} else if cached != nil {
			if r.metrics != nil {
				r.metrics.ScopeCacheHitsTotal.Inc()
			}
			return *cached, nil
		} else if r.metrics != nil {
			r.metrics.ScopeCacheMissesTotal.Inc()
		}
	}

	scope, err := r.computeScope(ctx, userID)
	if err != nil {
		return selfOnlyScope(), err
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, userID, scope); err != nil {
			observability.GetLogger(ctx).WithError(err).Warn("failed to cache access scope")
			if r.metrics != nil {
				r.metrics.ScopeCacheErrorsTotal.Inc()
			}
		}
	}
	return scope, nil
}

// computeScope derives the scope from the directory. Only data-store
// failures surface as errors; absent data degrades to self-only.
func (r *ScopeResolver) computeScope(ctx context.Context, userID int64) (AccessScope, error) {
	user, err := r.directory.GetUser(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return selfOnlyScope(), nil
	}
	if err != nil {
		return selfOnlyScope(), err
	}
	if !user.Active {
		return selfOnlyScope(), nil
	}

	switch user.Role {
	case RoleAdmin, RoleManager:
		return AccessScope{OrganizationWide: true}, nil
	case RoleTeamLead:
		teamIDs := make(map[int64]struct{})
		if user.TeamID != nil {
			teamIDs[*user.TeamID] = struct{}{}
		}
		led, err := r.directory.LedTeamIDs(ctx, userID, r.maxLedTeams)
		if err != nil {
			return selfOnlyScope(), err
		}
		for _, id := range led {
			teamIDs[id] = struct{}{}
		}
		if len(teamIDs) == 0 {
			// A lead with no teams sees only what they own.
			return selfOnlyScope(), nil
		}
		return AccessScope{TeamIDs: teamIDs}, nil
	default:
		return selfOnlyScope(), nil
	}
}

// InvalidateUser drops a user's cached scope after a role or membership
// change. Cache errors are logged, not returned; the TTL bounds the
// staleness window either way.
func (r *ScopeResolver) InvalidateUser(ctx context.Context, userID int64) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, userID); err != nil {
		observability.GetLogger(ctx).WithError(err).Warn("failed to invalidate cached scope")
	}
}

// InvalidateAll drops every cached scope. Used after team-level
// mutations that can affect many users at once.
func (r *ScopeResolver) InvalidateAll(ctx context.Context) {
	if r.cache == nil {
		return
	}
	if err := r.cache.InvalidateAll(ctx); err != nil {
		observability.GetLogger(ctx).WithError(err).Warn("failed to invalidate scope cache")
	}
}
