package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/ldapgw/internal/ldap"
	"github.com/isometry/ldapgw/internal/ratelimit"
)

// Admitter decides whether a client may make another request.
type Admitter interface {
	Admit(key string) ratelimit.Decision
}

// Searcher runs one filter against the directory.
type Searcher interface {
	Search(ctx context.Context, filter string, attributes []string) ([]*ldap.Entry, error)
}

// Service is the search pipeline: admit, validate, sanitize, build filter,
// search and project.
type Service struct {
	limiter   Admitter
	searcher  Searcher
	projector *ldapclient.Projector
	policy    ldapclient.MatchPolicy
	metrics   *Metrics
}

// NewService returns a Service. metrics may be nil.
func NewService(limiter Admitter, searcher Searcher, projector *ldapclient.Projector, policy ldapclient.MatchPolicy, metrics *Metrics) (*Service, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	return &Service{
		limiter:   limiter,
		searcher:  searcher,
		projector: projector,
		policy:    policy,
		metrics:   metrics,
	}, nil
}

// Search runs the pipeline for one request from client.
func (s *Service) Search(ctx context.Context, client, raw string) ([]ldapclient.DirectoryEntry, error) {
	if d := s.limiter.Admit(client); !d.Allowed {
		return nil, &RateLimitError{Client: client, Window: d.Window, RetryAfter: d.RetryAfter}
	}

	if raw == "" {
		return nil, ErrNoQuery
	}

	query := ldapclient.NewSearchQuery(raw)
	filter, err := ldapclient.BuildFilter(query.Sanitized, s.policy)
	if err != nil {
		return nil, fmt.Errorf("building filter: %w", err)
	}

	tflog.SubsystemDebug(ctx, Subsystem, "Searching directory", map[string]any{
		"query_length": len(query.Raw),
		"sanitized":    query.Sanitized,
	})

	start := time.Now()
	entries, err := s.searcher.Search(ctx, filter, s.projector.Attributes())
	s.metrics.ObserveSearch(time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("searching directory: %w", err)
	}

	results := s.projector.Project(entries)
	s.metrics.Request("")

	tflog.SubsystemDebug(ctx, Subsystem, "Search completed", map[string]any{
		"results": len(results),
	})

	return results, nil
}
