// Package reportstore persists the final report of every completed session.
package reportstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/askq/pkg/summary"
)

// Store keeps reports by session id. Reports are immutable: saving a second
// report for the same session is an error.
type Store interface {
	Save(ctx context.Context, report *summary.Report) error
	Get(ctx context.Context, sessionID string) (*summary.Report, bool, error)
	// List returns the most recent reports first.
	List(ctx context.Context, limit int) ([]*summary.Report, error)
	Close() error
}

var ErrReportExists = errors.New("report already stored")

type InMemoryStore struct {
	mu      sync.RWMutex
	reports map[string]*summary.Report
}

var _ Store = &InMemoryStore{}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{reports: map[string]*summary.Report{}}
}

func (s *InMemoryStore) Save(_ context.Context, report *summary.Report) error {
	if report == nil || strings.TrimSpace(report.SessionID) == "" {
		return errors.New("memory report store: report has no session id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[report.SessionID]; ok {
		return errors.Wrap(ErrReportExists, report.SessionID)
	}
	cp := *report
	s.reports[report.SessionID] = &cp
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, sessionID string) (*summary.Report, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[sessionID]
	if !ok {
		return nil, false, nil
	}
	cp := *r
	return &cp, true, nil
}

func (s *InMemoryStore) List(_ context.Context, limit int) ([]*summary.Report, error) {
	s.mu.RLock()
	out := make([]*summary.Report, 0, len(s.reports))
	for _, r := range s.reports {
		cp := *r
		out = append(out, &cp)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
