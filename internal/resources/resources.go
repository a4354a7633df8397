// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_resources

import (
	"context"
	"fmt"
	"sync"

	"github.com/rapidaai/voicebridge/pkg/commons"
)

// Resource is one releasable sub-resource of a call: an auxiliary channel, a
// mixing bridge, a live recording. Release must tolerate the underlying
// object already being gone.
type Resource struct {
	Kind    string
	ID      string
	release func(ctx context.Context) error
}

// NewResource builds a resource with a release function.
func NewResource(kind, id string, release func(ctx context.Context) error) *Resource {
	return &Resource{Kind: kind, ID: id, release: release}
}

// Set tracks the sub-resources created during one call's setup so cleanup can
// release every one of them exactly once. After Cleanup the set is closed:
// a resource added later belongs to a call that is already gone and is
// released on the spot instead of leaking.
type Set struct {
	logger commons.Logger

	mu     sync.Mutex
	closed bool
	items  []*Resource
}

// NewSet creates an empty resource set.
func NewSet(logger commons.Logger) *Set {
	return &Set{logger: logger}
}

// Add registers a resource for cleanup. On a closed set the resource is
// released immediately.
func (s *Set) Add(r *Resource) {
	s.mu.Lock()
	if !s.closed {
		s.items = append(s.items, r)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.logger.Warnw("resource added after cleanup, releasing immediately", "kind", r.Kind, "id", r.ID)
	if err := r.release(context.Background()); err != nil {
		s.logger.Warnw("failed to release late resource", "kind", r.Kind, "id", r.ID, "error", err)
	}
}

// Remove drops a resource without releasing it, keyed by kind and id.
// Removing a resource that is not tracked is a no-op.
func (s *Set) Remove(kind, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.items {
		if r.Kind == kind && r.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return
		}
	}
}

// Len returns the number of tracked resources.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Cleanup releases every tracked resource in reverse creation order. Each
// release is independent: a failure is recorded and the loop continues, so one
// stuck resource never blocks the rest. The set is drained and closed first,
// which makes a second Cleanup a no-op.
func (s *Set) Cleanup(ctx context.Context) []error {
	s.mu.Lock()
	items := s.items
	s.items = nil
	s.closed = true
	s.mu.Unlock()

	var errs []error
	for i := len(items) - 1; i >= 0; i-- {
		r := items[i]
		if err := r.release(ctx); err != nil {
			s.logger.Warnw("failed to release call resource, continuing",
				"kind", r.Kind, "id", r.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s %s: %w", r.Kind, r.ID, err))
		}
	}
	return errs
}
