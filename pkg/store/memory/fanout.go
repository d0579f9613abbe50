package memory

import (
	"context"
	"sort"

	"github.com/sqlbus/sqlbus/pkg/ids"
	"github.com/sqlbus/sqlbus/pkg/store"
	"github.com/sqlbus/sqlbus/pkg/workqueue"
)

// fanoutStore implements store.FanoutStore.
type fanoutStore struct {
	s *Store
}

var _ store.FanoutStore = (*fanoutStore)(nil)

func (f *fanoutStore) UpsertPolicy(ctx context.Context, policy store.FanoutPolicy) error {
	if policy.Name == "" {
		return workqueue.NewValidationError("fanout policy name must not be empty")
	}
	if err := validTopic(policy.SourceTopic); err != nil {
		return err
	}
	if len(policy.Destinations) == 0 {
		return workqueue.NewValidationError("fanout policy needs at least one destination")
	}
	seen := make(map[string]struct{}, len(policy.Destinations))
	for _, d := range policy.Destinations {
		if d.Key == "" {
			return workqueue.NewValidationError("fanout destination key must not be empty")
		}
		if _, dup := seen[d.Key]; dup {
			return workqueue.NewValidationError("fanout destination keys must be unique within a policy")
		}
		seen[d.Key] = struct{}{}
		if err := validTopic(d.Topic); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	cp := policy
	cp.Destinations = append([]store.FanoutDestination(nil), policy.Destinations...)
	f.s.fanoutPolicies[policy.Name] = &cp
	if _, ok := f.s.fanoutCursors[policy.Name]; !ok {
		f.s.fanoutCursors[policy.Name] = &store.FanoutCursor{
			PolicyName: policy.Name,
			UpdatedAt:  f.s.now(),
		}
	}
	return nil
}

func (f *fanoutStore) DeletePolicy(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	delete(f.s.fanoutPolicies, name)
	delete(f.s.fanoutCursors, name)
	return nil
}

func (f *fanoutStore) Policies(ctx context.Context) ([]store.FanoutPolicy, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	out := make([]store.FanoutPolicy, 0, len(f.s.fanoutPolicies))
	for _, p := range f.s.fanoutPolicies {
		cp := *p
		cp.Destinations = append([]store.FanoutDestination(nil), p.Destinations...)
		out = append(out, cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out, nil
}

func (f *fanoutStore) Cursor(ctx context.Context, policyName string) (*store.FanoutCursor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	c, ok := f.s.fanoutCursors[policyName]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fanoutStore) ReadSource(ctx context.Context, sourceTopic string, afterPosition int64, limit int) ([]store.SourceEntry, error) {
	if limit <= 0 {
		return nil, workqueue.NewValidationError("read limit must be positive")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	var entries []store.SourceEntry
	for id, row := range f.s.outbox {
		pos := f.s.outboxPos[id]
		if row.Topic != sourceTopic || pos <= afterPosition {
			continue
		}
		entries = append(entries, store.SourceEntry{Position: pos, Message: *row})
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].Position < entries[b].Position })
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (f *fanoutStore) MarkExpanded(ctx context.Context, txn store.Txn, sourceID ids.WorkItemID, destinationKey string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, err := f.s.asTx(txn); err != nil {
		return false, err
	}

	key := expansionKey{sourceID: sourceID.UUID(), destinationKey: destinationKey}
	if _, ok := f.s.fanoutExpanded[key]; ok {
		return false, nil
	}
	f.s.fanoutExpanded[key] = struct{}{}
	return true, nil
}

func (f *fanoutStore) AdvanceCursor(ctx context.Context, policyName string, position int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.s.mu.Lock()
	defer f.s.mu.Unlock()

	c, ok := f.s.fanoutCursors[policyName]
	if !ok {
		return store.ErrNotFound
	}
	if c.LastPosition < position {
		c.LastPosition = position
		c.UpdatedAt = f.s.now()
	}
	return nil
}
