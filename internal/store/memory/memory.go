package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"timeweave/internal/store"
)

var _ store.Store = (*Client)(nil)

type entityKey struct {
	timeline  string
	entity    string
	timepoint string
}

// Client keeps everything in process memory. Values are cloned on the way in and out.
type Client struct {
	mu         sync.RWMutex
	entities   map[entityKey]*store.Entity
	timepoints map[string]*store.Timepoint
	timelines  map[string]store.Timeline
	exposures  map[string][]store.ExposureEvent
	exposureID map[string]struct{}
	queries    map[string][]store.QueryRecord
}

func New() *Client {
	return &Client{
		entities:   make(map[entityKey]*store.Entity),
		timepoints: make(map[string]*store.Timepoint),
		timelines:  make(map[string]store.Timeline),
		exposures:  make(map[string][]store.ExposureEvent),
		exposureID: make(map[string]struct{}),
		queries:    make(map[string][]store.QueryRecord),
	}
}

func (c *Client) Close(ctx context.Context) error { return nil }

func (c *Client) EnsureSchema(ctx context.Context) error { return nil }

func (c *Client) PutEntity(ctx context.Context, e *store.Entity) error {
	if e == nil || e.ID == "" || e.TimepointID == "" {
		return fmt.Errorf("entity id and timepoint id are required")
	}
	snapshot := e.Clone()
	if snapshot.TimelineID == "" {
		snapshot.TimelineID = store.MainTimeline
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entities[entityKey{snapshot.TimelineID, snapshot.ID, snapshot.TimepointID}] = snapshot
	return nil
}

func (c *Client) GetEntity(ctx context.Context, timelineID, entityID, timepointID string) (*store.Entity, error) {
	if timelineID == "" {
		timelineID = store.MainTimeline
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entities[entityKey{timelineID, entityID, timepointID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e.Clone(), nil
}

func (c *Client) ListEntities(ctx context.Context, timelineID, timepointID string) ([]*store.Entity, error) {
	if timelineID == "" {
		timelineID = store.MainTimeline
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*store.Entity
	for key, e := range c.entities {
		if key.timeline == timelineID && key.timepoint == timepointID {
			out = append(out, e.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *store.Entity) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}

func (c *Client) PutTimepoint(ctx context.Context, tp *store.Timepoint) error {
	if tp == nil || tp.ID == "" {
		return fmt.Errorf("timepoint id is required")
	}
	snapshot := tp.Clone()
	if snapshot.TimelineID == "" {
		snapshot.TimelineID = store.MainTimeline
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timepoints[snapshot.ID] = snapshot
	return nil
}

func (c *Client) GetTimepoint(ctx context.Context, id string) (*store.Timepoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tp, ok := c.timepoints[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return tp.Clone(), nil
}

func (c *Client) UpdateImportance(ctx context.Context, id string, importance float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	tp, ok := c.timepoints[id]
	if !ok {
		return store.ErrNotFound
	}
	tp.Importance = importance
	return nil
}

func (c *Client) ListTimepoints(ctx context.Context, timelineID string) ([]*store.Timepoint, error) {
	if timelineID == "" {
		timelineID = store.MainTimeline
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*store.Timepoint
	for _, tp := range c.timepoints {
		if tp.TimelineID == timelineID {
			out = append(out, tp.Clone())
		}
	}
	slices.SortFunc(out, store.TimepointOrder)
	return out, nil
}

func (c *Client) AppendExposure(ctx context.Context, ev *store.ExposureEvent) error {
	if ev == nil || ev.EntityID == "" {
		return fmt.Errorf("exposure entity id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if _, dup := c.exposureID[ev.ID]; dup {
		return nil
	}
	if ev.TimelineID == "" {
		ev.TimelineID = store.MainTimeline
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}
	ev.Seq = int64(len(c.exposures[ev.EntityID]) + 1)

	c.exposureID[ev.ID] = struct{}{}
	c.exposures[ev.EntityID] = append(c.exposures[ev.EntityID], *ev)
	return nil
}

func (c *Client) ExposureEvents(ctx context.Context, entityID string, filter store.ExposureFilter) ([]store.ExposureEvent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return store.FilterExposures(c.exposures[entityID], filter), nil
}

func (c *Client) PutTimeline(ctx context.Context, tl *store.Timeline) error {
	if tl == nil || tl.ID == "" {
		return fmt.Errorf("timeline id is required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timelines[tl.ID] = *tl
	return nil
}

func (c *Client) GetTimeline(ctx context.Context, id string) (*store.Timeline, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tl, ok := c.timelines[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &tl, nil
}

func (c *Client) ListTimelines(ctx context.Context) ([]store.Timeline, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]store.Timeline, 0, len(c.timelines))
	for _, tl := range c.timelines {
		out = append(out, tl)
	}
	slices.SortFunc(out, func(a, b store.Timeline) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out, nil
}

func (c *Client) AppendQuery(ctx context.Context, q *store.QueryRecord) error {
	if q == nil || q.EntityID == "" {
		return fmt.Errorf("query entity id is required")
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries[q.EntityID] = append(c.queries[q.EntityID], *q)
	return nil
}

func (c *Client) QueryHistory(ctx context.Context, entityID string, limit int) ([]store.QueryRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	records := c.queries[entityID]
	out := make([]store.QueryRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		out = append(out, records[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
