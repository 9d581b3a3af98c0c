package badger

import (
	"cmp"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"timeweave/internal/store"
)

func entityKey(timelineID, timepointID, entityID string) []byte {
	return key("ent", timelineID, timepointID, entityID)
}

func timelineOrMain(id string) string {
	if id == "" {
		return store.MainTimeline
	}
	return id
}

func (c *Client) PutEntity(ctx context.Context, e *store.Entity) error {
	if e == nil || e.ID == "" || e.TimepointID == "" {
		return fmt.Errorf("entity id and timepoint id are required")
	}
	snapshot := e.Clone()
	snapshot.TimelineID = timelineOrMain(snapshot.TimelineID)
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshaling entity: %w", err)
	}
	return c.update("upserting entity", func(txn *badger.Txn) error {
		return txn.Set(entityKey(snapshot.TimelineID, snapshot.TimepointID, snapshot.ID), payload)
	})
}

func (c *Client) GetEntity(ctx context.Context, timelineID, entityID, timepointID string) (*store.Entity, error) {
	var e store.Entity
	err := c.view("getting entity", func(txn *badger.Txn) error {
		return getJSON(txn, entityKey(timelineOrMain(timelineID), timepointID, entityID), func(v []byte) error {
			return json.Unmarshal(v, &e)
		})
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Client) ListEntities(ctx context.Context, timelineID, timepointID string) ([]*store.Entity, error) {
	var out []*store.Entity
	err := c.view("listing entities", func(txn *badger.Txn) error {
		return scanPrefix(txn, prefix("ent", timelineOrMain(timelineID), timepointID), false, func(_, v []byte) (bool, error) {
			var e store.Entity
			if err := json.Unmarshal(v, &e); err != nil {
				return false, fmt.Errorf("unmarshaling entity: %w", err)
			}
			out = append(out, &e)
			return true, nil
		})
	})
	return out, err
}

func timepointIndexKey(tp *store.Timepoint) []byte {
	return key("tpi", tp.TimelineID, sortable(tp.Timestamp.UnixMicro()), tp.ID)
}

func (c *Client) PutTimepoint(ctx context.Context, tp *store.Timepoint) error {
	if tp == nil || tp.ID == "" {
		return fmt.Errorf("timepoint id is required")
	}
	snapshot := tp.Clone()
	snapshot.TimelineID = timelineOrMain(snapshot.TimelineID)
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshaling timepoint: %w", err)
	}

	return c.update("upserting timepoint", func(txn *badger.Txn) error {
		var existing store.Timepoint
		err := getJSON(txn, key("tp", snapshot.ID), func(v []byte) error { return json.Unmarshal(v, &existing) })
		switch {
		case err == nil:
			if err := txn.Delete(timepointIndexKey(&existing)); err != nil {
				return err
			}
		case !errors.Is(err, store.ErrNotFound):
			return err
		}
		if err := txn.Set(key("tp", snapshot.ID), payload); err != nil {
			return err
		}
		return txn.Set(timepointIndexKey(snapshot), []byte(snapshot.ID))
	})
}

func (c *Client) GetTimepoint(ctx context.Context, id string) (*store.Timepoint, error) {
	var tp store.Timepoint
	err := c.view("getting timepoint", func(txn *badger.Txn) error {
		return getJSON(txn, key("tp", id), func(v []byte) error { return json.Unmarshal(v, &tp) })
	})
	if err != nil {
		return nil, err
	}
	return &tp, nil
}

func (c *Client) UpdateImportance(ctx context.Context, id string, importance float64) error {
	return c.update("updating importance", func(txn *badger.Txn) error {
		var tp store.Timepoint
		if err := getJSON(txn, key("tp", id), func(v []byte) error { return json.Unmarshal(v, &tp) }); err != nil {
			return err
		}
		tp.Importance = importance
		payload, err := json.Marshal(&tp)
		if err != nil {
			return err
		}
		return txn.Set(key("tp", id), payload)
	})
}

func (c *Client) ListTimepoints(ctx context.Context, timelineID string) ([]*store.Timepoint, error) {
	var out []*store.Timepoint
	err := c.view("listing timepoints", func(txn *badger.Txn) error {
		var ids []string
		err := scanPrefix(txn, prefix("tpi", timelineOrMain(timelineID)), false, func(_, v []byte) (bool, error) {
			ids = append(ids, string(v))
			return true, nil
		})
		if err != nil {
			return err
		}
		for _, id := range ids {
			var tp store.Timepoint
			if err := getJSON(txn, key("tp", id), func(v []byte) error { return json.Unmarshal(v, &tp) }); err != nil {
				return err
			}
			out = append(out, &tp)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, store.TimepointOrder)
	return out, nil
}

func nextSeq(txn *badger.Txn, counter []byte) (int64, error) {
	var current uint64
	item, err := txn.Get(counter)
	switch {
	case err == nil:
		if err := item.Value(func(v []byte) error {
			current = binary.BigEndian.Uint64(v)
			return nil
		}); err != nil {
			return 0, err
		}
	case !errors.Is(err, badger.ErrKeyNotFound):
		return 0, err
	}
	current++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], current)
	if err := txn.Set(counter, buf[:]); err != nil {
		return 0, err
	}
	return int64(current), nil
}

func (c *Client) AppendExposure(ctx context.Context, ev *store.ExposureEvent) error {
	if ev == nil || ev.EntityID == "" {
		return fmt.Errorf("exposure entity id is required")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.TimelineID = timelineOrMain(ev.TimelineID)
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}

	return c.update("appending exposure event", func(txn *badger.Txn) error {
		if _, err := txn.Get(key("expid", ev.ID)); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		seq, err := nextSeq(txn, key("seq", "exp", ev.EntityID))
		if err != nil {
			return err
		}
		ev.Seq = seq
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := txn.Set(key("exp", ev.EntityID, sortable(seq)), payload); err != nil {
			return err
		}
		return txn.Set(key("expid", ev.ID), []byte(ev.EntityID))
	})
}

func (c *Client) ExposureEvents(ctx context.Context, entityID string, filter store.ExposureFilter) ([]store.ExposureEvent, error) {
	var events []store.ExposureEvent
	err := c.view("listing exposure events", func(txn *badger.Txn) error {
		return scanPrefix(txn, prefix("exp", entityID), false, func(_, v []byte) (bool, error) {
			var ev store.ExposureEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return false, fmt.Errorf("unmarshaling exposure event: %w", err)
			}
			events = append(events, ev)
			return true, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return store.FilterExposures(events, filter), nil
}

func (c *Client) PutTimeline(ctx context.Context, tl *store.Timeline) error {
	if tl == nil || tl.ID == "" {
		return fmt.Errorf("timeline id is required")
	}
	snapshot := *tl
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshaling timeline: %w", err)
	}
	return c.update("upserting timeline", func(txn *badger.Txn) error {
		return txn.Set(key("tl", snapshot.ID), payload)
	})
}

func (c *Client) GetTimeline(ctx context.Context, id string) (*store.Timeline, error) {
	var tl store.Timeline
	err := c.view("getting timeline", func(txn *badger.Txn) error {
		return getJSON(txn, key("tl", id), func(v []byte) error { return json.Unmarshal(v, &tl) })
	})
	if err != nil {
		return nil, err
	}
	return &tl, nil
}

func (c *Client) ListTimelines(ctx context.Context) ([]store.Timeline, error) {
	var out []store.Timeline
	err := c.view("listing timelines", func(txn *badger.Txn) error {
		return scanPrefix(txn, prefix("tl"), false, func(_, v []byte) (bool, error) {
			var tl store.Timeline
			if err := json.Unmarshal(v, &tl); err != nil {
				return false, fmt.Errorf("unmarshaling timeline: %w", err)
			}
			out = append(out, tl)
			return true, nil
		})
	})
	if err != nil {
		return nil, err
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
	if q.At.IsZero() {
		q.At = time.Now().UTC()
	}
	return c.update("appending query record", func(txn *badger.Txn) error {
		seq, err := nextSeq(txn, key("seq", "qry", q.EntityID))
		if err != nil {
			return err
		}
		payload, err := json.Marshal(q)
		if err != nil {
			return err
		}
		return txn.Set(key("qry", q.EntityID, sortable(seq)), payload)
	})
}

func (c *Client) QueryHistory(ctx context.Context, entityID string, limit int) ([]store.QueryRecord, error) {
	out := make([]store.QueryRecord, 0)
	err := c.view("listing query history", func(txn *badger.Txn) error {
		return scanPrefix(txn, prefix("qry", entityID), true, func(_, v []byte) (bool, error) {
			var q store.QueryRecord
			if err := json.Unmarshal(v, &q); err != nil {
				return false, fmt.Errorf("unmarshaling query record: %w", err)
			}
			out = append(out, q)
			return limit <= 0 || len(out) < limit, nil
		})
	})
	return out, err
}
