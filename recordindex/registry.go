package recordindex

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mmdatafocus/books_reconcile/config"
	"github.com/mmdatafocus/books_reconcile/models"
	"github.com/mmdatafocus/books_reconcile/platform"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var ErrExternalFetchIncomplete = errors.New("external fetch incomplete")

type LoadResult struct {
	Count       int                 `json:"count"`
	Incomplete  bool                `json:"incomplete"`
	FailedKinds []models.RecordKind `json:"failed_kinds,omitempty"`
}

type Options struct {
	LookbackMonths int
	MaxAge         time.Duration
	LoadTimeout    time.Duration
	// Cache is optional; snapshots are stored for CacheTTL.
	Cache    SnapshotCache
	CacheTTL time.Duration
	Now      func() time.Time
}

// snapshotKey scopes a snapshot to one user acting for one business.
type snapshotKey struct {
	userId     int
	businessId string
}

func keyOf(session platform.Session) snapshotKey {
	return snapshotKey{userId: session.UserId, businessId: session.BusinessId}
}

// Registry holds the current snapshot per user and business.
type Registry struct {
	lister platform.RecordLister
	opts   Options
	group  singleflight.Group

	mu        sync.RWMutex
	snapshots map[snapshotKey]*Snapshot
}

func NewRegistry(lister platform.RecordLister, opts Options) *Registry {
	if opts.LookbackMonths <= 0 {
		opts.LookbackMonths = 12
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = 15 * time.Minute
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 2 * time.Minute
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{lister: lister, opts: opts, snapshots: map[snapshotKey]*Snapshot{}}
}

func (r *Registry) Snapshot(session platform.Session) *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshots[keyOf(session)]
}

// Fresh returns the session's snapshot when it covers kinds within MaxAge.
func (r *Registry) Fresh(session platform.Session, kinds []models.RecordKind) (*Snapshot, bool) {
	snap := r.Snapshot(session)
	if snap == nil || !snap.Covers(normalizeKinds(kinds), r.opts.Now(), r.opts.MaxAge) {
		return snap, false
	}
	return snap, true
}

func (r *Registry) swap(session platform.Session, snap *Snapshot) {
	r.mu.Lock()
	r.snapshots[keyOf(session)] = snap
	r.mu.Unlock()
}

func normalizeKinds(kinds []models.RecordKind) []models.RecordKind {
	if len(kinds) == 0 {
		kinds = models.AllRecordKinds()
	}
	seen := map[models.RecordKind]bool{}
	out := make([]models.RecordKind, 0, len(kinds))
	for _, k := range kinds {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func flightKey(session platform.Session, kinds []models.RecordKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = string(k)
	}
	return fmt.Sprintf("%d:%s:%s", session.UserId, session.BusinessId, strings.Join(parts, ","))
}

// Load fetches kinds for the session's user and business and swaps in a new snapshot. Concurrent loads of
// the same user and kinds share one fetch; a caller that gives up does not cancel it for others.
// When some kinds fail the snapshot is still swapped and the error wraps
// ErrExternalFetchIncomplete.
func (r *Registry) Load(ctx context.Context, session platform.Session, kinds []models.RecordKind) (LoadResult, error) {
	kinds = normalizeKinds(kinds)
	ch := r.group.DoChan(flightKey(session, kinds), func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.LoadTimeout)
		defer cancel()
		return r.load(lctx, session, kinds)
	})
	select {
	case <-ctx.Done():
		return LoadResult{}, ctx.Err()
	case res := <-ch:
		if res.Val == nil {
			return LoadResult{}, res.Err
		}
		return res.Val.(LoadResult), res.Err
	}
}

type kindFetch struct {
	entries []models.RecordIndexEntry
	err     error
}

func (r *Registry) load(ctx context.Context, session platform.Session, kinds []models.RecordKind) (LoadResult, error) {
	logger := config.GetLogger()
	now := r.opts.Now()

	if snap, ok := r.fromCache(ctx, session, kinds, now); ok {
		r.swap(session, snap)
		return LoadResult{Count: snap.Len()}, nil
	}

	window := platform.LookbackWindow(now, r.opts.LookbackMonths)
	results := make([]kindFetch, len(kinds))
	var g errgroup.Group
	for i, kind := range kinds {
		i, kind := i, kind
		g.Go(func() error {
			entries, err := r.lister.ListRecords(ctx, session, kind, window)
			results[i] = kindFetch{entries: entries, err: err}
			return nil
		})
	}
	_ = g.Wait()

	prev := r.Snapshot(session)
	loadedAt := map[models.RecordKind]time.Time{}
	requested := map[models.RecordKind]bool{}
	var entries []models.RecordIndexEntry
	var failed []models.RecordKind
	var errs []error
	for i, kind := range kinds {
		requested[kind] = true
		if results[i].err != nil {
			failed = append(failed, kind)
			errs = append(errs, fmt.Errorf("%s: %w", kind, results[i].err))
			config.LogError(logger, "recordindex", "load", "ListRecords", kind, results[i].err)
			continue
		}
		loadedAt[kind] = now
		entries = append(entries, results[i].entries...)
	}
	// kinds loaded earlier for this business and not requested now stay available
	if prev != nil {
		for kind, at := range prev.loadedAt {
			if requested[kind] {
				continue
			}
			loadedAt[kind] = at
			for _, e := range prev.entries {
				if e.Kind == kind {
					entries = append(entries, e)
				}
			}
		}
	}

	snap := newSnapshot(session.UserId, entries, loadedAt, failed)
	r.swap(session, snap)

	result := LoadResult{Count: snap.Len(), Incomplete: len(failed) > 0, FailedKinds: failed}
	config.LogInfo(logger, "recordindex", "load", "record index loaded", logrus.Fields{
		"userId":     session.UserId,
		"count":      result.Count,
		"incomplete": result.Incomplete,
	})
	if len(failed) > 0 {
		return result, fmt.Errorf("%w: %w", ErrExternalFetchIncomplete, errors.Join(errs...))
	}
	r.toCache(ctx, session, snap)
	return result, nil
}
