package gridmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/sync/errgroup"

	"github.com/gridmap/gridmap/internal/codec"
	"github.com/gridmap/gridmap/internal/shared/logging"
	"github.com/gridmap/gridmap/internal/store"
	"github.com/gridmap/gridmap/pkg/funcs"
	"github.com/gridmap/gridmap/pkg/sched"
)

// Client manages maps in one store, optionally backed by a scheduler. A
// client without a scheduler can browse, read, and clean stored maps but
// refuses operations that need the batch system.
type Client struct {
	settings  Settings
	scheduler sched.Scheduler
	store     *store.Store
	log       logging.Logger

	mu   sync.Mutex
	maps map[string]*Map
}

// New opens a client with the given settings. scheduler may be nil for
// store-only use.
func New(settings Settings, scheduler sched.Scheduler) (*Client, error) {
	return NewWithLogger(settings, scheduler, slog.Default())
}

// NewWithLogger is New with an explicit logger.
func NewWithLogger(settings Settings, scheduler sched.Scheduler, logger *slog.Logger) (*Client, error) {
	if err := settings.validate(); err != nil {
		return nil, err
	}
	if settings.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		settings.Executable = exe
	}
	st, err := store.New(settings.RootDir)
	if err != nil {
		return nil, err
	}
	return &Client{
		settings:  settings,
		scheduler: scheduler,
		store:     st,
		log:       logging.FromSlog(logger),
		maps:      make(map[string]*Map),
	}, nil
}

// Settings returns the client's resolved settings.
func (c *Client) Settings() Settings { return c.settings }

// Submit creates a map applying fn to one input per component. An empty tag
// submits a transient map under a generated tag. The map's artifacts are
// fully stored before the scheduler sees anything, so a crash in between
// leaves a recoverable map with idle components rather than orphaned jobs.
func (c *Client) Submit(ctx context.Context, tag string, fn *funcs.Func, inputs []any, opts *MapOptions) (*Map, error) {
	argLists := make([][]any, len(inputs))
	for i, in := range inputs {
		argLists[i] = []any{in}
	}
	return c.StarSubmit(ctx, tag, fn, argLists, opts)
}

// StarSubmit is Submit with several arguments per component.
func (c *Client) StarSubmit(ctx context.Context, tag string, fn *funcs.Func, argLists [][]any, opts *MapOptions) (*Map, error) {
	transient := tag == ""
	if transient {
		tag = generateTag()
	}
	if err := validateTag(tag); err != nil {
		return nil, err
	}
	if len(argLists) == 0 {
		return nil, ErrEmptyMap
	}
	if fn == nil {
		return nil, fmt.Errorf("submit %q: nil function", tag)
	}
	if c.scheduler == nil {
		return nil, ErrNoScheduler
	}

	md, desc, items, err := c.prepare(ctx, tag, fn, argLists, opts, transient)
	if err != nil {
		return nil, err
	}
	m, err := c.dispatch(ctx, md, desc, items)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.maps[tag] = m
	c.mu.Unlock()

	c.log.Info("map submitted", "tag", tag, "components", len(argLists), "cluster", m.clusters[len(m.clusters)-1])
	return m, nil
}

// prepare stores every artifact of the new map: the function reference,
// all encoded inputs, the itemdata rows, and the submit description.
func (c *Client) prepare(ctx context.Context, tag string, fn *funcs.Func, argLists [][]any, opts *MapOptions, transient bool) (*store.MapDir, sched.SubmitDescription, []sched.Item, error) {
	md, err := c.store.Create(tag)
	if err != nil {
		if errors.Is(err, store.ErrMapExists) {
			return nil, nil, nil, fmt.Errorf("submit %q: %w", tag, ErrTagAlreadyExists)
		}
		return nil, nil, nil, fmt.Errorf("submit %q: %w", tag, err)
	}
	abort := func(err error) (*store.MapDir, sched.SubmitDescription, []sched.Item, error) {
		if derr := c.store.Delete(md); derr != nil {
			c.log.Warn("could not discard partially prepared map", "tag", tag, "error", derr)
		}
		return nil, nil, nil, err
	}

	desc, items, err := buildSubmission(md, c.settings, opts, len(argLists))
	if err != nil {
		return abort(fmt.Errorf("submit %q: %w", tag, err))
	}

	fnBlob, err := codec.Encode(codec.KindFunction, codec.FuncSpec{Name: fn.Name()})
	if err != nil {
		return abort(fmt.Errorf("submit %q: %w", tag, err))
	}
	if err := md.WriteRecord(store.RecordFunc, fnBlob); err != nil {
		return abort(fmt.Errorf("submit %q: %w", tag, err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, args := range argLists {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			blob, err := codec.Encode(codec.KindInput, args)
			if err != nil {
				return fmt.Errorf("encode input %d: %w", i, err)
			}
			return md.WriteInput(i, blob)
		})
	}
	if err := g.Wait(); err != nil {
		return abort(fmt.Errorf("submit %q: %w", tag, err))
	}

	itemBlob, err := codec.EncodeJSON(items)
	if err != nil {
		return abort(fmt.Errorf("submit %q: %w", tag, err))
	}
	if err := md.WriteRecord(store.RecordItemdata, itemBlob); err != nil {
		return abort(fmt.Errorf("submit %q: %w", tag, err))
	}

	descBlob, err := codec.EncodeYAML(desc)
	if err != nil {
		return abort(fmt.Errorf("submit %q: %w", tag, err))
	}
	if err := md.WriteRecord(store.RecordSubmit, descBlob); err != nil {
		return abort(fmt.Errorf("submit %q: %w", tag, err))
	}

	if err := md.WriteRecord(store.RecordNumComponents, codec.EncodeInt(len(argLists))); err != nil {
		return abort(fmt.Errorf("submit %q: %w", tag, err))
	}
	if transient {
		if err := md.WriteRecord(store.MarkerTransient, nil); err != nil {
			return abort(fmt.Errorf("submit %q: %w", tag, err))
		}
	}
	return md, desc, items, nil
}

// dispatch hands the prepared map to the scheduler and records the cluster
// id. A clean scheduler failure rolls the stored artifacts back so the tag
// is free to reuse.
func (c *Client) dispatch(ctx context.Context, md *store.MapDir, desc sched.SubmitDescription, items []sched.Item) (*Map, error) {
	cluster, err := c.scheduler.Submit(ctx, desc, items)
	if err != nil {
		if derr := c.store.Delete(md); derr != nil {
			c.log.Warn("could not discard map after failed dispatch", "tag", md.Tag(), "error", derr)
		}
		return nil, &SchedulerError{Op: "submit", Err: err}
	}
	if err := appendClusterID(md, cluster); err != nil {
		// The cluster is live but unrecorded; rolling back now would
		// orphan queued jobs, so surface the inconsistency instead.
		return nil, &InconsistencyError{
			Tag:    md.Tag(),
			Op:     "submit",
			Reason: fmt.Sprintf("cluster %s queued but not recorded: %v", cluster, err),
			Force:  "force-remove",
		}
	}
	return c.openMap(md)
}

// Load returns a handle on a stored map.
func (c *Client) Load(tag string) (*Map, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok := c.maps[tag]; ok && !m.invalid.Load() {
		return m, nil
	}
	md, err := c.store.Open(tag)
	if err != nil {
		if errors.Is(err, store.ErrMapNotFound) {
			return nil, fmt.Errorf("load %q: %w", tag, ErrMapNotFound)
		}
		return nil, fmt.Errorf("load %q: %w", tag, err)
	}
	m, err := c.openMap(md)
	if err != nil {
		return nil, err
	}
	c.maps[tag] = m
	return m, nil
}

func (c *Client) openMap(md *store.MapDir) (*Map, error) {
	countBlob, err := md.ReadRecord(store.RecordNumComponents)
	if err != nil {
		return nil, fmt.Errorf("load %q: incomplete map: %w", md.Tag(), err)
	}
	n, err := codec.DecodeInt(countBlob)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", md.Tag(), err)
	}
	clusters, err := readClusterIDs(md)
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", md.Tag(), err)
	}
	events := sched.FileEvents{Path: md.RecordPath(store.RecordEvents)}
	return &Map{
		client:   c,
		md:       md,
		n:        n,
		clusters: clusters,
		tracker:  newTracker(md, events, n, c.log),
	}, nil
}

// Tags lists stored tags, optionally filtered by glob patterns. Patterns
// follow doublestar syntax; a tag is listed if any pattern matches.
func (c *Client) Tags(patterns ...string) ([]string, error) {
	all, err := c.store.Tags()
	if err != nil {
		return nil, err
	}
	if len(patterns) == 0 {
		return all, nil
	}
	var out []string
	for _, tag := range all {
		for _, p := range patterns {
			ok, err := doublestar.Match(p, tag)
			if err != nil {
				return nil, fmt.Errorf("bad pattern %q: %w", p, err)
			}
			if ok {
				out = append(out, tag)
				break
			}
		}
	}
	return out, nil
}

// Maps loads every stored map. Maps that fail to load are skipped with a
// warning so one broken directory does not hide the rest.
func (c *Client) Maps() ([]*Map, error) {
	tags, err := c.store.Tags()
	if err != nil {
		return nil, err
	}
	out := make([]*Map, 0, len(tags))
	for _, tag := range tags {
		m, err := c.Load(tag)
		if err != nil {
			c.log.Warn("skipping unloadable map", "tag", tag, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// ListMaps summarizes every stored map: status counts, markers, and disk
// usage, sorted by tag.
func (c *Client) ListMaps(ctx context.Context) ([]MapStatus, error) {
	maps, err := c.Maps()
	if err != nil {
		return nil, err
	}
	out := make([]MapStatus, 0, len(maps))
	for _, m := range maps {
		row, err := m.Status(ctx)
		if err != nil {
			c.log.Warn("skipping unreadable map", "tag", m.Tag(), "error", err)
			continue
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out, nil
}

// Remove cancels a map's live components and marks it removed. Artifacts
// stay browsable until Clean.
func (c *Client) Remove(ctx context.Context, tag string) error {
	m, err := c.Load(tag)
	if err != nil {
		return err
	}
	return m.Remove(ctx)
}

// ForceRemove marks a map removed without waiting for the scheduler, even
// if the map only partially loads.
func (c *Client) ForceRemove(ctx context.Context, tag string) error {
	m, err := c.Load(tag)
	if err == nil {
		return m.ForceRemove(ctx)
	}
	// Partially stored maps still deserve their marker.
	md, oerr := c.store.Open(tag)
	if oerr != nil {
		if errors.Is(oerr, store.ErrMapNotFound) {
			return fmt.Errorf("remove %q: %w", tag, ErrMapNotFound)
		}
		return err
	}
	c.log.Warn("force removing partially stored map", "tag", tag, "error", err)
	return md.WriteRecord(store.MarkerRemoved, nil)
}

// Clean deletes a map's artifacts. It refuses while any component is still
// live on the scheduler; a removed map is always cleanable since removal
// already settled the scheduler side.
func (c *Client) Clean(ctx context.Context, tag string) error {
	m, err := c.Load(tag)
	if err != nil {
		return err
	}
	if !m.Removed() {
		statuses, err := m.ComponentStatuses(ctx)
		if err != nil {
			return err
		}
		if active := CountStatuses(statuses).Active(); active > 0 {
			return &ActiveComponentsError{Tag: tag, Active: active}
		}
	}
	return c.deleteMap(m)
}

// ForceClean deletes a map's artifacts unconditionally, cancelling live
// components on a best-effort basis first.
func (c *Client) ForceClean(ctx context.Context, tag string) error {
	if m, err := c.Load(tag); err == nil {
		if c.scheduler != nil {
			for _, cluster := range m.clusters {
				if cerr := c.scheduler.Cancel(ctx, cluster, nil); cerr != nil {
					c.log.Warn("cancel before clean failed", "tag", tag, "cluster", cluster, "error", cerr)
				}
			}
		}
		return c.deleteMap(m)
	}
	// Broken maps are exactly what force clean exists for.
	md, err := c.store.Open(tag)
	if err != nil {
		if errors.Is(err, store.ErrMapNotFound) {
			return fmt.Errorf("clean %q: %w", tag, ErrMapNotFound)
		}
		return err
	}
	return c.store.Delete(md)
}

// CleanTransient deletes every transient map whose components are all
// settled. Live transient maps are left alone.
func (c *Client) CleanTransient(ctx context.Context) error {
	maps, err := c.Maps()
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range maps {
		if !m.Transient() {
			continue
		}
		if err := c.Clean(ctx, m.Tag()); err != nil {
			var active *ActiveComponentsError
			if errors.As(err, &active) {
				c.log.Info("keeping live transient map", "tag", m.Tag(), "active", active.Active)
				continue
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) deleteMap(m *Map) error {
	if err := c.store.Delete(m.md); err != nil {
		return err
	}
	m.invalid.Store(true)
	c.mu.Lock()
	delete(c.maps, m.Tag())
	c.mu.Unlock()
	c.log.Info("map cleaned", "tag", m.Tag())
	return nil
}

// retag moves a cached handle to its new tag.
func (c *Client) retag(oldTag, newTag string, m *Map) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.maps, oldTag)
	c.maps[newTag] = m
}
