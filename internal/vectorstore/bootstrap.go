package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/logging"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/metrics"
)

// RebuildPolicy decides whether EnsureCollection rebuilds the index of an
// existing collection.
type RebuildPolicy string

const (
	// RebuildAlways drops and recreates the index on every bootstrap.
	RebuildAlways RebuildPolicy = "always"
	// RebuildIfChanged keeps an index whose spec already matches.
	RebuildIfChanged RebuildPolicy = "if_changed"
)

// ParseRebuildPolicy maps a config value to a RebuildPolicy.
func ParseRebuildPolicy(s string) (RebuildPolicy, error) {
	switch RebuildPolicy(s) {
	case "", RebuildAlways:
		return RebuildAlways, nil
	case RebuildIfChanged:
		return RebuildIfChanged, nil
	}
	return "", fmt.Errorf("unknown index rebuild policy %q", s)
}

// ConnSource hands out the current session. *Manager implements it.
type ConnSource interface {
	Current() (Conn, uint64, error)
}

// Handle is a collection that has a fresh index and is loaded. Only
// EnsureCollection creates handles.
type Handle struct {
	conn       Conn
	generation uint64
	desc       CollectionDescriptor
	index      IndexSpec
	mismatch   []string
	ready      bool
}

// Name returns the collection name.
func (h *Handle) Name() string { return h.desc.Name }

// Descriptor returns the schema the collection actually has on the server.
func (h *Handle) Descriptor() CollectionDescriptor { return h.desc }

// Index returns the index the handle searches with.
func (h *Handle) Index() IndexSpec { return h.index }

// Generation is the Manager session generation the handle was built on.
func (h *Handle) Generation() uint64 { return h.generation }

// SchemaMismatch lists differences between the requested and the existing
// schema. Existing collections are never altered.
func (h *Handle) SchemaMismatch() []string { return h.mismatch }

// Ready reports whether the handle can serve searches.
func (h *Handle) Ready() bool { return h != nil && h.ready && h.conn != nil }

// Stats fetches row count and load state from the server.
func (h *Handle) Stats(ctx context.Context) (CollectionStats, error) {
	if !h.Ready() {
		return CollectionStats{}, ErrHandleNotReady
	}
	return h.conn.Stats(ctx, h.desc.Name)
}

// Insert writes entities into the collection.
func (h *Handle) Insert(ctx context.Context, entities []Entity) ([]int64, error) {
	if !h.Ready() {
		return nil, ErrHandleNotReady
	}
	dim := h.desc.Dim()
	for i, e := range entities {
		if len(e.Vector) != dim {
			return nil, fmt.Errorf("entity %d: %w: got %d, want %d", i, ErrDimensionMismatch, len(e.Vector), dim)
		}
	}
	return h.conn.Insert(ctx, h.desc.Name, entities)
}

// BootstrapperConfig configures a Bootstrapper.
type BootstrapperConfig struct {
	Rebuild RebuildPolicy
	Logger  *logging.Logger
	Metrics metrics.Recorder
}

// Bootstrapper brings a collection to the searchable state. Every step is
// idempotent so concurrent bootstrappers converge without locking.
type Bootstrapper struct {
	source  ConnSource
	rebuild RebuildPolicy
	log     *logging.Logger
	metrics metrics.Recorder
}

// NewBootstrapper creates a Bootstrapper drawing sessions from source.
func NewBootstrapper(source ConnSource, cfg BootstrapperConfig) *Bootstrapper {
	if cfg.Rebuild == "" {
		cfg.Rebuild = RebuildAlways
	}
	return &Bootstrapper{
		source:  source,
		rebuild: cfg.Rebuild,
		log:     logging.OrNoop(cfg.Logger),
		metrics: metrics.OrNoop(cfg.Metrics),
	}
}

// EnsureCollection creates the collection when absent, rebuilds its index
// and loads it. Any failure returns a *BootstrapError and no handle.
func (b *Bootstrapper) EnsureCollection(ctx context.Context, desc CollectionDescriptor, spec IndexSpec) (*Handle, error) {
	fail := func(step string, err error) (*Handle, error) {
		b.log.LogBootstrapStep(ctx, desc.Name, step, err)
		return nil, &BootstrapError{Step: step, Collection: desc.Name, Err: err}
	}

	if err := desc.Validate(); err != nil {
		return fail(StepCreateCollection, err)
	}
	if _, ok := desc.Field(spec.Field); !ok {
		return fail(StepCreateIndex, fmt.Errorf("%w: index field %q not in schema", ErrInvalidSchema, spec.Field))
	}

	conn, gen, err := b.source.Current()
	if err != nil {
		return fail(StepHasCollection, err)
	}
	log := b.log.WithCollection(desc.Name)

	var exists bool
	if err := b.step(ctx, desc.Name, StepHasCollection, func() error {
		exists, err = conn.HasCollection(ctx, desc.Name)
		return err
	}); err != nil {
		return fail(StepHasCollection, err)
	}

	actual := desc
	var mismatch []string
	if !exists {
		err := b.step(ctx, desc.Name, StepCreateCollection, func() error {
			return conn.CreateCollection(ctx, desc)
		})
		switch {
		case err == nil:
			log.InfoContext(ctx, "collection created", "fields", len(desc.Fields), "dim", desc.Dim())
		case Ignorable(OpCreateCollection, err):
			log.InfoContext(ctx, "collection created concurrently")
		default:
			return fail(StepCreateCollection, err)
		}
	} else {
		if err := b.step(ctx, desc.Name, StepDescribeCollection, func() error {
			actual, err = conn.DescribeCollection(ctx, desc.Name)
			return err
		}); err != nil {
			return fail(StepDescribeCollection, err)
		}
		mismatch = desc.Diff(actual)
		if len(mismatch) > 0 {
			log.WarnContext(ctx, "existing collection schema differs from requested schema",
				"differences", mismatch,
				"want_dim", desc.Dim(),
				"got_dim", actual.Dim(),
			)
		}
	}

	if err := b.ensureIndex(ctx, conn, actual.Name, spec, log); err != nil {
		return nil, err
	}

	if err := b.step(ctx, desc.Name, StepLoadCollection, func() error {
		return conn.LoadCollection(ctx, desc.Name)
	}); err != nil {
		return fail(StepLoadCollection, err)
	}
	log.InfoContext(ctx, "collection ready", "index", spec.Kind, "metric", spec.Metric)

	return &Handle{
		conn:       conn,
		generation: gen,
		desc:       actual,
		index:      spec.Clone(),
		mismatch:   mismatch,
		ready:      true,
	}, nil
}

func (b *Bootstrapper) ensureIndex(ctx context.Context, conn Conn, name string, spec IndexSpec, log *logging.Logger) error {
	fail := func(step string, err error) error {
		b.log.LogBootstrapStep(ctx, name, step, err)
		return &BootstrapError{Step: step, Collection: name, Err: err}
	}

	if b.rebuild == RebuildIfChanged {
		var current IndexSpec
		err := b.step(ctx, name, StepDescribeIndex, func() error {
			var err error
			current, err = conn.DescribeIndex(ctx, name, spec.Field)
			return err
		})
		switch {
		case err == nil && current.Equal(spec):
			log.DebugContext(ctx, "index unchanged, keeping it")
			return nil
		case err != nil && !errors.Is(err, ErrIndexNotFound):
			return fail(StepDescribeIndex, err)
		}
	}

	if err := b.step(ctx, name, StepDropIndex, func() error {
		return conn.DropIndex(ctx, name, spec.Field)
	}); !Ignorable(OpDropIndex, err) {
		return fail(StepDropIndex, err)
	}

	err := b.step(ctx, name, StepCreateIndex, func() error {
		return conn.CreateIndex(ctx, name, spec)
	})
	if err == nil {
		return nil
	}
	if !Ignorable(OpCreateIndex, err) {
		return fail(StepCreateIndex, err)
	}

	// Someone else built an index in between; accept it only if it matches.
	current, derr := conn.DescribeIndex(ctx, name, spec.Field)
	if derr != nil {
		return fail(StepDescribeIndex, derr)
	}
	if !current.Equal(spec) {
		return fail(StepCreateIndex, fmt.Errorf("%w: concurrent index %s/%s differs", err, current.Kind, current.Metric))
	}
	return nil
}

func (b *Bootstrapper) step(ctx context.Context, collection, step string, fn func() error) error {
	start := time.Now()
	err := fn()
	b.metrics.BootstrapStep(step, time.Since(start), err)
	if err == nil {
		b.log.LogBootstrapStep(ctx, collection, step, nil)
	}
	return err
}
