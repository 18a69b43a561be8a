// Package fallback combines several vector indexes into one with an explicit
// preference order. Writes go to every backend; reads use the first backend
// that answers.
package fallback

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/lexlapax/neurovault/pkg/entity"
	"github.com/lexlapax/neurovault/pkg/errors"
	"github.com/lexlapax/neurovault/pkg/log"
	"github.com/lexlapax/neurovault/pkg/mem"
	"golang.org/x/sync/errgroup"
)

// ErrDegraded is returned by Ping when the primary is down but a secondary answers.
var ErrDegraded = stderrors.New("primary vector index down, serving from fallback")

// Backend is one named member of the chain.
type Backend struct {
	Name  string
	Index mem.VectorIndex
}

// Index tries its backends in order. The first backend is the primary.
type Index struct {
	backends []Backend
}

var _ mem.VectorIndex = (*Index)(nil)

// New builds an Index. At least one backend is required.
func New(backends ...Backend) (*Index, error) {
	if len(backends) == 0 {
		return nil, errors.Wrap(errors.ErrValidation, "fallback index needs at least one backend")
	}
	names := make([]string, len(backends))
	for i, b := range backends {
		if b.Index == nil {
			return nil, errors.Wrap(errors.ErrValidation, "backend %q has no index", b.Name)
		}
		names[i] = b.Name
	}
	log.Info("Initialized fallback vector index", "backends", names)
	return &Index{backends: backends}, nil
}

// Backends returns the chain in preference order.
func (f *Index) Backends() []Backend {
	return append([]Backend(nil), f.backends...)
}

// fanOut calls fn on every backend concurrently. With strict unset the
// result is the primary's error and secondary failures are only logged.
// With strict set any failing backend fails the call.
func (f *Index) fanOut(ctx context.Context, op string, strict bool, fn func(ctx context.Context, idx mem.VectorIndex) error) error {
	errs := make([]error, len(f.backends))
	var g errgroup.Group
	for i, b := range f.backends {
		i, b := i, b
		g.Go(func() error {
			errs[i] = fn(ctx, b.Index)
			return nil
		})
	}
	_ = g.Wait()

	if strict {
		var result *multierror.Error
		for i, err := range errs {
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s %s: %w", f.backends[i].Name, op, err))
			}
		}
		return errors.Mark(result.ErrorOrNil(), errors.ErrIndexUnavailable)
	}

	for i, err := range errs[1:] {
		if err != nil {
			log.Warn("Secondary vector index write failed", "op", op, "backend", f.backends[i+1].Name, "error", err)
		}
	}
	if errs[0] != nil {
		return errors.Mark(fmt.Errorf("primary %s %s: %w", f.backends[0].Name, op, errs[0]), errors.ErrIndexUnavailable)
	}
	return nil
}

func (f *Index) Upsert(ctx context.Context, partition entity.Partition, id string, vector []float32) error {
	return f.fanOut(ctx, "upsert", false, func(ctx context.Context, idx mem.VectorIndex) error {
		return idx.Upsert(ctx, partition, id, vector)
	})
}

// Delete succeeds only when every backend dropped the vector, so that a
// purged id cannot resurface from a secondary. Deleting an absent id is a
// no-op on each backend, which makes a failed Delete safe to repeat.
func (f *Index) Delete(ctx context.Context, tenantID entity.TenantID, id string) error {
	return f.fanOut(ctx, "delete", true, func(ctx context.Context, idx mem.VectorIndex) error {
		return idx.Delete(ctx, tenantID, id)
	})
}

// Search returns the answer of the first backend that succeeds.
func (f *Index) Search(ctx context.Context, partition entity.Partition, query []float32, topK int) ([]mem.Match, error) {
	var result *multierror.Error
	for i, b := range f.backends {
		matches, err := b.Index.Search(ctx, partition, query, topK)
		if err == nil {
			if i > 0 {
				log.Warn("Vector search served by fallback", "backend", b.Name)
			}
			return matches, nil
		}
		result = multierror.Append(result, fmt.Errorf("%s: %w", b.Name, err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, errors.Mark(result.ErrorOrNil(), errors.ErrIndexUnavailable)
}

// Ping checks every backend concurrently. It returns nil when the primary
// is up, ErrDegraded when only a secondary is up, and ErrIndexUnavailable
// otherwise.
func (f *Index) Ping(ctx context.Context) error {
	errs := make([]error, len(f.backends))
	var g errgroup.Group
	for i, b := range f.backends {
		i, b := i, b
		g.Go(func() error {
			errs[i] = b.Index.Ping(ctx)
			return nil
		})
	}
	_ = g.Wait()

	if errs[0] == nil {
		return nil
	}
	for _, err := range errs[1:] {
		if err == nil {
			return ErrDegraded
		}
	}
	return errors.Mark(multierror.Append(nil, errs...).ErrorOrNil(), errors.ErrIndexUnavailable)
}

// Close closes every backend.
func (f *Index) Close() error {
	var result *multierror.Error
	for _, b := range f.backends {
		if err := b.Index.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", b.Name, err))
		}
	}
	return result.ErrorOrNil()
}
