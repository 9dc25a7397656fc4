package ecchange

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/ehtick/itwinjs-core-sub000/changeset"
)

// Accumulator unifies same-instance fragments from an Adaptor into complete
// instance-level change views. Drive the adaptor to exhaustion with
// Step/AppendFrom, then drain the merged set via Instances.
type Accumulator struct {
	cache     Cache
	ownsCache bool
	log       *logrus.Logger
	closed    bool
}

// NewAccumulator returns an accumulator over an in-memory cache it owns.
func NewAccumulator(log *logrus.Logger) *Accumulator {
	return &Accumulator{cache: NewMemoryCache(), ownsCache: true, log: accLogger(log)}
}

// NewAccumulatorWithCache returns an accumulator over a caller-supplied
// cache. The caller keeps ownership of the cache and must close it.
func NewAccumulatorWithCache(cache Cache, log *logrus.Logger) *Accumulator {
	return &Accumulator{cache: cache, log: accLogger(log)}
}

func accLogger(log *logrus.Logger) *logrus.Logger {
	if log == nil {
		return logrus.StandardLogger()
	}
	return log
}

// AppendFrom merges the adaptor's current fragment into the working set.
func (acc *Accumulator) AppendFrom(ctx context.Context, a *Adaptor) error {
	if acc.closed {
		return errors.Wrap(ErrCacheBackend, "accumulator is closed")
	}
	frag := a.Current()
	if frag == nil {
		return nil
	}
	key := frag.Key()
	existing, ok, err := acc.cache.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return acc.cache.Put(ctx, key, frag)
	}
	acc.merge(existing, frag)
	return acc.cache.Put(ctx, key, existing)
}

// merge folds frag into dst: properties are unioned (first writer per
// property wins, since each property belongs to exactly one physical
// table), provenance lists are appended, and the operation is kept as the
// most specific seen so far.
func (acc *Accumulator) merge(dst, frag *Instance) {
	for prop, v := range frag.Properties {
		if _, dup := dst.Properties[prop]; dup {
			// Two tables claiming the same property violates the schema
			// mapping rules; keep the first value rather than guessing a
			// precedence order.
			acc.log.WithFields(logrus.Fields{
				"instanceId": dst.ID,
				"property":   prop,
				"table":      frag.Meta.Tables[0],
			}).Warn("property contributed by more than one table; keeping first value")
			continue
		}
		if dst.Properties == nil {
			dst.Properties = map[string]changeset.Value{}
		}
		dst.Properties[prop] = v
	}
	dst.Meta.Tables = append(dst.Meta.Tables, frag.Meta.Tables...)
	dst.Meta.ChangeIndexes = append(dst.Meta.ChangeIndexes, frag.Meta.ChangeIndexes...)
	if dst.Meta.Op == changeset.OpUpdate && frag.Meta.Op != changeset.OpUpdate {
		dst.Meta.Op = frag.Meta.Op
	}
	// Prefer an authoritative class over a fallback one.
	if _, degraded := dst.Class.Fallback(); degraded {
		if _, ok := frag.Class.Known(); ok {
			dst.Class = frag.Class
			dst.Meta.ClassFullName = frag.Meta.ClassFullName
		}
	}
}

// Instances returns the unified instance set. The sequence is finite and
// restartable: repeated calls return the same set.
func (acc *Accumulator) Instances(ctx context.Context) ([]*Instance, error) {
	if acc.closed {
		return nil, errors.Wrap(ErrCacheBackend, "accumulator is closed")
	}
	return acc.cache.All(ctx)
}

// Close disposes the accumulator and, if it owns its cache, the cache's
// scratch storage. Safe to call more than once.
func (acc *Accumulator) Close() error {
	if acc.closed {
		return nil
	}
	acc.closed = true
	if acc.ownsCache {
		return acc.cache.Close()
	}
	return nil
}
