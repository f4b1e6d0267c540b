package constraints

import (
	"context"
	"fmt"
	"runtime"

	"github.com/SkyatSpace/RapidCFD-dev/tensor"
	"golang.org/x/sync/errgroup"
)

// CornerTable lists the points lying on two or more non-parallel constraint
// surfaces together with the single tensor composing all their constraints
type CornerTable struct {
	Points  []int
	Tensors []tensor.Tensor
}

// Len returns the number of corner entries
func (ct *CornerTable) Len() int {
	if ct == nil {
		return 0
	}
	return len(ct.Points)
}

// Validate checks that tensors align with points, that points lie inside a
// field of numPoints and that no point appears twice
func (ct *CornerTable) Validate(numPoints int) error {
	if len(ct.Points) != len(ct.Tensors) {
		return fmt.Errorf("corner table has %d tensors for %d points", len(ct.Tensors), len(ct.Points))
	}
	seen := make(map[int]struct{}, len(ct.Points))
	for i, p := range ct.Points {
		if p < 0 || p >= numPoints {
			return fmt.Errorf("corner entry %d: point %d outside field of %d points", i, p, numPoints)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("corner entry %d: point %d already has a tensor", i, p)
		}
		seen[p] = struct{}{}
	}
	return nil
}

// CornerApplicator replaces the value at every corner point with the corner
// tensor applied to it
type CornerApplicator[T any] interface {
	Apply(ctx context.Context, pointData []T) error
}

// DefaultChunkSize is the number of corner entries one worker transforms
const DefaultChunkSize = 4096

// HostCornerApplicator applies a corner table on the CPU. Entries are
// independent, so the table is split into chunks transformed concurrently.
type HostCornerApplicator[T tensor.Value[T]] struct {
	table     *CornerTable
	chunkSize int
	workers   int
}

// NewHostCornerApplicator binds a validated corner table
func NewHostCornerApplicator[T tensor.Value[T]](table *CornerTable) *HostCornerApplicator[T] {
	return &HostCornerApplicator[T]{
		table:     table,
		chunkSize: DefaultChunkSize,
		workers:   runtime.GOMAXPROCS(0),
	}
}

// WithChunkSize overrides the number of entries per worker
func (ha *HostCornerApplicator[T]) WithChunkSize(n int) *HostCornerApplicator[T] {
	if n > 0 {
		ha.chunkSize = n
	}
	return ha
}

func (ha *HostCornerApplicator[T]) Apply(ctx context.Context, pointData []T) error {
	n := ha.table.Len()
	if n == 0 {
		return nil
	}
	if n <= ha.chunkSize {
		ha.applyRange(pointData, 0, n)
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ha.workers)
	for start := 0; start < n; start += ha.chunkSize {
		start, end := start, min(start+ha.chunkSize, n)
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			ha.applyRange(pointData, start, end)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("apply corner constraints: %w", err)
	}
	return nil
}

func (ha *HostCornerApplicator[T]) applyRange(pointData []T, start, end int) {
	points, tensors := ha.table.Points, ha.table.Tensors
	for i := start; i < end; i++ {
		p := points[i]
		pointData[p] = pointData[p].Transform(tensors[i])
	}
}
