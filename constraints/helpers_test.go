package constraints

import (
	"context"
	"testing"

	"github.com/SkyatSpace/RapidCFD-dev/exchange"
	"github.com/SkyatSpace/RapidCFD-dev/tensor"
	"github.com/SkyatSpace/RapidCFD-dev/topology"
	"github.com/SkyatSpace/RapidCFD-dev/utils"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// world is an in-process partitioned mesh with one exchange plan per rank
type world[T any] struct {
	pc    *utils.PointConnector
	gpds  []*topology.GlobalPointData
	plans []*exchange.MapDistribute[T]
}

func newWorld[T any](t *testing.T, mesh func() ([][]int, []int)) *world[T] {
	t.Helper()
	pc, err := utils.NewPointConnector(mesh())
	require.NoError(t, err)
	gpds, err := topology.Build(pc)
	require.NoError(t, err)
	plans, err := topology.NewPlans(gpds,
		exchange.Transports(exchange.NewChannelWorld[T](len(gpds), 0)),
		exchange.WithName(t.Name()))
	require.NoError(t, err)
	return &world[T]{pc: pc, gpds: gpds, plans: plans}
}

func (w *world[T]) size() int { return len(w.gpds) }

// local returns the local id of a global point on rank, or -1
func (w *world[T]) local(rank, global int) int {
	if l, ok := w.pc.GlobalToLocalPoint[rank][global]; ok {
		return l
	}
	return -1
}

// fields allocates one point field per rank filled by fill(rank, global)
func (w *world[T]) fields(fill func(rank, global int) T) [][]T {
	out := make([][]T, w.size())
	for r := range out {
		out[r] = make([]T, w.pc.NumLocalPoints(r))
		for l, g := range w.pc.LocalToGlobalPoint[r] {
			out[r][l] = fill(r, g)
		}
	}
	return out
}

// run calls fn concurrently once per rank
func (w *world[T]) run(t *testing.T, fn func(ctx context.Context, rank int) error) {
	t.Helper()
	g, ctx := errgroup.WithContext(context.Background())
	for r := 0; r < w.size(); r++ {
		g.Go(func() error { return fn(ctx, r) })
	}
	require.NoError(t, g.Wait())
}

// stripMesh splits four triangles over two partitions sharing points 2 and 3
func stripMesh() ([][]int, []int) {
	return [][]int{{0, 1, 2}, {1, 2, 3}, {2, 3, 4}, {3, 4, 5}}, []int{0, 0, 1, 1}
}

// fanMesh has three partitions meeting at point 1
func fanMesh() ([][]int, []int) {
	return [][]int{{0, 1}, {1, 2}, {1, 3}}, []int{0, 1, 2}
}

// rotZ90 rotates 90° about z
var rotZ90 = tensor.Tensor{0, -1, 0, 1, 0, 0, 0, 0, 1}
