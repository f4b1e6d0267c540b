package constraints

import (
	"context"
	"sync"
	"testing"

	"github.com/SkyatSpace/RapidCFD-dev/exchange"
	"github.com/SkyatSpace/RapidCFD-dev/field"
	"github.com/SkyatSpace/RapidCFD-dev/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

// lineZ projects onto the z axis
var lineZ = tensor.Outer(zHat, zHat)

func TestConstrain_StepOrder(t *testing.T) {
	// Point 2 is shared by both ranks and is a corner projecting onto z.
	// Rank 1 holds a fixed value there. Only evaluate, then merge, then
	// project gives (0,0,1) on both ranks:
	//   merge before evaluate keeps rank 1's stale zero and yields (0,0,1)
	//     on rank 0 but (0,0,2) on rank 1
	//   project before merge yields max((0,0,1),(0,0,2)) = (0,0,2)
	setup := func(t *testing.T) (*world[tensor.Vector], []*field.GeometricField[tensor.Vector], *field.FixedValue[tensor.Vector]) {
		w := newWorld[tensor.Vector](t, stripMesh)
		fixed := field.NewUniformFixedValue("wall", []int{w.local(1, 2)}, tensor.Vector{0, 0, 2})
		fields := make([]*field.GeometricField[tensor.Vector], 2)
		for r := range fields {
			var patches []field.PatchField[tensor.Vector]
			if r == 1 {
				patches = append(patches, fixed)
			}
			gf, err := field.NewGeometricField("U", w.pc.NumLocalPoints(r), patches...)
			require.NoError(t, err)
			fields[r] = gf
		}
		fields[0].Internal[w.local(0, 2)] = tensor.Vector{5, 0, 1}
		return w, fields, fixed
	}
	newPC := func(t *testing.T, w *world[tensor.Vector], r int) (*PointConstraints[tensor.Vector], error) {
		table := &CornerTable{Points: []int{w.local(r, 2)}, Tensors: []tensor.Tensor{lineZ}}
		return New[tensor.Vector](w.gpds[r], w.plans[r], table,
			WithLogger[tensor.Vector](zaptest.NewLogger(t)))
	}

	t.Run("evaluate merge project", func(t *testing.T) {
		w, fields, fixed := setup(t)
		w.run(t, func(ctx context.Context, r int) error {
			pc, err := newPC(t, w, r)
			if err != nil {
				return err
			}
			return pc.Constrain(ctx, fields[r], false)
		})

		for r, gf := range fields {
			assert.Equal(t, tensor.Vector{0, 0, 1}, gf.Internal[w.local(r, 2)], "rank %d", r)
		}
		assert.Equal(t, []tensor.Vector{{0, 0, 2}}, fixed.StoredValues(), "store untouched without override")
	})

	t.Run("project before merge diverges", func(t *testing.T) {
		w, fields, _ := setup(t)
		w.run(t, func(ctx context.Context, r int) error {
			pc, err := newPC(t, w, r)
			if err != nil {
				return err
			}
			gf := fields[r]
			gf.CorrectBoundaryConditions()
			if err := pc.ConstrainCorners(ctx, gf.Internal); err != nil {
				return err
			}
			return pc.SyncUntransformedData(ctx, gf.Internal, MaxMagSqr[tensor.Vector]())
		})

		for r, gf := range fields {
			got := gf.Internal[w.local(r, 2)]
			assert.Equal(t, tensor.Vector{0, 0, 2}, got, "rank %d", r)
			assert.NotEqual(t, tensor.Vector{0, 0, 1}, got, "rank %d", r)
		}
	})
}

func TestConstrain_Override(t *testing.T) {
	for _, override := range []bool{false, true} {
		t.Run(map[bool]string{false: "keep", true: "override"}[override], func(t *testing.T) {
			// Point 1 is fixed at (1,2,3) and is also a corner projecting onto z
			fixed := field.NewUniformFixedValue("inlet", []int{1}, tensor.Vector{1, 2, 3})
			gf, err := field.NewGeometricField[tensor.Vector]("U", 3, fixed)
			require.NoError(t, err)
			table := &CornerTable{Points: []int{1}, Tensors: []tensor.Tensor{lineZ}}

			pc, err := New[tensor.Vector](nil, nil, table)
			require.NoError(t, err)
			require.NoError(t, pc.Constrain(context.Background(), gf, override))

			assert.Equal(t, tensor.Vector{0, 0, 3}, gf.Internal[1])
			if override {
				assert.Equal(t, []tensor.Vector{{0, 0, 3}}, fixed.StoredValues())
			} else {
				assert.Equal(t, []tensor.Vector{{1, 2, 3}}, fixed.StoredValues())
			}
		})
	}
}

func TestConstrain_DerivedPatchesUnaffectedByOverride(t *testing.T) {
	sym := field.NewSymmetryPlane[tensor.Vector]("sym", []int{0}, xHat)
	gf, err := field.NewGeometricField[tensor.Vector]("U", 2, sym)
	require.NoError(t, err)
	gf.Internal[0] = tensor.Vector{1, 1, 1}

	pc, err := New[tensor.Vector](nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, pc.Constrain(context.Background(), gf, true))
	assert.Equal(t, tensor.Vector{0, 1, 1}, gf.Internal[0])
}

func TestConstrain_ThreeRanksConverge(t *testing.T) {
	w := newWorld[tensor.Vector](t, fanMesh)
	copies := []tensor.Vector{{3, 0, 0}, {0, 4, 0}, {1, 1, 0}}
	fields := make([]*field.GeometricField[tensor.Vector], 3)
	for r := range fields {
		gf, err := field.NewGeometricField[tensor.Vector]("U", w.pc.NumLocalPoints(r))
		require.NoError(t, err)
		gf.Internal[w.local(r, 1)] = copies[r]
		fields[r] = gf
	}

	w.run(t, func(ctx context.Context, r int) error {
		table := &CornerTable{Points: []int{w.local(r, 1)}, Tensors: []tensor.Tensor{rotZ90}}
		pc, err := New[tensor.Vector](w.gpds[r], w.plans[r], table)
		if err != nil {
			return err
		}
		return pc.Constrain(ctx, fields[r], false)
	})

	for r, gf := range fields {
		got := gf.Internal[w.local(r, 1)]
		assert.InDelta(t, -4, got[0], 1e-12, "rank %d", r)
		assert.InDelta(t, 0, got[1], 1e-12, "rank %d", r)
	}
}

func TestConstrain_CustomCombine(t *testing.T) {
	w := newWorld[tensor.Scalar](t, stripMesh)
	fields := make([]*field.GeometricField[tensor.Scalar], 2)
	for r := range fields {
		gf, err := field.NewGeometricField[tensor.Scalar]("p", w.pc.NumLocalPoints(r))
		require.NoError(t, err)
		for i := range gf.Internal {
			gf.Internal[i] = tensor.Scalar(10 * (r + 1))
		}
		fields[r] = gf
	}

	w.run(t, func(ctx context.Context, r int) error {
		pc, err := New[tensor.Scalar](w.gpds[r], w.plans[r], nil,
			WithCombineOp(MinMagSqr[tensor.Scalar]()))
		if err != nil {
			return err
		}
		return pc.Constrain(ctx, fields[r], false)
	})

	assert.Equal(t, tensor.Scalar(10), fields[1].Internal[w.local(1, 3)])
	assert.Equal(t, tensor.Scalar(20), fields[1].Internal[w.local(1, 5)])
}

type recordingApplicator struct {
	calls int
}

func (ra *recordingApplicator) Apply(_ context.Context, pointData []tensor.Vector) error {
	ra.calls++
	return nil
}

func TestConstrain_CustomCornerApplicator(t *testing.T) {
	ra := &recordingApplicator{}
	pc, err := New[tensor.Vector](nil, nil, nil, WithCornerApplicator[tensor.Vector](ra))
	require.NoError(t, err)

	gf, err := field.NewGeometricField[tensor.Vector]("U", 1)
	require.NoError(t, err)
	require.NoError(t, pc.Constrain(context.Background(), gf, false))
	require.NoError(t, pc.ConstrainCorners(context.Background(), gf.Internal))
	assert.Equal(t, 2, ra.calls)
	assert.Zero(t, pc.Corners().Len())
}

func TestConstrain_SharedTablesDistinctFields(t *testing.T) {
	table := &CornerTable{Points: []int{0}, Tensors: []tensor.Tensor{lineZ}}
	pc, err := New[tensor.Vector](nil, nil, table)
	require.NoError(t, err)

	var wg sync.WaitGroup
	fields := make([]*field.GeometricField[tensor.Vector], 8)
	for i := range fields {
		gf, err := field.NewGeometricField[tensor.Vector]("U", 2)
		require.NoError(t, err)
		gf.Internal[0] = tensor.Vector{1, 1, float64(i)}
		fields[i] = gf
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, pc.Constrain(context.Background(), gf, false))
		}()
	}
	wg.Wait()
	for i, gf := range fields {
		assert.Equal(t, tensor.Vector{0, 0, float64(i)}, gf.Internal[0])
	}
}

func TestConstrain_ConcurrentFieldsAcrossRanks(t *testing.T) {
	w := newWorld[tensor.Scalar](t, stripMesh)
	pcs := make([]*PointConstraints[tensor.Scalar], w.size())
	for r := range pcs {
		pc, err := New[tensor.Scalar](w.gpds[r], w.plans[r], nil)
		require.NoError(t, err)
		pcs[r] = pc
	}
	// Per-rank values of each field; the merged value is the larger one
	values := map[string][]tensor.Scalar{"A": {1, 2}, "B": {100, 200}}

	for iter := 0; iter < 50; iter++ {
		fields := make([]map[string]*field.GeometricField[tensor.Scalar], w.size())
		for r := range fields {
			fields[r] = map[string]*field.GeometricField[tensor.Scalar]{}
			for name, v := range values {
				gf, err := field.NewGeometricField[tensor.Scalar](name, w.pc.NumLocalPoints(r))
				require.NoError(t, err)
				for i := range gf.Internal {
					gf.Internal[i] = v[r]
				}
				fields[r][name] = gf
			}
		}

		w.run(t, func(ctx context.Context, r int) error {
			g, ctx := errgroup.WithContext(ctx)
			for _, gf := range fields[r] {
				g.Go(func() error { return pcs[r].Constrain(ctx, gf, false) })
			}
			return g.Wait()
		})

		for r := range fields {
			for name, v := range values {
				gf := fields[r][name]
				for _, g := range []int{2, 3} {
					assert.Equal(t, v[1], gf.Internal[w.local(r, g)], "%s point %d rank %d", name, g, r)
				}
				for l, g := range w.pc.LocalToGlobalPoint[r] {
					if g != 2 && g != 3 {
						assert.Equal(t, v[r], gf.Internal[l], "%s unshared point %d rank %d", name, g, r)
					}
				}
			}
		}
	}
}

func TestNew_Errors(t *testing.T) {
	w := newWorld[tensor.Vector](t, stripMesh)
	fan := newWorld[tensor.Vector](t, fanMesh)

	_, err := New[tensor.Vector](w.gpds[0], nil, nil)
	assert.Error(t, err, "tables without a plan")

	var plan exchange.Plan[tensor.Vector] = w.plans[0]
	_, err = New[tensor.Vector](nil, plan, nil)
	assert.Error(t, err, "plan without tables")

	_, err = New[tensor.Vector](w.gpds[0], fan.plans[0], nil)
	assert.Error(t, err, "plan sized for another mesh")

	dup := &CornerTable{Points: []int{1, 1}, Tensors: []tensor.Tensor{lineZ, lineZ}}
	_, err = New[tensor.Vector](w.gpds[0], w.plans[0], dup)
	assert.ErrorContains(t, err, "already has a tensor")
	_, err = New[tensor.Vector](nil, nil, dup)
	assert.ErrorContains(t, err, "already has a tensor", "unpartitioned")

	outside := &CornerTable{Points: []int{w.gpds[0].NumLocalPoints}, Tensors: []tensor.Tensor{lineZ}}
	_, err = New[tensor.Vector](w.gpds[0], w.plans[0], outside)
	assert.ErrorContains(t, err, "outside field")

	misaligned := &CornerTable{Points: []int{0, 1}, Tensors: []tensor.Tensor{lineZ}}
	_, err = New[tensor.Vector](nil, nil, misaligned)
	assert.Error(t, err)

	pc, err := New[tensor.Vector](w.gpds[1], w.plans[1], nil)
	require.NoError(t, err)
	assert.NotNil(t, pc.Corners())
}

func TestSetPatchFields(t *testing.T) {
	a := field.NewUniformFixedValue("a", []int{0, 2}, 0.0)
	b := field.NewZeroGradient[float64]("b", []int{1})
	gf, err := field.NewGeometricField[float64]("p", 3, a, b)
	require.NoError(t, err)
	copy(gf.Internal, []float64{1, 2, 3})

	SetPatchFields(gf)
	assert.Equal(t, []float64{1, 3}, a.StoredValues())
}
