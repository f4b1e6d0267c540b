// Package runner drives a configured case through the constraint pipeline
// with one goroutine per partition, each acting as a rank that exchanges
// shared point data over in-process channels.
package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/SkyatSpace/RapidCFD-dev/config"
	"github.com/SkyatSpace/RapidCFD-dev/constraints"
	"github.com/SkyatSpace/RapidCFD-dev/device"
	"github.com/SkyatSpace/RapidCFD-dev/exchange"
	"github.com/SkyatSpace/RapidCFD-dev/field"
	"github.com/SkyatSpace/RapidCFD-dev/partitions"
	"github.com/SkyatSpace/RapidCFD-dev/tensor"
	"github.com/SkyatSpace/RapidCFD-dev/topology"
	"github.com/SkyatSpace/RapidCFD-dev/utils"
	"github.com/google/uuid"
	"github.com/notargets/gocca"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Runner holds the partitioned topology of a case
type Runner struct {
	Case      *config.Case
	RunID     string
	Layout    *partitions.PartitionLayout
	Connector *utils.PointConnector
	Ranks     []*topology.GlobalPointData
	log       *zap.Logger
}

// NewRunner partitions the case mesh and builds the shared point tables of
// every rank
func NewRunner(c *config.Case, log *zap.Logger) (*Runner, error) {
	if log == nil {
		log = zap.NewNop()
	}
	EToV, EToP, err := c.Connectivity()
	if err != nil {
		return nil, err
	}

	var layout *partitions.PartitionLayout
	switch {
	case c.Partitions.Count > 0:
		strategy, err := partitions.ParseStrategy(c.Partitions.Strategy)
		if err != nil {
			return nil, err
		}
		pb := &partitions.PartitionBuilder{
			NumElements:   len(EToV),
			NumPartitions: c.Partitions.Count,
			Strategy:      strategy,
		}
		if layout, err = pb.BuildPartitions(); err != nil {
			return nil, err
		}
	case EToP != nil:
		if layout, err = partitions.LayoutFromEToP(EToP); err != nil {
			return nil, err
		}
	default:
		// Unpartitioned mesh
		if layout, err = partitions.LayoutFromEToP(make([]int, len(EToV))); err != nil {
			return nil, err
		}
	}

	pc, err := utils.NewPointConnector(EToV, layout.EToP)
	if err != nil {
		return nil, err
	}
	if err = pc.Verify(); err != nil {
		return nil, fmt.Errorf("point connectivity: %w", err)
	}
	gpds, err := topology.Build(pc)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		Case:      c,
		RunID:     uuid.NewString(),
		Layout:    layout,
		Connector: pc,
		Ranks:     gpds,
	}
	r.log = log.With(zap.String("case", c.Name), zap.String("run", r.RunID))

	stats := layout.PartitionStatistics()
	r.log.Info("partitioned case",
		zap.Int("elements", layout.TotalElements),
		zap.Int("points", pc.NumPoints),
		zap.Int("partitions", layout.NumPartitions),
		zap.Int("minElements", stats.MinElements),
		zap.Int("maxElements", stats.MaxElements),
		zap.Float64("imbalance", stats.Imbalance))
	return r, nil
}

// Run constrains the case field on every rank and checks that all copies of
// every shared point agree afterwards
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	switch r.Case.Field.Type {
	case config.ScalarField:
		return runField(ctx, r, func(c []float64) tensor.Scalar { return tensor.Scalar(c[0]) })
	case config.VectorField:
		return runField(ctx, r, func(c []float64) tensor.Vector { return tensor.Vector{c[0], c[1], c[2]} })
	case config.TensorField:
		return runField(ctx, r, func(c []float64) tensor.Tensor {
			var t tensor.Tensor
			copy(t[:], c)
			return t
		})
	}
	return nil, fmt.Errorf("unknown field type %q", r.Case.Field.Type)
}

type rankResult struct {
	values  [][]float64
	corners int
}

func runField[T tensor.Value[T]](ctx context.Context, r *Runner, fromComponents func([]float64) T) (*Report, error) {
	nRanks := len(r.Ranks)
	cop, ok := constraints.ByName[T](r.Case.Field.Combine)
	if !ok {
		return nil, fmt.Errorf("unknown combine operator %q", r.Case.Field.Combine)
	}

	valuePlans, err := topology.NewPlans(r.Ranks,
		exchange.Transports(exchange.NewChannelWorld[T](nRanks, exchange.DefaultLinkDepth)),
		exchange.WithName(r.Case.Name+"/field"), exchange.WithLogger(r.log))
	if err != nil {
		return nil, err
	}
	constraintPlans, err := topology.NewPlans(r.Ranks,
		exchange.Transports(exchange.NewChannelWorld[constraints.PointConstraint](nRanks, exchange.DefaultLinkDepth)),
		exchange.WithName(r.Case.Name+"/constraints"), exchange.WithLogger(r.log))
	if err != nil {
		return nil, err
	}

	var dev *deviceCorners
	if r.Case.Device.Enabled {
		if dev, err = newDeviceCorners(r.Case.Device, r.log); err != nil {
			return nil, err
		}
		defer dev.free()
	}

	results := make([]rankResult, nRanks)
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < nRanks; rank++ {
		g.Go(func() error {
			res, err := runRank[T](gctx, r, rank, valuePlans[rank], constraintPlans[rank], cop, fromComponents, dev)
			if err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			results[rank] = res
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}
	return r.report(results), nil
}

func runRank[T tensor.Value[T]](ctx context.Context, r *Runner, rank int,
	valuePlan exchange.Plan[T], constraintPlan exchange.Plan[constraints.PointConstraint],
	cop constraints.CombineOp[T], fromComponents func([]float64) T, dev *deviceCorners) (rankResult, error) {
	gpd := r.Ranks[rank]
	nLocal := r.Connector.NumLocalPoints(rank)
	log := r.log.With(zap.Int("rank", rank))

	patches, constraintPatches := localPatches(r, rank, fromComponents)
	table, err := constraints.BuildCornerTable(ctx, nLocal, constraintPatches, gpd, constraintPlan)
	if err != nil {
		return rankResult{}, err
	}

	opts := []constraints.Option[T]{
		constraints.WithLogger[T](log),
		constraints.WithCombineOp(cop),
	}
	if dev != nil {
		ca, err := dev.applicator(table)
		if err != nil {
			return rankResult{}, err
		}
		if typed, ok := ca.(constraints.CornerApplicator[T]); ok {
			opts = append(opts, constraints.WithCornerApplicator(typed))
		}
	}
	pc, err := constraints.New(gpd, valuePlan, table, opts...)
	if err != nil {
		return rankResult{}, err
	}

	gf, err := field.NewGeometricField("U", nLocal, patches...)
	if err != nil {
		return rankResult{}, err
	}
	initial := append([]float64(nil), r.Case.Field.Initial...)
	if r.Case.Field.PerturbByRank {
		for i := range initial {
			initial[i] *= float64(rank + 1)
		}
	}
	for i := range gf.Internal {
		gf.Internal[i] = fromComponents(initial)
	}

	if err = pc.Constrain(ctx, gf, r.Case.Field.Override); err != nil {
		return rankResult{}, err
	}

	values := make([][]float64, nLocal)
	for i, v := range gf.Internal {
		values[i] = append([]float64(nil), v.Components()...)
	}
	log.Debug("rank constrained", zap.Int("points", nLocal), zap.Int("corners", table.Len()))
	return rankResult{values: values, corners: table.Len()}, nil
}

// localPatches restricts the configured patches to the points held by rank,
// renumbered locally
func localPatches[T tensor.Value[T]](r *Runner, rank int, fromComponents func([]float64) T) (
	[]field.PatchField[T], []field.ConstraintPatch) {
	g2l := r.Connector.GlobalToLocalPoint[rank]
	var (
		patches     []field.PatchField[T]
		constrained []field.ConstraintPatch
	)
	for _, pcfg := range r.Case.Patches {
		var points []int
		var normals []tensor.Vector
		for i, gp := range pcfg.Points {
			lp, held := g2l[gp]
			if !held {
				continue
			}
			points = append(points, lp)
			if pcfg.Type == config.Slip {
				n := pcfg.Normals[i]
				normals = append(normals, tensor.Vector{n[0], n[1], n[2]})
			}
		}

		switch pcfg.Type {
		case config.FixedValue:
			patches = append(patches, field.NewUniformFixedValue(pcfg.Name, points, fromComponents(pcfg.Value)))
		case config.ZeroGradient:
			patches = append(patches, field.NewZeroGradient[T](pcfg.Name, points))
		case config.SymmetryPlane:
			n := pcfg.Normal
			sp := field.NewSymmetryPlane[T](pcfg.Name, points, tensor.Vector{n[0], n[1], n[2]})
			patches = append(patches, sp)
			constrained = append(constrained, sp)
		case config.Slip:
			sl := field.NewSlip[T](pcfg.Name, points, normals)
			patches = append(patches, sl)
			constrained = append(constrained, sl)
		}
	}
	return patches, constrained
}

// deviceCorners shares one OCCA device between the ranks. OCCA calls on a
// device are serialized.
type deviceCorners struct {
	mu        sync.Mutex
	device    *gocca.OCCADevice
	blockSize int
	log       *zap.Logger
	kernels   []*device.CornerKernel
}

func newDeviceCorners(cfg config.DeviceConfig, log *zap.Logger) (*deviceCorners, error) {
	dev, err := device.CreateDevice(log, cfg.Props...)
	if err != nil {
		return nil, err
	}
	return &deviceCorners{device: dev, blockSize: cfg.BlockSize, log: log}, nil
}

func (dc *deviceCorners) applicator(table *constraints.CornerTable) (any, error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	ck, err := device.NewCornerKernel(dc.device, table, device.Config{
		BlockSize: dc.blockSize,
		Logger:    dc.log,
	})
	if err != nil {
		return nil, err
	}
	dc.kernels = append(dc.kernels, ck)
	return &lockedCorners{mu: &dc.mu, kernel: ck}, nil
}

func (dc *deviceCorners) free() {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	for _, ck := range dc.kernels {
		ck.Free()
	}
	dc.kernels = nil
	dc.device.Free()
}

type lockedCorners struct {
	mu     *sync.Mutex
	kernel *device.CornerKernel
}

func (lc *lockedCorners) Apply(ctx context.Context, pointData []tensor.Vector) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.kernel.Apply(ctx, pointData)
}
