// Package constraints keeps point fields of a partitioned mesh consistent:
// copies of a point shared by several partitions are merged to one value, and
// points where constraint surfaces meet are projected by the composed effect
// of all their constraints.
package constraints

import (
	"context"
	"fmt"
	"math"

	"github.com/SkyatSpace/RapidCFD-dev/exchange"
	"github.com/SkyatSpace/RapidCFD-dev/field"
	"github.com/SkyatSpace/RapidCFD-dev/tensor"
	"github.com/SkyatSpace/RapidCFD-dev/topology"
	"go.uber.org/zap"
)

// PointConstraints applies the constraint pipeline of one rank to point
// fields of type T. The tables it holds are read-only; one instance may
// constrain any number of distinct fields, concurrently as long as their
// names differ.
type PointConstraints[T tensor.Value[T]] struct {
	gpd     *topology.GlobalPointData
	plan    exchange.Plan[T]
	table   *CornerTable
	corners CornerApplicator[T]
	combine CombineOp[T]
	log     *zap.Logger
}

// Option configures PointConstraints
type Option[T tensor.Value[T]] func(*PointConstraints[T])

// WithLogger sets the logger
func WithLogger[T tensor.Value[T]](l *zap.Logger) Option[T] {
	return func(pc *PointConstraints[T]) { pc.log = l }
}

// WithCornerApplicator replaces the host corner applicator, e.g. with a
// device kernel
func WithCornerApplicator[T tensor.Value[T]](ca CornerApplicator[T]) Option[T] {
	return func(pc *PointConstraints[T]) { pc.corners = ca }
}

// WithCombineOp replaces the MaxMagSqr operator used by Constrain
func WithCombineOp[T tensor.Value[T]](op CombineOp[T]) Option[T] {
	return func(pc *PointConstraints[T]) { pc.combine = op }
}

// New creates the constraint pipeline of one rank. gpd and plan may both be
// nil for an unpartitioned mesh; table may be nil when there are no corners.
func New[T tensor.Value[T]](gpd *topology.GlobalPointData, plan exchange.Plan[T],
	table *CornerTable, opts ...Option[T]) (*PointConstraints[T], error) {
	if (gpd == nil) != (plan == nil) {
		return nil, fmt.Errorf("global point data and exchange plan must be given together")
	}
	if gpd != nil {
		if err := gpd.Validate(); err != nil {
			return nil, err
		}
		if plan.SendSize() != gpd.NumShared() || plan.ConstructSize() != gpd.Schedule.ConstructSize {
			return nil, fmt.Errorf("rank %d: plan sizes %d/%d do not match shared point tables %d/%d",
				gpd.Rank, plan.SendSize(), plan.ConstructSize(), gpd.NumShared(), gpd.Schedule.ConstructSize)
		}
	}
	if table == nil {
		table = &CornerTable{}
	}
	// Without shared point tables the field size is not known here
	numPoints := math.MaxInt
	if gpd != nil {
		numPoints = gpd.NumLocalPoints
	}
	if err := table.Validate(numPoints); err != nil {
		return nil, err
	}
	pc := &PointConstraints[T]{
		gpd:     gpd,
		plan:    plan,
		table:   table,
		combine: MaxMagSqr[T](),
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(pc)
	}
	if pc.corners == nil {
		pc.corners = NewHostCornerApplicator[T](table)
	}
	rank := 0
	if gpd != nil {
		rank = gpd.Rank
	}
	pc.log = pc.log.With(zap.Int("rank", rank))
	pc.log.Debug("point constraints ready",
		zap.Int("shared", pc.numShared()),
		zap.Int("corners", table.Len()))
	return pc, nil
}

func (pc *PointConstraints[T]) numShared() int {
	if pc.gpd == nil {
		return 0
	}
	return pc.gpd.NumShared()
}

// Corners returns the corner table
func (pc *PointConstraints[T]) Corners() *CornerTable { return pc.table }

// SyncUntransformedData merges shared point copies of pointData with cop
func (pc *PointConstraints[T]) SyncUntransformedData(ctx context.Context, pointData []T, cop CombineOp[T]) error {
	return SyncUntransformedData(ctx, pointData, pc.gpd, pc.plan, cop)
}

// ConstrainCorners applies the corner table to pointData
func (pc *PointConstraints[T]) ConstrainCorners(ctx context.Context, pointData []T) error {
	return pc.corners.Apply(ctx, pointData)
}

// Constrain runs the full pipeline on gf: patch evaluation, shared point
// merge, corner projection and, when overrideFixedValue is set, copying the
// final internal values into stored-value patches. The steps always run in
// this order: corner tensors assume shared points already agree.
// The merge runs on an exchange stream named after the field, so every rank
// must constrain a given field under the same name.
func (pc *PointConstraints[T]) Constrain(ctx context.Context, gf *field.GeometricField[T], overrideFixedValue bool) error {
	ctx = exchange.WithStream(ctx, gf.Name)

	// Constrained patch types impose their values through Evaluate
	gf.CorrectBoundaryConditions()

	// Sync any dangling points
	if err := pc.SyncUntransformedData(ctx, gf.Internal, pc.combine); err != nil {
		return fmt.Errorf("constrain %s: %w", gf.Name, err)
	}

	// Apply multiple constraints on edge/corner points
	if err := pc.ConstrainCorners(ctx, gf.Internal); err != nil {
		return fmt.Errorf("constrain %s: %w", gf.Name, err)
	}

	if overrideFixedValue {
		SetPatchFields(gf)
	}

	pc.log.Debug("constrained field",
		zap.String("field", gf.Name),
		zap.Int("points", len(gf.Internal)),
		zap.Bool("override", overrideFixedValue))
	return nil
}

// SetPatchFields copies the internal values at every stored-value patch's
// points into the patch's own storage
func SetPatchFields[T any](gf *field.GeometricField[T]) {
	for _, p := range gf.Boundary {
		if sv, ok := field.AsStoredValue(p); ok {
			sv.StoreValue(gf.Internal.PatchInternalField(sv.MeshPoints()))
		}
	}
}
