package constraints

import (
	"context"
	"fmt"
	"math"

	"github.com/SkyatSpace/RapidCFD-dev/exchange"
	"github.com/SkyatSpace/RapidCFD-dev/field"
	"github.com/SkyatSpace/RapidCFD-dev/tensor"
	"github.com/SkyatSpace/RapidCFD-dev/topology"
)

// ConstraintTol is the tolerance below which two constraint directions are
// treated as parallel
const ConstraintTol = 1e-3

// PointConstraint accumulates the constraints acting on one point.
//
//	Count 0: free, Direction unused
//	Count 1: confined to the plane with normal Direction
//	Count 2: confined to the line along Direction
//	Count 3: fixed
type PointConstraint struct {
	Count     int
	Direction tensor.Vector
}

// canonical flips a direction so its first non-zero component is positive.
// A plane normal and a line direction mean the same thing either way round.
func canonical(v tensor.Vector) tensor.Vector {
	for _, c := range v {
		if c > 0 {
			return v
		}
		if c < 0 {
			return v.Scale(-1)
		}
	}
	return v
}

// ApplyConstraint adds the constraint of a surface with unit normal n
func (pc *PointConstraint) ApplyConstraint(n tensor.Vector) {
	n = n.Unit()
	switch pc.Count {
	case 0:
		pc.Count = 1
		pc.Direction = canonical(n)
	case 1:
		line := n.Cross(pc.Direction)
		if mag := line.Mag(); mag > ConstraintTol {
			pc.Count = 2
			pc.Direction = canonical(line.Scale(1 / mag))
		}
	case 2:
		if math.Abs(n.Dot(pc.Direction)) > ConstraintTol {
			pc.Count = 3
			pc.Direction = tensor.Vector{}
		}
	}
}

// Combine merges another point's constraint into this one
func (pc *PointConstraint) Combine(other PointConstraint) {
	switch {
	case other.Count == 0 || pc.Count == 3:
	case pc.Count == 0 || other.Count == 3:
		*pc = other
	case other.Count == 1:
		pc.ApplyConstraint(other.Direction)
	case pc.Count == 1:
		// other is a line: apply our plane to it
		line := other
		line.ApplyConstraint(pc.Direction)
		*pc = line
	default:
		// Two lines stay a line only when parallel
		if 1-math.Abs(other.Direction.Dot(pc.Direction)) > ConstraintTol {
			pc.Count = 3
			pc.Direction = tensor.Vector{}
		}
	}
}

// ConstraintTransformation returns the tensor projecting a vector onto the
// freedom left by the accumulated constraints
func (pc PointConstraint) ConstraintTransformation() tensor.Tensor {
	switch pc.Count {
	case 0:
		return tensor.I
	case 1:
		return tensor.I.Sub(tensor.Outer(pc.Direction, pc.Direction))
	case 2:
		return tensor.Outer(pc.Direction, pc.Direction)
	}
	return tensor.Zero
}

// CombineConstraints is the combine operator used to sync point constraints
// across partitions
func CombineConstraints(a, b PointConstraint) PointConstraint {
	a.Combine(b)
	return a
}

// BuildCornerTable derives the corner table of one rank from its constraint
// patches. Constraints at shared points are synced first, so a point whose
// copies sit on different constraint patches in different partitions is
// recognised as a corner everywhere. gpd and plan may be nil for a single
// partition.
func BuildCornerTable(ctx context.Context, numPoints int, patches []field.ConstraintPatch,
	gpd *topology.GlobalPointData, plan exchange.Plan[PointConstraint]) (*CornerTable, error) {
	constraints := make([]PointConstraint, numPoints)
	for _, patch := range patches {
		for i, p := range patch.MeshPoints() {
			if p < 0 || p >= numPoints {
				return nil, fmt.Errorf("patch %s references point %d outside field of %d points",
					patch.Name(), p, numPoints)
			}
			constraints[p].ApplyConstraint(patch.ConstraintNormal(i))
		}
	}

	if gpd != nil {
		if plan == nil {
			return nil, fmt.Errorf("rank %d: shared points without an exchange plan", gpd.Rank)
		}
		if err := SyncUntransformedData(ctx, constraints, gpd, plan, CombineConstraints); err != nil {
			return nil, fmt.Errorf("sync point constraints: %w", err)
		}
	}

	table := &CornerTable{}
	for p, c := range constraints {
		if c.Count < 2 {
			continue
		}
		table.Points = append(table.Points, p)
		table.Tensors = append(table.Tensors, c.ConstraintTransformation())
	}
	return table, table.Validate(numPoints)
}
