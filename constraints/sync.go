package constraints

import (
	"context"
	"fmt"

	"github.com/SkyatSpace/RapidCFD-dev/exchange"
	"github.com/SkyatSpace/RapidCFD-dev/topology"
)

// SyncUntransformedData makes every copy of every shared point hold the same
// value: the cop-reduction of all copies across all partitions. Points that
// are not shared are left untouched. Values must already be expressed in a
// common frame; no transforms are applied in transit.
//
// A nil gpd means a single partition with no shared points.
func SyncUntransformedData[T any](ctx context.Context, pointData []T,
	gpd *topology.GlobalPointData, plan exchange.Plan[T], cop CombineOp[T]) error {
	if gpd == nil {
		return nil
	}
	meshPoints := gpd.MeshPoints
	slaves := gpd.Slaves
	if plan.SendSize() != len(meshPoints) {
		panic(fmt.Sprintf("constraints: rank %d plan sends %d values for %d shared points",
			gpd.Rank, plan.SendSize(), len(meshPoints)))
	}

	// Transfer onto the shared point buffer
	elems := make([]T, len(meshPoints))
	for i, p := range meshPoints {
		elems[i] = pointData[p]
	}

	// Pull slave data onto master
	elems, err := plan.Distribute(ctx, elems, false)
	if err != nil {
		return fmt.Errorf("rank %d: distribute shared points: %w", gpd.Rank, err)
	}

	// Combine master data with slave data and copy the result to every slot
	for i, group := range slaves {
		if len(group) == 0 {
			continue
		}
		elem := elems[i]
		for _, slot := range group {
			elem = cop(elem, elems[slot])
		}
		elems[i] = elem
		for _, slot := range group {
			elems[slot] = elem
		}
	}

	// Push slave slot data back to slaves
	elems, err = plan.ReverseDistribute(ctx, len(elems), elems, false)
	if err != nil {
		return fmt.Errorf("rank %d: reverse distribute shared points: %w", gpd.Rank, err)
	}

	// Extract back onto the mesh
	for i, p := range meshPoints {
		pointData[p] = elems[i]
	}
	return nil
}
