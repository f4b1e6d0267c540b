// Package topology derives, once per partitioned mesh, the read-only tables the
// point constraint core consumes on every call: the shared point set, the
// master/slave groups and the exchange schedule joining them.
package topology

import (
	"fmt"

	"github.com/SkyatSpace/RapidCFD-dev/exchange"
	"github.com/SkyatSpace/RapidCFD-dev/utils"
)

// GlobalPointData is the rank-local view of the shared points of a
// partitioned mesh
type GlobalPointData struct {
	Rank           int
	NumLocalPoints int

	// MeshPoints holds the local point id of every shared point, in send
	// buffer order
	MeshPoints []int
	// GlobalPoints holds the global id of every shared point
	GlobalPoints []int
	// Slaves[i] lists the construct buffer slots holding the other copies of
	// MeshPoints[i]. It is empty unless this rank is the point's master.
	Slaves [][]int

	Schedule exchange.Schedule
}

// NumShared returns the number of shared points on this rank
func (g *GlobalPointData) NumShared() int { return len(g.MeshPoints) }

// Validate checks the invariants the merge relies on: every slot is in range,
// master positions lie in the send part of the buffer and no slot belongs to
// two groups
func (g *GlobalPointData) Validate() error {
	n := len(g.MeshPoints)
	if len(g.Slaves) != n {
		return fmt.Errorf("rank %d: %d slave groups for %d shared points", g.Rank, len(g.Slaves), n)
	}
	if g.Schedule.SendSize != n {
		return fmt.Errorf("rank %d: send size %d != shared points %d", g.Rank, g.Schedule.SendSize, n)
	}
	seenPoint := make(map[int]struct{}, n)
	for i, pt := range g.MeshPoints {
		if pt < 0 || pt >= g.NumLocalPoints {
			return fmt.Errorf("rank %d: shared point %d has local id %d outside [0,%d)",
				g.Rank, i, pt, g.NumLocalPoints)
		}
		if _, dup := seenPoint[pt]; dup {
			return fmt.Errorf("rank %d: local point %d listed twice", g.Rank, pt)
		}
		seenPoint[pt] = struct{}{}
	}
	owner := make(map[int]int)
	for i, group := range g.Slaves {
		for _, slot := range group {
			if slot < n || slot >= g.Schedule.ConstructSize {
				return fmt.Errorf("rank %d: slave slot %d of group %d outside [%d,%d)",
					g.Rank, slot, i, n, g.Schedule.ConstructSize)
			}
			if prev, dup := owner[slot]; dup {
				return fmt.Errorf("rank %d: slot %d belongs to groups %d and %d", g.Rank, slot, prev, i)
			}
			owner[slot] = i
		}
	}
	return g.Schedule.Validate()
}

// Build derives the global point data of every partition from a point
// connector. The master copy of a shared point lives on the lowest
// partition holding it; all other copies are received into slave slots on
// the master and pushed back after combining.
func Build(pc *utils.PointConnector) ([]*GlobalPointData, error) {
	if err := pc.Verify(); err != nil {
		return nil, fmt.Errorf("invalid point connectivity: %w", err)
	}
	nPart := pc.NumPartitions

	gpds := make([]*GlobalPointData, nPart)
	position := make([]map[int]int, nPart) // [rank][globalPoint] → send position
	for r := 0; r < nPart; r++ {
		shared := pc.SharedPoints[r]
		g := &GlobalPointData{
			Rank:           r,
			NumLocalPoints: pc.NumLocalPoints(r),
			MeshPoints:     append([]int(nil), shared...),
			GlobalPoints:   make([]int, len(shared)),
			Slaves:         make([][]int, len(shared)),
			Schedule: exchange.Schedule{
				SendSize:      len(shared),
				ConstructSize: len(shared),
				SubMap:        make([][]int, nPart),
				ConstructMap:  make([][]int, nPart),
			},
		}
		position[r] = make(map[int]int, len(shared))
		for i, local := range shared {
			global := pc.LocalToGlobalPoint[r][local]
			g.GlobalPoints[i] = global
			position[r][global] = i
			// Own copies map onto themselves
			g.Schedule.SubMap[r] = append(g.Schedule.SubMap[r], i)
			g.Schedule.ConstructMap[r] = append(g.Schedule.ConstructMap[r], i)
		}
		gpds[r] = g
	}

	// Every slave ships the points it shares with a lower partition that
	// masters them. Pick and place lists walk the pair's points in the same
	// ascending global order, so sub and construct maps stay aligned.
	for slave := 0; slave < nPart; slave++ {
		sg := gpds[slave]
		for master := 0; master < slave; master++ {
			mg := gpds[master]
			pick := pc.GetPickIndices(slave, master)
			place := pc.GetPlaceIndices(master, slave)
			for i, local := range pick {
				global := pc.LocalToGlobalPoint[slave][local]
				if pc.Master(global) != master {
					continue
				}
				mpos := position[master][pc.LocalToGlobalPoint[master][place[i]]]
				slot := mg.Schedule.ConstructSize
				mg.Schedule.ConstructSize++
				mg.Schedule.ConstructMap[slave] = append(mg.Schedule.ConstructMap[slave], slot)
				mg.Slaves[mpos] = append(mg.Slaves[mpos], slot)
				sg.Schedule.SubMap[master] = append(sg.Schedule.SubMap[master], position[slave][global])
			}
		}
	}

	schedules := make([]*exchange.Schedule, nPart)
	for r, g := range gpds {
		if err := g.Validate(); err != nil {
			return nil, err
		}
		schedules[r] = &g.Schedule
	}
	if err := exchange.ValidateSymmetry(schedules); err != nil {
		return nil, fmt.Errorf("asymmetric communication pattern: %w", err)
	}
	return gpds, nil
}

// NewPlans binds every rank's schedule to its transport
func NewPlans[T any](gpds []*GlobalPointData, world []exchange.Transport[T],
	opts ...exchange.Option) ([]*exchange.MapDistribute[T], error) {
	if len(world) != len(gpds) {
		return nil, fmt.Errorf("%d transports for %d ranks", len(world), len(gpds))
	}
	plans := make([]*exchange.MapDistribute[T], len(gpds))
	for r, g := range gpds {
		md, err := exchange.NewMapDistribute(world[r], g.Schedule, opts...)
		if err != nil {
			return nil, err
		}
		plans[r] = md
	}
	return plans, nil
}
