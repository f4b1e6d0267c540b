package utils

import (
	"fmt"
	"sort"
)

// PointConnector manages pick and place indices for the mesh points shared by
// the partitions of a partitioned mesh
type PointConnector struct {
	// Mesh dimensions
	NumPartitions int
	K             int // Total elements
	NumPoints     int // Total global points

	// Input connectivity
	EToV [][]int // Element → global point ids
	EToP []int   // Element → partition mapping

	// Partition mappings
	ElemsPerPartition  []int         // Elements per partition
	LocalToGlobalElem  [][]int       // [partition][localElem] → globalElem
	LocalToGlobalPoint [][]int       // [partition][localPoint] → globalPoint, ascending
	GlobalToLocalPoint []map[int]int // [partition][globalPoint] → localPoint

	// PointPartitions lists, for every global point, the partitions holding
	// it in ascending order
	PointPartitions [][]int

	// SharedPoints[p] holds the local ids of the points partition p shares
	// with at least one other partition, ordered by global id
	SharedPoints [][]int

	// Pick/Place indices per partition pair
	PickIndices  [][]PickBuffer  // [sourcePartition][targetPartition]
	PlaceIndices [][]PlaceBuffer // [targetPartition][sourcePartition]
}

// PickBuffer contains local point indices gathered to send
type PickBuffer struct {
	Indices         []int
	TargetPartition int
}

// PlaceBuffer contains local point indices receiving values
type PlaceBuffer struct {
	Indices         []int
	SourcePartition int
}

// NewPointConnector creates a point connector from element connectivity
func NewPointConnector(EToV [][]int, EToP []int) (*PointConnector, error) {
	K := len(EToV)
	if K == 0 {
		return nil, fmt.Errorf("invalid dimensions: K=%d", K)
	}
	if len(EToP) != K {
		return nil, fmt.Errorf("EToP length %d does not match K=%d", len(EToP), K)
	}

	numPartitions, numPoints := 0, 0
	for k := 0; k < K; k++ {
		if EToP[k] < 0 {
			return nil, fmt.Errorf("element %d has invalid partition %d", k, EToP[k])
		}
		if EToP[k]+1 > numPartitions {
			numPartitions = EToP[k] + 1
		}
		for _, v := range EToV[k] {
			if v < 0 {
				return nil, fmt.Errorf("element %d references invalid point %d", k, v)
			}
			if v+1 > numPoints {
				numPoints = v + 1
			}
		}
	}

	pc := &PointConnector{
		NumPartitions: numPartitions,
		K:             K,
		NumPoints:     numPoints,
		EToV:          EToV,
		EToP:          EToP,
	}

	pc.buildElementMappings()
	pc.buildPointMappings()
	pc.initializeBuffers()
	pc.BuildIndices()

	return pc, nil
}

// buildElementMappings groups elements by partition, keeping global order
func (pc *PointConnector) buildElementMappings() {
	pc.ElemsPerPartition = make([]int, pc.NumPartitions)
	pc.LocalToGlobalElem = make([][]int, pc.NumPartitions)
	for globalElem, p := range pc.EToP {
		pc.ElemsPerPartition[p]++
		pc.LocalToGlobalElem[p] = append(pc.LocalToGlobalElem[p], globalElem)
	}
}

// buildPointMappings numbers the points each partition touches and records
// which partitions hold every global point
func (pc *PointConnector) buildPointMappings() {
	holders := make([]map[int]struct{}, pc.NumPoints)
	for globalElem, p := range pc.EToP {
		for _, v := range pc.EToV[globalElem] {
			if holders[v] == nil {
				holders[v] = make(map[int]struct{})
			}
			holders[v][p] = struct{}{}
		}
	}

	pc.PointPartitions = make([][]int, pc.NumPoints)
	pc.LocalToGlobalPoint = make([][]int, pc.NumPartitions)
	for v, parts := range holders {
		for p := range parts {
			pc.PointPartitions[v] = append(pc.PointPartitions[v], p)
		}
		sort.Ints(pc.PointPartitions[v])
		// v increases monotonically, so local numbering follows global order
		for _, p := range pc.PointPartitions[v] {
			pc.LocalToGlobalPoint[p] = append(pc.LocalToGlobalPoint[p], v)
		}
	}

	pc.GlobalToLocalPoint = make([]map[int]int, pc.NumPartitions)
	pc.SharedPoints = make([][]int, pc.NumPartitions)
	for p := 0; p < pc.NumPartitions; p++ {
		pc.GlobalToLocalPoint[p] = make(map[int]int, len(pc.LocalToGlobalPoint[p]))
		for local, global := range pc.LocalToGlobalPoint[p] {
			pc.GlobalToLocalPoint[p][global] = local
			if len(pc.PointPartitions[global]) > 1 {
				pc.SharedPoints[p] = append(pc.SharedPoints[p], local)
			}
		}
	}
}

// initializeBuffers creates empty pick and place buffer structures
func (pc *PointConnector) initializeBuffers() {
	pc.PickIndices = make([][]PickBuffer, pc.NumPartitions)
	pc.PlaceIndices = make([][]PlaceBuffer, pc.NumPartitions)

	for p := 0; p < pc.NumPartitions; p++ {
		pc.PickIndices[p] = make([]PickBuffer, pc.NumPartitions)
		pc.PlaceIndices[p] = make([]PlaceBuffer, pc.NumPartitions)

		for q := 0; q < pc.NumPartitions; q++ {
			pc.PickIndices[p][q] = PickBuffer{
				Indices:         make([]int, 0),
				TargetPartition: q,
			}
			pc.PlaceIndices[p][q] = PlaceBuffer{
				Indices:         make([]int, 0),
				SourcePartition: q,
			}
		}
	}
}

// BuildIndices constructs pick and place indices for every shared point.
// Both sides of a pair walk the shared points in ascending global order, so
// pick[p][q][i] and place[q][p][i] always name the same physical point.
func (pc *PointConnector) BuildIndices() {
	for v, parts := range pc.PointPartitions {
		if len(parts) < 2 {
			continue
		}
		for _, p := range parts {
			for _, q := range parts {
				if p == q {
					continue
				}
				pc.PickIndices[p][q].Indices = append(pc.PickIndices[p][q].Indices,
					pc.GlobalToLocalPoint[p][v])
				pc.PlaceIndices[q][p].Indices = append(pc.PlaceIndices[q][p].Indices,
					pc.GlobalToLocalPoint[q][v])
			}
		}
	}
}

// NumLocalPoints returns the number of points held by partition p
func (pc *PointConnector) NumLocalPoints(p int) int {
	if p < 0 || p >= pc.NumPartitions {
		return 0
	}
	return len(pc.LocalToGlobalPoint[p])
}

// Master returns the partition owning the master copy of a global point,
// which is the lowest partition holding it, or -1 for an unused point
func (pc *PointConnector) Master(globalPoint int) int {
	if globalPoint < 0 || globalPoint >= pc.NumPoints || len(pc.PointPartitions[globalPoint]) == 0 {
		return -1
	}
	return pc.PointPartitions[globalPoint][0]
}

// GetPickIndices returns pick indices for sending from source to target partition
func (pc *PointConnector) GetPickIndices(sourcePartition, targetPartition int) []int {
	if sourcePartition < 0 || sourcePartition >= pc.NumPartitions ||
		targetPartition < 0 || targetPartition >= pc.NumPartitions {
		return nil
	}
	return pc.PickIndices[sourcePartition][targetPartition].Indices
}

// GetPlaceIndices returns place indices for target partition receiving from source
func (pc *PointConnector) GetPlaceIndices(targetPartition, sourcePartition int) []int {
	if targetPartition < 0 || targetPartition >= pc.NumPartitions ||
		sourcePartition < 0 || sourcePartition >= pc.NumPartitions {
		return nil
	}
	return pc.PlaceIndices[targetPartition][sourcePartition].Indices
}

// Verify checks index validity and correspondence
func (pc *PointConnector) Verify() error {
	// Verify 1: Local validity - all pick and place indices are within bounds
	for p := 0; p < pc.NumPartitions; p++ {
		maxLocal := len(pc.LocalToGlobalPoint[p])
		for q := 0; q < pc.NumPartitions; q++ {
			for _, idx := range pc.PickIndices[p][q].Indices {
				if idx < 0 || idx >= maxLocal {
					return fmt.Errorf("invalid pick index %d for partition %d (max %d)",
						idx, p, maxLocal-1)
				}
			}
			for _, idx := range pc.PlaceIndices[p][q].Indices {
				if idx < 0 || idx >= maxLocal {
					return fmt.Errorf("invalid place index %d for partition %d (max %d)",
						idx, p, maxLocal-1)
				}
			}
		}
	}

	// Verify 2: Correspondence - pick and place name the same global points
	for p := 0; p < pc.NumPartitions; p++ {
		for q := 0; q < pc.NumPartitions; q++ {
			pick := pc.PickIndices[p][q].Indices
			place := pc.PlaceIndices[q][p].Indices
			if len(pick) != len(place) {
				return fmt.Errorf("length mismatch: pick[%d][%d]=%d, place[%d][%d]=%d",
					p, q, len(pick), q, p, len(place))
			}
			for i := range pick {
				gp := pc.LocalToGlobalPoint[p][pick[i]]
				gq := pc.LocalToGlobalPoint[q][place[i]]
				if gp != gq {
					return fmt.Errorf("pick[%d][%d][%d] is point %d but place[%d][%d][%d] is point %d",
						p, q, i, gp, q, p, i, gq)
				}
			}
		}
	}

	// Verify 3: Conservation - every shared copy is picked once per peer
	totalPicks, expected := 0, 0
	for p := 0; p < pc.NumPartitions; p++ {
		for q := 0; q < pc.NumPartitions; q++ {
			totalPicks += len(pc.PickIndices[p][q].Indices)
		}
	}
	for _, parts := range pc.PointPartitions {
		if n := len(parts); n > 1 {
			expected += n * (n - 1)
		}
	}
	if totalPicks != expected {
		return fmt.Errorf("conservation error: total picks %d != expected %d", totalPicks, expected)
	}

	return nil
}
