package topology

import (
	"testing"

	"github.com/SkyatSpace/RapidCFD-dev/exchange"
	"github.com/SkyatSpace/RapidCFD-dev/utils"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func build(t *testing.T, EToV [][]int, EToP []int) []*GlobalPointData {
	t.Helper()
	pc, err := utils.NewPointConnector(EToV, EToP)
	require.NoError(t, err)
	gpds, err := Build(pc)
	require.NoError(t, err)
	return gpds
}

func TestBuild_TwoPartitions(t *testing.T) {
	gpds := build(t,
		[][]int{{0, 1, 2}, {1, 2, 3}, {2, 3, 4}, {3, 4, 5}},
		[]int{0, 0, 1, 1})
	require.Len(t, gpds, 2)

	master := gpds[0]
	assert.Equal(t, []int{2, 3}, master.MeshPoints)
	assert.Equal(t, []int{2, 3}, master.GlobalPoints)
	assert.Equal(t, [][]int{{2}, {3}}, master.Slaves)
	assert.Equal(t, 2, master.Schedule.SendSize)
	assert.Equal(t, 4, master.Schedule.ConstructSize)
	assert.Equal(t, []int{2, 3}, master.Schedule.ConstructMap[1])
	assert.Empty(t, master.Schedule.SubMap[1])

	slave := gpds[1]
	assert.Equal(t, []int{0, 1}, slave.MeshPoints)
	assert.Equal(t, [][]int{nil, nil}, slave.Slaves)
	assert.Equal(t, 2, slave.Schedule.ConstructSize)
	assert.Equal(t, []int{0, 1}, slave.Schedule.SubMap[0])
	assert.Empty(t, slave.Schedule.ConstructMap[0])
}

func TestBuild_ThreeWayPoint(t *testing.T) {
	gpds := build(t, [][]int{{0, 1}, {1, 2}, {1, 3}}, []int{0, 1, 2})
	require.Len(t, gpds, 3)

	assert.Equal(t, []int{1}, gpds[0].MeshPoints)
	assert.Equal(t, [][]int{{1, 2}}, gpds[0].Slaves)
	want := exchange.Schedule{
		SendSize:      1,
		ConstructSize: 3,
		SubMap:        [][]int{{0}, {}, {}},
		ConstructMap:  [][]int{{0}, {1}, {2}},
	}
	if diff := cmp.Diff(want, gpds[0].Schedule, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("master schedule mismatch (-want +got):\n%s", diff)
	}
	for r := 1; r < 3; r++ {
		assert.Equal(t, []int{0}, gpds[r].MeshPoints)
		assert.Equal(t, []int{1}, gpds[r].GlobalPoints)
		assert.Equal(t, []int{0}, gpds[r].Schedule.SubMap[0])
		assert.Equal(t, 1, gpds[r].NumShared())
	}
}

func TestBuild_MastersPerPoint(t *testing.T) {
	// Point 1 is held by all three partitions and point 2 by partitions 1
	// and 2, so partition 2 ships point 1 to 0 and point 2 to 1
	gpds := build(t, [][]int{{0, 1}, {1, 2}, {1, 3}, {2, 3}}, []int{0, 1, 2, 2})
	require.Len(t, gpds, 3)

	want := []exchange.Schedule{
		{
			SendSize:      1,
			ConstructSize: 3,
			SubMap:        [][]int{{0}, {}, {}},
			ConstructMap:  [][]int{{0}, {1}, {2}},
		},
		{
			SendSize:      2,
			ConstructSize: 3,
			SubMap:        [][]int{{0}, {0, 1}, {}},
			ConstructMap:  [][]int{{}, {0, 1}, {2}},
		},
		{
			SendSize:      2,
			ConstructSize: 2,
			SubMap:        [][]int{{0}, {1}, {0, 1}},
			ConstructMap:  [][]int{{}, {}, {0, 1}},
		},
	}
	for r, g := range gpds {
		if diff := cmp.Diff(want[r], g.Schedule, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("rank %d schedule mismatch (-want +got):\n%s", r, diff)
		}
	}
	assert.Equal(t, [][]int{{1, 2}}, gpds[0].Slaves)
	assert.Equal(t, [][]int{nil, {2}}, gpds[1].Slaves)
	assert.Equal(t, []int{1, 2}, gpds[2].GlobalPoints)
}

func TestBuild_SinglePartition(t *testing.T) {
	gpds := build(t, [][]int{{0, 1, 2}, {1, 2, 3}}, []int{0, 0})
	require.Len(t, gpds, 1)
	assert.Zero(t, gpds[0].NumShared())
	assert.Equal(t, 4, gpds[0].NumLocalPoints)
	assert.NoError(t, gpds[0].Validate())
}

func TestGlobalPointData_Validate(t *testing.T) {
	valid := func() *GlobalPointData {
		return &GlobalPointData{
			Rank:           0,
			NumLocalPoints: 4,
			MeshPoints:     []int{2, 3},
			Slaves:         [][]int{{2}, {3}},
			Schedule: exchange.Schedule{
				SendSize:      2,
				ConstructSize: 4,
				SubMap:        [][]int{{0, 1}, {}},
				ConstructMap:  [][]int{{0, 1}, {2, 3}},
			},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(g *GlobalPointData)
	}{
		{"slave slot in send part", func(g *GlobalPointData) { g.Slaves[0] = []int{1} }},
		{"slave slot past construct buffer", func(g *GlobalPointData) { g.Slaves[0] = []int{4} }},
		{"slot in two groups", func(g *GlobalPointData) { g.Slaves[1] = []int{2} }},
		{"group count", func(g *GlobalPointData) { g.Slaves = g.Slaves[:1] }},
		{"duplicate mesh point", func(g *GlobalPointData) { g.MeshPoints[1] = 2 }},
		{"mesh point out of range", func(g *GlobalPointData) { g.MeshPoints[1] = 9 }},
		{"send size", func(g *GlobalPointData) { g.Schedule.SendSize = 3 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := valid()
			tt.mutate(g)
			assert.Error(t, g.Validate())
		})
	}
}

func TestNewPlans(t *testing.T) {
	gpds := build(t, [][]int{{0, 1}, {1, 2}, {1, 3}}, []int{0, 1, 2})

	plans, err := NewPlans(gpds, exchange.Transports(exchange.NewChannelWorld[float64](3, 0)))
	require.NoError(t, err)
	require.Len(t, plans, 3)
	assert.Equal(t, 3, plans[0].ConstructSize())
	assert.Equal(t, 1, plans[2].SendSize())

	_, err = NewPlans(gpds, exchange.Transports(exchange.NewChannelWorld[float64](2, 0)))
	assert.Error(t, err)
}
