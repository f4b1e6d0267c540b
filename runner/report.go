package runner

import (
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
)

// Mismatch records a shared point whose copies disagree
type Mismatch struct {
	GlobalPoint int
	Partitions  []int
	Deviation   float64
}

// Report summarizes a run
type Report struct {
	RunID        string
	Ranks        int
	Points       int
	SharedPoints int
	Corners      []int // per rank
	MaxDeviation float64
	Mismatches   []Mismatch
}

// Consistent reports whether every shared point ended up identical on all
// partitions holding it
func (rep *Report) Consistent() bool { return len(rep.Mismatches) == 0 }

// TotalCorners sums the corner points of all ranks
func (rep *Report) TotalCorners() int {
	n := 0
	for _, c := range rep.Corners {
		n += c
	}
	return n
}

func (rep *Report) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s: %d ranks, %d points, %d shared, %d corner copies\n",
		rep.RunID, rep.Ranks, rep.Points, rep.SharedPoints, rep.TotalCorners())
	if rep.Consistent() {
		b.WriteString("all shared points consistent\n")
		return b.String()
	}
	fmt.Fprintf(&b, "%d shared points inconsistent, max deviation %g\n",
		len(rep.Mismatches), rep.MaxDeviation)
	for _, m := range rep.Mismatches {
		fmt.Fprintf(&b, "  point %d on partitions %v: deviation %g\n",
			m.GlobalPoint, m.Partitions, m.Deviation)
	}
	return b.String()
}

// report compares every copy of every shared point against its master copy
func (r *Runner) report(results []rankResult) *Report {
	pc := r.Connector
	rep := &Report{
		RunID:   r.RunID,
		Ranks:   len(results),
		Points:  pc.NumPoints,
		Corners: make([]int, len(results)),
	}
	for rank, res := range results {
		rep.Corners[rank] = res.corners
	}

	for gp, parts := range pc.PointPartitions {
		if len(parts) < 2 {
			continue
		}
		rep.SharedPoints++
		master := pc.Master(gp)
		ref := results[master].values[pc.GlobalToLocalPoint[master][gp]]
		dev := 0.
		for _, p := range parts {
			if p == master {
				continue
			}
			v := results[p].values[pc.GlobalToLocalPoint[p][gp]]
			for i := range ref {
				dev = math.Max(dev, math.Abs(v[i]-ref[i]))
			}
		}
		if dev > 0 {
			rep.Mismatches = append(rep.Mismatches, Mismatch{
				GlobalPoint: gp,
				Partitions:  parts,
				Deviation:   dev,
			})
			rep.MaxDeviation = math.Max(rep.MaxDeviation, dev)
		}
	}
	r.log.Info("run complete",
		zap.Int("shared", rep.SharedPoints),
		zap.Int("corners", rep.TotalCorners()),
		zap.Int("mismatches", len(rep.Mismatches)))
	return rep
}
