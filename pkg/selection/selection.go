// Package selection prunes populations using their payoff matrix.
package selection

import "github.com/fortiblox/subleq/pkg/payoff"

// Dominates reports whether row j strictly dominates row i: at least as
// good in every column and better in at least one.
func Dominates(m payoff.Matrix, j, i int) bool {
	better := false
	for k := 0; k < m.Cols; k++ {
		vj, vi := m.At(j, k), m.At(i, k)
		if vj < vi {
			return false
		}
		if vj > vi {
			better = true
		}
	}
	return better
}

// SkimDominated performs iterated elimination of strictly dominated rows.
//
// Each round removes, simultaneously, every active row dominated by another
// active row. It stops at a fixed point, when at most one row remains, or
// after maxRounds rounds (maxRounds <= 0 means m.Rows). The surviving
// original row indices are returned in ascending order.
func SkimDominated(m payoff.Matrix, maxRounds int) []int {
	active := make([]int, m.Rows)
	for i := range active {
		active[i] = i
	}
	if maxRounds <= 0 {
		maxRounds = m.Rows
	}

	for round := 0; round < maxRounds && len(active) > 1; round++ {
		survivors := active[:0:0]
		for _, i := range active {
			dominated := false
			for _, j := range active {
				if i != j && Dominates(m, j, i) {
					dominated = true
					break
				}
			}
			if !dominated {
				survivors = append(survivors, i)
			}
		}
		if len(survivors) == len(active) {
			break
		}
		active = survivors
	}
	return active
}
