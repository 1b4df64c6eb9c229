package queue

import "math/rand/v2"

// Generate returns a uniform random permutation of [0, n) (Fisher–Yates).
// When current is a valid index it is moved to position 0 so that turning
// shuffle on does not interrupt the playing entry.
func Generate(n, current int, rng *rand.Rand) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	for i := n - 1; i > 0; i-- {
		j := rng.IntN(i + 1)
		order[i], order[j] = order[j], order[i]
	}

	if current < 0 || current >= n {
		return order
	}
	for i, v := range order {
		if v == current {
			order[0], order[i] = order[i], order[0]
			break
		}
	}
	return order
}

func identity(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	return order
}

// isPermutation reports whether order holds every index of [0, n) exactly once
func isPermutation(order []int, n int) bool {
	if len(order) != n {
		return false
	}
	seen := make([]bool, n)
	for _, v := range order {
		if v < 0 || v >= n || seen[v] {
			return false
		}
		seen[v] = true
	}
	return true
}
