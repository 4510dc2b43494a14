package tagtree

import "slices"

// NextSize returns the page size following current in the ascending list
// sizes. ok is false when current is the last size or is not listed.
func NextSize(sizes []int, current int) (next int, ok bool) {
	i, found := slices.BinarySearch(sizes, current)
	if !found || i >= len(sizes)-1 {
		return current, false
	}
	return sizes[i+1], true
}

// FirstSize returns the smallest page size, or fallback when none is listed.
func FirstSize(sizes []int, fallback int) int {
	if len(sizes) == 0 {
		return fallback
	}
	return sizes[0]
}

// LastSize returns the largest page size, or fallback when none is listed.
func LastSize(sizes []int, fallback int) int {
	if len(sizes) == 0 {
		return fallback
	}
	return sizes[len(sizes)-1]
}
