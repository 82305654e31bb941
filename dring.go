package netsim

//
// Double ring
//

// DoubleRing orders cyclic sequence numbers drawn from a namespace at
// least twice as wide as its window. Values are partitioned into two
// sorted queues: the first holds the "smaller" range currently being
// drained, the second collects values that wrapped past it. When the
// first queue drains the two swap, so Pop yields values in wrap-safe
// non-decreasing order without false orderings across the wrap. The
// zero value is invalid; construct using [NewDoubleRing].
type DoubleRing struct {
	// small holds the range currently being drained.
	small *SortedQueue

	// large holds values that wrapped past the small range.
	large *SortedQueue

	// windowSize is the maximum distance between values that belong
	// to the same range.
	windowSize int
}

// NewDoubleRing creates a [DoubleRing] with the given window size. The
// namespace the values are drawn from must be at least 2*windowSize wide.
func NewDoubleRing(windowSize int) *DoubleRing {
	return &DoubleRing{
		small: NewSortedQueue(),
		large: NewSortedQueue(),
		windowSize: windowSize,
	}
}

// Insert adds a value to the ring closest to the values already there.
func (dr *DoubleRing) Insert(data int) {
	if dr.small.Len() == 0 {
		dr.small.Insert(data)
		return
	}
	dist := data - dr.small.PeekTail()
	if dist < 0 {
		dist = -dist
	}
	if dist < dr.windowSize {
		dr.small.Insert(data)
		return
	}
	dr.large.Insert(data)
}

// Peek returns (but keeps) the wrap-safe smallest value, or -1 when
// the ring is empty.
func (dr *DoubleRing) Peek() int {
	return dr.small.Peek()
}

// Pop removes and returns the wrap-safe smallest value, or -1 when the
// ring is empty. When the draining queue becomes empty the two queues
// swap.
func (dr *DoubleRing) Pop() int {
	ret := dr.small.Pop()
	if ret >= 0 && dr.small.Len() == 0 {
		dr.small, dr.large = dr.large, dr.small
	}
	return ret
}

// Len returns the total number of values held by both queues.
func (dr *DoubleRing) Len() int {
	return dr.small.Len() + dr.large.Len()
}
