package escrow

// Window is the [Start, End] interval (unix seconds, inclusive bounds) during
// which the taker may claim. The three predicates partition the timeline: for
// any t exactly one of BeforeStart, Active, Expired holds. t == End still
// counts as active, so claim and reclaim windows are adjacent without overlap
// or gap.
type Window struct {
	Start int64
	End   int64
}

// Bounded reports whether the window is well-formed (Start <= End).
func (w Window) Bounded() bool {
	return w.Start <= w.End
}

// BeforeStart reports whether t falls before the claim window opens.
func (w Window) BeforeStart(t int64) bool {
	return t < w.Start
}

// Active reports whether t falls inside the claim window.
func (w Window) Active(t int64) bool {
	return t >= w.Start && t <= w.End
}

// Expired reports whether t falls strictly after the claim window, i.e. the
// maker may reclaim.
func (w Window) Expired(t int64) bool {
	return t > w.End
}
