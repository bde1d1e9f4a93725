package arrayfill

// Guard runs an abort action if a scope exits before the work inside it
// completed. Pair it with defer:
//
//	buf := arrayfill.NewBuffer[T](n)
//	g := arrayfill.NewGuard(buf.Discard)
//	defer g.Release()
//	// ... commit slots ...
//	g.Disarm()
//
// Release fires on every exit path, normal or panicking, so the abort action
// runs exactly when the scope is left with the guard still armed. A Guard is
// single-use and not safe for concurrent use.
type Guard struct {
	abort func()
	done  bool
}

// NewGuard returns an armed guard that will run abort on Release.
func NewGuard(abort func()) *Guard {
	return &Guard{abort: abort}
}

// Disarm marks the work complete. Release becomes a no-op.
func (g *Guard) Disarm() {
	g.done = true
}

// Release runs the abort action unless the guard was disarmed. The guard is
// marked done before the action runs, so the action fires at most once even
// if Release is reached again through a nested unwind.
func (g *Guard) Release() {
	if g.done {
		return
	}
	g.done = true
	g.abort()
}
