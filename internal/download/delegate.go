package download

// Delegate receives completion notifications for downloads and stacks.
// All notifications are best-effort: the core never depends on what a
// delegate does, and a nil delegate is tolerated everywhere.
//
// OnFinished and OnFailed are mutually exclusive per download and fire
// exactly once, from the transfer goroutine. A cancelled download fires
// neither. OnStackFinished fires once per stack, after every member has
// reached a terminal state, with the full original member slice; it is
// suppressed when the whole stack was cancelled through CancelStack.
type Delegate interface {
	OnFinished(d *Download)
	OnFailed(d *Download, err error)
	OnStackFinished(m *Manager, downloads []*Download)
}

// DelegateFuncs adapts plain functions to the Delegate interface so
// callers can implement any subset of the callbacks. Nil fields are
// skipped.
type DelegateFuncs struct {
	Finished      func(d *Download)
	Failed        func(d *Download, err error)
	StackFinished func(m *Manager, downloads []*Download)
}

func (f *DelegateFuncs) OnFinished(d *Download) {
	if f.Finished != nil {
		f.Finished(d)
	}
}

func (f *DelegateFuncs) OnFailed(d *Download, err error) {
	if f.Failed != nil {
		f.Failed(d, err)
	}
}

func (f *DelegateFuncs) OnStackFinished(m *Manager, downloads []*Download) {
	if f.StackFinished != nil {
		f.StackFinished(m, downloads)
	}
}
