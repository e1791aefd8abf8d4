package notification

// Observer receives change notifications.
//
// FileNotification is called on the service's own goroutine, never on the
// goroutine that registered the observer, and must not block indefinitely.
// Observers are identified by their interface value, so implementations
// must be comparable; pointer receivers are the usual choice.
type Observer interface {
	FileNotification(path string, flags Flags)
}

type funcObserver struct {
	fn func(path string, flags Flags)
}

func (o *funcObserver) FileNotification(path string, flags Flags) {
	o.fn(path, flags)
}

// ObserverFunc returns an Observer calling fn. Every call returns a
// distinct Observer.
func ObserverFunc(fn func(path string, flags Flags)) Observer {
	return &funcObserver{fn: fn}
}
