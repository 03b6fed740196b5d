package engine

// CallbackKind enumerates the notification kinds a client may subscribe
// to (spec.md §4.F / §6).
type CallbackKind int

const (
	AddClient CallbackKind = iota
	RemoveClient
	Activate
	PortRegistrationOn
	PortRegistrationOff
	PortConnectCB
	PortDisconnectCB
	PortRename
	GraphOrder
	BufferSize
	SampleRate
	StartFreewheel
	StopFreewheel
	XRun
	ShutDown
)

func (k CallbackKind) String() string {
	switch k {
	case AddClient:
		return "AddClient"
	case RemoveClient:
		return "RemoveClient"
	case Activate:
		return "Activate"
	case PortRegistrationOn:
		return "PortRegistrationOn"
	case PortRegistrationOff:
		return "PortRegistrationOff"
	case PortConnectCB:
		return "PortConnect"
	case PortDisconnectCB:
		return "PortDisconnect"
	case PortRename:
		return "PortRename"
	case GraphOrder:
		return "GraphOrder"
	case BufferSize:
		return "BufferSize"
	case SampleRate:
		return "SampleRate"
	case StartFreewheel:
		return "StartFreewheel"
	case StopFreewheel:
		return "StopFreewheel"
	case XRun:
		return "XRun"
	case ShutDown:
		return "ShutDown"
	default:
		return "Unknown"
	}
}

// NotifyFunc is a client's handler for one callback kind. payload's
// concrete type depends on kind (e.g. int refnum for AddClient, nothing
// for XRun).
type NotifyFunc func(kind CallbackKind, payload any) error

// Callback pairs a handler with its delivery mode. Synchronous callbacks
// block notify() until the handler returns; asynchronous ones run in
// their own goroutine and their error, if any, is handed to the
// client's owning engine via ErrorHandler.
type Callback struct {
	Fn   NotifyFunc
	Sync bool
}

// notify delivers kind/payload to every live client that subscribed to
// it. Callers must not hold e.mu.
func (e *Engine) notify(kind CallbackKind, payload any) {
	e.mu.Lock()
	targets := make([]*Client, 0, len(e.clients))
	for _, c := range e.clients {
		if _, ok := c.Callbacks[kind]; ok {
			targets = append(targets, c)
		}
	}
	e.mu.Unlock()

	for _, c := range targets {
		cb := c.Callbacks[kind]
		if cb.Sync {
			if err := cb.Fn(kind, payload); err != nil {
				e.errorHandler.HandleError(err)
			}
			continue
		}
		go func(cb Callback) {
			if err := cb.Fn(kind, payload); err != nil {
				e.errorHandler.HandleError(err)
			}
		}(cb)
	}
}
