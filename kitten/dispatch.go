package kitten

// events surfaced to the view

// A listener is any value. It receives exactly the events whose interfaces it implements;
// the others are skipped. A consumer implements only the events it cares about.

type ModelDidLoadListener interface {
	// once per snapshot
	ModelDidLoad(model *Model, recentChanges []*Change, version Version)
}

type ChangeDidArriveListener interface {
	// once per delta, after all kitten events
	ChangeDidArrive(change *Change, affectedEmails []string)
}

type KittenDidMakeChangeListener interface {
	// once per affected, known kitten per delta
	KittenDidMakeChange(model *Model, kitten *Kitten, change *Change)
}

type SocketDidOpenListener interface {
	SocketDidOpen(model *Model)
}

type SocketDidCloseListener interface {
	SocketDidClose(model *Model)
}

type VersionDidChangeListener interface {
	// a snapshot arrived from a different server epoch than the previous snapshot.
	// The local state may be stale relative to the consumer's caches; the prescribed action is a full reload.
	VersionDidChange(model *Model, previous Version, current Version)
}

// per-kitten subscriber
type KittenChangeFunction = func(kitten *Kitten, change *Change)

// a listener built from optional funcs. nil funcs are skipped.
type ListenerFuncs struct {
	OnModelDidLoad        func(model *Model, recentChanges []*Change, version Version)
	OnChangeDidArrive     func(change *Change, affectedEmails []string)
	OnKittenDidMakeChange func(model *Model, kitten *Kitten, change *Change)
	OnSocketDidOpen       func(model *Model)
	OnSocketDidClose      func(model *Model)
	OnVersionDidChange    func(model *Model, previous Version, current Version)
}

func (self *ListenerFuncs) ModelDidLoad(model *Model, recentChanges []*Change, version Version) {
	if self.OnModelDidLoad != nil {
		self.OnModelDidLoad(model, recentChanges, version)
	}
}

func (self *ListenerFuncs) ChangeDidArrive(change *Change, affectedEmails []string) {
	if self.OnChangeDidArrive != nil {
		self.OnChangeDidArrive(change, affectedEmails)
	}
}

func (self *ListenerFuncs) KittenDidMakeChange(model *Model, kitten *Kitten, change *Change) {
	if self.OnKittenDidMakeChange != nil {
		self.OnKittenDidMakeChange(model, kitten, change)
	}
}

func (self *ListenerFuncs) SocketDidOpen(model *Model) {
	if self.OnSocketDidOpen != nil {
		self.OnSocketDidOpen(model)
	}
}

func (self *ListenerFuncs) SocketDidClose(model *Model) {
	if self.OnSocketDidClose != nil {
		self.OnSocketDidClose(model)
	}
}

func (self *ListenerFuncs) VersionDidChange(model *Model, previous Version, current Version) {
	if self.OnVersionDidChange != nil {
		self.OnVersionDidChange(model, previous, current)
	}
}

// routes model events to the listener and to kitten subscribers.
// The model never calls view code directly.
// note all calls are wrapped to recover from errors
type Dispatcher struct {
	listener              any
	dispatchKittenChanges bool
}

func NewDispatcher(listener any, dispatchKittenChanges bool) *Dispatcher {
	return &Dispatcher{
		listener:              listener,
		dispatchKittenChanges: dispatchKittenChanges,
	}
}

func (self *Dispatcher) modelDidLoad(model *Model, recentChanges []*Change, version Version) {
	if listener, ok := self.listener.(ModelDidLoadListener); ok {
		HandleError(func() {
			listener.ModelDidLoad(model, recentChanges, version)
		})
	}
}

func (self *Dispatcher) versionDidChange(model *Model, previous Version, current Version) {
	if listener, ok := self.listener.(VersionDidChangeListener); ok {
		HandleError(func() {
			listener.VersionDidChange(model, previous, current)
		})
	}
}

func (self *Dispatcher) changeDidArrive(change *Change, affectedEmails []string) {
	if listener, ok := self.listener.(ChangeDidArriveListener); ok {
		HandleError(func() {
			listener.ChangeDidArrive(change, affectedEmails)
		})
	}
}

func (self *Dispatcher) kittenDidMakeChange(model *Model, kitten *Kitten, change *Change) {
	if !self.dispatchKittenChanges {
		return
	}
	if listener, ok := self.listener.(KittenDidMakeChangeListener); ok {
		HandleError(func() {
			listener.KittenDidMakeChange(model, kitten, change)
		})
	}
}

func (self *Dispatcher) kittenSubscribers(callbacks []KittenChangeFunction, kitten *Kitten, change *Change) {
	for _, callback := range callbacks {
		HandleError(func() {
			callback(kitten, change)
		})
	}
}

func (self *Dispatcher) socketDidOpen(model *Model) {
	if listener, ok := self.listener.(SocketDidOpenListener); ok {
		HandleError(func() {
			listener.SocketDidOpen(model)
		})
	}
}

func (self *Dispatcher) socketDidClose(model *Model) {
	if listener, ok := self.listener.(SocketDidCloseListener); ok {
		HandleError(func() {
			listener.SocketDidClose(model)
		})
	}
}
