package kitten

import (
	"sync"

	"golang.org/x/exp/slices"
)

// The model is the local mirror of the server's kitten roster.
//
// The roster and its email index are replaced on every snapshot and mutated in place by deltas.
// All mutation for one envelope completes before any event for that envelope fires,
// so observers always see the fully applied state. Events fire outside the state lock,
// which means observers may read the model from inside a callback.

const DefaultHistoryLimit = 100

type ModelSettings struct {
	// the number of recent changes retained, newest first.
	// Deltas are added to the snapshot history up to this limit.
	HistoryLimit int
}

func DefaultModelSettings() *ModelSettings {
	return &ModelSettings{
		HistoryLimit: DefaultHistoryLimit,
	}
}

type kittenEntry struct {
	kitten    *Kitten
	callbacks *CallbackList[KittenChangeFunction]
}

type Model struct {
	dispatcher *Dispatcher
	settings   *ModelSettings

	stateLock sync.Mutex

	// ordered roster. The index keys are always exactly the roster emails.
	kittens       []*Kitten
	index         map[string]*kittenEntry
	recentChanges []*Change
	version       Version
	loaded        bool
}

func NewModelWithDefaults(dispatcher *Dispatcher) *Model {
	return NewModel(dispatcher, DefaultModelSettings())
}

func NewModel(dispatcher *Dispatcher, settings *ModelSettings) *Model {
	if dispatcher == nil {
		dispatcher = NewDispatcher(nil, false)
	}
	return &Model{
		dispatcher:    dispatcher,
		settings:      settings,
		kittens:       []*Kitten{},
		index:         map[string]*kittenEntry{},
		recentChanges: []*Change{},
	}
}

// resets the roster from a snapshot. Subscriptions from before the reset are discarded.
// This is the only place kittens are created.
func (self *Model) ApplyConnect(connect *ConnectEnvelope) {
	var previousVersion Version
	versionChanged := false
	var snapshotChanges []*Change

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		kittens := make([]*Kitten, 0, len(connect.Kittens))
		index := map[string]*kittenEntry{}
		for _, snapshotKitten := range connect.Kittens {
			kitten := snapshotKitten.clone()
			if entry, ok := index[kitten.Email]; ok {
				// a repeated email keeps its first position and takes the last value
				*entry.kitten = *kitten
				continue
			}
			kittens = append(kittens, kitten)
			index[kitten.Email] = &kittenEntry{
				kitten:    kitten,
				callbacks: NewCallbackList[KittenChangeFunction](),
			}
		}

		changes := make([]*Change, 0, len(connect.Changes))
		for _, change := range connect.Changes {
			changes = append(changes, cloneChange(change))
		}
		// the listener gets every snapshot change. Only the retained history is limited.
		snapshotChanges = cloneChanges(changes)
		changes = self.limitHistory(changes)

		previousVersion = self.version
		versionChanged = self.loaded && previousVersion != connect.Version

		self.kittens = kittens
		self.index = index
		self.recentChanges = changes
		self.version = connect.Version
		self.loaded = true
	}()

	self.dispatcher.modelDidLoad(self, snapshotChanges, connect.Version)
	if versionChanged {
		self.dispatcher.versionDidChange(self, previousVersion, connect.Version)
	}
}

// appends the change revision to each affected kitten in the index.
// Emails not in the index are skipped.
func (self *Model) ApplyChange(changeEnvelope *ChangeEnvelope) {
	change := cloneChange(changeEnvelope.Change)
	affectedEmails := slices.Clone(changeEnvelope.Kittens)
	if affectedEmails == nil {
		affectedEmails = []string{}
	}

	type affectedKitten struct {
		kitten    *Kitten
		callbacks []KittenChangeFunction
	}
	affectedKittens := []*affectedKitten{}

	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		entries := []*kittenEntry{}
		seen := map[string]bool{}
		for _, email := range affectedEmails {
			if seen[email] {
				continue
			}
			seen[email] = true
			entry, ok := self.index[email]
			if !ok {
				continue
			}
			entry.kitten.add(change.Revision)
			entries = append(entries, entry)
		}

		historyChange := cloneChange(change)
		historyChange.Kittens = slices.Clone(affectedEmails)
		self.recentChanges = self.limitHistory(append([]*Change{historyChange}, self.recentChanges...))

		// copy out only after every affected kitten is updated
		for _, entry := range entries {
			affectedKittens = append(affectedKittens, &affectedKitten{
				kitten:    entry.kitten.clone(),
				callbacks: entry.callbacks.Get(),
			})
		}
	}()

	for _, affected := range affectedKittens {
		self.dispatcher.kittenDidMakeChange(self, affected.kitten, change)
	}
	for _, affected := range affectedKittens {
		self.dispatcher.kittenSubscribers(affected.callbacks, affected.kitten, change)
	}
	self.dispatcher.changeDidArrive(change, affectedEmails)
}

// registers `callback` for changes to the kitten with the same email.
// Returns false and registers nothing when the kitten is not in the index.
// Subscriptions last until the next snapshot.
func (self *Model) Subscribe(kitten *Kitten, callback KittenChangeFunction) bool {
	if kitten == nil || callback == nil {
		return false
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.index[kitten.Email]
	if !ok {
		return false
	}
	entry.callbacks.Add(callback)
	return true
}

// copies of the roster, in snapshot order
func (self *Model) Kittens() []*Kitten {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	kittens := make([]*Kitten, len(self.kittens))
	for i, kitten := range self.kittens {
		kittens[i] = kitten.clone()
	}
	return kittens
}

func (self *Model) Kitten(email string) (*Kitten, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	entry, ok := self.index[email]
	if !ok {
		return nil, false
	}
	return entry.kitten.clone(), true
}

func (self *Model) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.kittens)
}

// the total number of revisions across the roster.
// Recomputed on each call; the roster is small.
func (self *Model) KittenChangeCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	count := 0
	for _, entry := range self.index {
		count += len(entry.kitten.Revisions)
	}
	return count
}

// newest first
func (self *Model) RecentChanges() []*Change {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return cloneChanges(self.recentChanges)
}

func (self *Model) Version() Version {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.version
}

// true once the first snapshot has been applied
func (self *Model) Loaded() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.loaded
}

// must be called with `stateLock`
func (self *Model) limitHistory(changes []*Change) []*Change {
	if 0 < self.settings.HistoryLimit && self.settings.HistoryLimit < len(changes) {
		return changes[:self.settings.HistoryLimit]
	}
	return changes
}

func cloneChange(change *Change) *Change {
	if change == nil {
		return &Change{}
	}
	return &Change{
		Revision: change.Revision,
		Author:   change.Author,
		Date:     change.Date,
		Comment:  change.Comment,
		Kittens:  slices.Clone(change.Kittens),
	}
}

func cloneChanges(changes []*Change) []*Change {
	cloned := make([]*Change, len(changes))
	for i, change := range changes {
		cloned[i] = cloneChange(change)
	}
	return cloned
}
