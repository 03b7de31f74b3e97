// Package accounts owns the list of linked accounts and the single
// "current" selection, persisted through the encrypted store.
package accounts

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crush-match/crush/internal/securestore"
	"github.com/crush-match/crush/internal/social"
)

const (
	accountListFileName   = "accounts.list"
	currentIndexNamespace = "accounts.current"
	currentIndexKey       = "index"
	noCurrentIndex        = -1

	errMessageNotReady     = "account registry is not ready"
	errMessageDuplicate    = "an equal account is already registered"
	errMessageNotFound     = "account is not registered"
	errMessageNoRefresher  = "no profile refresher for account kind"
	logMessageRefreshError = "account profile refresh failed"
	logMessagePersistError = "account list persist failed"
	logFieldAccount        = "account"
)

var (
	// ErrNotReady is returned by every operation before a successful
	// Initialize, or permanently after a failed one.
	ErrNotReady = errors.New(errMessageNotReady)
	// ErrDuplicateAccount rejects adding an account equal to a registered one.
	ErrDuplicateAccount = errors.New(errMessageDuplicate)
	// ErrAccountNotFound reports a remove target that is not registered.
	ErrAccountNotFound = errors.New(errMessageNotFound)
	// ErrNoRefresher reports a registered account whose kind has no profile
	// refresher wired in.
	ErrNoRefresher = errors.New(errMessageNoRefresher)
)

// State is the registry lifecycle phase.
type State int

const (
	// StateUninitialized is the zero state before Initialize runs.
	StateUninitialized State = iota
	// StateReady means the persisted list and index loaded successfully.
	StateReady
	// StateFailed means loading failed and all operations are rejected.
	StateFailed
)

// ProfileRefresher fetches a fresh remote profile for a linked account:
// lookup by id for Twitter-like accounts, credential verification for
// Mastodon-like ones.
type ProfileRefresher interface {
	RefreshProfile(ctx context.Context, account social.Account) (social.User, error)
}

// Registry keeps the ordered account list plus the current selection.
// Mutating calls are serialized internally with a single mutex; the
// persisted view can lag the in-memory one when a write fails, which is
// reported to the caller but never rolled back.
type Registry struct {
	mutex      sync.Mutex
	state      State
	store      *securestore.Store
	namespace  *securestore.Namespace
	refreshers map[social.Kind]ProfileRefresher
	logger     *zap.Logger

	list         []social.Account
	currentIndex int
}

// NewRegistry wires a registry against the encrypted store. The refresher
// map keys provider kinds to their profile lookup implementation.
func NewRegistry(store *securestore.Store, refreshers map[social.Kind]ProfileRefresher, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:        store,
		refreshers:   refreshers,
		logger:       logger,
		currentIndex: noCurrentIndex,
	}
}

// Initialize loads the account list and the current index. A load failure
// moves the registry to StateFailed, where every operation returns ErrNotReady.
func (registry *Registry) Initialize() error {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()

	loadedList := []social.Account{}
	if _, err := registry.store.ReadObject(accountListFileName, &loadedList); err != nil {
		registry.state = StateFailed
		return err
	}
	namespace, err := registry.store.OpenNamespace(currentIndexNamespace)
	if err != nil {
		registry.state = StateFailed
		return err
	}

	registry.list = loadedList
	registry.namespace = namespace
	registry.currentIndex = namespace.GetInt(currentIndexKey, noCurrentIndex)
	if registry.currentIndex < 0 || registry.currentIndex >= len(registry.list) {
		// Restore the invariant when the persisted index outlived the list.
		registry.currentIndex = noCurrentIndex
	}
	registry.state = StateReady
	return nil
}

// State reports the lifecycle phase.
func (registry *Registry) State() State {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	return registry.state
}

// List returns a copy of the registered accounts in insertion order.
func (registry *Registry) List() []social.Account {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	listCopy := make([]social.Account, len(registry.list))
	copy(listCopy, registry.list)
	return listCopy
}

// Current returns the selected account, if any.
func (registry *Registry) Current() (social.Account, bool) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	if registry.currentIndex == noCurrentIndex {
		return social.Account{}, false
	}
	return registry.list[registry.currentIndex], true
}

// CurrentIndex returns the selected position, -1 when none is selected.
func (registry *Registry) CurrentIndex() int {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	return registry.currentIndex
}

// Add registers the account, makes it current, and persists list and index.
// An equal account (per-kind identity) is rejected with ErrDuplicateAccount.
// When persistence fails the in-memory state keeps the addition and the
// error reports the divergence.
func (registry *Registry) Add(account social.Account) error {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	if registry.state != StateReady {
		return ErrNotReady
	}

	for _, registeredAccount := range registry.list {
		if registeredAccount.Equal(account) {
			return ErrDuplicateAccount
		}
	}

	registry.list = append(registry.list, account)
	registry.currentIndex = len(registry.list) - 1
	return registry.persistLocked(true)
}

// Remove drops the account matched by per-kind equality. The previously
// current account stays current when it survives at a shifted index;
// removing the current account itself unsets the selection.
func (registry *Registry) Remove(account social.Account) error {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	if registry.state != StateReady {
		return ErrNotReady
	}

	removeIndex := noCurrentIndex
	for listIndex, registeredAccount := range registry.list {
		if registeredAccount.Equal(account) {
			removeIndex = listIndex
			break
		}
	}
	if removeIndex == noCurrentIndex {
		return ErrAccountNotFound
	}

	registry.list = append(registry.list[:removeIndex], registry.list[removeIndex+1:]...)
	switch {
	case registry.currentIndex == removeIndex:
		registry.currentIndex = noCurrentIndex
	case registry.currentIndex > removeIndex:
		registry.currentIndex--
	}
	return registry.persistLocked(true)
}

// SetCurrentIndex selects the account at the given position and persists
// just the index. Out-of-range positions are a no-op.
func (registry *Registry) SetCurrentIndex(index int) error {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	if registry.state != StateReady {
		return ErrNotReady
	}
	if index < 0 || index >= len(registry.list) {
		return nil
	}
	registry.currentIndex = index
	return registry.persistLocked(false)
}

// SetCurrent selects the account matched by per-kind equality. Unknown
// accounts are a no-op.
func (registry *Registry) SetCurrent(account social.Account) error {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	if registry.state != StateReady {
		return ErrNotReady
	}
	for listIndex, registeredAccount := range registry.list {
		if registeredAccount.Equal(account) {
			registry.currentIndex = listIndex
			return registry.persistLocked(false)
		}
	}
	return nil
}

// UpdateAll refreshes every account's profile fields concurrently and
// persists the result. It returns true only when every account refreshed
// with a matching identity and the list persisted; successfully fetched
// fields are applied in memory even when the overall result is false.
func (registry *Registry) UpdateAll(ctx context.Context) bool {
	registry.mutex.Lock()
	if registry.state != StateReady {
		registry.mutex.Unlock()
		return false
	}
	accountsSnapshot := make([]social.Account, len(registry.list))
	copy(accountsSnapshot, registry.list)
	registry.mutex.Unlock()

	refreshedProfiles := make([]*social.User, len(accountsSnapshot))
	var group errgroup.Group
	for snapshotIndex, snapshotAccount := range accountsSnapshot {
		snapshotIndex, snapshotAccount := snapshotIndex, snapshotAccount
		group.Go(func() error {
			refresher, exists := registry.refreshers[snapshotAccount.Kind]
			if !exists {
				return ErrNoRefresher
			}
			profile, err := refresher.RefreshProfile(ctx, snapshotAccount)
			if err != nil {
				registry.logger.Warn(logMessageRefreshError,
					zap.String(logFieldAccount, snapshotAccount.Ref().String()), zap.Error(err))
				return err
			}
			refreshedProfiles[snapshotIndex] = &profile
			return nil
		})
	}
	allRefreshed := group.Wait() == nil

	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	for listIndex := range registry.list {
		profile := matchProfile(refreshedProfiles, accountsSnapshot, registry.list[listIndex])
		if profile == nil {
			continue
		}
		if err := registry.list[listIndex].ApplyProfile(*profile); err != nil {
			// Identity drift means "treat as not updated" rather than
			// corrupting the stored account.
			allRefreshed = false
		}
	}
	if err := registry.persistLocked(true); err != nil {
		registry.logger.Warn(logMessagePersistError, zap.Error(err))
		return false
	}
	return allRefreshed
}

// matchProfile locates the refreshed profile fetched for the given account,
// tolerating list mutations that happened while the fetches were in flight.
func matchProfile(profiles []*social.User, snapshot []social.Account, account social.Account) *social.User {
	for snapshotIndex, snapshotAccount := range snapshot {
		if snapshotAccount.Equal(account) {
			return profiles[snapshotIndex]
		}
	}
	return nil
}

// persistLocked writes the current index and, when includeList is true, the
// full account list. Callers hold the mutex.
func (registry *Registry) persistLocked(includeList bool) error {
	if err := registry.namespace.SetInt(currentIndexKey, registry.currentIndex); err != nil {
		return err
	}
	if !includeList {
		return nil
	}
	return registry.store.WriteObject(accountListFileName, registry.list)
}
