// Package mutuals computes the annotated relationship list for one
// account: everyone who follows back, plus everyone the account holder
// has a crush on, each tagged with the crush state.
package mutuals

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crush-match/crush/internal/social"
)

// ErrNoProvider means no contact provider is registered for the
// account's kind.
var ErrNoProvider = errors.New("no contact provider for account kind")

// Provider is the per-kind contact capability: list contact references
// and hydrate them into full profiles.
type Provider interface {
	ContactRefs(ctx context.Context, account social.Account, contactType social.ContactType) ([]social.UserRef, error)
	HydrateUsers(ctx context.Context, account social.Account, references []social.UserRef) ([]social.User, error)
}

// CrushSource lists declared crushes in both directions.
type CrushSource interface {
	Crushes(ctx context.Context, kind social.Kind, owner social.UserRef) ([]social.UserRef, error)
	CrushedBy(ctx context.Context, kind social.Kind, owner social.UserRef) ([]social.UserRef, error)
}

// Resolver joins provider contact graphs with the crush store.
type Resolver struct {
	providers map[social.Kind]Provider
	crushes   CrushSource
	logger    *zap.Logger
}

// NewResolver builds a resolver over the given provider directory.
func NewResolver(providers map[social.Kind]Provider, crushes CrushSource, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{providers: providers, crushes: crushes, logger: logger}
}

func referenceSet(references []social.UserRef) map[social.UserRef]struct{} {
	set := make(map[social.UserRef]struct{}, len(references))
	for _, reference := range references {
		set[reference] = struct{}{}
	}
	return set
}

// Resolve returns the account's mutual followers united with its declared
// crushes, every entry tagged None, Crush, or Mutual. Any fetch failure
// fails the whole resolution; a partial list never leaves this function.
func (resolver *Resolver) Resolve(ctx context.Context, account social.Account) ([]social.User, error) {
	provider, providerKnown := resolver.providers[account.Kind]
	if !providerKnown {
		return nil, fmt.Errorf("%w: %s", ErrNoProvider, account.Kind)
	}
	ownerReference := account.Ref()

	var (
		followerRefs  []social.UserRef
		followingRefs []social.UserRef
		crushRefs     []social.UserRef
		crushedByRefs []social.UserRef
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		followerRefs, err = provider.ContactRefs(groupCtx, account, social.ContactFollowers)
		return err
	})
	group.Go(func() error {
		var err error
		followingRefs, err = provider.ContactRefs(groupCtx, account, social.ContactFollowing)
		return err
	})
	group.Go(func() error {
		var err error
		crushRefs, err = resolver.crushes.Crushes(groupCtx, account.Kind, ownerReference)
		return err
	})
	group.Go(func() error {
		var err error
		crushedByRefs, err = resolver.crushes.CrushedBy(groupCtx, account.Kind, ownerReference)
		return err
	})
	if err := group.Wait(); err != nil {
		return nil, err
	}

	followingSet := referenceSet(followingRefs)
	crushSet := referenceSet(crushRefs)
	crushedBySet := referenceSet(crushedByRefs)

	// Mutual follows, in follower order, then crushes outside that set.
	var resultRefs []social.UserRef
	includedSet := map[social.UserRef]struct{}{}
	for _, reference := range followerRefs {
		if _, followsBack := followingSet[reference]; !followsBack {
			continue
		}
		if _, alreadyIncluded := includedSet[reference]; alreadyIncluded {
			continue
		}
		includedSet[reference] = struct{}{}
		resultRefs = append(resultRefs, reference)
	}
	for _, reference := range crushRefs {
		if _, alreadyIncluded := includedSet[reference]; alreadyIncluded {
			continue
		}
		includedSet[reference] = struct{}{}
		resultRefs = append(resultRefs, reference)
	}

	hydratedUsers, err := provider.HydrateUsers(ctx, account, resultRefs)
	if err != nil {
		return nil, err
	}

	for userIndex := range hydratedUsers {
		reference := social.UserRef{ID: hydratedUsers[userIndex].ID, Domain: hydratedUsers[userIndex].Domain}
		hydratedUsers[userIndex].Crush = crushTag(reference, crushSet, crushedBySet)
	}

	sort.SliceStable(hydratedUsers, func(left int, right int) bool {
		if hydratedUsers[left].ID != hydratedUsers[right].ID {
			return hydratedUsers[left].ID < hydratedUsers[right].ID
		}
		return hydratedUsers[left].Domain < hydratedUsers[right].Domain
	})

	resolver.logger.Debug("resolved relationship list",
		zap.Int("followers", len(followerRefs)),
		zap.Int("following", len(followingRefs)),
		zap.Int("result", len(hydratedUsers)),
	)
	return hydratedUsers, nil
}

func crushTag(reference social.UserRef, crushSet map[social.UserRef]struct{}, crushedBySet map[social.UserRef]struct{}) social.CrushType {
	if _, declared := crushSet[reference]; !declared {
		return social.CrushNone
	}
	if _, reciprocated := crushedBySet[reference]; reciprocated {
		return social.CrushMutual
	}
	return social.CrushOutgoing
}
