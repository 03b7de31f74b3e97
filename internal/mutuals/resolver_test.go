package mutuals_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/crush-match/crush/internal/mutuals"
	"github.com/crush-match/crush/internal/social"
)

type stubProvider struct {
	followers    []social.UserRef
	following    []social.UserRef
	contactError error
	hydrateError error
	hydrated     []social.UserRef
}

func (provider *stubProvider) ContactRefs(_ context.Context, _ social.Account, contactType social.ContactType) ([]social.UserRef, error) {
	if provider.contactError != nil {
		return nil, provider.contactError
	}
	if contactType == social.ContactFollowers {
		return provider.followers, nil
	}
	return provider.following, nil
}

func (provider *stubProvider) HydrateUsers(_ context.Context, _ social.Account, references []social.UserRef) ([]social.User, error) {
	if provider.hydrateError != nil {
		return nil, provider.hydrateError
	}
	provider.hydrated = references
	users := make([]social.User, 0, len(references))
	for _, reference := range references {
		users = append(users, social.User{
			ID:       reference.ID,
			Domain:   reference.Domain,
			Username: fmt.Sprintf("user%d", reference.ID),
		})
	}
	return users, nil
}

type stubCrushSource struct {
	crushes    []social.UserRef
	crushedBy  []social.UserRef
	queryError error
}

func (source *stubCrushSource) Crushes(_ context.Context, _ social.Kind, _ social.UserRef) ([]social.UserRef, error) {
	if source.queryError != nil {
		return nil, source.queryError
	}
	return source.crushes, nil
}

func (source *stubCrushSource) CrushedBy(_ context.Context, _ social.Kind, _ social.UserRef) ([]social.UserRef, error) {
	if source.queryError != nil {
		return nil, source.queryError
	}
	return source.crushedBy, nil
}

func refs(ids ...int64) []social.UserRef {
	references := make([]social.UserRef, 0, len(ids))
	for _, id := range ids {
		references = append(references, social.UserRef{ID: id})
	}
	return references
}

func TestResolveTagsMutualsAndCrushes(t *testing.T) {
	provider := &stubProvider{
		followers: refs(1, 2, 3),
		following: refs(2, 3, 4),
	}
	crushSource := &stubCrushSource{
		crushes:   refs(3, 5),
		crushedBy: refs(3),
	}
	resolver := mutuals.NewResolver(map[social.Kind]mutuals.Provider{social.KindTwitter: provider}, crushSource, nil)

	account := social.Account{Kind: social.KindTwitter, ID: 100}
	resolvedUsers, err := resolver.Resolve(context.Background(), account)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	expectedTags := map[int64]social.CrushType{
		2: social.CrushNone,
		3: social.CrushMutual,
		5: social.CrushOutgoing,
	}
	if len(resolvedUsers) != len(expectedTags) {
		t.Fatalf("expected %d entries, got %+v", len(expectedTags), resolvedUsers)
	}
	for _, resolvedUser := range resolvedUsers {
		expectedTag, expected := expectedTags[resolvedUser.ID]
		if !expected {
			t.Fatalf("unexpected entry %d in result", resolvedUser.ID)
		}
		if resolvedUser.Crush != expectedTag {
			t.Errorf("user %d tagged %v, expected %v", resolvedUser.ID, resolvedUser.Crush, expectedTag)
		}
	}
	for listIndex := 1; listIndex < len(resolvedUsers); listIndex++ {
		if resolvedUsers[listIndex-1].ID > resolvedUsers[listIndex].ID {
			t.Fatalf("result must be sorted by id: %+v", resolvedUsers)
		}
	}
}

func TestResolveHydratesCrushesOutsideMutualSet(t *testing.T) {
	provider := &stubProvider{
		followers: refs(1, 2),
		following: refs(2),
	}
	crushSource := &stubCrushSource{crushes: refs(9)}
	resolver := mutuals.NewResolver(map[social.Kind]mutuals.Provider{social.KindTwitter: provider}, crushSource, nil)

	_, err := resolver.Resolve(context.Background(), social.Account{Kind: social.KindTwitter, ID: 100})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	hydratedNine := false
	for _, reference := range provider.hydrated {
		if reference.ID == 9 {
			hydratedNine = true
		}
	}
	if !hydratedNine {
		t.Fatalf("crush outside the mutual set must still be hydrated, got %v", provider.hydrated)
	}
}

func TestResolveIsAllOrNothing(t *testing.T) {
	fetchFailure := errors.New("contact listing unavailable")
	provider := &stubProvider{contactError: fetchFailure}
	resolver := mutuals.NewResolver(map[social.Kind]mutuals.Provider{social.KindTwitter: provider}, &stubCrushSource{}, nil)

	resolvedUsers, err := resolver.Resolve(context.Background(), social.Account{Kind: social.KindTwitter, ID: 100})
	if !errors.Is(err, fetchFailure) {
		t.Fatalf("expected the fetch failure to surface, got %v", err)
	}
	if resolvedUsers != nil {
		t.Fatalf("partial results must not leak: %+v", resolvedUsers)
	}
}

func TestResolveRejectsUnknownKind(t *testing.T) {
	resolver := mutuals.NewResolver(map[social.Kind]mutuals.Provider{}, &stubCrushSource{}, nil)

	_, err := resolver.Resolve(context.Background(), social.Account{Kind: social.KindMastodon, ID: 1, Domain: "a.social"})
	if !errors.Is(err, mutuals.ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
}

func TestResolveMastodonKeysIncludeDomain(t *testing.T) {
	sameID := int64(7)
	provider := &stubProvider{
		followers: []social.UserRef{{ID: sameID, Domain: "a.social"}},
		following: []social.UserRef{{ID: sameID, Domain: "b.social"}},
	}
	resolver := mutuals.NewResolver(map[social.Kind]mutuals.Provider{social.KindMastodon: provider}, &stubCrushSource{}, nil)

	resolvedUsers, err := resolver.Resolve(context.Background(), social.Account{Kind: social.KindMastodon, ID: 1, Domain: "a.social"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(resolvedUsers) != 0 {
		t.Fatalf("same id on different domains is not a mutual: %+v", resolvedUsers)
	}
}
