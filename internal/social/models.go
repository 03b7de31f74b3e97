package social

import (
	"errors"
	"fmt"
)

const (
	errMessageIdentityMismatch = "refreshed profile does not match the account identity"
	errMessageUnknownKind      = "unknown account kind"
)

var (
	// ErrIdentityMismatch indicates that a profile refresh returned a different
	// identity than the account it was fetched for.
	ErrIdentityMismatch = errors.New(errMessageIdentityMismatch)
	// ErrUnknownKind indicates an account kind outside the supported set.
	ErrUnknownKind = errors.New(errMessageUnknownKind)
)

// Kind discriminates the two supported provider variants.
type Kind string

const (
	// KindTwitter marks accounts linked through the OAuth 1.0a provider.
	KindTwitter Kind = "twitter"
	// KindMastodon marks accounts linked through an OAuth2 instance.
	KindMastodon Kind = "mastodon"
)

// ContactType selects which edge direction of the social graph to read.
type ContactType string

const (
	// ContactFollowers lists the accounts following the subject.
	ContactFollowers ContactType = "followers"
	// ContactFollowing lists the accounts the subject follows.
	ContactFollowing ContactType = "following"
)

// CrushType annotates a resolved user with the crush relationship state.
type CrushType string

const (
	// CrushNone means the current account has not crushed on the user.
	CrushNone CrushType = "none"
	// CrushOutgoing means the current account crushed on the user without reciprocation.
	CrushOutgoing CrushType = "crush"
	// CrushMutual means both directions of the crush relationship exist.
	CrushMutual CrushType = "mutual"
)

// UserRef identifies a remote user. Domain is empty for Twitter-like users
// and carries the instance hostname for Mastodon-like users, where the same
// numeric id can exist on different instances.
type UserRef struct {
	ID     int64  `json:"id"`
	Domain string `json:"domain,omitempty"`
}

// String renders the reference for logs and error messages.
func (reference UserRef) String() string {
	if reference.Domain == "" {
		return fmt.Sprintf("%d", reference.ID)
	}
	return fmt.Sprintf("%d@%s", reference.ID, reference.Domain)
}

// User is a remote, transient profile fetched from a provider.
type User struct {
	ID        int64     `json:"id"`
	Username  string    `json:"username"`
	FullName  string    `json:"full_name"`
	AvatarURL string    `json:"avatar_url"`
	BannerURL string    `json:"banner_url,omitempty"`
	Domain    string    `json:"domain,omitempty"`
	Crush     CrushType `json:"crush"`
}

// Ref returns the set key identifying the user.
func (user User) Ref() UserRef {
	return UserRef{ID: user.ID, Domain: user.Domain}
}

// Account is a locally persisted linked account. It is a tagged variant:
// Kind selects which credential fields are meaningful.
type Account struct {
	Kind      Kind   `json:"kind"`
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FullName  string `json:"full_name"`
	AvatarURL string `json:"avatar_url"`
	BannerURL string `json:"banner_url,omitempty"`

	// OAuth 1.0a credentials, Twitter-like accounts only.
	Token       string `json:"token,omitempty"`
	TokenSecret string `json:"token_secret,omitempty"`

	// Instance hostname and OAuth2 bearer, Mastodon-like accounts only.
	Domain string `json:"domain,omitempty"`
	Bearer string `json:"bearer,omitempty"`
}

// Ref returns the set key identifying the account on its provider.
func (account Account) Ref() UserRef {
	if account.Kind == KindMastodon {
		return UserRef{ID: account.ID, Domain: account.Domain}
	}
	return UserRef{ID: account.ID}
}

// Equal reports identity equality per kind: Twitter-like accounts match on
// id alone, Mastodon-like accounts match on id plus instance domain.
func (account Account) Equal(other Account) bool {
	if account.Kind != other.Kind {
		return false
	}
	switch account.Kind {
	case KindMastodon:
		return account.ID == other.ID && account.Domain == other.Domain
	default:
		return account.ID == other.ID
	}
}

// ApplyProfile copies refreshed profile fields onto the account. It returns
// ErrIdentityMismatch without mutating anything when the fetched profile
// identifies a different user than the account.
func (account *Account) ApplyProfile(profile User) error {
	switch account.Kind {
	case KindTwitter:
		if profile.ID != account.ID {
			return ErrIdentityMismatch
		}
	case KindMastodon:
		if profile.ID != account.ID || profile.Domain != account.Domain {
			return ErrIdentityMismatch
		}
	default:
		return ErrUnknownKind
	}
	account.Username = profile.Username
	account.FullName = profile.FullName
	account.AvatarURL = profile.AvatarURL
	account.BannerURL = profile.BannerURL
	return nil
}

// TwitterAccountFrom builds a linked account from a hydrated profile and the
// permanent OAuth 1.0a credential pair.
func TwitterAccountFrom(profile User, token string, tokenSecret string) Account {
	return Account{
		Kind:        KindTwitter,
		ID:          profile.ID,
		Username:    profile.Username,
		FullName:    profile.FullName,
		AvatarURL:   profile.AvatarURL,
		BannerURL:   profile.BannerURL,
		Token:       token,
		TokenSecret: tokenSecret,
	}
}

// MastodonAccountFrom builds a linked account from a verified profile and the
// OAuth2 bearer token.
func MastodonAccountFrom(profile User, bearer string) Account {
	return Account{
		Kind:      KindMastodon,
		ID:        profile.ID,
		Username:  profile.Username,
		FullName:  profile.FullName,
		AvatarURL: profile.AvatarURL,
		BannerURL: profile.BannerURL,
		Domain:    profile.Domain,
		Bearer:    bearer,
	}
}
