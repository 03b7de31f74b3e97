package twitterapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/crush-match/crush/internal/social"
)

// contactIDsPage mirrors the provider's paginated id list response.
type contactIDsPage struct {
	IDs        []int64 `json:"ids"`
	NextCursor int64   `json:"next_cursor"`
}

// twitterUser mirrors the provider's profile shape.
type twitterUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"screen_name"`
	FullName  string `json:"name"`
	AvatarURL string `json:"profile_image_url_https"`
	BannerURL string `json:"profile_banner_url"`
}

func (user twitterUser) toSocialUser() social.User {
	return social.User{
		ID:        user.ID,
		Username:  user.Username,
		FullName:  user.FullName,
		AvatarURL: user.AvatarURL,
		BannerURL: user.BannerURL,
		Crush:     social.CrushNone,
	}
}

// ContactIDs walks the full follower or following edge of the authenticated
// account. The cursor starts at -1 and the walk stops when the provider
// returns cursor zero.
func (client *Client) ContactIDs(ctx context.Context, contactType social.ContactType) ([]int64, error) {
	pathSegment := followersPathSegment
	if contactType == social.ContactFollowing {
		pathSegment = followingPathSegment
	}
	contactPath := fmt.Sprintf(contactIDsPathFormat, pathSegment)

	collectedIDs := []int64{}
	cursor := initialCursor
	for cursor != finalCursor {
		if err := client.limiter.Wait(ctx); err != nil {
			return nil, social.NewNetworkError(opContactIDs, err)
		}
		queryValues := url.Values{queryKeyCursor: []string{strconv.FormatInt(cursor, 10)}}
		responseBody, err := client.do(ctx, opContactIDs, http.MethodGet, contactPath, queryValues, nil)
		if err != nil {
			return nil, err
		}
		var page contactIDsPage
		if err := json.Unmarshal(responseBody, &page); err != nil {
			return nil, social.NewNetworkError(opContactIDs, err)
		}
		collectedIDs = append(collectedIDs, page.IDs...)
		cursor = page.NextCursor
	}
	return collectedIDs, nil
}

// LookupUsers hydrates full profiles for the given ids through the bulk
// lookup endpoint, 100 ids per call, chunks fetched concurrently under the
// client's rate limit.
func (client *Client) LookupUsers(ctx context.Context, userIDs []int64) ([]social.User, error) {
	if len(userIDs) == 0 {
		return []social.User{}, nil
	}

	chunks := chunkIDs(userIDs, lookupChunkSize)
	hydratedChunks := make([][]social.User, len(chunks))

	var group errgroup.Group
	group.SetLimit(client.lookupConcurrency)
	for chunkIndex, chunk := range chunks {
		chunkIndex, chunk := chunkIndex, chunk
		group.Go(func() error {
			if err := client.limiter.Wait(ctx); err != nil {
				return social.NewNetworkError(opLookupUsers, err)
			}
			formValues := url.Values{formKeyUserIDs: []string{joinIDs(chunk)}}
			responseBody, err := client.do(ctx, opLookupUsers, http.MethodPost, userLookupPath, nil, formValues)
			if err != nil {
				return err
			}
			var providerUsers []twitterUser
			if err := json.Unmarshal(responseBody, &providerUsers); err != nil {
				return social.NewNetworkError(opLookupUsers, err)
			}
			hydratedUsers := make([]social.User, 0, len(providerUsers))
			for _, providerUser := range providerUsers {
				hydratedUsers = append(hydratedUsers, providerUser.toSocialUser())
			}
			hydratedChunks[chunkIndex] = hydratedUsers
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	allUsers := []social.User{}
	for _, hydratedChunk := range hydratedChunks {
		allUsers = append(allUsers, hydratedChunk...)
	}
	return allUsers, nil
}

// RefreshProfile looks up the account's profile by id for the registry's
// update pass. The call signs with the refreshed account's own token pair,
// not the current account's, so non-current accounts refresh too.
func (client *Client) RefreshProfile(ctx context.Context, account social.Account) (social.User, error) {
	if err := client.limiter.Wait(ctx); err != nil {
		return social.User{}, social.NewNetworkError(opLookupUsers, err)
	}
	formValues := url.Values{formKeyUserIDs: []string{joinIDs([]int64{account.ID})}}
	responseBody, err := client.doAs(ctx, opLookupUsers, http.MethodPost, userLookupPath, nil, formValues, account.Token, account.TokenSecret)
	if err != nil {
		return social.User{}, err
	}
	var providerUsers []twitterUser
	if err := json.Unmarshal(responseBody, &providerUsers); err != nil {
		return social.User{}, social.NewNetworkError(opLookupUsers, err)
	}
	if len(providerUsers) != 1 {
		return social.User{}, social.NewStatusError(opLookupUsers, http.StatusNotFound)
	}
	return providerUsers[0].toSocialUser(), nil
}

// ContactRefs adapts ContactIDs to the resolver's provider interface.
func (client *Client) ContactRefs(ctx context.Context, _ social.Account, contactType social.ContactType) ([]social.UserRef, error) {
	contactIDs, err := client.ContactIDs(ctx, contactType)
	if err != nil {
		return nil, err
	}
	references := make([]social.UserRef, 0, len(contactIDs))
	for _, contactID := range contactIDs {
		references = append(references, social.UserRef{ID: contactID})
	}
	return references, nil
}

// HydrateUsers adapts LookupUsers to the resolver's provider interface.
func (client *Client) HydrateUsers(ctx context.Context, _ social.Account, references []social.UserRef) ([]social.User, error) {
	userIDs := make([]int64, 0, len(references))
	for _, reference := range references {
		userIDs = append(userIDs, reference.ID)
	}
	return client.LookupUsers(ctx, userIDs)
}

func chunkIDs(userIDs []int64, chunkSize int) [][]int64 {
	chunks := [][]int64{}
	for start := 0; start < len(userIDs); start += chunkSize {
		end := start + chunkSize
		if end > len(userIDs) {
			end = len(userIDs)
		}
		chunks = append(chunks, userIDs[start:end])
	}
	return chunks
}

func joinIDs(userIDs []int64) string {
	renderedIDs := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		renderedIDs = append(renderedIDs, strconv.FormatInt(userID, 10))
	}
	return strings.Join(renderedIDs, ",")
}
