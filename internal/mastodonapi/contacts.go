package mastodonapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/crush-match/crush/internal/social"
)

func contactPathSegment(contactType social.ContactType) string {
	if contactType == social.ContactFollowers {
		return followersPathSegment
	}
	return followingPathSegment
}

// ContactRefs walks the paginated contact listing for the account on its
// own instance. Pages can overlap when the listing shifts underneath the
// walk, so results merge as a set keyed by id and domain.
func (client *Client) ContactRefs(ctx context.Context, account social.Account, contactType social.ContactType) ([]social.UserRef, error) {
	basePath := fmt.Sprintf(contactsPathFormat, account.ID, contactPathSegment(contactType))

	seenReferences := map[social.UserRef]struct{}{}
	var orderedReferences []social.UserRef

	maxID := ""
	for {
		if err := client.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		queryValues := url.Values{}
		queryValues.Set(limitParameter, contactsPageLimit)
		if maxID != "" {
			queryValues.Set(maxIDParameter, maxID)
		}
		requestURL := client.instanceURL(account.Domain, basePath) + "?" + queryValues.Encode()

		pageAccounts, nextMaxID, err := client.fetchContactPage(ctx, requestURL, account.Bearer)
		if err != nil {
			return nil, err
		}
		for _, pageAccount := range pageAccounts {
			profile := pageAccount.toSocialUser(account.Domain)
			reference := social.UserRef{ID: profile.ID, Domain: profile.Domain}
			if _, alreadySeen := seenReferences[reference]; alreadySeen {
				continue
			}
			seenReferences[reference] = struct{}{}
			orderedReferences = append(orderedReferences, reference)
		}
		if nextMaxID == "" {
			return orderedReferences, nil
		}
		maxID = nextMaxID
	}
}

func (client *Client) fetchContactPage(ctx context.Context, requestURL string, bearer string) ([]mastodonAccount, string, error) {
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, "", social.NewNetworkError(opFetchContacts, err)
	}
	if bearer != "" {
		httpRequest.Header.Set("Authorization", "Bearer "+bearer)
	}
	httpResponse, err := client.httpClient.Do(httpRequest)
	if err != nil {
		return nil, "", social.NewNetworkError(opFetchContacts, err)
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode < http.StatusOK || httpResponse.StatusCode >= http.StatusMultipleChoices {
		return nil, "", social.NewStatusError(opFetchContacts, httpResponse.StatusCode)
	}

	var pageAccounts []mastodonAccount
	if err := json.NewDecoder(httpResponse.Body).Decode(&pageAccounts); err != nil {
		return nil, "", social.NewNetworkError(opFetchContacts, err)
	}
	return pageAccounts, nextPageMaxID(httpResponse.Header.Get(linkHeaderName)), nil
}

// nextPageMaxID pulls the max_id cursor out of the Link header's
// rel="next" entry. An absent or exhausted header ends the walk.
func nextPageMaxID(linkHeader string) string {
	for _, linkSegment := range strings.Split(linkHeader, ",") {
		if !strings.Contains(linkSegment, nextRelationValue) {
			continue
		}
		start := strings.Index(linkSegment, "<")
		end := strings.Index(linkSegment, ">")
		if start < 0 || end <= start {
			continue
		}
		nextURL, err := url.Parse(linkSegment[start+1 : end])
		if err != nil {
			continue
		}
		return nextURL.Query().Get(maxIDParameter)
	}
	return ""
}

// HydrateUsers loads full profiles for the given references, each from its
// home instance. The singleflight group collapses concurrent fetches of
// the same account, which happens when several resolutions overlap.
func (client *Client) HydrateUsers(ctx context.Context, _ social.Account, references []social.UserRef) ([]social.User, error) {
	hydratedUsers := make([]social.User, len(references))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(client.hydrateConcurrency)
	for referenceIndex, reference := range references {
		referenceIndex, reference := referenceIndex, reference
		group.Go(func() error {
			flightKey := reference.String()
			flightResult, err, _ := client.hydrateGroup.Do(flightKey, func() (any, error) {
				return client.GetUser(groupCtx, reference.Domain, reference.ID)
			})
			if err != nil {
				return err
			}
			hydratedUsers[referenceIndex] = flightResult.(social.User)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return hydratedUsers, nil
}
