package crushstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/crush-match/crush/internal/social"
)

const (
	collectionTwitter  = "twitter"
	collectionMastodon = "mastodon"

	fieldID          = "id"
	fieldDomain      = "domain"
	fieldCrushID     = "crushId"
	fieldCrushDomain = "crushDomain"

	// DeleteCooldown is how long a declared crush stays locked in before
	// it can be withdrawn.
	DeleteCooldown = 7 * 24 * time.Hour
)

// ErrCrushNotFound marks a withdraw or lookup against a pair that was
// never declared.
var ErrCrushNotFound = errors.New("crush record not found")

// CooldownError rejects a withdrawal attempted before the cooldown has
// run out. Remaining is how much longer the record stays locked.
type CooldownError struct {
	Remaining time.Duration
}

func (cooldownError *CooldownError) Error() string {
	return fmt.Sprintf("crush is locked in for another %s", cooldownError.Remaining.Round(time.Minute))
}

// Breakdown splits the remaining wait into calendar-ish units for
// user-facing copy.
func (cooldownError *CooldownError) Breakdown() (days int, hours int, minutes int) {
	remaining := cooldownError.Remaining
	days = int(remaining / (24 * time.Hour))
	remaining -= time.Duration(days) * 24 * time.Hour
	hours = int(remaining / time.Hour)
	remaining -= time.Duration(hours) * time.Hour
	minutes = int(remaining / time.Minute)
	return days, hours, minutes
}

// Service implements the crush rules on top of a document store.
type Service struct {
	store DocumentStore
	clock func() time.Time
}

// NewService builds a service. A nil clock means wall time.
func NewService(store DocumentStore, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: store, clock: clock}
}

func collectionFor(kind social.Kind) string {
	if kind == social.KindMastodon {
		return collectionMastodon
	}
	return collectionTwitter
}

// recordFields is the stored shape of one declaration: the owner under
// id/domain, the target under crushId/crushDomain. Ids ride as decimal
// strings so large values survive every JSON decoder on the path.
func recordFields(kind social.Kind, owner social.UserRef, crush social.UserRef) map[string]string {
	fields := map[string]string{
		fieldID:      strconv.FormatInt(owner.ID, 10),
		fieldCrushID: strconv.FormatInt(crush.ID, 10),
	}
	if kind == social.KindMastodon {
		fields[fieldDomain] = owner.Domain
		fields[fieldCrushDomain] = crush.Domain
	}
	return fields
}

func ownerFilter(kind social.Kind, owner social.UserRef) map[string]string {
	filters := map[string]string{fieldID: strconv.FormatInt(owner.ID, 10)}
	if kind == social.KindMastodon {
		filters[fieldDomain] = owner.Domain
	}
	return filters
}

func crushFilter(kind social.Kind, crush social.UserRef) map[string]string {
	filters := map[string]string{fieldCrushID: strconv.FormatInt(crush.ID, 10)}
	if kind == social.KindMastodon {
		filters[fieldCrushDomain] = crush.Domain
	}
	return filters
}

func pairFilter(kind social.Kind, owner social.UserRef, crush social.UserRef) map[string]string {
	filters := ownerFilter(kind, owner)
	for filterKey, filterValue := range crushFilter(kind, crush) {
		filters[filterKey] = filterValue
	}
	return filters
}

func referenceFromFields(kind social.Kind, fields map[string]string, idKey string, domainKey string) (social.UserRef, error) {
	parsedID, err := strconv.ParseInt(fields[idKey], 10, 64)
	if err != nil {
		return social.UserRef{}, fmt.Errorf("stored %s %q is not numeric: %w", idKey, fields[idKey], err)
	}
	reference := social.UserRef{ID: parsedID}
	if kind == social.KindMastodon {
		reference.Domain = fields[domainKey]
	}
	return reference, nil
}

// AddCrush declares a crush by the owner on the target. Declaring the
// same pair again is a no-op.
func (service *Service) AddCrush(ctx context.Context, kind social.Kind, owner social.UserRef, crush social.UserRef) error {
	collection := collectionFor(kind)
	existingDocuments, err := service.store.Query(ctx, collection, pairFilter(kind, owner, crush))
	if err != nil {
		return err
	}
	if len(existingDocuments) > 0 {
		return nil
	}
	_, err = service.store.Add(ctx, collection, recordFields(kind, owner, crush))
	return err
}

// Crushes lists everyone the owner has declared a crush on.
func (service *Service) Crushes(ctx context.Context, kind social.Kind, owner social.UserRef) ([]social.UserRef, error) {
	documents, err := service.store.Query(ctx, collectionFor(kind), ownerFilter(kind, owner))
	if err != nil {
		return nil, err
	}
	references := make([]social.UserRef, 0, len(documents))
	for _, document := range documents {
		reference, err := referenceFromFields(kind, document.Fields, fieldCrushID, fieldCrushDomain)
		if err != nil {
			return nil, err
		}
		references = append(references, reference)
	}
	return references, nil
}

// CrushedBy lists everyone who has declared a crush on the owner.
func (service *Service) CrushedBy(ctx context.Context, kind social.Kind, owner social.UserRef) ([]social.UserRef, error) {
	documents, err := service.store.Query(ctx, collectionFor(kind), crushFilter(kind, owner))
	if err != nil {
		return nil, err
	}
	references := make([]social.UserRef, 0, len(documents))
	for _, document := range documents {
		reference, err := referenceFromFields(kind, document.Fields, fieldID, fieldDomain)
		if err != nil {
			return nil, err
		}
		references = append(references, reference)
	}
	return references, nil
}

// CheckIfCrushIsMutual reports whether the target has also declared a
// crush back on the owner.
func (service *Service) CheckIfCrushIsMutual(ctx context.Context, kind social.Kind, owner social.UserRef, crush social.UserRef) (bool, error) {
	documents, err := service.store.Query(ctx, collectionFor(kind), pairFilter(kind, crush, owner))
	if err != nil {
		return false, err
	}
	return len(documents) > 0, nil
}

// DeleteCrush withdraws a declaration. A record younger than the cooldown
// stays put and the call fails with a *CooldownError carrying the
// remaining wait.
func (service *Service) DeleteCrush(ctx context.Context, kind social.Kind, owner social.UserRef, crush social.UserRef) error {
	collection := collectionFor(kind)
	documents, err := service.store.Query(ctx, collection, pairFilter(kind, owner, crush))
	if err != nil {
		return err
	}
	if len(documents) == 0 {
		return ErrCrushNotFound
	}
	document := documents[0]
	age := service.clock().Sub(document.Timestamp)
	if age < DeleteCooldown {
		return &CooldownError{Remaining: DeleteCooldown - age}
	}
	return service.store.Delete(ctx, collection, document.ID)
}
