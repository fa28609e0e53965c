// Package identity resolves the hints a normalizer surfaces (customer
// id, email, app account token, original transaction id) into exactly
// one canonical user_id per real person, merging across sources when
// two previously distinct users turn out to be the same.
package identity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/revguard/revguard/internal/normalize"
	"github.com/revguard/revguard/internal/storage"
	"github.com/revguard/revguard/pkg/cache"
)

// mergeLockTTL bounds how long an org's identity-merge lock is held;
// merges are a handful of UPDATEs and should never approach this.
const mergeLockTTL = 10 * time.Second

// Resolver turns a set of identity hints into a single user, creating
// or merging user records as needed.
type Resolver struct {
	identities storage.IdentityRepo
	cache      *cache.Cache
	logger     *zap.Logger
}

// New returns a Resolver backed by repo, using cache for the per-org
// merge lock.
func New(repo storage.IdentityRepo, c *cache.Cache, logger *zap.Logger) *Resolver {
	return &Resolver{identities: repo, cache: c, logger: logger}
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Resolve implements spec's §4.6 steps 1-5: normalize, look up by
// hint, single-candidate/merge/create, per-org lock around the merge
// path since concurrent deliveries for the same two identities could
// otherwise race each other into two separate merges.
func (r *Resolver) Resolve(ctx context.Context, orgID uuid.UUID, hints []normalize.IdentityHint) (uuid.UUID, error) {
	if len(hints) == 0 {
		return uuid.Nil, fmt.Errorf("identity: cannot resolve with no hints")
	}

	candidates := make(map[uuid.UUID]bool)
	for _, h := range hints {
		idType, externalID := h.IDType, h.ExternalID
		if idType == "email" {
			externalID = normalizeEmail(externalID)
		}
		if externalID == "" {
			continue
		}
		ids, err := r.identities.FindUserIDs(ctx, orgID, h.Source, idType, externalID)
		if err != nil {
			return uuid.Nil, fmt.Errorf("identity: find user ids: %w", err)
		}
		for _, id := range ids {
			candidates[id] = true
		}
	}

	switch len(candidates) {
	case 0:
		return r.createFromHints(ctx, orgID, hints)
	case 1:
		for id := range candidates {
			if err := r.linkMissingHints(ctx, id, orgID, hints); err != nil {
				return uuid.Nil, err
			}
			return id, nil
		}
	}

	return r.mergeAndLink(ctx, orgID, candidates, hints)
}

func (r *Resolver) createFromHints(ctx context.Context, orgID uuid.UUID, hints []normalize.IdentityHint) (uuid.UUID, error) {
	var email *string
	for _, h := range hints {
		if h.IDType == "email" && h.ExternalID != "" {
			e := normalizeEmail(h.ExternalID)
			email = &e
			break
		}
	}

	user, err := r.identities.CreateUser(ctx, orgID, email)
	if err != nil {
		return uuid.Nil, fmt.Errorf("identity: create user: %w", err)
	}

	if err := r.linkMissingHints(ctx, user.ID, orgID, hints); err != nil {
		return uuid.Nil, err
	}
	return user.ID, nil
}

func (r *Resolver) linkMissingHints(ctx context.Context, userID, orgID uuid.UUID, hints []normalize.IdentityHint) error {
	for _, h := range hints {
		externalID := h.ExternalID
		if externalID == "" {
			continue
		}
		if h.IDType == "email" {
			externalID = normalizeEmail(externalID)
		}
		var email *string
		if h.IDType == "email" {
			email = &externalID
		}
		if err := r.identities.LinkIdentity(ctx, userID, orgID, h.Source, h.IDType, externalID, email, "webhook_hint"); err != nil {
			return fmt.Errorf("identity: link identity: %w", err)
		}
	}
	return nil
}

// mergeAndLink picks the lowest-id candidate as survivor, rewrites
// every other candidate's FKs onto it, then links the hints. Guarded
// by a per-org advisory lock so two concurrent deliveries that both
// observe the same candidate set can't each attempt the merge.
func (r *Resolver) mergeAndLink(ctx context.Context, orgID uuid.UUID, candidates map[uuid.UUID]bool, hints []normalize.IdentityHint) (uuid.UUID, error) {
	lockKey := "lock:identity-merge:" + orgID.String()
	acquired, err := r.cache.SetNX(ctx, lockKey, "1", mergeLockTTL)
	if err != nil {
		return uuid.Nil, fmt.Errorf("identity: acquire merge lock: %w", err)
	}
	if !acquired {
		return uuid.Nil, fmt.Errorf("identity: merge already in progress for org %s", orgID)
	}
	defer r.cache.Client.Del(ctx, lockKey)

	survivor := lowestID(candidates)
	for id := range candidates {
		if id == survivor {
			continue
		}
		if err := r.identities.MergeUsers(ctx, survivor, id); err != nil {
			return uuid.Nil, fmt.Errorf("identity: merge users: %w", err)
		}
		r.logger.Info("merged user identities",
			zap.String("org_id", orgID.String()),
			zap.String("survivor", survivor.String()),
			zap.String("loser", id.String()))
	}

	if err := r.linkMissingHints(ctx, survivor, orgID, hints); err != nil {
		return uuid.Nil, err
	}
	return survivor, nil
}

func lowestID(candidates map[uuid.UUID]bool) uuid.UUID {
	var lowest uuid.UUID
	first := true
	for id := range candidates {
		if first || id.String() < lowest.String() {
			lowest = id
			first = false
		}
	}
	return lowest
}

// ResolveByExternalID is the access-checks API's read path (§4.6
// variant): find the user for a bare external id without creating or
// merging, used when ingesting app-side access-check reports that
// reference a user the billing side may not have seen yet.
func (r *Resolver) ResolveByExternalID(ctx context.Context, orgID uuid.UUID, externalID string) (uuid.UUID, bool, error) {
	ids, err := r.identities.FindByExternalIDAny(ctx, orgID, externalID)
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("identity: find by external id: %w", err)
	}
	if len(ids) == 0 {
		return uuid.Nil, false, nil
	}
	return ids[0], true, nil
}
