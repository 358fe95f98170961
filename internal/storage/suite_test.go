package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace/internal/models"
)

// Every backend runs the same behavioural checks. Keys and user ids are
// random so shared databases need no cleanup between runs.

func testKey(action string) models.RateLimitKey {
	return models.RateLimitKey{Identifier: "user-" + uuid.NewString(), Action: action}
}

func testNow() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func runRateLimitSuite(t *testing.T, store RateLimitStore) {
	ctx := context.Background()
	policy := models.RateLimitPolicy{MaxAttempts: 3, Window: time.Minute, BlockDuration: 5 * time.Minute}

	t.Run("first hit opens a window", func(t *testing.T) {
		key := testKey("login")
		now := testNow()

		res, err := store.HitRateLimit(ctx, key, policy, now)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2, res.RemainingAttempts)
		assert.True(t, res.ResetAt.IsZero())

		rec, err := store.GetRateLimit(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 1, rec.AttemptCount)
		assert.True(t, rec.WindowStart.Equal(now))
		assert.Nil(t, rec.BlockedUntil)
	})

	t.Run("threshold blocks and block persists", func(t *testing.T) {
		key := testKey("signup")
		now := testNow()

		for i := range 3 {
			res, err := store.HitRateLimit(ctx, key, policy, now.Add(time.Duration(i)*time.Second))
			require.NoError(t, err)
			assert.True(t, res.Allowed)
			assert.Equal(t, 2-i, res.RemainingAttempts)
		}

		blockedAt := now.Add(3 * time.Second)
		res, err := store.HitRateLimit(ctx, key, policy, blockedAt)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, 0, res.RemainingAttempts)
		assert.True(t, res.ResetAt.Equal(blockedAt.Add(5*time.Minute)), "reset at %v", res.ResetAt)

		// Blocked hits do not count and do not extend the block.
		later := blockedAt.Add(2 * time.Minute)
		res, err = store.HitRateLimit(ctx, key, policy, later)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.True(t, res.ResetAt.Equal(blockedAt.Add(5*time.Minute)))

		rec, err := store.GetRateLimit(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 4, rec.AttemptCount)
	})

	t.Run("window resets after it elapses", func(t *testing.T) {
		key := testKey("contact_request")
		now := testNow()

		for i := range 3 {
			_, err := store.HitRateLimit(ctx, key, policy, now.Add(time.Duration(i)*time.Millisecond))
			require.NoError(t, err)
		}

		res, err := store.HitRateLimit(ctx, key, policy, now.Add(time.Minute+time.Millisecond))
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2, res.RemainingAttempts)
	})

	t.Run("exact window boundary still counts", func(t *testing.T) {
		key := testKey("login")
		now := testNow()

		_, err := store.HitRateLimit(ctx, key, policy, now)
		require.NoError(t, err)
		res, err := store.HitRateLimit(ctx, key, policy, now.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, res.RemainingAttempts)
	})

	t.Run("expired block restarts the window", func(t *testing.T) {
		key := testKey("login")
		now := testNow()

		for i := range 4 {
			_, err := store.HitRateLimit(ctx, key, policy, now.Add(time.Duration(i)*time.Millisecond))
			require.NoError(t, err)
		}
		res, err := store.HitRateLimit(ctx, key, policy, now.Add(6*time.Minute))
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2, res.RemainingAttempts)
	})

	t.Run("reset clears the record", func(t *testing.T) {
		key := testKey("login")
		now := testNow()

		for i := range 4 {
			_, err := store.HitRateLimit(ctx, key, policy, now.Add(time.Duration(i)*time.Millisecond))
			require.NoError(t, err)
		}
		require.NoError(t, store.ResetRateLimit(ctx, key))

		_, err := store.GetRateLimit(ctx, key)
		assert.ErrorIs(t, err, models.ErrNotFound)

		res, err := store.HitRateLimit(ctx, key, policy, now.Add(time.Second))
		require.NoError(t, err)
		assert.True(t, res.Allowed)

		assert.NoError(t, store.ResetRateLimit(ctx, testKey("login")))
	})

	t.Run("concurrent hits never exceed the limit", func(t *testing.T) {
		key := testKey("captcha_verify")
		now := testNow()
		limit := models.RateLimitPolicy{MaxAttempts: 5, Window: time.Minute}

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			allowed int
		)
		for range 20 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := store.HitRateLimit(ctx, key, limit, now)
				if !assert.NoError(t, err) {
					return
				}
				if res.Allowed {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 5, allowed)
	})
}

func newTestContactRequest(t *testing.T, ownerID, requesterID string, created time.Time) *models.ContactRequest {
	t.Helper()
	return models.NewContactRequest("property-"+uuid.NewString(), requesterID, ownerID, "  Is it still available?  ", created)
}

func runContactSuite(t *testing.T, store ContactStore) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		owner, requester := uuid.NewString(), uuid.NewString()
		cr := newTestContactRequest(t, owner, requester, testNow())
		require.NoError(t, store.CreateContactRequest(ctx, cr))

		got, err := store.GetContactRequest(ctx, cr.ID)
		require.NoError(t, err)
		assert.Equal(t, cr.ID, got.ID)
		assert.Equal(t, models.ContactStatusPending, got.Status)
		require.NotNil(t, got.Message)
		assert.Equal(t, "Is it still available?", *got.Message)
		assert.True(t, got.CreatedAt.Equal(cr.CreatedAt))

		_, err = store.GetContactRequest(ctx, uuid.NewString())
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("duplicate pair is rejected", func(t *testing.T) {
		owner, requester := uuid.NewString(), uuid.NewString()
		first := newTestContactRequest(t, owner, requester, testNow())
		require.NoError(t, store.CreateContactRequest(ctx, first))

		second := models.NewContactRequest(first.PropertyID, requester, owner, "", testNow())
		assert.ErrorIs(t, store.CreateContactRequest(ctx, second), models.ErrDuplicateRequest)

		sent, err := store.ListContactRequestsByRequester(ctx, requester)
		require.NoError(t, err)
		assert.Len(t, sent, 1)

		// Another requester for the same property is fine.
		other := models.NewContactRequest(first.PropertyID, uuid.NewString(), owner, "", testNow())
		assert.NoError(t, store.CreateContactRequest(ctx, other))
	})

	t.Run("status transitions", func(t *testing.T) {
		owner, requester := uuid.NewString(), uuid.NewString()
		cr := newTestContactRequest(t, owner, requester, testNow())
		require.NoError(t, store.CreateContactRequest(ctx, cr))

		_, err := store.UpdateContactRequestStatus(ctx, cr.ID, requester, models.ContactStatusApproved, testNow())
		assert.ErrorIs(t, err, models.ErrForbidden)

		_, err = store.UpdateContactRequestStatus(ctx, cr.ID, owner, models.ContactStatusPending, testNow())
		assert.ErrorIs(t, err, models.ErrInvalidTransition)

		_, err = store.UpdateContactRequestStatus(ctx, uuid.NewString(), owner, models.ContactStatusApproved, testNow())
		assert.ErrorIs(t, err, models.ErrNotFound)

		updatedAt := testNow().Add(time.Second)
		updated, err := store.UpdateContactRequestStatus(ctx, cr.ID, owner, models.ContactStatusApproved, updatedAt)
		require.NoError(t, err)
		assert.Equal(t, models.ContactStatusApproved, updated.Status)
		assert.True(t, updated.UpdatedAt.Equal(updatedAt))

		_, err = store.UpdateContactRequestStatus(ctx, cr.ID, owner, models.ContactStatusDenied, testNow())
		assert.ErrorIs(t, err, models.ErrInvalidTransition)

		got, err := store.GetContactRequest(ctx, cr.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ContactStatusApproved, got.Status)
	})

	t.Run("lists are newest first", func(t *testing.T) {
		owner, requester := uuid.NewString(), uuid.NewString()
		base := testNow()
		var ids []string
		for i := range 3 {
			cr := newTestContactRequest(t, owner, requester, base.Add(time.Duration(i)*time.Second))
			require.NoError(t, store.CreateContactRequest(ctx, cr))
			ids = append(ids, cr.ID)
		}

		sent, err := store.ListContactRequestsByRequester(ctx, requester)
		require.NoError(t, err)
		require.Len(t, sent, 3)
		assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{sent[0].ID, sent[1].ID, sent[2].ID})

		received, err := store.ListContactRequestsByOwner(ctx, owner)
		require.NoError(t, err)
		assert.Len(t, received, 3)

		empty, err := store.ListContactRequestsByOwner(ctx, uuid.NewString())
		require.NoError(t, err)
		assert.NotNil(t, empty)
		assert.Empty(t, empty)
	})

	t.Run("disclosure gate", func(t *testing.T) {
		owner, requester, stranger := uuid.NewString(), uuid.NewString(), uuid.NewString()
		now := testNow()
		require.NoError(t, store.UpsertProfile(ctx, &models.Profile{
			UserID: owner, FullName: "Ana Owner", Phone: "+55 11 5555-0000", CreatedAt: now, UpdatedAt: now,
		}))

		cr := newTestContactRequest(t, owner, requester, now)
		require.NoError(t, store.CreateContactRequest(ctx, cr))

		info, err := store.ApprovedContactInfo(ctx, cr.ID, requester)
		require.NoError(t, err)
		assert.Nil(t, info, "pending request must not disclose")

		_, err = store.UpdateContactRequestStatus(ctx, cr.ID, owner, models.ContactStatusApproved, now)
		require.NoError(t, err)

		info, err = store.ApprovedContactInfo(ctx, cr.ID, requester)
		require.NoError(t, err)
		require.NotNil(t, info)
		assert.Equal(t, "Ana Owner", info.FullName)
		assert.Equal(t, "+55 11 5555-0000", info.Phone)

		for _, caller := range []string{owner, stranger} {
			info, err = store.ApprovedContactInfo(ctx, cr.ID, caller)
			require.NoError(t, err)
			assert.Nil(t, info)
		}

		info, err = store.ApprovedContactInfo(ctx, uuid.NewString(), requester)
		require.NoError(t, err)
		assert.Nil(t, info)
	})

	t.Run("denied request never discloses", func(t *testing.T) {
		owner, requester := uuid.NewString(), uuid.NewString()
		now := testNow()
		require.NoError(t, store.UpsertProfile(ctx, &models.Profile{UserID: owner, FullName: "Bo", Phone: "123", CreatedAt: now, UpdatedAt: now}))
		cr := newTestContactRequest(t, owner, requester, now)
		require.NoError(t, store.CreateContactRequest(ctx, cr))
		_, err := store.UpdateContactRequestStatus(ctx, cr.ID, owner, models.ContactStatusDenied, now)
		require.NoError(t, err)

		info, err := store.ApprovedContactInfo(ctx, cr.ID, requester)
		require.NoError(t, err)
		assert.Nil(t, info)
	})

	t.Run("profile upsert", func(t *testing.T) {
		user := uuid.NewString()
		created := testNow()
		require.NoError(t, store.UpsertProfile(ctx, &models.Profile{UserID: user, FullName: "First", Phone: "1", CreatedAt: created, UpdatedAt: created}))

		later := created.Add(time.Hour)
		require.NoError(t, store.UpsertProfile(ctx, &models.Profile{UserID: user, FullName: "Second", Phone: "2", CreatedAt: later, UpdatedAt: later}))

		p, err := store.GetProfile(ctx, user)
		require.NoError(t, err)
		assert.Equal(t, "Second", p.FullName)
		assert.Equal(t, "2", p.Phone)
		assert.True(t, p.CreatedAt.Equal(created), "created_at must survive updates")
		assert.True(t, p.UpdatedAt.Equal(later))

		_, err = store.GetProfile(ctx, uuid.NewString())
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("concurrent duplicates leave one request", func(t *testing.T) {
		owner, requester := uuid.NewString(), uuid.NewString()
		propertyID := "property-" + uuid.NewString()
		now := testNow()

		const attempts = 20
		var (
			wg                       sync.WaitGroup
			mu                       sync.Mutex
			created, dup, unexpected int
		)
		for range attempts {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := store.CreateContactRequest(ctx, models.NewContactRequest(propertyID, requester, owner, "", now))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					created++
				case errors.Is(err, models.ErrDuplicateRequest):
					dup++
				default:
					unexpected++
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, created)
		assert.Equal(t, attempts-1, dup)
		assert.Zero(t, unexpected)

		sent, err := store.ListContactRequestsByRequester(ctx, requester)
		require.NoError(t, err)
		assert.Len(t, sent, 1)
	})
}
