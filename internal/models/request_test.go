package models_test

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace/internal/models"
)

func TestRateLimitCheckRequest_Validate(t *testing.T) {
	req := models.RateLimitCheckRequest{
		Identifier:  " Alice@Example.com",
		ActionType:  "LOGIN",
		MaxAttempts: 3,
		WindowMs:    60000,
	}
	key, policy, err := req.Validate()
	require.NoError(t, err)
	assert.Equal(t, models.RateLimitKey{Identifier: "alice@example.com", Action: "login"}, key)
	assert.Equal(t, time.Minute, policy.BlockDuration, "block defaults to the window")

	bad := []models.RateLimitCheckRequest{
		{ActionType: "login", MaxAttempts: 3, WindowMs: 1000},
		{Identifier: "a", MaxAttempts: 3, WindowMs: 1000},
		{Identifier: "a", ActionType: "login", MaxAttempts: 0, WindowMs: 1000},
		{Identifier: "a", ActionType: "login", MaxAttempts: 3, WindowMs: 0},
		{Identifier: "a", ActionType: "login", MaxAttempts: 3, WindowMs: 1000, BlockDurationMs: -5},
		{Identifier: "a", ActionType: "login", MaxAttempts: 3, WindowMs: 18446744073710, BlockDurationMs: 18446744073710},
		{Identifier: "a", ActionType: "login", MaxAttempts: 3, WindowMs: 1000, BlockDurationMs: 9223372036855},
	}
	for i, r := range bad {
		_, _, err := r.Validate()
		assert.ErrorIs(t, err, models.ErrValidation, "case %d", i)
	}

	overflow := models.RateLimitCheckRequest{Identifier: "a", ActionType: "login", MaxAttempts: 3, WindowMs: 18446744073710}
	_, _, err = overflow.Validate()
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "window_ms", verr.Field)
}

func TestCreateContactRequestRequest_Validate(t *testing.T) {
	msg := "  hello there  "
	req := models.CreateContactRequestRequest{PropertyID: " p1 ", PropertyOwnerID: "o1", Message: &msg}
	require.NoError(t, req.Validate())
	assert.Equal(t, "p1", req.PropertyID)
	assert.Equal(t, "hello there", req.MessageText())

	long := strings.Repeat("x", 1001)
	req = models.CreateContactRequestRequest{PropertyID: "p1", PropertyOwnerID: "o1", Message: &long}
	assert.ErrorIs(t, req.Validate(), models.ErrValidation)

	req = models.CreateContactRequestRequest{PropertyOwnerID: "o1"}
	assert.ErrorIs(t, req.Validate(), models.ErrValidation)
}

func TestUpdateContactStatusRequest_Validate(t *testing.T) {
	status, err := (&models.UpdateContactStatusRequest{Status: "denied"}).Validate()
	require.NoError(t, err)
	assert.Equal(t, models.ContactStatusDenied, status)

	_, err = (&models.UpdateContactStatusRequest{Status: "pending"}).Validate()
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestUpsertProfileRequest_Validate(t *testing.T) {
	req := models.UpsertProfileRequest{FullName: " Olivia ", Phone: "+1 (555) 010-0100"}
	require.NoError(t, req.Validate())
	assert.Equal(t, "Olivia", req.FullName)

	req = models.UpsertProfileRequest{FullName: "Olivia", Phone: "call me"}
	assert.ErrorIs(t, req.Validate(), models.ErrValidation)

	req = models.UpsertProfileRequest{Phone: "555"}
	assert.ErrorIs(t, req.Validate(), models.ErrValidation)
}

func TestCaptchaVerifyRequest_Validate(t *testing.T) {
	req := models.CaptchaVerifyRequest{Token: " tok ", Action: " signup "}
	require.NoError(t, req.Validate())
	assert.Equal(t, "tok", req.Token)
	assert.Equal(t, "signup", req.Action)

	assert.Error(t, (&models.CaptchaVerifyRequest{}).Validate())
}

func TestCaptchaResult_Passes(t *testing.T) {
	high, low := 0.9, 0.3
	assert.True(t, models.CaptchaResult{Success: true, Score: &high}.Passes(0.5))
	assert.False(t, models.CaptchaResult{Success: true, Score: &low}.Passes(0.5))
	assert.False(t, models.CaptchaResult{Success: false, Score: &high}.Passes(0.5))
	assert.False(t, models.CaptchaResult{Success: true}.Passes(0.5))
	assert.True(t, models.CaptchaResult{Success: true}.Passes(0))
}
