package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUserValidateSubscription(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(7 * 24 * time.Hour)

	tests := []struct {
		name string
		user User
		want error
	}{
		{"no trial", User{ID: 1}, nil},
		{"running trial", User{ID: 1, IsOnTrial: true, TrialStartedAt: &start, TrialExpiresAt: &end}, nil},
		{"trial without expiry", User{ID: 1, IsOnTrial: true, TrialStartedAt: &start}, ErrTrialWithoutExpiry},
		{"trial ends before start", User{ID: 1, IsOnTrial: true, TrialStartedAt: &end, TrialExpiresAt: &start}, ErrTrialBeforeStart},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.user.BeforeSave(nil)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}

	bad := User{ID: 1, Country: "DEU"}
	assert.Error(t, bad.BeforeSave(nil))
}

func TestUserValidateChecksIdentity(t *testing.T) {
	u := User{Name: "Ada Lovelace", Email: "ada@example.com", Role: ROLE_USER, Status: STATUS_ACTIVE}
	assert.NoError(t, u.Validate())

	u.Email = "not-an-email"
	assert.Error(t, u.Validate())
}
