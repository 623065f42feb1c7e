package lifecycle

import (
	"testing"
	"time"

	"github.com/example/ridehail/internal/models"
)

func TestClassifyDriverPrecedence(t *testing.T) {
	now := time.Now()
	future := now.Add(24 * time.Hour)
	past := now.Add(-time.Hour)
	full := func() *models.User {
		return &models.User{DocumentsSubmitted: true, IsVerified: true, SubscriptionEndDate: &future}
	}

	cases := []struct {
		name string
		edit func(u *models.User)
		want models.DriverStatus
	}{
		{"active", func(u *models.User) {}, models.DriverStatusActive},
		{"suspended wins over everything", func(u *models.User) {
			u.IsSuspended = true
			u.DocumentsSubmitted = false
		}, models.DriverStatusSuspended},
		{"documents missing", func(u *models.User) { u.DocumentsSubmitted = false; u.IsVerified = false }, models.DriverStatusUploadDocuments},
		{"awaiting approval", func(u *models.User) { u.IsVerified = false }, models.DriverStatusPendingApproval},
		{"no subscription", func(u *models.User) { u.SubscriptionEndDate = nil }, models.DriverStatusPaymentRequired},
		{"expired subscription", func(u *models.User) { u.SubscriptionEndDate = &past }, models.DriverStatusPaymentRequired},
		{"commission over limit", func(u *models.User) { u.AccumulatedCommission = 5000 }, models.DriverStatusPaymentRequired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u := full()
			tc.edit(u)
			if got := models.ClassifyDriver(u, now, 5000); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestScreenForIsExclusive(t *testing.T) {
	want := map[models.DriverStatus]Screen{
		models.DriverStatusActive:          ScreenDashboard,
		models.DriverStatusSuspended:       ScreenSuspended,
		models.DriverStatusUploadDocuments: ScreenUploadDocuments,
		models.DriverStatusPendingApproval: ScreenPendingApproval,
		models.DriverStatusPaymentRequired: ScreenPayment,
	}
	for status, screen := range want {
		got := ScreenFor(status)
		if got.Screen != screen {
			t.Fatalf("%s: expected screen %s, got %s", status, screen, got.Screen)
		}
		if got.CanGoOnline != (status == models.DriverStatusActive) {
			t.Fatalf("%s: only active drivers may go online", status)
		}
	}
}
