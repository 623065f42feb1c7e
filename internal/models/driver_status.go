package models

import "time"

// DriverStatus is the single verification verdict that gates the driver dashboard.
type DriverStatus string

const (
	DriverStatusActive          DriverStatus = "active"
	DriverStatusSuspended       DriverStatus = "suspended"
	DriverStatusUploadDocuments DriverStatus = "upload_documents"
	DriverStatusPendingApproval DriverStatus = "pending_approval"
	DriverStatusPaymentRequired DriverStatus = "payment_required"
)

// ClassifyDriver collapses the verification fields of a driver into one status.
// A zero commissionLimit disables the commission check.
func ClassifyDriver(u *User, now time.Time, commissionLimit float64) DriverStatus {
	switch {
	case u.IsSuspended:
		return DriverStatusSuspended
	case !u.DocumentsSubmitted:
		return DriverStatusUploadDocuments
	case !u.IsVerified:
		return DriverStatusPendingApproval
	case u.SubscriptionEndDate == nil || now.After(*u.SubscriptionEndDate):
		return DriverStatusPaymentRequired
	case commissionLimit > 0 && u.AccumulatedCommission >= commissionLimit:
		return DriverStatusPaymentRequired
	default:
		return DriverStatusActive
	}
}
