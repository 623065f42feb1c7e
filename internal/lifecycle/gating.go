package lifecycle

import "github.com/example/ridehail/internal/models"

type Screen string

const (
	ScreenDashboard       Screen = "dashboard"
	ScreenSuspended       Screen = "suspended"
	ScreenUploadDocuments Screen = "upload_documents"
	ScreenPendingApproval Screen = "pending_approval"
	ScreenPayment         Screen = "payment_required"
)

// ScreenState is what the driver app renders for a verification status.
type ScreenState struct {
	Screen      Screen `json:"screen"`
	CanGoOnline bool   `json:"can_go_online"`
	Message     string `json:"message"`
}

// ScreenFor maps the driver status onto exactly one screen.
func ScreenFor(s models.DriverStatus) ScreenState {
	switch s {
	case models.DriverStatusActive:
		return ScreenState{Screen: ScreenDashboard, CanGoOnline: true}
	case models.DriverStatusSuspended:
		return ScreenState{Screen: ScreenSuspended, Message: "account suspended, contact support"}
	case models.DriverStatusUploadDocuments:
		return ScreenState{Screen: ScreenUploadDocuments, Message: "upload your license and vehicle documents"}
	case models.DriverStatusPendingApproval:
		return ScreenState{Screen: ScreenPendingApproval, Message: "documents under review"}
	case models.DriverStatusPaymentRequired:
		return ScreenState{Screen: ScreenPayment, Message: "renew your subscription to keep driving"}
	default:
		return ScreenState{Screen: ScreenPendingApproval, Message: "status unavailable"}
	}
}
