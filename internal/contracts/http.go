package contracts

import "time"

type CreateEscrowRequest struct {
	Title      string                 `json:"title"`
	Kind       string                 `json:"kind"`
	Currency   string                 `json:"currency"`
	Allocation int64                  `json:"allocation"`
	Recipients []EscrowRecipientInput `json:"recipients"`
	Milestones []EscrowMilestoneInput `json:"milestones,omitempty"`
}

type EscrowRecipientInput struct {
	Principal   string `json:"principal"`
	DisplayName string `json:"display_name"`
}

type EscrowMilestoneInput struct {
	Title          string                    `json:"title"`
	Allocation     int64                     `json:"allocation"`
	DurationMonths int                       `json:"duration_months"`
	StartDate      time.Time                 `json:"start_date"`
	ReleaseDay     int                       `json:"release_day"`
	Recipients     []MilestoneRecipientInput `json:"recipients"`
}

type MilestoneRecipientInput struct {
	Principal    string `json:"principal"`
	SharePercent int64  `json:"share_percent"`
}

type SubmitProofRequest struct {
	Month       int               `json:"month"`
	Description string            `json:"description"`
	Attachments []AttachmentInput `json:"attachments,omitempty"`
}

// AttachmentInput carries pre-compressed attachment bytes. The service
// enforces size ceilings and stores only the resulting blob IDs.
type AttachmentInput struct {
	Filename string `json:"filename"`
	Data     []byte `json:"data"`
}

type ReleaseCheckResponse struct {
	Eligible bool   `json:"eligible"`
	Month    int    `json:"month,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type RemainingResponse struct {
	MilestoneID string `json:"milestone_id"`
	Remaining   int64  `json:"remaining"`
	Currency    string `json:"currency"`
}

type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

type SuccessResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type ErrorResponse struct {
	Status string       `json:"status"`
	Error  ErrorPayload `json:"error"`
}

type ErrorPayload struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	RequestID string      `json:"request_id,omitempty"`
	Details   interface{} `json:"details,omitempty"`
}
