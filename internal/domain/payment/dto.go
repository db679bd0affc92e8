// internal/domain/payment/dto.go
package payment

// SubscribeRequest starts a checkout for one plan.
type SubscribeRequest struct {
	PlanCode string `json:"plan_code" binding:"required,max=100"`
}

type SubscribeResponse struct {
	RedirectURL string `json:"redirect_url"`
	SessionID   string `json:"session_id"`
}

// SuccessRequest is bound from the success callback query string.
type SuccessRequest struct {
	SessionID string `form:"session_id" binding:"required,max=500"`
}
