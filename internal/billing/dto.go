package billing

import "time"

type ChargeResponse struct {
	ChargeID   int64      `json:"charge_id"`
	ChargeULID string     `json:"charge_ulid"`
	LoanID     int64      `json:"loan_id"`
	PatronID   int64      `json:"patron_id"`
	Kind       string     `json:"kind"`
	Status     string     `json:"status"`
	Amount     string     `json:"amount"`
	SessionID  string     `json:"session_id"`
	SessionURL string     `json:"session_url"`
	CreatedAt  time.Time  `json:"created_at"`
	SettledAt  *time.Time `json:"settled_at,omitempty"`
}

func buildChargeResponse(c *Charge) ChargeResponse {
	resp := ChargeResponse{
		ChargeID:   c.ChargeID,
		ChargeULID: c.ChargeULID,
		LoanID:     c.LoanID,
		PatronID:   c.PatronID,
		Kind:       c.Kind,
		Status:     c.Status,
		Amount:     c.Amount.StringFixed(2),
		SessionID:  c.SessionID,
		SessionURL: c.SessionURL,
		CreatedAt:  c.CreatedAt,
	}
	if c.SettledAt.Valid {
		v := c.SettledAt.Time
		resp.SettledAt = &v
	}
	return resp
}
