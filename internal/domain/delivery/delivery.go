package delivery

import (
	"strings"

	"github.com/escrow-hub/escrow-hub/internal/domain/pga"
)

// Agreement is the delivery sub-record gating final fund release on buyer
// consent. Created once after certificate issuance, mutated once by the
// buyer's consent, never deleted.
type Agreement struct {
	AgreementID      string `json:"agreementId"`
	PGAID            string `json:"pgaId"`
	DeliveryPerson   string `json:"deliveryPerson"`
	Buyer            string `json:"buyer"`
	CreatedAt        int64  `json:"createdAt"`
	Deadline         int64  `json:"deadline"`
	BuyerConsent     bool   `json:"buyerConsent"`
	DeliveryNotes    string `json:"deliveryNotes,omitempty"`
	DeliveryProofURI string `json:"deliveryProofUri,omitempty"`
}

// CreateParams carries caller input for a new delivery agreement.
type CreateParams struct {
	PGAID          string `json:"pgaId"`
	AgreementID    string `json:"agreementId"`
	DeliveryPerson string `json:"deliveryPerson"`
	Deadline       int64  `json:"deadline"`
}

// Validate rejects malformed input before any ledger call.
func (p *CreateParams) Validate() error {
	if strings.TrimSpace(p.PGAID) == "" {
		return &pga.ValidationError{Field: "pgaId", Reason: "required"}
	}
	if strings.TrimSpace(p.AgreementID) == "" {
		return &pga.ValidationError{Field: "agreementId", Reason: "required"}
	}
	if strings.TrimSpace(p.DeliveryPerson) == "" {
		return &pga.ValidationError{Field: "deliveryPerson", Reason: "required"}
	}
	if p.Deadline <= 0 {
		return &pga.ValidationError{Field: "deadline", Reason: "must be positive"}
	}
	return nil
}
