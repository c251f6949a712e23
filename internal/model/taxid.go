package model

import "time"

// TaxIDRecord is a cached, previously verified tax registration. Created on
// first successful portal verification, refreshed in place on manual
// re-verification, never expired automatically.
type TaxIDRecord struct {
	TaxID             string     `json:"tax_id"`
	LegalName         string     `json:"legal_name"`
	TradeName         string     `json:"trade_name"`
	Status            string     `json:"status"` // registration status as reported by the portal
	RegistrationDate  *time.Time `json:"registration_date,omitempty"`
	BusinessType      string     `json:"business_type"`
	Address           string     `json:"address"`
	EInvoiceStatus    string     `json:"einvoice_status"`
	LastVerifiedAt    time.Time  `json:"last_verified_at"`
	VerificationCount int        `json:"verification_count"`
}
