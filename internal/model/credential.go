package model

import "time"

// Credential tracks one entry of the external-service API key pool. Only the
// SHA-256 hash of the key is persisted; the raw secret stays in process
// memory.
type Credential struct {
	KeyHash     string     `json:"key_hash"`
	Active      bool       `json:"active"`
	UsageCount  int64      `json:"usage_count"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	ExhaustedAt *time.Time `json:"exhausted_at,omitempty"`
}

// HashPrefix returns a short identifier safe for logs.
func (c Credential) HashPrefix() string {
	if len(c.KeyHash) > 8 {
		return c.KeyHash[:8]
	}
	return c.KeyHash
}
