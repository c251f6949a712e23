// Package keypool round-robins a pool of API credentials for the external
// extraction service and fails over when a credential's quota runs out.
package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/clearledger/invoice-sentinel/internal/model"
)

// ErrPoolExhausted is returned by GetActive when no credential is active.
var ErrPoolExhausted = eris.New("keypool: all credentials exhausted")

// Credential is an active pool entry handed to a caller. The hash identifies
// the entry for MarkExhausted; the secret never appears in logs or storage.
type Credential struct {
	Secret string
	Hash   string
}

type entry struct {
	secret      string
	hash        string
	active      bool
	usageCount  int64
	lastUsedAt  *time.Time
	exhaustedAt *time.Time
}

// Pool is an ordered credential pool. All methods are safe for concurrent
// use, including Reset racing in-flight selections.
type Pool struct {
	mu      sync.Mutex
	entries []*entry
	next    int
}

// New builds a pool from raw secrets, preserving their order.
func New(secrets []string) *Pool {
	p := &Pool{}
	for _, s := range secrets {
		p.entries = append(p.entries, &entry{
			secret: s,
			hash:   HashKey(s),
			active: true,
		})
	}
	return p
}

// HashKey returns the hex SHA-256 of a raw secret.
func HashKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Size reports the total number of credentials, active or not.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// GetActive returns the next active credential in round-robin order,
// skipping inactive entries. Fails with ErrPoolExhausted when none remain.
func (p *Pool) GetActive() (Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := 0; i < len(p.entries); i++ {
		idx := (p.next + i) % len(p.entries)
		e := p.entries[idx]
		if !e.active {
			continue
		}
		now := time.Now().UTC()
		e.usageCount++
		e.lastUsedAt = &now
		p.next = idx + 1
		return Credential{Secret: e.secret, Hash: e.hash}, nil
	}
	return Credential{}, ErrPoolExhausted
}

// MarkExhausted deactivates the credential with the given hash. Unknown
// hashes are ignored.
func (p *Pool) MarkExhausted(hash, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.entries {
		if e.hash != hash || !e.active {
			continue
		}
		now := time.Now().UTC()
		e.active = false
		e.exhaustedAt = &now
		zap.L().Warn("credential exhausted",
			zap.String("key", model.Credential{KeyHash: e.hash}.HashPrefix()),
			zap.String("reason", reason))
		return
	}
}

// Reset reactivates every credential. Invoked by the daily quota rollover
// and the manual reset endpoint.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	restored := 0
	for _, e := range p.entries {
		if !e.active {
			restored++
		}
		e.active = true
		e.exhaustedAt = nil
	}
	zap.L().Info("credential pool reset", zap.Int("restored", restored))
}

// Status snapshots the pool for reporting. Secrets are not included.
func (p *Pool) Status() []model.Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]model.Credential, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, model.Credential{
			KeyHash:     e.hash,
			Active:      e.active,
			UsageCount:  e.usageCount,
			LastUsedAt:  e.lastUsedAt,
			ExhaustedAt: e.exhaustedAt,
		})
	}
	return out
}
