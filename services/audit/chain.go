package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/R3E-Network/treasury_layer/internal/domain/treasury"
)

// canonicalEntry is the hashed form of an entry. Details are re-encoded so
// that a round trip through JSONB yields the same bytes.
type canonicalEntry struct {
	ID         string          `json:"id"`
	Sequence   int64           `json:"sequence"`
	Timestamp  string          `json:"timestamp"`
	Action     string          `json:"action"`
	Actor      string          `json:"actor"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	WalletID   string          `json:"wallet_id"`
	Details    json.RawMessage `json:"details"`
	IPAddress  string          `json:"ip_address"`
	UserAgent  string          `json:"user_agent"`
}

// ComputeHash returns sha256(prevHash || canonical entry) as hex.
func ComputeHash(e *treasury.AuditEntry) (string, error) {
	details, err := canonicalDetails(e.Details)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(canonicalEntry{
		ID:         e.ID,
		Sequence:   e.Sequence,
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		Action:     string(e.Action),
		Actor:      e.Actor,
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		WalletID:   e.WalletID,
		Details:    details,
		IPAddress:  e.IPAddress,
		UserAgent:  e.UserAgent,
	})
	if err != nil {
		return "", err
	}

	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func canonicalDetails(m treasury.Metadata) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic interface{}
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}

// chainTimestamp truncates to the precision Postgres keeps.
func chainTimestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
