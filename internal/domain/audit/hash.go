package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// canonicalEntry fixes field order for hashing. Struct fields marshal in
// declaration order and the nested blobs are re-encoded with sorted keys.
type canonicalEntry struct {
	ActorID      *string `json:"actor_id"`
	Action       Action  `json:"action"`
	ResourceType string  `json:"resource_type"`
	ResourceID   string  `json:"resource_id"`
	OldValues    any     `json:"old_values"`
	NewValues    any     `json:"new_values"`
	Metadata     any     `json:"metadata"`
	IPAddress    string  `json:"ip_address"`
	UserAgent    string  `json:"user_agent"`
	CreatedAt    string  `json:"created_at"`
	PrevHash     string  `json:"prev_hash"`
}

// ComputeHash returns the hex SHA-256 over the canonical serialization of e.
// It never reads or writes e.PayloadHash.
func ComputeHash(e *Entry) (string, error) {
	c := canonicalEntry{
		ActorID:      e.ActorID,
		Action:       e.Action,
		ResourceType: string(e.ResourceType),
		ResourceID:   e.ResourceID,
		IPAddress:    e.IPAddress,
		UserAgent:    e.UserAgent,
		CreatedAt:    normalizeTime(e.CreatedAt).Format(time.RFC3339Nano),
		PrevHash:     e.PrevHash,
	}
	var err error
	if c.OldValues, err = canonicalJSON(e.OldValues); err != nil {
		return "", fmt.Errorf("canonical old_values: %w", err)
	}
	if c.NewValues, err = canonicalJSON(e.NewValues); err != nil {
		return "", fmt.Errorf("canonical new_values: %w", err)
	}
	if c.Metadata, err = canonicalJSON(e.Metadata); err != nil {
		return "", fmt.Errorf("canonical metadata: %w", err)
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal canonical entry: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON decodes raw into generic values so re-encoding sorts object
// keys and drops insignificant whitespace. Numbers keep their literal form.
func canonicalJSON(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// normalizeTime truncates to the microsecond precision the store keeps.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Seal stamps e with its creation time and chain link, then computes its hash.
// It must be called exactly once, right before the entry is persisted.
func Seal(e *Entry, prevHash string, now time.Time) error {
	e.CreatedAt = normalizeTime(now)
	e.PrevHash = prevHash
	h, err := ComputeHash(e)
	if err != nil {
		return err
	}
	e.PayloadHash = h
	return nil
}

// Verify recomputes the hash of a stored entry and compares it to PayloadHash.
func Verify(e *Entry) bool {
	h, err := ComputeHash(e)
	return err == nil && h == e.PayloadHash
}

// VerifyChain checks entries for one resource, oldest first. It returns the
// index of the first entry whose hash or link is broken, or -1.
func VerifyChain(entries []Entry) int {
	prev := ""
	for i := range entries {
		if entries[i].PrevHash != prev || !Verify(&entries[i]) {
			return i
		}
		prev = entries[i].PayloadHash
	}
	return -1
}
