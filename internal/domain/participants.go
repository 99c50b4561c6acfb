package domain

import (
	"encoding/json"
	"net/mail"
	"strings"
)

// ParseParticipants decodes a JSON array of addresses. Anything that is not
// an array of strings yields an empty list; invalid addresses are dropped.
func ParseParticipants(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}
	}

	var items []any
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		return []string{}
	}

	values := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		values = append(values, s)
	}
	return NormalizeParticipants(values)
}

// NormalizeParticipants lower-cases, validates and de-duplicates addresses,
// keeping the first occurrence order.
func NormalizeParticipants(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, v := range values {
		v = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(v), "mailto:"))
		if v == "" {
			continue
		}
		addr, err := mail.ParseAddress(v)
		if err != nil {
			continue
		}
		email := strings.ToLower(addr.Address)
		if seen[email] {
			continue
		}
		seen[email] = true
		out = append(out, email)
	}
	return out
}

// EncodeParticipants is the storage form of a participant list
func EncodeParticipants(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(data)
}
