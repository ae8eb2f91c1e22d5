// Package hashchain computes the links of the consent audit hash chain.
//
// Each link is SHA-256(prev_hash || ChainForm(payload) || timestamp), hex
// encoded. The chain is anchored at GenesisHash.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmerrifield20/consentledger/internal/canonical"
)

// GenesisHash is the predecessor of the first event in the ledger.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// HashLen is the length of every hex-encoded link hash.
const HashLen = 64

// PayloadTimestampKey is the payload field that, when present, overrides the
// stored event timestamp as the link-hash timestamp.
const PayloadTimestampKey = "timestamp"

// LinkHash returns the hex SHA-256 digest linking payload to prevHash.
// timestamp is used verbatim.
func LinkHash(prevHash string, payload any, timestamp string) (string, error) {
	form, err := canonical.ChainForm(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize event payload: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(form))
	h.Write([]byte(timestamp))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ResolveTimestamp selects the timestamp fed into LinkHash for an event: the
// payload's own "timestamp" when present, otherwise the stored one. Creation
// and verification must both go through this function.
//
// A null, empty, false or zero payload timestamp falls back to the stored
// one. Other scalars are rendered as Python's str() would render them, so
// true becomes "True" and 1.50 becomes "1.5".
func ResolveTimestamp(payload map[string]any, stored string) string {
	if ts, ok := scalarTimestamp(payload[PayloadTimestampKey]); ok {
		return ts
	}
	return stored
}

// CheckPayloadTimestamp rejects payloads whose "timestamp" is an object or an
// array. Such values have no stable rendering and never enter the chain.
func CheckPayloadTimestamp(payload map[string]any) error {
	switch v := payload[PayloadTimestampKey].(type) {
	case map[string]any, []any:
		return fmt.Errorf("payload timestamp must be a string, number or boolean, got %T", v)
	}
	return nil
}

func scalarTimestamp(v any) (string, bool) {
	switch ts := v.(type) {
	case nil:
		return "", false
	case string:
		return ts, ts != ""
	case bool:
		return "True", ts
	case json.Number:
		f, err := strconv.ParseFloat(ts.String(), 64)
		if err == nil && f == 0 {
			return "", false
		}
		b, err := canonical.Encode(ts)
		if err != nil {
			return ts.String(), true
		}
		return string(b), true
	case map[string]any, []any:
		return "", false
	default:
		n, err := canonical.Normalize(ts)
		if err != nil {
			return "", false
		}
		return scalarTimestamp(n)
	}
}

// IsHash reports whether s is a well-formed lowercase 64-character hex digest.
func IsHash(s string) bool {
	if len(s) != HashLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// FormatTimestamp renders t in UTC as ISO-8601 without an offset, with
// microsecond precision and the fraction omitted when it is zero
// (e.g. "2024-01-01T00:00:00" or "2024-01-01T00:00:00.000250").
func FormatTimestamp(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	micros := t.Nanosecond() / 1000
	if micros == 0 {
		return base
	}
	return fmt.Sprintf("%s.%06d", base, micros)
}

var timestampLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp parses the ISO-8601 forms produced by FormatTimestamp and
// RFC 3339. Timestamps without an offset are taken as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid ISO-8601 timestamp %q", s)
}
