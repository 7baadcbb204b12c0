// aurora - An end-to-end encrypted messaging client.
// Copyright (C) 2026 Aurora Messenger Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package ident defines the three identity key kinds a conversation can be
// addressed by, and the normalization rules for each.
//
// A contact can be known by up to three keys at once:
//
//   - a ServiceID: the long-lived account identifier, immutable once a real
//     account has claimed it
//   - a RoutingID: a secondary, more ephemeral identifier that can stand in
//     for the ServiceID while the ServiceID is still unknown
//   - an E164 phone number
//
// The keys arrive asynchronously and out of order from multiple sources
// (message pipeline, storage sync, user actions), so any combination of them
// may be absent at any point in a conversation's life.
package ident

import (
	"fmt"
	"strings"
)

// ServiceID is the stable account-level identifier for a user.
type ServiceID string

// RoutingID is the ephemeral secondary identifier. When no ServiceID is
// known yet, the RoutingID is stored in the primary-identity slot of a
// conversation record (the "tricky slot").
type RoutingID string

// E164 is a phone number in E.164 format ("+15551234567").
type E164 string

// KeyKind identifies one of the three identity key kinds. It is a closed
// enum: every switch over KeyKind must handle all three values.
type KeyKind int

const (
	// KindServiceID is the stable account identifier kind.
	KindServiceID KeyKind = iota + 1
	// KindE164 is the phone number kind.
	KindE164
	// KindRoutingID is the secondary routing identifier kind.
	KindRoutingID
)

// MergeOrder is the fixed order in which the merge engine processes key
// kinds. The order is significant: the strongest identifier is considered
// first so it wins target selection.
var MergeOrder = [3]KeyKind{KindServiceID, KindE164, KindRoutingID}

func (k KeyKind) String() string {
	switch k {
	case KindServiceID:
		return "serviceID"
	case KindE164:
		return "e164"
	case KindRoutingID:
		return "routingID"
	default:
		return fmt.Sprintf("KeyKind(%d)", int(k))
	}
}

// NormalizePhone strips formatting characters from a raw phone number,
// keeping only digits and a leading '+'.
//
//	"+1 (555) 111-1111" → "+15551111111"
//	"555.111.1111"      → "5551111111"
func NormalizePhone(raw string) string {
	var b strings.Builder
	for i, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizeE164 converts a phone number from any common format to E.164.
//
//	"+1 (555) 111-1111" → "+15551111111"
//	"(555) 111-1111"    → "+15551111111"  (assumes US)
//	"+447911123456"     → "+447911123456"
//
// Note: 10-digit numbers without a country code are assumed to be US (+1).
// International numbers stored without a country code may not normalize
// correctly. Returns "" for inputs with no digits at all.
func NormalizeE164(raw string) E164 {
	n := NormalizePhone(raw)
	if n == "" {
		return ""
	}
	if strings.HasPrefix(n, "+") {
		return E164(n)
	}
	// 10 digits: US number without country code
	if len(n) == 10 {
		return E164("+1" + n)
	}
	// 11 digits starting with 1: US number with country code but missing +
	if len(n) == 11 && n[0] == '1' {
		return E164("+" + n)
	}
	// Best effort for other formats
	return E164("+" + n)
}

// PhoneLookupForms returns the candidate strings to try when resolving a raw
// identifier against the phone-number index: the bare normalized digits and
// the '+'-prefixed E.164 form. Both are tried because older persisted data
// stored numbers without the prefix.
func PhoneLookupForms(raw string) []string {
	n := NormalizePhone(raw)
	if n == "" {
		return nil
	}
	if strings.HasPrefix(n, "+") {
		return []string{n, strings.TrimPrefix(n, "+")}
	}
	return []string{n, string(NormalizeE164(n))}
}

// IsNumeric returns true if s is non-empty and contains only digits.
func IsNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// LooksLikePhone reports whether a raw identifier should be resolved through
// the phone-number index before the identifier indices. Formatting
// characters are tolerated so callers may pass numbers as users typed them;
// anything containing a letter is never a phone number.
func LooksLikePhone(raw string) bool {
	digits := 0
	for i, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' && i == 0:
		case r == ' ' || r == '(' || r == ')' || r == '-' || r == '.':
		default:
			return false
		}
	}
	return digits > 0
}
