package ident

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "+15551111111", NormalizePhone("+1 (555) 111-1111"))
	assert.Equal(t, "5551111111", NormalizePhone("555.111.1111"))
	assert.Equal(t, "15551111111", NormalizePhone("1-555-111-1111"))
	// '+' only counts at the start
	assert.Equal(t, "5551111111", NormalizePhone("555+111+1111"))
	assert.Equal(t, "", NormalizePhone("not a number"))
}

func TestNormalizeE164(t *testing.T) {
	assert.Equal(t, E164("+15551111111"), NormalizeE164("+1 (555) 111-1111"))
	assert.Equal(t, E164("+15551111111"), NormalizeE164("(555) 111-1111"))
	assert.Equal(t, E164("+15551111111"), NormalizeE164("15551111111"))
	assert.Equal(t, E164("+447911123456"), NormalizeE164("+44 7911 123456"))
	assert.Equal(t, E164(""), NormalizeE164(""))
	assert.Equal(t, E164(""), NormalizeE164("---"))
}

func TestPhoneLookupForms(t *testing.T) {
	assert.Equal(t, []string{"+15551111111", "15551111111"}, PhoneLookupForms("+1 555 111 1111"))
	assert.Equal(t, []string{"5551111111", "+15551111111"}, PhoneLookupForms("555 111 1111"))
	assert.Nil(t, PhoneLookupForms(""))
}

func TestLooksLikePhone(t *testing.T) {
	assert.True(t, LooksLikePhone("+15551111111"))
	assert.True(t, LooksLikePhone("5551111111"))
	assert.True(t, LooksLikePhone("+1 (555) 111-1111"))
	assert.False(t, LooksLikePhone("ABCDEF01-2345-6789-ABCD-EF0123456789"))
	assert.False(t, LooksLikePhone("+"))
	assert.False(t, LooksLikePhone(""))
}

func TestMergeOrder(t *testing.T) {
	assert.Equal(t, [3]KeyKind{KindServiceID, KindE164, KindRoutingID}, MergeOrder)
	for _, kind := range MergeOrder {
		assert.NotContains(t, kind.String(), "KeyKind(")
	}
}
