package convo

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aurora-msg/aurora/pkg/ident"
)

func newTestRegistry() *registry {
	return newRegistry(zerolog.Nop())
}

func TestRegistry_LookupPrecedence(t *testing.T) {
	reg := newTestRegistry()
	byPhone := &Record{LocalID: "r1", Kind: KindDirect, E164: "+15551111111"}
	byService := &Record{LocalID: "r2", Kind: KindDirect, PrimaryIdentity: "ACI-1"}
	byGroup := &Record{LocalID: "r3", Kind: KindGroup, GroupID: "GROUP-1"}
	reg.insert(byPhone, true)
	reg.insert(byService, true)
	reg.insert(byGroup, true)

	// Phone forms: bare digits resolve through the E.164 index.
	assert.Same(t, byPhone, reg.lookup("+15551111111"))
	assert.Same(t, byPhone, reg.lookup("15551111111"))
	assert.Same(t, byService, reg.lookup("ACI-1"))
	assert.Same(t, byGroup, reg.lookup("GROUP-1"))
	assert.Same(t, byGroup, reg.lookup("r3"))
	assert.Nil(t, reg.lookup("unknown"))
	assert.Nil(t, reg.lookup(""))
}

func TestRegistry_TrickySlotLookup(t *testing.T) {
	reg := newTestRegistry()
	// Routing id standing in for an unknown service id.
	rec := &Record{LocalID: "r1", Kind: KindDirect, PrimaryIdentity: "PNI-1", RoutingID: "PNI-1"}
	reg.insert(rec, true)

	require.True(t, rec.InTrickySlot())
	assert.Equal(t, ident.ServiceID(""), rec.ServiceID())
	// lookupByKind for the routing kind falls through to the primary index.
	assert.Same(t, rec, reg.lookupByKind(ident.KindRoutingID, "PNI-1"))
	// But a genuine service-id lookup does not treat the tricky value as an
	// account id claim of its own kind.
	assert.Same(t, rec, reg.lookupByKind(ident.KindServiceID, "PNI-1"))
}

func TestRegistry_UniquenessUnderInsertRemove(t *testing.T) {
	reg := newTestRegistry()
	a := &Record{LocalID: "a", Kind: KindDirect, PrimaryIdentity: "ACI-1", E164: "+15551111111"}
	b := &Record{LocalID: "b", Kind: KindDirect, E164: "+15551111111"}
	reg.insert(a, true)
	reg.insert(b, true)

	// a holds two keys, b only one: the soft-overwrite policy keeps a as
	// the phone number's claimant.
	assert.Same(t, a, reg.lookup("+15551111111"))

	reg.remove(a)
	// Removing a must not clobber b's local-id claim, and frees the phone
	// key for nobody (b never won it back without reinsertion).
	assert.Nil(t, reg.lookup("ACI-1"))
	assert.Same(t, b, reg.lookup("b"))

	reg.reindex()
	assert.Same(t, b, reg.lookup("+15551111111"))
}

func TestRegistry_SoftOverwritePrefersStrongerRecord(t *testing.T) {
	reg := newTestRegistry()
	weak := &Record{LocalID: "w", Kind: KindDirect, E164: "+15551111111"}
	strong := &Record{LocalID: "s", Kind: KindDirect, E164: "+15551111111", PrimaryIdentity: "ACI-1", RoutingID: "PNI-1"}

	// Strong first, weak second: weak must not displace strong.
	reg.insert(strong, true)
	reg.insert(weak, true)
	assert.Same(t, strong, reg.lookup("+15551111111"))

	// Equal weight goes to the incoming record.
	equal := &Record{LocalID: "e", Kind: KindDirect, E164: "+15552222222"}
	other := &Record{LocalID: "o", Kind: KindDirect, E164: "+15552222222"}
	reg.insert(equal, true)
	reg.insert(other, true)
	assert.Same(t, other, reg.lookup("+15552222222"))
}

func TestRegistry_ForgetDropsStaleClaims(t *testing.T) {
	reg := newTestRegistry()
	rec := &Record{LocalID: "r1", Kind: KindDirect, E164: "+15551111111"}
	reg.insert(rec, true)

	// Mutate in place without updating the index, as stripAndFold does,
	// then forget: the stale claim under the old key must disappear.
	rec.E164 = "+15559999999"
	reg.forget(rec)
	assert.Nil(t, reg.lookup("+15551111111"))
	assert.Nil(t, reg.lookup("r1"))
	assert.Empty(t, reg.all())
}

func TestDeriveGroupV2ID(t *testing.T) {
	derived := DeriveGroupV2ID("legacy-group")
	assert.Len(t, derived, 64)
	assert.Equal(t, derived, DeriveGroupV2ID("legacy-group"))
	assert.NotEqual(t, derived, DeriveGroupV2ID("other-group"))
}
