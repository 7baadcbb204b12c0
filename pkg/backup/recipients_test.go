package backup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecipientTable_AliasesConverge(t *testing.T) {
	tbl := newRecipientTable()

	id, fresh := tbl.assign(aliasServiceID("ACI-1"), aliasE164("+15550001111"), aliasLocalID("c1"))
	require.True(t, fresh)
	assert.Equal(t, uint64(1), id)

	// Any single alias resolves to the same id.
	for _, alias := range []string{"svc:ACI-1", "tel:+15550001111", "rec:c1"} {
		got, ok := tbl.lookup(alias)
		require.True(t, ok, alias)
		assert.Equal(t, id, got)
	}

	// Re-assigning through one known alias registers the new ones too.
	again, fresh := tbl.assign(aliasE164("+15550001111"), aliasLocalID("c1-moved"))
	assert.False(t, fresh)
	assert.Equal(t, id, again)
	got, ok := tbl.lookup("rec:c1-moved")
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestRecipientTable_EmptyAliasesIgnored(t *testing.T) {
	tbl := newRecipientTable()

	a, fresh := tbl.assign(aliasServiceID("ACI-A"), aliasE164(""))
	require.True(t, fresh)
	b, fresh := tbl.assign(aliasServiceID("ACI-B"), aliasE164(""))
	require.True(t, fresh)
	assert.NotEqual(t, a, b, "empty phone alias must not merge distinct contacts")

	_, ok := tbl.lookup("")
	assert.False(t, ok)
}
