package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpattn/feeddelta/internal/domain"
)

func TestDefaultCatalog(t *testing.T) {
	r := Default()
	all := r.All()
	require.Len(t, all, 11)
	assert.Equal(t, domain.FeedLoanMaster, all[0].Name)
	assert.Equal(t, domain.FeedPaymentTransaction, all[1].Name)
	assert.Equal(t, domain.FeedContactCRM, all[10].Name)

	crm, err := r.Get(domain.FeedContactCRM)
	require.NoError(t, err)
	cols, err := crm.MapHeaders([]string{"Contact ID", "ZIP/Postal Code", "State/Province/Territory", "Modified Date"})
	require.NoError(t, err)
	assert.Equal(t, []string{"contact_id", "zip_postal_code", "state_province", "modified_date"}, cols)
}

func TestGetUnknown(t *testing.T) {
	_, err := Default().Get("NOPE")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestParseOrdersByDeclaration(t *testing.T) {
	r := Default()
	names, err := r.Parse([]string{" rate", "PAYMENT_TRANSACTION", "", "LOAN_MASTER", "rate"})
	require.NoError(t, err)
	assert.Equal(t, []domain.FeedName{domain.FeedLoanMaster, domain.FeedPaymentTransaction, domain.FeedRate}, names)

	_, err = r.ParseList("LOAN_MASTER,UNKNOWN")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegistryReturnsCopies(t *testing.T) {
	r := Default()
	s, err := r.Get(domain.FeedLoanMaster)
	require.NoError(t, err)
	s.Columns[0] = "mutated"
	s.HeaderAliases["x"] = "y"

	again, err := r.Get(domain.FeedLoanMaster)
	require.NoError(t, err)
	assert.Equal(t, "loan_id", again.Columns[0])
	assert.NotContains(t, again.HeaderAliases, "x")
}

func TestNewRegistryRejectsInvalid(t *testing.T) {
	defs := Catalog()
	dup := append(defs, defs[0])
	_, err := NewRegistry(dup...)
	assert.ErrorIs(t, err, domain.ErrSchemaMismatch)

	bad := Catalog()[:1]
	bad[0].PrimaryKey = nil
	_, err = NewRegistry(bad...)
	assert.ErrorIs(t, err, domain.ErrSchemaMismatch)

	shared := Catalog()[:2]
	shared[1].StagingTable = shared[0].StagingTable
	_, err = NewRegistry(shared...)
	assert.ErrorIs(t, err, domain.ErrSchemaMismatch)
}
