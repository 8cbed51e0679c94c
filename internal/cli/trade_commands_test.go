package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/folio/internal/domain"
)

func TestParseSpecificLots(t *testing.T) {
	lots, err := parseSpecificLots("lot=3:50,lot=7:25.5")
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.Equal(t, int64(3), lots[0].LotID)
	assert.Equal(t, "50", lots[0].Quantity.String())
	assert.Equal(t, int64(7), lots[1].LotID)
	assert.Equal(t, "25.5", lots[1].Quantity.String())
}

func TestParseSpecificLots_BarePairs(t *testing.T) {
	lots, err := parseSpecificLots("3:50")
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, int64(3), lots[0].LotID)
}

func TestParseSpecificLots_Empty(t *testing.T) {
	lots, err := parseSpecificLots("")
	require.NoError(t, err)
	assert.Nil(t, lots)
}

func TestParseSpecificLots_Malformed(t *testing.T) {
	for _, raw := range []string{"lot=3", "lot=x:50", "lot=3:abc"} {
		_, err := parseSpecificLots(raw)
		assert.ErrorIs(t, err, domain.ErrValidation, raw)
	}
}

func TestPeriodStart(t *testing.T) {
	start, err := periodStart("max")
	require.NoError(t, err)
	assert.Empty(t, start)

	start, err = periodStart("6mo")
	require.NoError(t, err)
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}$`, start)

	_, err = periodStart("fortnight")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestParseDecimalFlag(t *testing.T) {
	d, err := parseDecimalFlag("quantity", "10.5")
	require.NoError(t, err)
	assert.Equal(t, "10.5", d.String())

	_, err = parseDecimalFlag("quantity", "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = parseDecimalFlag("price", "ten")
	assert.ErrorIs(t, err, domain.ErrValidation)
}
