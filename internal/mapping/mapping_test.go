package mapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComposeDisjoint(t *testing.T) {
	primary := Mapping{{Tag: "RECIPE_NUMBER", Column: "Recipe_Number"}, {Tag: "TOTAL_WT", Column: "Total_Weight"}}
	extras := Mapping{{Tag: "SEQ", Column: "Sequence_Number"}}

	got, err := Compose(primary, extras)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "RECIPE_NUMBER", got[0].Tag)
	assert.Equal(t, "SEQ", got[2].Tag)
}

func TestComposeRejectsDuplicateWithinPrimary(t *testing.T) {
	primary := Mapping{{Tag: "A", Column: "a"}, {Tag: "A", Column: "a2"}}
	_, err := Compose(primary, nil)
	assert.Error(t, err)
}

func TestComposeRejectsOverlapAcrossSets(t *testing.T) {
	primary := Mapping{{Tag: "A", Column: "a"}}
	extras := Mapping{{Tag: "A", Column: "a_extra"}}
	_, err := Compose(primary, extras)
	assert.Error(t, err)
}

func TestColumns(t *testing.T) {
	m := Mapping{{Tag: "A", Column: "col_a"}, {Tag: "B", Column: "col_b"}}
	assert.Equal(t, []string{"col_a", "col_b"}, m.Columns())
}
