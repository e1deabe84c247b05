package meta

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateID(t *testing.T) {
	for _, id := range []string{"reader", "a", "net.tools-2", "x_y"} {
		assert.NoError(t, ValidateID(id), id)
	}
	for _, id := range []string{"", "Reader", "../x", "a/b", ".hidden", "-x", "a b"} {
		assert.ErrorIs(t, ValidateID(id), ErrInvalidID, id)
	}
}

func TestDescriptorValidate(t *testing.T) {
	d := Descriptor{
		ID:           "reader",
		Version:      "1.2.0",
		MinHostAPI:   "2.0.0",
		Dependencies: []Dependency{{ID: "core", MinVersion: "1.0.0"}},
	}
	require.NoError(t, d.Validate())

	bad := d.Clone()
	bad.Version = "latest"
	assert.ErrorIs(t, bad.Validate(), ErrInvalidVersion)

	self := d.Clone()
	self.Dependencies = []Dependency{{ID: "reader"}}
	assert.ErrorIs(t, self.Validate(), ErrInvalidID)
}

func TestCloneDoesNotShareDependencies(t *testing.T) {
	d := Descriptor{ID: "reader", Version: "1.0.0", Dependencies: []Dependency{{ID: "core"}}}
	c := d.Clone()
	c.Dependencies[0].ID = "other"
	assert.Equal(t, "core", d.Dependencies[0].ID)
}

func TestCompareVersions(t *testing.T) {
	cmp, err := CompareVersions("v1.2.0", "1.10.0")
	require.NoError(t, err)
	assert.Equal(t, -1, cmp)

	cmp, err = CompareVersions("2.0.0", "2.0.0")
	require.NoError(t, err)
	assert.Zero(t, cmp)

	_, err = CompareVersions("x", "1.0.0")
	assert.ErrorIs(t, err, ErrInvalidVersion)
}

func TestRecordStatus(t *testing.T) {
	assert.Equal(t, Status{State: StateActive}, Record{Enabled: true}.Status())
	st := Record{Reason: "error threshold"}.Status()
	assert.Equal(t, StateDisabled, st.State)
	assert.Equal(t, "disabled(error threshold)", st.String())
	assert.True(t, StateRollingBack.Transitional())
	assert.False(t, StateActive.Transitional())
}
