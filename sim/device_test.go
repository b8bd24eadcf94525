package sim

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFluid_KindDefaults(t *testing.T) {
	w, err := NewFluid(FluidWater)
	require.NoError(t, err)
	assert.Equal(t, 7.0, w.PH)

	c, err := NewFluid(FluidChlorine)
	require.NoError(t, err)
	assert.Equal(t, 5.0, c.PH)

	_, err = NewFluid("brine")
	assert.Error(t, err)
	assert.False(t, IsValidFluidKind("brine"))
}

func TestFluid_WithHelpersCopy(t *testing.T) {
	w, err := NewFluid(FluidWater)
	require.NoError(t, err)

	acid := w.WithPH(3).WithSalinity(0.5)

	assert.Equal(t, 7.0, w.PH, "source fluid must not change")
	assert.Equal(t, 0.0, w.Salinity)
	assert.Equal(t, 3.0, acid.PH)
	assert.Equal(t, 0.5, acid.Salinity)
	assert.Equal(t, FluidWater, acid.Kind)
}

func TestNewDevice_Defaults(t *testing.T) {
	tests := []struct {
		kind     DeviceKind
		stateful bool
		state    bool
		storage  bool
	}{
		{KindPump, true, false, false},
		{KindValve, true, false, false},
		{KindFilter, false, false, false},
		{KindTank, true, true, true},
		{KindReservoir, true, true, true},
		{KindVessel, true, true, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			d, err := NewDevice(tt.kind, "d")
			require.NoError(t, err)
			assert.Equal(t, tt.stateful, d.Stateful)
			assert.Equal(t, tt.state, d.State)
			assert.Equal(t, tt.storage, d.IsStorage())
			assert.True(t, math.IsInf(d.MaxVolume, 1))
			assert.Equal(t, NoDevice, d.ID)
		})
	}
}

func TestNewDevice_Errors(t *testing.T) {
	_, err := NewDevice("boiler", "b1")
	assert.Error(t, err)
	_, err = NewDevice(KindTank, "")
	assert.Error(t, err)
}

func TestDevice_WriteStateOnFilterFails(t *testing.T) {
	d, err := NewDevice(KindFilter, "f1")
	require.NoError(t, err)

	err = d.WriteState(true)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.True(t, d.IsOpen(), "stateless devices count as open")
}

func TestDevice_IsOpenFollowsState(t *testing.T) {
	d, err := NewDevice(KindValve, "v1")
	require.NoError(t, err)
	assert.False(t, d.IsOpen())
	require.NoError(t, d.WriteState(true))
	assert.True(t, d.IsOpen())
	assert.True(t, d.ReadState())
}

func TestDevice_String(t *testing.T) {
	d, err := NewDevice(KindPump, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1[pump]", d.String())
}
