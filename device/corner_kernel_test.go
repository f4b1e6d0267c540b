package device

import (
	"context"
	"strings"
	"testing"

	"github.com/SkyatSpace/RapidCFD-dev/constraints"
	"github.com/SkyatSpace/RapidCFD-dev/tensor"
	"github.com/notargets/gocca"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDevice(t *testing.T) *gocca.OCCADevice {
	t.Helper()
	device, err := CreateDevice(nil, `{"mode": "Serial"}`)
	if err != nil {
		t.Skipf("no OCCA backend: %v", err)
	}
	t.Cleanup(func() { device.Free() })
	return device
}

func TestCornerKernel_MatchesHost(t *testing.T) {
	device := testDevice(t)

	const n = 700
	table := &constraints.CornerTable{}
	for p := 0; p < n; p += 3 {
		table.Points = append(table.Points, p)
		switch p % 2 {
		case 0:
			table.Tensors = append(table.Tensors, tensor.Tensor{0, -1, 0, 1, 0, 0, 0, 0, 1})
		default:
			z := tensor.Vector{0, 0, 1}
			table.Tensors = append(table.Tensors, tensor.Outer(z, z))
		}
	}
	require.NoError(t, table.Validate(n))

	for _, intType := range []DataType{INT32, INT64} {
		ck, err := NewCornerKernel(device, table, Config{IntType: intType, BlockSize: 64})
		require.NoError(t, err)

		onDevice := make([]tensor.Vector, n)
		onHost := make([]tensor.Vector, n)
		for i := range onDevice {
			onDevice[i] = tensor.Vector{float64(i), 1, -2}
			onHost[i] = onDevice[i]
		}
		require.NoError(t, ck.Apply(context.Background(), onDevice))
		require.NoError(t, constraints.NewHostCornerApplicator[tensor.Vector](table).Apply(context.Background(), onHost))

		for i := range onHost {
			for c := 0; c < 3; c++ {
				assert.InDelta(t, onHost[i][c], onDevice[i][c], 1e-12, "point %d", i)
			}
		}
		ck.Free()
	}
}

func TestCornerKernel_EmptyTable(t *testing.T) {
	device := testDevice(t)
	ck, err := NewCornerKernel(device, &constraints.CornerTable{}, Config{})
	require.NoError(t, err)
	defer ck.Free()

	data := []tensor.Vector{{1, 2, 3}}
	require.NoError(t, ck.Apply(context.Background(), data))
	assert.Equal(t, tensor.Vector{1, 2, 3}, data[0])
}

func TestCornerKernel_Preamble(t *testing.T) {
	device := testDevice(t)
	ck, err := NewCornerKernel(device, nil, Config{IntType: INT32, BlockSize: 32})
	require.NoError(t, err)
	defer ck.Free()

	preamble := ck.GeneratePreamble()
	assert.True(t, strings.Contains(preamble, "typedef int int_t;"))
	assert.True(t, strings.Contains(preamble, "#define BLOCK 32"))
}

func TestNewCornerKernel_NilDevice(t *testing.T) {
	assert.Panics(t, func() {
		_, _ = NewCornerKernel(nil, &constraints.CornerTable{}, Config{})
	})
}
