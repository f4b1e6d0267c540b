// Package device runs the corner constraint map as an OCCA kernel so the
// transform can execute on any OCCA backend (Serial, OpenMP, CUDA, OpenCL).
package device

import (
	"context"
	"fmt"
	"strings"
	"unsafe"

	"github.com/SkyatSpace/RapidCFD-dev/constraints"
	"github.com/SkyatSpace/RapidCFD-dev/tensor"
	"github.com/notargets/gocca"
	"go.uber.org/zap"
)

// DataType represents the width of integer data on the device
type DataType int

const (
	INT32 DataType = iota + 1
	INT64
)

// Config holds configuration for creating a CornerKernel
type Config struct {
	IntType   DataType
	BlockSize int // Corner entries per @outer iteration
	Logger    *zap.Logger
}

// DefaultBlockSize keeps @inner below the CUDA and OpenCL work group limits
const DefaultBlockSize = 256

const cornerKernelName = "constrainCorners"

const cornerKernelSource = `
@kernel void constrainCorners(
	const int_t nCorners,
	const int_t* points,
	const real_t* tensors,
	real_t* U
) {
	for (int b = 0; b < nCorners; b += BLOCK; @outer) {
		for (int i = b; i < b + BLOCK; ++i; @inner) {
			if (i < nCorners) {
				const int_t p = points[i];
				const real_t* T = tensors + 9*i;
				const real_t x = U[3*p];
				const real_t y = U[3*p + 1];
				const real_t z = U[3*p + 2];
				U[3*p]     = T[0]*x + T[1]*y + T[2]*z;
				U[3*p + 1] = T[3]*x + T[4]*y + T[5]*z;
				U[3*p + 2] = T[6]*x + T[7]*y + T[8]*z;
			}
		}
	}
}
`

// CornerKernel applies a corner table to vector point fields on an OCCA
// device. The table lives on the device for the kernel's lifetime; each
// Apply uploads the field, runs the map and copies the field back.
type CornerKernel struct {
	device     *gocca.OCCADevice
	kernel     *gocca.OCCAKernel
	intType    DataType
	blockSize  int
	numCorners int
	log        *zap.Logger

	pointsMem  *gocca.OCCAMemory
	tensorsMem *gocca.OCCAMemory
	fieldMem   *gocca.OCCAMemory
	fieldLen   int
}

var _ constraints.CornerApplicator[tensor.Vector] = (*CornerKernel)(nil)

// NewCornerKernel uploads the table and compiles the kernel
func NewCornerKernel(device *gocca.OCCADevice, table *constraints.CornerTable, cfg Config) (*CornerKernel, error) {
	if device == nil {
		panic("device cannot be nil")
	}
	intType := cfg.IntType
	if intType == 0 {
		intType = INT64
	}
	blockSize := cfg.BlockSize
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	if device.Mode() == "CUDA" && blockSize > 1024 {
		panic(fmt.Sprintf("CUDA @inner limit exceeded: BlockSize=%d but CUDA is limited to 1024 threads per @inner loop", blockSize))
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	ck := &CornerKernel{
		device:     device,
		intType:    intType,
		blockSize:  blockSize,
		numCorners: table.Len(),
		log:        log.With(zap.String("device", device.Mode())),
	}
	if ck.numCorners == 0 {
		return ck, nil
	}

	ck.pointsMem = ck.mallocInts(table.Points)
	tensors := make([]float64, 9*ck.numCorners)
	for i, t := range table.Tensors {
		copy(tensors[9*i:], t[:])
	}
	ck.tensorsMem = device.Malloc(int64(len(tensors)*8), unsafe.Pointer(&tensors[0]), nil)

	if err := ck.build(); err != nil {
		ck.Free()
		return nil, err
	}
	ck.log.Debug("corner kernel built", zap.Int("corners", ck.numCorners), zap.Int("block", blockSize))
	return ck, nil
}

// mallocInts allocates device memory holding ints at the configured width
func (ck *CornerKernel) mallocInts(values []int) *gocca.OCCAMemory {
	if ck.intType == INT32 {
		values32 := make([]int32, len(values))
		for i, v := range values {
			values32[i] = int32(v)
		}
		return ck.device.Malloc(int64(len(values32)*4), unsafe.Pointer(&values32[0]), nil)
	}
	values64 := make([]int64, len(values))
	for i, v := range values {
		values64[i] = int64(v)
	}
	return ck.device.Malloc(int64(len(values64)*8), unsafe.Pointer(&values64[0]), nil)
}

// GeneratePreamble generates type definitions and constants for the kernel
func (ck *CornerKernel) GeneratePreamble() string {
	var sb strings.Builder
	intTypeStr := "long"
	if ck.intType == INT32 {
		intTypeStr = "int"
	}
	sb.WriteString("typedef double real_t;\n")
	sb.WriteString(fmt.Sprintf("typedef %s int_t;\n", intTypeStr))
	sb.WriteString("#define REAL_ZERO 0.0\n")
	sb.WriteString(fmt.Sprintf("#define BLOCK %d\n", ck.blockSize))
	return sb.String()
}

func (ck *CornerKernel) build() error {
	fullSource := ck.GeneratePreamble() + "\n" + cornerKernelSource

	var (
		kernel *gocca.OCCAKernel
		err    error
	)
	if ck.device.Mode() == "OpenMP" {
		// Workaround for OCCA bug: OpenMP doesn't get default -O3 flag
		props := gocca.JsonParse(`{"compiler_flags": "-O3"}`)
		defer props.Free()
		kernel, err = ck.device.BuildKernelFromString(fullSource, cornerKernelName, props)
	} else {
		kernel, err = ck.device.BuildKernelFromString(fullSource, cornerKernelName, nil)
	}
	if err != nil {
		return fmt.Errorf("failed to build kernel %s: %w", cornerKernelName, err)
	}
	if kernel == nil {
		return fmt.Errorf("kernel build returned nil for %s", cornerKernelName)
	}
	ck.kernel = kernel
	return nil
}

// ensureField (re)allocates the device copy of the field when its size changes
func (ck *CornerKernel) ensureField(n int) {
	if ck.fieldMem != nil && ck.fieldLen == n {
		return
	}
	if ck.fieldMem != nil {
		ck.fieldMem.Free()
	}
	ck.fieldMem = ck.device.Malloc(int64(3*n*8), nil, nil)
	ck.fieldLen = n
}

// Apply transforms the corner points of pointData on the device
func (ck *CornerKernel) Apply(ctx context.Context, pointData []tensor.Vector) error {
	if ck.numCorners == 0 || len(pointData) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ck.ensureField(len(pointData))
	bytes := int64(len(pointData) * 3 * 8)
	// tensor.Vector is [3]float64, so the slice is contiguous doubles
	ptr := unsafe.Pointer(&pointData[0])
	ck.fieldMem.CopyFrom(ptr, bytes)

	var n interface{} = int64(ck.numCorners)
	if ck.intType == INT32 {
		n = int32(ck.numCorners)
	}
	if err := ck.kernel.RunWithArgs(n, ck.pointsMem, ck.tensorsMem, ck.fieldMem); err != nil {
		return fmt.Errorf("kernel execution failed: %w", err)
	}
	ck.device.Finish()

	ck.fieldMem.CopyTo(ptr, bytes)
	return nil
}

// Free releases all device resources
func (ck *CornerKernel) Free() {
	if ck.kernel != nil {
		ck.kernel.Free()
		ck.kernel = nil
	}
	for _, mem := range []*gocca.OCCAMemory{ck.pointsMem, ck.tensorsMem, ck.fieldMem} {
		if mem != nil {
			mem.Free()
		}
	}
	ck.pointsMem, ck.tensorsMem, ck.fieldMem = nil, nil, nil
}
