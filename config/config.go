// Package config loads point constraint case files.
package config

import (
	"fmt"
	"os"

	"github.com/notargets/gocfd/DG3D/mesh/readers"
	"gopkg.in/yaml.v3"
)

// Case describes a partitioned mesh, the constraint patches on it and the
// field to constrain
type Case struct {
	Name       string          `yaml:"name"`
	Log        string          `yaml:"log"` // development or production
	Mesh       MeshConfig      `yaml:"mesh"`
	Partitions PartitionConfig `yaml:"partitions"`
	Field      FieldConfig     `yaml:"field"`
	Patches    []PatchConfig   `yaml:"patches"`
	Device     DeviceConfig    `yaml:"device"`
}

// MeshConfig gives element connectivity either inline or as a mesh file
// readable by gocfd
type MeshConfig struct {
	File string  `yaml:"file"`
	EToV [][]int `yaml:"etov"`
	EToP []int   `yaml:"etop"`
}

// PartitionConfig requests a fresh element to partition assignment. A zero
// Count keeps the assignment given by the mesh.
type PartitionConfig struct {
	Count    int    `yaml:"count"`
	Strategy string `yaml:"strategy"`
}

// FieldConfig describes the field constrained on every rank
type FieldConfig struct {
	Type     string    `yaml:"type"` // scalar, vector or tensor
	Combine  string    `yaml:"combine"`
	Override bool      `yaml:"override"`
	Initial  []float64 `yaml:"initial"`
	// PerturbByRank scales the initial value by rank+1 so partitions start
	// out disagreeing at shared points
	PerturbByRank bool `yaml:"perturbByRank"`
}

// PatchConfig describes one boundary patch by global point ids
type PatchConfig struct {
	Name    string      `yaml:"name"`
	Type    string      `yaml:"type"`
	Points  []int       `yaml:"points"`
	Normal  []float64   `yaml:"normal"`
	Normals [][]float64 `yaml:"normals"`
	Value   []float64   `yaml:"value"`
}

// DeviceConfig selects the OCCA corner kernel for vector fields
type DeviceConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Props     []string `yaml:"props"`
	BlockSize int      `yaml:"blockSize"`
}

// Patch types
const (
	FixedValue    = "fixedValue"
	ZeroGradient  = "zeroGradient"
	SymmetryPlane = "symmetryPlane"
	Slip          = "slip"
)

// Field types
const (
	ScalarField = "scalar"
	VectorField = "vector"
	TensorField = "tensor"
)

// Components returns the number of components of a field type
func Components(fieldType string) int {
	switch fieldType {
	case ScalarField:
		return 1
	case VectorField:
		return 3
	case TensorField:
		return 9
	}
	return 0
}

// Load reads and validates a case file
func Load(path string) (*Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read case %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("case %s: %w", path, err)
	}
	return c, nil
}

// Parse decodes and validates a case
func Parse(data []byte) (*Case, error) {
	c := &Case{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("decode case: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Case) applyDefaults() {
	if c.Name == "" {
		c.Name = "case"
	}
	if c.Log == "" {
		c.Log = "development"
	}
	if c.Field.Type == "" {
		c.Field.Type = VectorField
	}
	if c.Field.Combine == "" {
		c.Field.Combine = "maxMagSqr"
	}
	if c.Field.Initial == nil {
		c.Field.Initial = make([]float64, Components(c.Field.Type))
	}
}

// Validate checks the case for errors that would only surface mid-run
func (c *Case) Validate() error {
	nc := Components(c.Field.Type)
	if nc == 0 {
		return fmt.Errorf("unknown field type %q", c.Field.Type)
	}
	if len(c.Field.Initial) != nc {
		return fmt.Errorf("initial value has %d components, %s field needs %d",
			len(c.Field.Initial), c.Field.Type, nc)
	}
	if c.Mesh.File == "" && len(c.Mesh.EToV) == 0 {
		return fmt.Errorf("mesh needs either a file or inline etov")
	}
	if c.Mesh.File != "" && len(c.Mesh.EToV) > 0 {
		return fmt.Errorf("mesh file and inline etov are mutually exclusive")
	}
	if len(c.Mesh.EToP) > 0 && len(c.Mesh.EToP) != len(c.Mesh.EToV) {
		return fmt.Errorf("etop has %d entries for %d elements", len(c.Mesh.EToP), len(c.Mesh.EToV))
	}
	if c.Partitions.Count < 0 {
		return fmt.Errorf("invalid partition count %d", c.Partitions.Count)
	}
	if c.Device.Enabled && c.Field.Type != VectorField {
		return fmt.Errorf("device corner kernel supports vector fields only, got %s", c.Field.Type)
	}

	names := make(map[string]struct{}, len(c.Patches))
	for i, p := range c.Patches {
		if p.Name == "" {
			return fmt.Errorf("patch %d has no name", i)
		}
		if _, dup := names[p.Name]; dup {
			return fmt.Errorf("duplicate patch name %s", p.Name)
		}
		names[p.Name] = struct{}{}
		if err := p.validate(nc); err != nil {
			return fmt.Errorf("patch %s: %w", p.Name, err)
		}
	}
	return nil
}

func (p *PatchConfig) validate(nc int) error {
	switch p.Type {
	case FixedValue:
		if len(p.Value) != nc {
			return fmt.Errorf("value has %d components, field needs %d", len(p.Value), nc)
		}
	case ZeroGradient:
	case SymmetryPlane:
		if len(p.Normal) != 3 {
			return fmt.Errorf("normal needs 3 components, got %d", len(p.Normal))
		}
		if p.Normal[0] == 0 && p.Normal[1] == 0 && p.Normal[2] == 0 {
			return fmt.Errorf("normal is zero")
		}
	case Slip:
		if len(p.Normals) != len(p.Points) {
			return fmt.Errorf("%d normals for %d points", len(p.Normals), len(p.Points))
		}
		for i, n := range p.Normals {
			if len(n) != 3 {
				return fmt.Errorf("normal %d needs 3 components, got %d", i, len(n))
			}
			if n[0] == 0 && n[1] == 0 && n[2] == 0 {
				return fmt.Errorf("normal %d is zero", i)
			}
		}
	default:
		return fmt.Errorf("unknown patch type %q", p.Type)
	}
	for _, pt := range p.Points {
		if pt < 0 {
			return fmt.Errorf("invalid point %d", pt)
		}
	}
	return nil
}

// Connectivity returns element to point and element to partition maps. EToP
// is nil when neither the case nor the mesh file assigns partitions.
func (c *Case) Connectivity() (EToV [][]int, EToP []int, err error) {
	if c.Mesh.File == "" {
		return c.Mesh.EToV, c.Mesh.EToP, nil
	}
	msh, err := readers.ReadMeshFile(c.Mesh.File)
	if err != nil {
		return nil, nil, fmt.Errorf("read mesh %s: %w", c.Mesh.File, err)
	}
	EToV = msh.EtoV
	if len(msh.EToP) == len(EToV) {
		EToP = msh.EToP
	}
	return EToV, EToP, nil
}
