// Package layout implements the schema-and-storage-discipline engine that
// translates user-declared dataset schemas into packed buffer sizes,
// per-task offsets inside pool-wide arrays, and archive dataspace shapes.
package layout

import "fmt"

// MaxRank bounds the dimensionality of any dataset or attribute.
const MaxRank = 8

// MaxPools bounds the number of pools a single run may declare.
const MaxPools = 256

// Datatype identifies the element type of a dataset or attribute.
type Datatype int

const (
	DatatypeUnset Datatype = iota
	DatatypeInt
	DatatypeShort
	DatatypeLong
	DatatypeFloat
	DatatypeDouble
	DatatypeCompound
)

// Size returns the element size in bytes for scalar datatypes. Compound
// datatypes must use Schema.CompoundSize instead.
func (d Datatype) Size() int {
	switch d {
	case DatatypeInt, DatatypeFloat:
		return 4
	case DatatypeShort:
		return 2
	case DatatypeLong, DatatypeDouble:
		return 8
	default:
		return 0
	}
}

// StorageDiscipline selects how per-task buffers aggregate into a single
// pool-level array.
type StorageDiscipline int

const (
	DisciplineUnset StorageDiscipline = iota
	Group
	PM3D
	Board
	List
	Texture
)

func (s StorageDiscipline) String() string {
	switch s {
	case Group:
		return "GROUP"
	case PM3D:
		return "PM3D"
	case Board:
		return "BOARD"
	case List:
		return "LIST"
	case Texture:
		return "TEXTURE"
	default:
		return "UNSET"
	}
}

// Visibility controls whether a dataset is written to the archive and, if
// so, whether it is dropped after use.
type Visibility int

const (
	VisibilityNone Visibility = iota
	VisibilityNormal
	VisibilityTemp
)

// CompoundField describes one named field of a compound datatype.
type CompoundField struct {
	Name     string
	Datatype Datatype
	Count    int // number of scalar elements of Datatype in this field
}

// doubleAlign is fixed at 8 per spec.md §9 Open Question #2: compound
// padding always follows double alignment regardless of host platform.
const doubleAlign = 8

// pad computes the trailing padding needed so the next field starts at a
// double-aligned offset, per spec.md §4.1.
func pad(size int) int {
	if size <= doubleAlign {
		return doubleAlign - size
	}
	m := size % doubleAlign
	if m == 0 {
		return 0
	}
	return doubleAlign - m
}

// CompoundSize returns the padded total byte size of a compound datatype's
// field table.
func CompoundSize(fields []CompoundField) int {
	total := 0
	for _, f := range fields {
		sz := f.Datatype.Size() * f.Count
		total += sz + pad(sz)
	}
	return total
}

// Schema declares one named dataset (pool-level or task-level).
type Schema struct {
	Name        string
	Rank        int
	Dims        []int
	Datatype    Datatype
	Compound    []CompoundField // only when Datatype == DatatypeCompound
	Discipline  StorageDiscipline
	Sync        bool // whether workers send this buffer back to the master
	Visibility  Visibility
	UseHDF      bool // forces Sync=true and SIMPLE dataspace (§4.1)
	Attributes  []Attribute
}

// Attribute is a scalar or simple (rank <= MaxRank) named value.
type Attribute struct {
	Name     string
	Rank     int
	Dims     []int
	Datatype Datatype
	Value    any
}

// ErrLayoutInvalid is returned by CheckLayout on any invariant
// violation; the spec calls this LAYOUT_INVALID.
var ErrLayoutInvalid = fmt.Errorf("layout invalid")

// CheckLayout enforces the invariants of spec.md §4.1.
func CheckLayout(s *Schema) error {
	if s.Rank <= 1 {
		return fmt.Errorf("%w: schema %q rank must be > 1, got %d", ErrLayoutInvalid, s.Name, s.Rank)
	}
	if s.Rank > MaxRank {
		return fmt.Errorf("%w: schema %q rank %d exceeds MAX_RANK %d", ErrLayoutInvalid, s.Name, s.Rank, MaxRank)
	}
	if len(s.Dims) != s.Rank {
		return fmt.Errorf("%w: schema %q has %d dims but rank %d", ErrLayoutInvalid, s.Name, len(s.Dims), s.Rank)
	}
	for i, d := range s.Dims {
		if d < 1 {
			return fmt.Errorf("%w: schema %q dims[%d]=%d must be >= 1", ErrLayoutInvalid, s.Name, i, d)
		}
	}
	switch s.Discipline {
	case Group, PM3D, Board, List, Texture:
	default:
		return fmt.Errorf("%w: schema %q has no/unknown storage discipline", ErrLayoutInvalid, s.Name)
	}
	if s.Datatype == DatatypeUnset {
		return fmt.Errorf("%w: schema %q datatype not set", ErrLayoutInvalid, s.Name)
	}
	if s.Datatype == DatatypeCompound && len(s.Compound) == 0 {
		return fmt.Errorf("%w: schema %q is compound but declares no fields", ErrLayoutInvalid, s.Name)
	}
	if s.Discipline == Texture && s.Rank < 3 {
		return fmt.Errorf("%w: schema %q TEXTURE requires rank >= 3, got %d", ErrLayoutInvalid, s.Name, s.Rank)
	}
	return nil
}

// Normalize applies the UseHDF => Sync forcing rule of §4.1.
func Normalize(s *Schema) {
	if s.UseHDF {
		s.Sync = true
	}
}

// ElementSize returns the per-element byte size, resolving compound types.
func (s *Schema) ElementSize() int {
	if s.Datatype == DatatypeCompound {
		return CompoundSize(s.Compound)
	}
	return s.Datatype.Size()
}

// ElementCount returns the product of Dims.
func (s *Schema) ElementCount() int {
	n := 1
	for _, d := range s.Dims {
		n *= d
	}
	return n
}

// StorageSize returns the per-task byte size of the schema's buffer.
func (s *Schema) StorageSize() int {
	return s.ElementCount() * s.ElementSize()
}

// BoardDims is the board's [X,Y,Z] extent, used by all per-axis derivations.
type BoardDims struct {
	X, Y, Z int
}

// PoolSize returns X*Y*Z.
func (b BoardDims) PoolSize() int {
	return b.X * b.Y * b.Z
}

// PoolDims computes the full pool-array dims for a schema under its
// discipline, per the table in spec.md §4.1.
func PoolDims(s *Schema, b BoardDims) []int {
	d := s.Dims
	out := make([]int, len(d))
	copy(out, d)
	switch s.Discipline {
	case Group:
		// one array per task; pool-level shape is just the task shape.
		return out
	case PM3D:
		out[0] = d[0] * b.X * b.Y * b.Z
		return out
	case List:
		out[0] = d[0] * b.PoolSize()
		return out
	case Board, Texture:
		out[0] = d[0] * b.X
		if len(out) > 1 {
			out[1] = d[1] * b.Y
		}
		if len(out) > 2 {
			out[2] = d[2] * b.Z
		}
		return out
	default:
		return out
	}
}

// Location is a task's board cell coordinate.
type Location struct {
	X, Y, Z int
}

// Offsets computes the per-task write offset inside the pool-wide array for
// the given schema, discipline, tid (row-major task index) and location,
// per the table in spec.md §4.1. The returned slice has the same rank as
// the schema; GROUP returns all zeros (whole-buffer write, no offset).
func Offsets(s *Schema, b BoardDims, tid int, loc Location) []int {
	off := make([]int, s.Rank)
	switch s.Discipline {
	case Group:
		// no offset: whole-buffer write under its own task group.
	case PM3D:
		off[0] = (loc.X+b.X*loc.Y)*s.Dims[0] + loc.Z*b.X*b.Y*s.Dims[0]
	case List:
		off[0] = tid * s.Dims[0]
	case Board, Texture:
		off[0] = loc.X * s.Dims[0]
		if s.Rank > 1 {
			off[1] = loc.Y * s.Dims[1]
		}
		if s.Rank > 2 {
			off[2] = loc.Z * s.Dims[2]
		}
	}
	return off
}

// DefaultTaskBoardMap is the row-major tid->location mapping used when a
// module does not supply its own TaskBoardMap callback: X is the slowest
// varying axis and Z the fastest, matching the original map2d's
// ind[0]=c/y, ind[1]=c%y convention extended to three axes.
func DefaultTaskBoardMap(b BoardDims, tid int) Location {
	x := tid / (b.Y * b.Z)
	rem := tid % (b.Y * b.Z)
	y := rem / b.Z
	z := rem % b.Z
	return Location{X: x, Y: y, Z: z}
}
