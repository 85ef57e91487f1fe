package tree

import (
	"github.com/orneryd/vrtree/pkg/value"
)

// Fixed geometric accessors. Getters accept any element kind with the
// right semantic and convert to float64; setters convert back to the
// property's kind.

func (s *Store) getFixed(op string, n *Node, p Prop, dst []float64, sems ...value.Semantic) error {
	v, def, err := s.get(op, n, p)
	if err != nil {
		return err
	}
	if !fixedMatch(def.Type, len(dst), sems) {
		return s.fail(op, InvalidProperty, "%s is a %s", def.Name, def.Type)
	}
	copy(dst, v.Float64s())
	return nil
}

func (s *Store) setFixed(op string, n *Node, p Prop, src []float64, flags []SetFlag, sems ...value.Semantic) error {
	nd, def, err := s.resolve(op, n, p)
	if err != nil {
		return err
	}
	if !fixedMatch(def.Type, len(src), sems) {
		return s.fail(op, InvalidParameter, "%s is a %s", def.Name, def.Type)
	}
	v, err := value.FromFloat64s(def.Type, src)
	if err != nil {
		return s.wrapFail(op, InvalidParameter, err, "%s", def.Name)
	}
	return s.set(op, nd, def, v, joinSetFlags(flags))
}

func fixedMatch(t value.Type, count int, sems []value.Semantic) bool {
	if t.Shape != value.Fixed || t.Count != count || !t.Kind.Numeric() {
		return false
	}
	for _, s := range sems {
		if t.Semantic == s {
			return true
		}
	}
	return false
}

// GetVec2 returns a two-component vector property.
func (s *Store) GetVec2(n *Node, p Prop) (v [2]float64, err error) {
	err = s.getFixed("GetVec2", n, p, v[:], value.SemVec2)
	return v, err
}

// SetVec2 sets a two-component vector property.
func (s *Store) SetVec2(n *Node, p Prop, v [2]float64, flags ...SetFlag) error {
	return s.setFixed("SetVec2", n, p, v[:], flags, value.SemVec2)
}

// GetVec3 returns a three-component vector property.
func (s *Store) GetVec3(n *Node, p Prop) (v [3]float64, err error) {
	err = s.getFixed("GetVec3", n, p, v[:], value.SemVec3)
	return v, err
}

// SetVec3 sets a three-component vector property.
func (s *Store) SetVec3(n *Node, p Prop, v [3]float64, flags ...SetFlag) error {
	return s.setFixed("SetVec3", n, p, v[:], flags, value.SemVec3)
}

// GetVec4 returns a four-component vector property.
func (s *Store) GetVec4(n *Node, p Prop) (v [4]float64, err error) {
	err = s.getFixed("GetVec4", n, p, v[:], value.SemVec4)
	return v, err
}

// SetVec4 sets a four-component vector property.
func (s *Store) SetVec4(n *Node, p Prop, v [4]float64, flags ...SetFlag) error {
	return s.setFixed("SetVec4", n, p, v[:], flags, value.SemVec4)
}

// GetMat3 returns a 3x3 matrix property in column-major order.
func (s *Store) GetMat3(n *Node, p Prop) (m [9]float64, err error) {
	err = s.getFixed("GetMat3", n, p, m[:], value.SemMat3)
	return m, err
}

// SetMat3 sets a 3x3 matrix property.
func (s *Store) SetMat3(n *Node, p Prop, m [9]float64, flags ...SetFlag) error {
	return s.setFixed("SetMat3", n, p, m[:], flags, value.SemMat3)
}

// GetMat4 returns a 4x4 matrix property in column-major order. 2D
// transforms are accepted as well.
func (s *Store) GetMat4(n *Node, p Prop) (m [16]float64, err error) {
	err = s.getFixed("GetMat4", n, p, m[:], value.SemMat4, value.SemMat4_2D)
	return m, err
}

// SetMat4 sets a 4x4 matrix property.
func (s *Store) SetMat4(n *Node, p Prop, m [16]float64, flags ...SetFlag) error {
	return s.setFixed("SetMat4", n, p, m[:], flags, value.SemMat4, value.SemMat4_2D)
}

// GetSphere returns a sphere property as (x, y, z, radius).
func (s *Store) GetSphere(n *Node, p Prop) (v [4]float64, err error) {
	err = s.getFixed("GetSphere", n, p, v[:], value.SemSphere)
	return v, err
}

// SetSphere sets a sphere property.
func (s *Store) SetSphere(n *Node, p Prop, v [4]float64, flags ...SetFlag) error {
	return s.setFixed("SetSphere", n, p, v[:], flags, value.SemSphere)
}

// GetQuat returns a quaternion property as (x, y, z, w).
func (s *Store) GetQuat(n *Node, p Prop) (v [4]float64, err error) {
	err = s.getFixed("GetQuat", n, p, v[:], value.SemQuat)
	return v, err
}

// SetQuat sets a quaternion property.
func (s *Store) SetQuat(n *Node, p Prop, v [4]float64, flags ...SetFlag) error {
	return s.setFixed("SetQuat", n, p, v[:], flags, value.SemQuat)
}

// GetPlane returns a plane property as (nx, ny, nz, d).
func (s *Store) GetPlane(n *Node, p Prop) (v [4]float64, err error) {
	err = s.getFixed("GetPlane", n, p, v[:], value.SemPlane)
	return v, err
}

// SetPlane sets a plane property.
func (s *Store) SetPlane(n *Node, p Prop, v [4]float64, flags ...SetFlag) error {
	return s.setFixed("SetPlane", n, p, v[:], flags, value.SemPlane)
}

// GetRay returns a ray property as origin then direction.
func (s *Store) GetRay(n *Node, p Prop) (v [6]float64, err error) {
	err = s.getFixed("GetRay", n, p, v[:], value.SemRay)
	return v, err
}

// SetRay sets a ray property.
func (s *Store) SetRay(n *Node, p Prop, v [6]float64, flags ...SetFlag) error {
	return s.setFixed("SetRay", n, p, v[:], flags, value.SemRay)
}

// GetAABB returns a box property as min then max corner.
func (s *Store) GetAABB(n *Node, p Prop) (v [6]float64, err error) {
	err = s.getFixed("GetAABB", n, p, v[:], value.SemAABB)
	return v, err
}

// SetAABB sets a box property.
func (s *Store) SetAABB(n *Node, p Prop, v [6]float64, flags ...SetFlag) error {
	return s.setFixed("SetAABB", n, p, v[:], flags, value.SemAABB)
}

// GetRGB returns a colour property.
func (s *Store) GetRGB(n *Node, p Prop) (v [3]float64, err error) {
	err = s.getFixed("GetRGB", n, p, v[:], value.SemRGB)
	return v, err
}

// SetRGB sets a colour property.
func (s *Store) SetRGB(n *Node, p Prop, v [3]float64, flags ...SetFlag) error {
	return s.setFixed("SetRGB", n, p, v[:], flags, value.SemRGB)
}

// GetRGBA returns a colour property with alpha.
func (s *Store) GetRGBA(n *Node, p Prop) (v [4]float64, err error) {
	err = s.getFixed("GetRGBA", n, p, v[:], value.SemRGBA)
	return v, err
}

// SetRGBA sets a colour property with alpha.
func (s *Store) SetRGBA(n *Node, p Prop, v [4]float64, flags ...SetFlag) error {
	return s.setFixed("SetRGBA", n, p, v[:], flags, value.SemRGBA)
}

// TraitTransform marks a metanode whose primary property is its local
// transform matrix.
const TraitTransform = "Transform"

// identity4 is the column-major 4x4 identity.
var identity4 = [16]float64{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1}

// localTransform returns the local matrix of n: the primary property of
// its Transform trait, or else a mat4 property named "transform".
func localTransform(n *node) ([16]float64, bool) {
	idx := InvalidIndex
	for _, t := range n.meta.traits {
		if t.Name == TraitTransform && t.Primary != InvalidIndex {
			idx = t.Primary
		}
	}
	if idx == InvalidIndex {
		if i, ok := n.meta.byName["transform"]; ok {
			idx = i
		}
	}
	var m [16]float64
	def := n.meta.prop(idx)
	if def == nil || !fixedMatch(def.Type, 16, []value.Semantic{value.SemMat4, value.SemMat4_2D}) {
		return m, false
	}
	copy(m[:], n.values[idx].Float64s())
	return m, true
}

func mul4(a, b [16]float64) [16]float64 {
	var out [16]float64
	for col := 0; col < 4; col++ {
		for row := 0; row < 4; row++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += a[k*4+row] * b[col*4+k]
			}
			out[col*4+row] = sum
		}
	}
	return out
}

// WorldTransform concatenates the local transforms from the root down to
// n. Nodes without a transform contribute the identity.
func (s *Store) WorldTransform(n *Node) ([16]float64, error) {
	nd, err := s.nodeOf("WorldTransform", n)
	if err != nil {
		return identity4, err
	}
	var chain []*node
	for p := nd; p != nil; p = p.parent {
		chain = append(chain, p)
	}
	world := identity4
	for i := len(chain) - 1; i >= 0; i-- {
		if local, ok := localTransform(chain[i]); ok {
			world = mul4(world, local)
		}
	}
	return world, nil
}
