package tree

import (
	"strconv"
	"strings"

	"github.com/orneryd/vrtree/pkg/pool"
)

// Path returns the absolute path of n, e.g. "/Scenes/Cube". A sibling that
// shares its name with earlier siblings gets an index suffix, "Cube[1]".
// The root is "/".
func (s *Store) Path(n *Node) string {
	nd, err := s.nodeOf("Path", n)
	if err != nil {
		return ""
	}
	parts := pool.GetStringSlice()
	defer func() { pool.PutStringSlice(parts) }()
	for x := nd; x.parent != nil; x = x.parent {
		parts = append(parts, pathElem(x))
	}
	if len(parts) == 0 {
		return "/"
	}
	b := pool.GetStringBuilder()
	defer pool.PutStringBuilder(b)
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(parts[i])
	}
	return b.String()
}

func pathElem(n *node) string {
	dup := 0
	for _, c := range n.parent.children {
		if c == n {
			break
		}
		if c.name == n.name {
			dup++
		}
	}
	if dup == 0 {
		return n.name
	}
	return n.name + "[" + strconv.Itoa(dup) + "]"
}

// Find resolves path relative to start, or from the root when path begins
// with "/". Elements may be ".", ".." or a child name with an optional
// "[index]" suffix selecting among equally named siblings. Resolutions are
// cached until the tree structure changes.
func (s *Store) Find(start *Node, path string) (*Node, error) {
	const op = "Find"
	nd, err := s.nodeOf(op, start)
	if err != nil {
		return nil, err
	}
	key := nd.id.String() + "\x00" + path
	if id, ok := s.paths.Get(key); ok {
		if hit, ok := s.nodes[id]; ok {
			return s.handle(hit), nil
		}
		s.paths.Remove(key)
	}
	cur := nd
	if strings.HasPrefix(path, "/") {
		cur = s.root
	}
	for _, elem := range strings.Split(path, "/") {
		switch elem {
		case "", ".":
			continue
		case "..":
			if cur.parent == nil {
				return nil, s.fail(op, InvalidParameter, "path %q leaves the root", path)
			}
			cur = cur.parent
			continue
		}
		name, idx := splitIndex(elem)
		next := childNamed(cur, name, idx)
		if next == nil {
			return nil, s.fail(op, InvalidParameter, "no node at %q", path)
		}
		cur = next
	}
	s.paths.Put(key, cur.id)
	return s.handle(cur), nil
}

func splitIndex(elem string) (string, int) {
	if !strings.HasSuffix(elem, "]") {
		return elem, 0
	}
	open := strings.LastIndexByte(elem, '[')
	if open < 0 {
		return elem, 0
	}
	i, err := strconv.Atoi(elem[open+1 : len(elem)-1])
	if err != nil || i < 0 {
		return elem, 0
	}
	return elem[:open], i
}

func childNamed(p *node, name string, index int) *node {
	for _, c := range p.children {
		if c.name != name {
			continue
		}
		if index == 0 {
			return c
		}
		index--
	}
	return nil
}

// FindChild returns the index-th child of parent named name, or nil.
func (s *Store) FindChild(parent *Node, name string, index int) *Node {
	p, err := s.nodeOf("FindChild", parent)
	if err != nil {
		return nil
	}
	return s.handle(childNamed(p, name, index))
}

// FindChildPooled returns the first child of parent with the given
// metanode and name, or nil. ChildMap parents answer from their index.
func (s *Store) FindChildPooled(parent *Node, metaName, name string) *Node {
	p, err := s.nodeOf("FindChildPooled", parent)
	if err != nil {
		return nil
	}
	return s.handle(s.findChild(p, metaName, name))
}
