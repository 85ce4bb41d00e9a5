package session

import "strings"

// Kind is the node type reported by getNodeProperties (spec §3 "Node").
type Kind string

const (
	KindFolder    Kind = "folder"
	KindParameter Kind = "parameter"
	KindCommand   Kind = "command"
	KindEndpoint  Kind = "endpoint"
)

// Node mirrors one entry of the device tree as discovered over the
// command channel. A session owns a tree of these rooted at the node
// returned by "connect"; handles stay stable for the life of the
// session (spec §3 "Node").
type Node struct {
	Handle Handle
	Name   string
	Kind   Kind
	Value  string

	Parent   *Node
	Children []*Node
}

// newNode links child under parent and records the back-reference used
// by Path.
func newNode(handle Handle, name string, kind Kind, parent *Node) *Node {
	n := &Node{Handle: handle, Name: name, Kind: kind, Parent: parent}
	if parent != nil {
		parent.Children = append(parent.Children, n)
	}
	return n
}

// Child returns the direct child named name, if any.
func (n *Node) Child(name string) (*Node, bool) {
	for _, c := range n.Children {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Path reconstructs the slash-separated path from the tree root down to
// n, e.g. "/endpoint/raw/par/MaxRawDataSize".
func (n *Node) Path() string {
	var parts []string
	for cur := n; cur != nil && cur.Parent != nil; cur = cur.Parent {
		parts = append([]string{cur.Name}, parts...)
	}
	return "/" + strings.Join(parts, "/")
}

// Walk invokes fn for n and every descendant, depth first.
func (n *Node) Walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// Find resolves a slash-separated path relative to n, e.g.
// "endpoint/raw". An empty path returns n itself.
func (n *Node) Find(path string) (*Node, bool) {
	path = strings.Trim(path, "/")
	if path == "" {
		return n, true
	}
	cur := n
	for _, seg := range strings.Split(path, "/") {
		next, ok := cur.Child(seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}
