// Package snapshot encodes replicated objects to and from XML tree text.
// The same format travels on the wire (object events, join-time sync) and
// into local save slots.
//
// Shape:
//
//	<piece identifier="obj-1" owner="p1" version="3" writer="p1">
//	  <data name="x" type="number">1</data>
//	  <marker identifier="obj-2" parent="obj-1" ...>...</marker>
//	</piece>
//
// A node's element name is the object's type tag, data children are its
// attributes, and child nodes carrying an identifier are contained objects.
// Anything else is kept verbatim and written back on re-encode.
package snapshot

import (
	"encoding/xml"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"

	"github.com/iggydv12/meshtable/internal/object"
)

var ErrMalformedSnapshot = errors.New("malformed snapshot")

const (
	dataElement = "data"
	roomElement = "room"

	attrIdentifier = "identifier"
	attrOwner      = "owner"
	attrParent     = "parent"
	attrVersion    = "version"
	attrWriter     = "writer"
	attrState      = "state"
	attrName       = "name"
	attrType       = "type"
)

var typeTagPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*$`)

// node is a generic XML element.
type node struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Content string     `xml:",chardata"`
	Nodes   []node     `xml:",any"`
}

func (n *node) attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Space == "" && a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func (n *node) isObject() bool {
	_, ok := n.attr(attrIdentifier)
	return ok && n.XMLName.Local != dataElement
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedSnapshot, fmt.Sprintf(format, args...))
}

// ValidTypeTag reports whether tag can be used as an element name.
func ValidTypeTag(tag string) bool {
	return typeTagPattern.MatchString(tag) && tag != dataElement && tag != roomElement
}

// Encode writes a single object, without children.
func Encode(o *object.Object) (string, error) {
	n, err := toNode(o)
	if err != nil {
		return "", err
	}
	return marshal(n)
}

// Decode parses a single object. Nested objects are ignored; use DecodeTree
// to get them.
func Decode(text string) (*object.Object, error) {
	var n node
	if err := unmarshal(text, &n); err != nil {
		return nil, err
	}
	o, _, err := fromNode(&n)
	return o, err
}

// EncodeTree writes objs[0] as the root with every other object nested
// under its parent. Objects whose parent is not in objs hang off the root.
func EncodeTree(objs []*object.Object) (string, error) {
	if len(objs) == 0 {
		return "", errors.New("empty tree")
	}
	nodes, err := nest(objs, objs[0].Identifier)
	if err != nil {
		return "", err
	}
	if len(nodes) != 1 {
		return "", fmt.Errorf("tree has %d roots", len(nodes))
	}
	return marshal(&nodes[0])
}

// DecodeTree parses a nested tree and returns the objects parents first.
func DecodeTree(text string) ([]*object.Object, error) {
	var n node
	if err := unmarshal(text, &n); err != nil {
		return nil, err
	}
	if !n.isObject() {
		return nil, malformed("root element %q has no identifier", n.XMLName.Local)
	}
	return flatten(&n, "")
}

// EncodeRoom writes every object under a <room> element.
func EncodeRoom(objs []*object.Object) (string, error) {
	nodes, err := nest(objs, "")
	if err != nil {
		return "", err
	}
	return marshal(&node{XMLName: xml.Name{Local: roomElement}, Nodes: nodes})
}

// DecodeRoom parses a room export.
func DecodeRoom(text string) ([]*object.Object, error) {
	var n node
	if err := unmarshal(text, &n); err != nil {
		return nil, err
	}
	if n.XMLName.Local != roomElement {
		return nil, malformed("expected <%s>, got <%s>", roomElement, n.XMLName.Local)
	}
	var out []*object.Object
	for i := range n.Nodes {
		if !n.Nodes[i].isObject() {
			continue
		}
		objs, err := flatten(&n.Nodes[i], "")
		if err != nil {
			return nil, err
		}
		out = append(out, objs...)
	}
	return out, nil
}

func marshal(n *node) (string, error) {
	data, err := xml.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("xml marshal: %w", err)
	}
	return string(data), nil
}

func unmarshal(text string, n *node) error {
	if err := xml.Unmarshal([]byte(text), n); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	return rejectNamespaces(n)
}

// rejectNamespaces refuses namespaced elements and attributes, and namespace
// declarations. encoding/xml cannot write them back as they were read, so
// they could not be preserved across a re-encode.
func rejectNamespaces(n *node) error {
	if n.XMLName.Space != "" {
		return malformed("namespaced element <%s:%s>", n.XMLName.Space, n.XMLName.Local)
	}
	for _, a := range n.Attrs {
		if a.Name.Space != "" || a.Name.Local == "xmlns" {
			return malformed("namespaced attribute %s:%s on <%s>", a.Name.Space, a.Name.Local, n.XMLName.Local)
		}
	}
	for i := range n.Nodes {
		if err := rejectNamespaces(&n.Nodes[i]); err != nil {
			return err
		}
	}
	return nil
}

func toNode(o *object.Object) (*node, error) {
	if o.Identifier == "" {
		return nil, errors.New("object has no identifier")
	}
	if !ValidTypeTag(o.Type) {
		return nil, fmt.Errorf("invalid type tag %q", o.Type)
	}

	n := &node{XMLName: xml.Name{Local: o.Type}}
	add := func(name, value string) {
		n.Attrs = append(n.Attrs, xml.Attr{Name: xml.Name{Local: name}, Value: value})
	}
	add(attrIdentifier, o.Identifier)
	if o.Owner != "" {
		add(attrOwner, o.Owner)
	}
	if o.Parent != "" {
		add(attrParent, o.Parent)
	}
	if o.Version != 0 {
		add(attrVersion, strconv.FormatUint(o.Version, 10))
	}
	if o.Writer != "" {
		add(attrWriter, o.Writer)
	}
	if o.State == object.Destroyed {
		add(attrState, object.Destroyed.String())
	}
	for _, a := range o.ExtraAttrs {
		add(a.Name, a.Value)
	}

	for _, key := range slices.Sorted(maps.Keys(o.Attributes)) {
		v := o.Attributes[key]
		n.Nodes = append(n.Nodes, node{
			XMLName: xml.Name{Local: dataElement},
			Attrs: []xml.Attr{
				{Name: xml.Name{Local: attrName}, Value: key},
				{Name: xml.Name{Local: attrType}, Value: v.Kind.String()},
			},
			Content: v.Raw,
		})
	}

	for _, raw := range o.ExtraElements {
		var extra node
		if err := xml.Unmarshal([]byte(raw), &extra); err != nil {
			return nil, fmt.Errorf("extra element: %w", err)
		}
		n.Nodes = append(n.Nodes, extra)
	}
	return n, nil
}

// fromNode converts one element. It returns the object and the indexes of
// nested object nodes.
func fromNode(n *node) (*object.Object, []int, error) {
	o := object.New("", n.XMLName.Local)
	if !ValidTypeTag(o.Type) {
		return nil, nil, malformed("invalid type tag %q", o.Type)
	}

	for _, a := range n.Attrs {
		switch a.Name.Local {
		case attrIdentifier:
			o.Identifier = a.Value
		case attrOwner:
			o.Owner = a.Value
		case attrParent:
			o.Parent = a.Value
		case attrWriter:
			o.Writer = a.Value
		case attrVersion:
			v, err := strconv.ParseUint(a.Value, 10, 64)
			if err != nil {
				return nil, nil, malformed("version %q", a.Value)
			}
			o.Version = v
		case attrState:
			switch a.Value {
			case object.Active.String():
				o.State = object.Active
			case object.Destroyed.String():
				o.State = object.Destroyed
			default:
				return nil, nil, malformed("state %q", a.Value)
			}
		default:
			o.ExtraAttrs = append(o.ExtraAttrs, object.Attr{Name: a.Name.Local, Value: a.Value})
		}
	}
	if o.Identifier == "" {
		return nil, nil, malformed("<%s> without identifier", o.Type)
	}

	var children []int
	for i := range n.Nodes {
		child := &n.Nodes[i]
		switch {
		case child.XMLName.Local == dataElement && child.XMLName.Space == "":
			key, ok := child.attr(attrName)
			if !ok || key == "" {
				return nil, nil, malformed("data without name in %s", o.Identifier)
			}
			typ, _ := child.attr(attrType)
			kind, err := object.ParseKind(typ)
			if err != nil {
				return nil, nil, malformed("%s.%s: %v", o.Identifier, key, err)
			}
			v := object.Value{Kind: kind, Raw: child.Content}
			if err := v.Validate(); err != nil {
				return nil, nil, malformed("%s.%s: %v", o.Identifier, key, err)
			}
			o.Attributes[key] = v
		case child.isObject():
			children = append(children, i)
		default:
			raw, err := xml.Marshal(child)
			if err != nil {
				return nil, nil, malformed("unknown element: %v", err)
			}
			o.ExtraElements = append(o.ExtraElements, string(raw))
		}
	}
	return o, children, nil
}

// flatten walks a tree parents first. Children inherit the enclosing
// identifier as parent when they do not name one.
func flatten(n *node, parent string) ([]*object.Object, error) {
	o, children, err := fromNode(n)
	if err != nil {
		return nil, err
	}
	if o.Parent == "" {
		o.Parent = parent
	}
	out := []*object.Object{o}
	for _, i := range children {
		sub, err := flatten(&n.Nodes[i], o.Identifier)
		if err != nil {
			return nil, err
		}
		out = append(out, sub...)
	}
	return out, nil
}

// nest builds element trees from a flat list. Objects whose parent is not in
// the list become roots; when root is set they hang off root instead.
//
// Parent loops can form when peers move objects concurrently. A loop has no
// way in from a root, so its smallest identifier is promoted in place of a
// root and keeps its parent attribute.
func nest(objs []*object.Object, root string) ([]node, error) {
	present := make(map[string]bool, len(objs))
	byID := make(map[string]*object.Object, len(objs))
	for _, o := range objs {
		present[o.Identifier] = true
		byID[o.Identifier] = o
	}

	children := make(map[string][]*object.Object)
	var roots []*object.Object
	for _, o := range objs {
		switch {
		case o.Identifier == root:
			roots = append(roots, o)
		case present[o.Parent] && o.Parent != o.Identifier:
			children[o.Parent] = append(children[o.Parent], o)
		case root != "":
			children[root] = append(children[root], o)
		default:
			roots = append(roots, o)
		}
	}

	visited := make(map[string]bool, len(objs))
	var build func(o *object.Object) (node, error)
	build = func(o *object.Object) (node, error) {
		visited[o.Identifier] = true
		n, err := toNode(o)
		if err != nil {
			return node{}, err
		}
		for _, c := range children[o.Identifier] {
			if visited[c.Identifier] {
				// back edge to a promoted loop member
				continue
			}
			cn, err := build(c)
			if err != nil {
				return node{}, err
			}
			n.Nodes = append(n.Nodes, cn)
		}
		return *n, nil
	}

	out := make([]node, 0, len(roots))
	for _, r := range roots {
		n, err := build(r)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}

	if len(visited) < len(byID) {
		for _, id := range slices.Sorted(maps.Keys(byID)) {
			if visited[id] {
				continue
			}
			n, err := build(byID[loopHead(byID, id)])
			if err != nil {
				return nil, err
			}
			if root != "" && len(out) > 0 {
				out[0].Nodes = append(out[0].Nodes, n)
			} else {
				out = append(out, n)
			}
		}
	}
	return out, nil
}

// loopHead follows parents up from id to the loop above it and returns the
// loop's smallest identifier. Every object on the way must have its parent
// in byID.
func loopHead(byID map[string]*object.Object, id string) string {
	seen := make(map[string]bool)
	cur := id
	for !seen[cur] {
		seen[cur] = true
		cur = byID[cur].Parent
	}
	head := cur
	for c := byID[cur].Parent; c != cur; c = byID[c].Parent {
		if c < head {
			head = c
		}
	}
	return head
}
