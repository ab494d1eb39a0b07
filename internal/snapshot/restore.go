package snapshot

import (
	"fmt"

	"github.com/iggydv12/meshtable/internal/identity"
	"github.com/iggydv12/meshtable/internal/object"
)

// Importer is the store side of a restore.
type Importer interface {
	// Exists reports whether id is taken, destroyed identifiers included.
	Exists(id string) bool
	// Import adds every object or none of them.
	Import(objs []*object.Object) error
}

// Restore re-imports a saved tree as new objects owned by owner. The root
// always gets a fresh identifier; children keep theirs unless taken, and
// every parent link and reference inside the set follows the renames.
// Nothing is imported if the text is malformed.
func Restore(dst Importer, text, owner string) (*object.Object, error) {
	objs, err := DecodeTree(text)
	if err != nil {
		return nil, err
	}
	objs = Remap(objs, identity.GenerateID(objs[0].Type+"-"), dst.Exists, owner)
	if err := dst.Import(objs); err != nil {
		return nil, fmt.Errorf("restore %s: %w", objs[0].Identifier, err)
	}
	return objs[0].Clone(), nil
}

// Remap rewrites identifiers for a restore. objs[0] is renamed to rootID
// unless rootID is empty, in which case it is treated like any other object:
// an identifier is only replaced when taken. Objects come back active with
// version metadata reset.
func Remap(objs []*object.Object, rootID string, taken func(string) bool, owner string) []*object.Object {
	rename := make(map[string]string, len(objs))
	used := make(map[string]bool, len(objs))
	for i, o := range objs {
		id := o.Identifier
		switch {
		case i == 0 && rootID != "":
			id = rootID
		case taken(id) || used[id]:
			id = identity.GenerateID(o.Type + "-")
		}
		rename[o.Identifier] = id
		used[id] = true
	}

	out := make([]*object.Object, 0, len(objs))
	for i, o := range objs {
		cp := o.Clone()
		cp.Identifier = rename[o.Identifier]
		if i == 0 && rootID != "" {
			cp.Parent = ""
		} else if p, ok := rename[o.Parent]; ok {
			cp.Parent = p
		}
		for k, v := range cp.Attributes {
			if id := v.RefID(); id != "" {
				if renamed, ok := rename[id]; ok {
					cp.Attributes[k] = object.Ref(renamed)
				}
			}
		}
		cp.Owner = owner
		cp.Writer = ""
		cp.Version = 0
		cp.State = object.Active
		out = append(out, cp)
	}
	return out
}
