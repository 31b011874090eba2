package acl

import (
	"fmt"

	"github.com/infinoted/infinote/pkg/infinoerr"
)

// DefaultAccount is the account id used for the fallback sheet every node
// must carry (spec.md §4.9 "the default account's sheet").
const DefaultAccount = "default"

// Sheet is one account's explicit settings at one node: mask marks which
// bits are explicit, perms holds their value.
type Sheet struct {
	Account string
	Mask    Mask
	Perms   Mask
}

// SheetSet is a node's sheets, indexed by account id.
type SheetSet map[string]Sheet

// Merge applies incoming sheets onto set: a sheet with an empty mask
// clears the entry for that account, otherwise the sheet replaces
// whatever was there (libinfinity's inf_acl_sheet_set_merge_sheets
// does the same replace-or-clear per account).
func (set SheetSet) Merge(sheets []Sheet) {
	for _, s := range sheets {
		if s.Mask.Empty() {
			delete(set, s.Account)
			continue
		}
		set[s.Account] = s
	}
}

// Node is the minimal shape acl needs from a directory node to walk from a
// node to the root: its own sheets and its parent, if any.
type Node interface {
	ACLSheets() SheetSet
	ACLParent() (Node, bool)
}

// Effective computes whether account holds perm at node, walking from node
// to the root and preferring the first explicit bit found (spec.md §4.9
// step 1), falling back to the root's default sheet (step 2).
func Effective(node Node, account string, perm Permission) (bool, error) {
	var rootDefault *Sheet
	cur := node
	for {
		sheets := cur.ACLSheets()
		if s, ok := sheets[account]; ok && s.Mask.Has(perm) {
			return s.Perms.Has(perm), nil
		}
		if s, ok := sheets[DefaultAccount]; ok {
			if s.Mask.Has(perm) {
				return s.Perms.Has(perm), nil
			}
			if _, hasParent := cur.ACLParent(); !hasParent {
				rootDefault = &s
			}
		}

		parent, ok := cur.ACLParent()
		if !ok {
			break
		}
		cur = parent
	}

	if rootDefault == nil {
		return false, fmt.Errorf("root default sheet missing permission bit %d: %w", perm, infinoerr.ErrInvalidRequest)
	}
	return rootDefault.Perms.Has(perm), nil
}
