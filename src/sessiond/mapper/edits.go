package mapper

import (
	"fmt"
	"strings"

	"github.com/nextide/sessiond/src/sessiond/entity"
	diffmatchpatch "github.com/sergi/go-diff/diffmatchpatch"
)

// ApplyEditOps applies an ordered retain/delete/insert edit to text and
// returns the new text. The retain and delete spans must walk the document
// exactly to its end; a short or overlong edit is rejected without applying
// anything.
func ApplyEditOps(text string, ops []entity.EditOp) (string, error) {
	var b strings.Builder
	pos := 0
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return "", fmt.Errorf("op %d: %w", i, err)
		}
		switch {
		case op.Retain > 0:
			if pos+op.Retain > len(text) {
				return "", fmt.Errorf("op %d: retain %d exceeds document end (%d of %d bytes consumed)", i, op.Retain, pos, len(text))
			}
			b.WriteString(text[pos : pos+op.Retain])
			pos += op.Retain
		case op.Delete > 0:
			if pos+op.Delete > len(text) {
				return "", fmt.Errorf("op %d: delete %d exceeds document end (%d of %d bytes consumed)", i, op.Delete, pos, len(text))
			}
			pos += op.Delete
		default:
			b.WriteString(op.Insert)
		}
	}
	if pos != len(text) {
		return "", fmt.Errorf("edit consumed %d of %d bytes", pos, len(text))
	}
	return b.String(), nil
}

// OpsFromDiff computes a retain/delete/insert edit that transforms old into new.
func OpsFromDiff(old, new string) []entity.EditOp {
	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(old, new, false)

	ops := make([]entity.EditOp, 0, len(diffs))
	for _, d := range diffs {
		if d.Text == "" {
			continue
		}
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			ops = append(ops, entity.EditOp{Retain: len(d.Text)})
		case diffmatchpatch.DiffDelete:
			ops = append(ops, entity.EditOp{Delete: len(d.Text)})
		case diffmatchpatch.DiffInsert:
			ops = append(ops, entity.EditOp{Insert: d.Text})
		}
	}
	return ops
}
