package conflict

import (
	"maps"
	"slices"

	"github.com/prudhvinik1/medsync/internal/models"
)

// MergeMarker separates the cloud and local text when both sides edited a text field.
const MergeMarker = "[MERGED]"

// Merge combines both versions field by field. A field changed on only one side
// takes that side's value. A text field changed on both sides keeps both texts,
// cloud first. Any other field changed on both sides follows the later timestamp,
// or the cloud when timestamps cannot be compared.
func Merge(in Input) models.Snapshot {
	keys := make(map[string]struct{}, len(in.Local)+len(in.Cloud))
	for k := range in.Local {
		keys[k] = struct{}{}
	}
	for k := range in.Cloud {
		keys[k] = struct{}{}
	}

	localLater := false
	if lt, ok := in.Schema.Timestamp(in.Local); ok {
		if ct, ok := in.Schema.Timestamp(in.Cloud); ok {
			localLater = lt.After(ct)
		}
	}

	localChanged := changedSet(in.Base, in.Local, in.LocalChanged)
	cloudChanged := changedSet(in.Base, in.Cloud, in.CloudChanged)

	merged := make(models.Snapshot, len(keys))
	for _, field := range slices.Sorted(maps.Keys(keys)) {
		lv, lok := in.Local[field]
		cv, cok := in.Cloud[field]

		if lok == cok && models.ValuesEqual(lv, cv) {
			put(merged, field, cv, cok)
			continue
		}

		switch l, c := localChanged(field), cloudChanged(field); {
		case l && !c:
			put(merged, field, lv, lok)
			continue
		case c && !l:
			put(merged, field, cv, cok)
			continue
		}

		ls, lstr := lv.(string)
		cs, cstr := cv.(string)
		switch {
		case in.Schema.IsText(field) && lstr && cstr:
			merged[field] = cs + "\n" + MergeMarker + "\n" + ls
		case localLater:
			put(merged, field, lv, lok)
		default:
			put(merged, field, cv, cok)
		}
	}
	return merged.Clone()
}

// changedSet reports whether a field moved away from base. Without a base it
// falls back to the changed-field hints.
func changedSet(base, side models.Snapshot, hints []string) func(string) bool {
	if base != nil {
		return func(field string) bool {
			bv, bok := base[field]
			sv, sok := side[field]
			return bok != sok || !models.ValuesEqual(bv, sv)
		}
	}
	return func(field string) bool {
		return slices.Contains(hints, field)
	}
}

func put(s models.Snapshot, field string, v any, ok bool) {
	if ok {
		s[field] = v
	}
}
