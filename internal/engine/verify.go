package engine

import (
	"slices"
	"strings"

	"github.com/matsojr22/HPE-45000-tape-drive-controller/internal/progress"
)

// VerifyResult compares the members written to tape with those listed back.
type VerifyResult struct {
	Matched int
	// Missing were written but not listed.
	Missing []string
	// Unexpected were listed but not written.
	Unexpected []string
}

// OK reports whether both sets are equal.
func (r VerifyResult) OK() bool {
	return len(r.Missing) == 0 && len(r.Unexpected) == 0
}

func normalizeMember(p string) string {
	return strings.Trim(p, "/")
}

// VerifyListing checks that the written path set equals the listed set.
// Leading and trailing slashes are ignored, since tar strips the former
// from absolute names and adds the latter to directories.
func VerifyListing(written []string, entries []progress.Entry) VerifyResult {
	want := make(map[string]struct{}, len(written))
	for _, w := range written {
		if n := normalizeMember(w); n != "" {
			want[n] = struct{}{}
		}
	}
	got := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if n := normalizeMember(e.Path); n != "" {
			got[n] = struct{}{}
		}
	}

	var r VerifyResult
	for n := range want {
		if _, ok := got[n]; ok {
			r.Matched++
		} else {
			r.Missing = append(r.Missing, n)
		}
	}
	for n := range got {
		if _, ok := want[n]; !ok {
			r.Unexpected = append(r.Unexpected, n)
		}
	}
	slices.Sort(r.Missing)
	slices.Sort(r.Unexpected)
	return r
}
