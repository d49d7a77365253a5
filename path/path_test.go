package path

import (
	"sort"
	"testing"

	"github.com/branchfs/branchfs/errors"
)

func TestParseRoot(t *testing.T) {
	p, err := Parse("/")
	if err != nil {
		t.Fatalf("Parse(/): %v", err)
	}
	if !p.IsRoot() {
		t.Errorf("expected root")
	}
	if p.String() != "/" {
		t.Errorf("String() = %q, want /", p.String())
	}
}

func TestParseRoundTrip(t *testing.T) {
	cases := []string{"/", "/a", "/a/b", "/a/b/c.txt"}
	for _, s := range cases {
		p, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if got := p.String(); got != s {
			t.Errorf("Parse(%q).String() = %q, want %q", s, got, s)
		}
	}
}

func TestParseRejectsRelative(t *testing.T) {
	_, err := Parse("a/b")
	if err == nil || errors.KindOf(err) != errors.ArgumentInvalid {
		t.Fatalf("expected ArgumentInvalid, got %v", err)
	}
}

func TestParseRejectsEmptyComponent(t *testing.T) {
	for _, s := range []string{"/a//b", "/a/", "//"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q): expected error", s)
		}
	}
}

func TestParseRejectsColon(t *testing.T) {
	if _, err := Parse("/a:b"); err == nil {
		t.Errorf("expected error for component containing ':'")
	}
}

func TestChildAndParent(t *testing.T) {
	root, _ := Parse("/")
	a, err := root.Child("a")
	if err != nil {
		t.Fatalf("Child: %v", err)
	}
	b, err := a.Child("b")
	if err != nil {
		t.Fatalf("Child: %v", err)
	}
	if b.String() != "/a/b" {
		t.Fatalf("got %q", b.String())
	}
	if b.Last() != "b" {
		t.Fatalf("Last() = %q", b.Last())
	}
	if !b.Parent().Equal(a) {
		t.Fatalf("Parent() = %q, want %q", b.Parent(), a)
	}
}

func TestParentPanicsOnRoot(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	Root.Parent()
}

func TestLastPanicsOnRoot(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	Root.Last()
}

// TestIsSubpathReflexiveAndTransitive is the property from §8: every
// path is its own subpath, and the subpath relation composes.
func TestIsSubpathReflexiveAndTransitive(t *testing.T) {
	a, _ := Parse("/a")
	ab, _ := Parse("/a/b")
	abc, _ := Parse("/a/b/c")

	if !a.IsSubpath(a) {
		t.Errorf("expected a path to be its own subpath")
	}
	if !ab.IsSubpath(a) {
		t.Errorf("expected /a/b to have /a as a subpath prefix")
	}
	if !abc.IsSubpath(a) || !abc.IsSubpath(ab) {
		t.Errorf("expected /a/b/c to have both /a and /a/b as prefixes")
	}
	if a.IsSubpath(ab) {
		t.Errorf("did not expect /a to have /a/b as a prefix")
	}
}

func TestCompareTotalOrder(t *testing.T) {
	unsorted := []string{"/a/c", "/b", "/a", "/", "/a/b"}
	want := []string{"/", "/a", "/a/b", "/a/c", "/b"}

	sorted := make([]Path, len(unsorted))
	for i, s := range unsorted {
		p, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		sorted[i] = p
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Less(sorted[j]) })

	for i, p := range sorted {
		if p.String() != want[i] {
			t.Errorf("sorted[%d] = %q, want %q", i, p.String(), want[i])
		}
	}
}

func TestEqual(t *testing.T) {
	a1, _ := Parse("/a/b")
	a2, _ := Parse("/a/b")
	c, _ := Parse("/a/c")
	if !a1.Equal(a2) {
		t.Errorf("expected equal paths to compare equal")
	}
	if a1.Equal(c) {
		t.Errorf("did not expect /a/b to equal /a/c")
	}
}

func TestTextMarshalRoundTrip(t *testing.T) {
	p, _ := Parse("/a/b/c")
	text, err := p.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}
	var got Path
	if err := got.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if !got.Equal(p) {
		t.Errorf("round trip mismatch: got %q want %q", got, p)
	}
}
