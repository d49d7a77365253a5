package errors

import (
	"testing"
)

func TestMarshalRoundTrip(t *testing.T) {
	inner := E("naming.RegisterFiles", "/a/b.txt", Exist, Str("path already exists as a directory"))
	outer := E("naming.Register", "/a/b.txt", Other, inner)

	e := outer.(*Error)
	b, err := e.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	got := &Error{}
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}

	if got.Op != e.Op {
		t.Errorf("Op: got %q want %q", got.Op, e.Op)
	}
	if got.Path != e.Path {
		t.Errorf("Path: got %q want %q", got.Path, e.Path)
	}
	if KindOf(got) != Exist {
		t.Errorf("KindOf: got %v want %v", KindOf(got), Exist)
	}
	inner2, ok := got.Err.(*Error)
	if !ok {
		t.Fatalf("inner error did not round-trip as *Error")
	}
	if inner2.Err.Error() != "path already exists as a directory" {
		t.Errorf("inner message: got %q", inner2.Err.Error())
	}
}

func TestSeparator(t *testing.T) {
	defer func(prev string) { Separator = prev }(Separator)
	Separator = ":: "

	inner := &Error{Op: "a"}
	outer := &Error{Op: "b", Kind: NotFound, Err: inner}
	got := outer.Error()
	want := "b: not found:: a"
	if got != want {
		t.Errorf("got %q want %q", got, want)
	}
}

func TestMatch(t *testing.T) {
	template := E("naming.Lock", NotFound)
	got := E("naming.Lock", "/a", NotFound, Str("no such path"))
	if !Match(template, got) {
		t.Errorf("expected Match(%v, %v) to be true", template, got)
	}
	other := E("naming.Lock", ArgumentInvalid)
	if Match(template, other) {
		t.Errorf("expected Match(%v, %v) to be false", template, other)
	}
}

func TestIsAndKindOf(t *testing.T) {
	err := E("naming.CreateFile", E("tree.lock", NotFound))
	if !Is(err, NotFound) {
		t.Errorf("expected Is(err, NotFound)")
	}
	if KindOf(err) != NotFound {
		t.Errorf("KindOf: got %v want %v", KindOf(err), NotFound)
	}
}
