// Package errors defines the error taxonomy shared by every package
// in this module (§7). A logical error is always an *Error carrying
// a Kind; the RPC substrate in package rpc round-trips a Kind across
// the wire so a client sees the same logical failure the server
// raised, instead of a flattened RemoteError.
package errors

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"fmt"
)

// Error is the type that implements the error interface for this
// module. An Error value may leave some fields unset.
type Error struct {
	// Op is the operation being performed, usually the name of the
	// method invoked (Lock, CreateFile, Read, ...).
	Op string
	// Path is the path name of the item being accessed, if any.
	Path string
	// Kind classifies the error so callers (and the wire protocol)
	// can branch on it without string matching.
	Kind Kind
	// Err is the underlying error that triggered this one, if any.
	Err error
}

var (
	_ error                      = (*Error)(nil)
	_ encoding.BinaryMarshaler   = (*Error)(nil)
	_ encoding.BinaryUnmarshaler = (*Error)(nil)
)

// Kind classifies an Error for programmatic dispatch. It is the
// taxonomy of §7.
type Kind uint8

// Kinds of errors.
const (
	Other           Kind = iota // Unclassified.
	RemoteError                 // Transport-level failure (connect, I/O, marshalling, unknown method).
	NotFound                    // Path does not exist, or no storage servers are registered.
	ArgumentInvalid             // Malformed path, nil required argument, out-of-range offset, disallowed root op.
	AlreadyRegistered           // register called with a StorageRef already in R.
	StateError                  // start/stop called in the wrong lifecycle state.
	Exist                       // Registration collided with an existing, incompatible tree entry.
)

func (k Kind) String() string {
	switch k {
	case Other:
		return "error"
	case RemoteError:
		return "remote error"
	case NotFound:
		return "not found"
	case ArgumentInvalid:
		return "invalid argument"
	case AlreadyRegistered:
		return "already registered"
	case StateError:
		return "invalid lifecycle state"
	case Exist:
		return "already exists"
	}
	return "unknown error kind"
}

// Separator separates nested errors when printed.
var Separator = ":\n\t"

// E builds an *Error from its arguments. The type of each argument
// determines its meaning:
//
//	string      the operation name (Op), unless one is already set
//	Kind        the error's Kind
//	error       the wrapped underlying error (Err)
//
// A string argument is treated as a Path if Op is already set.
func E(args ...interface{}) error {
	if len(args) == 0 {
		return nil
	}
	e := &Error{}
	for _, arg := range args {
		switch a := arg.(type) {
		case string:
			if e.Op == "" {
				e.Op = a
			} else {
				e.Path = a
			}
		case Kind:
			e.Kind = a
		case *Error:
			cp := *a
			e.Err = &cp
		case error:
			e.Err = a
		default:
			return Errorf("errors.E: bad call with argument of type %T: %v", arg, arg)
		}
	}
	prev, ok := e.Err.(*Error)
	if !ok {
		return e
	}
	if prev.Path == e.Path {
		prev.Path = ""
	}
	if prev.Kind == e.Kind {
		prev.Kind = Other
	}
	if e.Kind == Other {
		e.Kind = prev.Kind
		prev.Kind = Other
	}
	return e
}

func pad(b *bytes.Buffer, s string) {
	if b.Len() > 0 {
		b.WriteString(s)
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	b := new(bytes.Buffer)
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	if e.Path != "" {
		pad(b, ": ")
		b.WriteString(e.Path)
	}
	if e.Kind != Other {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Err != nil {
		if inner, ok := e.Err.(*Error); ok {
			pad(b, Separator)
			b.WriteString(inner.Error())
		} else {
			pad(b, ": ")
			b.WriteString(e.Err.Error())
		}
	}
	if b.Len() == 0 {
		return "no error"
	}
	return b.String()
}

// Is reports whether err is an *Error of the given Kind, unwrapping
// nested *Error values.
func Is(err error, kind Kind) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	if e.Kind == kind {
		return true
	}
	if inner, ok := e.Err.(*Error); ok {
		return Is(inner, kind)
	}
	return false
}

// KindOf returns the Kind of err if it is an *Error (following the
// chain of wrapped *Error values to find the first non-Other Kind),
// or Other if err is not an *Error or has no Kind set.
func KindOf(err error) Kind {
	e, ok := err.(*Error)
	if !ok {
		return Other
	}
	if e.Kind != Other {
		return e.Kind
	}
	if inner, ok := e.Err.(*Error); ok {
		return KindOf(inner)
	}
	return Other
}

// Str returns an error that formats as the given text, for use as
// the error-typed argument to E.
func Str(text string) error {
	return &errorString{text}
}

// Errorf is equivalent to fmt.Errorf but returns a plain error
// suitable for wrapping with E, so callers that only import this
// package can still format messages.
func Errorf(format string, args ...interface{}) error {
	return &errorString{fmt.Sprintf(format, args...)}
}

type errorString struct{ s string }

func (e *errorString) Error() string { return e.s }

// appendString appends a length-prefixed string to b.
func appendString(b []byte, s string) []byte {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], int64(len(s)))
	b = append(b, tmp[:n]...)
	return append(b, s...)
}

// getString reads a length-prefixed string from the front of b,
// returning the string and the remaining bytes.
func getString(b []byte) (string, []byte) {
	n, used := binary.Varint(b)
	if used <= 0 {
		return "", b
	}
	b = b[used:]
	if int64(len(b)) < n {
		return "", nil
	}
	return string(b[:n]), b[n:]
}

// MarshalBinary implements encoding.BinaryMarshaler so an *Error can
// be reconstructed by the receiving side of an RPC call instead of
// being flattened into a RemoteError.
func (e *Error) MarshalBinary() ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	var b []byte
	b = appendString(b, e.Op)
	b = appendString(b, e.Path)
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], int64(e.Kind))
	b = append(b, tmp[:n]...)
	b = append(b, marshalErr(e.Err)...)
	return b, nil
}

func marshalErr(err error) []byte {
	if err == nil {
		return []byte{0}
	}
	if e, ok := err.(*Error); ok {
		inner, _ := e.MarshalBinary()
		b := []byte{1}
		return append(b, inner...)
	}
	b := []byte{2}
	return appendString(b, err.Error())
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (e *Error) UnmarshalBinary(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	e.Op, b = getString(b)
	e.Path, b = getString(b)
	k, used := binary.Varint(b)
	if used <= 0 {
		return Str("errors: corrupt marshaled error")
	}
	e.Kind = Kind(k)
	b = b[used:]
	if len(b) == 0 {
		return nil
	}
	tag, rest := b[0], b[1:]
	switch tag {
	case 0:
	case 1:
		inner := &Error{}
		if err := inner.UnmarshalBinary(rest); err != nil {
			return err
		}
		e.Err = inner
	case 2:
		s, _ := getString(rest)
		e.Err = Str(s)
	}
	return nil
}

// Match reports whether err2, which must be a non-nil *Error,
// matches err1, which may be any error. A field of err1 is checked
// only if it is set; an unset field always matches.
func Match(err1, err2 error) bool {
	e1, ok := err1.(*Error)
	if !ok {
		return false
	}
	e2, ok := err2.(*Error)
	if !ok {
		return false
	}
	if e1.Op != "" && e1.Op != e2.Op {
		return false
	}
	if e1.Path != "" && e1.Path != e2.Path {
		return false
	}
	if e1.Kind != Other && e1.Kind != e2.Kind {
		return false
	}
	if e1.Err != nil {
		if e2.Err == nil {
			return false
		}
		if inner1, ok := e1.Err.(*Error); ok {
			return Match(inner1, e2.Err)
		}
		return e1.Err.Error() == e2.Err.Error()
	}
	return true
}
