// Package vgerrors defines the error taxonomy shared by every layer of the
// volume-group engine, from the pure model (vg) down to the session (session).
package vgerrors

import "fmt"

// UnknownLV is returned when an operation references a logical volume, by
// name or by id, that does not exist in the volume group.
type UnknownLV struct {
	Ref string
}

func (e *UnknownLV) Error() string {
	return fmt.Sprintf("unknown logical volume: %s", e.Ref)
}

// DuplicateLV is raised by the higher-level create wrapper (not by do_op
// itself) when a logical volume name collides with an existing one.
type DuplicateLV struct {
	Name string
}

func (e *DuplicateLV) Error() string {
	return fmt.Sprintf("logical volume already exists: %s", e.Name)
}

// OnlyThisMuchFree is returned by the allocator when a request cannot be
// satisfied by the extents currently free.
type OnlyThisMuchFree struct {
	Needed    uint64
	Available uint64
}

func (e *OnlyThisMuchFree) Error() string {
	return fmt.Sprintf("not enough free extents: needed %d, only %d available", e.Needed, e.Available)
}

// Msg wraps any other failure: parse errors, CRC mismatches, device I/O
// errors, sector-size mismatches, unsupported segment types, and internal
// invariant violations. It keeps an optional wrapped cause so %w-style
// unwrapping still works.
type Msg struct {
	Text  string
	Cause error
}

func (e *Msg) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Text, e.Cause)
	}
	return e.Text
}

func (e *Msg) Unwrap() error { return e.Cause }

// NewMsg builds a Msg error with no wrapped cause (see Wrap for that).
func NewMsg(format string, args ...interface{}) *Msg {
	return &Msg{Text: fmt.Sprintf(format, args...)}
}

// Wrap builds a Msg that carries cause as its unwrap target, prefixing the
// message with a device or LV name the way callers identify which operand
// an underlying I/O or parse error came from.
func Wrap(cause error, format string, args ...interface{}) *Msg {
	return &Msg{Text: fmt.Sprintf(format, args...), Cause: cause}
}

// PPError renders any error from this taxonomy as a human-readable string,
// the equivalent of the source's pp_error/error_to_msg helper.
func PPError(err error) string {
	if err == nil {
		return ""
	}
	switch e := err.(type) {
	case *UnknownLV:
		return "unknown LV: " + e.Ref
	case *DuplicateLV:
		return "duplicate LV: " + e.Name
	case *OnlyThisMuchFree:
		return fmt.Sprintf("insufficient free space: needed %d extents, %d available", e.Needed, e.Available)
	case *Msg:
		return e.Error()
	default:
		return err.Error()
	}
}
