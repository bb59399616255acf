// Package uuid implements LVM2's 32-character volume/device identifiers.
// These are not RFC 4122 UUIDs: the alphabet is [A-Za-z0-9] and there is no
// version/variant structure, so the standard library's crypto/rand is used
// directly rather than pulling in a UUID library whose output format would
// not match (see DESIGN.md).
package uuid

import (
	"crypto/rand"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/simonjbeaumont/mirage-block-volume/vgerrors"
)

const (
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	Length   = 32
)

// hyphenGroups are the lengths of the character groups String separates
// with hyphens: 6-4-4-4-4-4-6.
var hyphenGroups = []int{6, 4, 4, 4, 4, 4, 6}

// Uuid is an LVM-format 32-character identifier.
type Uuid struct {
	chars [Length]byte
}

// Create draws Length characters from a cryptographically secure source.
func Create() (Uuid, error) {
	raw := make([]byte, Length)
	if _, err := rand.Read(raw); err != nil {
		return Uuid{}, vgerrors.Wrap(err, "uuid: reading random bytes")
	}
	var u Uuid
	for i, b := range raw {
		u.chars[i] = alphabet[int(b)%len(alphabet)]
	}
	return u, nil
}

// MustCreate panics if entropy can't be read; used where the caller has no
// sensible way to propagate the error (e.g. package-level test fixtures).
func MustCreate() Uuid {
	u, err := Create()
	if err != nil {
		panic(err)
	}
	return u
}

// String renders the UUID with hyphens at the fixed 6-4-4-4-4-4-6 offsets.
func (u Uuid) String() string {
	var b strings.Builder
	b.Grow(Length + len(hyphenGroups) - 1)
	pos := 0
	for i, group := range hyphenGroups {
		if i > 0 {
			b.WriteByte('-')
		}
		b.Write(u.chars[pos : pos+group])
		pos += group
	}
	return b.String()
}

// Raw returns the 32-character form with no hyphens, as stored on disk.
func (u Uuid) Raw() string {
	return string(u.chars[:])
}

// IsZero reports whether u is the zero value (never a valid generated id).
func (u Uuid) IsZero() bool {
	return u == Uuid{}
}

// OfString accepts both the hyphenated display form and the bare 32-char
// form, rejecting bad length or unknown characters.
func OfString(s string) (Uuid, error) {
	stripped := strings.ReplaceAll(s, "-", "")
	if len(stripped) != Length {
		return Uuid{}, vgerrors.NewMsg("uuid: wrong length %d (want %d): %q", len(stripped), Length, s)
	}
	var u Uuid
	for i := 0; i < Length; i++ {
		c := stripped[i]
		if !isAlphabetChar(c) {
			return Uuid{}, vgerrors.NewMsg("uuid: invalid character %q in %q", c, s)
		}
		u.chars[i] = c
	}
	return u, nil
}

func isAlphabetChar(c byte) bool {
	return (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

// EncodeMsgpack and DecodeMsgpack let Uuid travel inside msgpack-encoded
// redo-log records as its bare 32-character form; chars is unexported, so
// the default reflection-based struct codec can't see it.
func (u Uuid) EncodeMsgpack(enc *msgpack.Encoder) error {
	return enc.EncodeString(u.Raw())
}

func (u *Uuid) DecodeMsgpack(dec *msgpack.Decoder) error {
	s, err := dec.DecodeString()
	if err != nil {
		return err
	}
	parsed, err := OfString(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}
