package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

var magic = [4]byte{'C', 'N', 'U', '1'}

// ErrMalformed is returned when bytes do not decode as an update fragment.
var ErrMalformed = errors.New("crdt: malformed update")

const (
	flagOrigin  = 1 << 0
	flagDeleted = 1 << 1
)

// Encode serializes a fragment. The durable state of a note is the encoding of
// its replica's StateUpdate.
func Encode(u Update) []byte {
	buf := make([]byte, 0, 16+len(u.Ops)*24)
	buf = append(buf, magic[:]...)
	buf = binary.AppendUvarint(buf, uint64(len(u.Ops)))
	for _, op := range u.Ops {
		buf = append(buf, byte(op.Kind))
		buf = appendID(buf, op.ID)
		if op.Kind != OpInsert {
			continue
		}
		var flags byte
		if op.Origin != nil {
			flags |= flagOrigin
		}
		if op.Deleted {
			flags |= flagDeleted
		}
		buf = append(buf, flags)
		if op.Origin != nil {
			buf = appendID(buf, *op.Origin)
		}
		buf = appendString(buf, op.Text)
	}
	return buf
}

// Decode parses bytes produced by Encode.
func Decode(b []byte) (Update, error) {
	if len(b) < len(magic) || [4]byte(b[:4]) != magic {
		return Update{}, fmt.Errorf("%w: bad header", ErrMalformed)
	}
	r := reader{buf: b[len(magic):]}
	count, err := r.uvarint()
	if err != nil {
		return Update{}, err
	}
	if count > uint64(len(r.buf)) {
		return Update{}, fmt.Errorf("%w: op count %d exceeds payload", ErrMalformed, count)
	}
	u := Update{Ops: make([]Op, 0, count)}
	for i := uint64(0); i < count; i++ {
		kind, err := r.byte()
		if err != nil {
			return Update{}, err
		}
		op := Op{Kind: OpKind(kind)}
		if op.ID, err = r.id(); err != nil {
			return Update{}, err
		}
		switch op.Kind {
		case OpDelete:
		case OpInsert:
			flags, err := r.byte()
			if err != nil {
				return Update{}, err
			}
			if flags&^(flagOrigin|flagDeleted) != 0 {
				return Update{}, fmt.Errorf("%w: unknown flags %x", ErrMalformed, flags)
			}
			if flags&flagOrigin != 0 {
				origin, err := r.id()
				if err != nil {
					return Update{}, err
				}
				op.Origin = &origin
			}
			op.Deleted = flags&flagDeleted != 0
			if op.Text, err = r.string(); err != nil {
				return Update{}, err
			}
			if op.Text == "" || !utf8.ValidString(op.Text) {
				return Update{}, fmt.Errorf("%w: invalid insert text", ErrMalformed)
			}
		default:
			return Update{}, fmt.Errorf("%w: unknown op kind %d", ErrMalformed, kind)
		}
		u.Ops = append(u.Ops, op)
	}
	if len(r.buf) != 0 {
		return Update{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(r.buf))
	}
	return u, nil
}

func appendID(buf []byte, id ID) []byte {
	buf = appendString(buf, id.Client)
	return binary.AppendUvarint(buf, id.Clock)
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

type reader struct {
	buf []byte
}

func (r *reader) byte() (byte, error) {
	if len(r.buf) == 0 {
		return 0, fmt.Errorf("%w: unexpected end", ErrMalformed)
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b, nil
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		return 0, fmt.Errorf("%w: bad varint", ErrMalformed)
	}
	r.buf = r.buf[n:]
	return v, nil
}

func (r *reader) string() (string, error) {
	n, err := r.uvarint()
	if err != nil {
		return "", err
	}
	if n > uint64(len(r.buf)) {
		return "", fmt.Errorf("%w: string length %d exceeds payload", ErrMalformed, n)
	}
	s := string(r.buf[:n])
	r.buf = r.buf[n:]
	return s, nil
}

func (r *reader) id() (ID, error) {
	client, err := r.string()
	if err != nil {
		return ID{}, err
	}
	clock, err := r.uvarint()
	if err != nil {
		return ID{}, err
	}
	return ID{Client: client, Clock: clock}, nil
}
