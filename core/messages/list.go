// SPDX-FileCopyrightText: Copyright (C) 2025  The Crossbear Authors
// SPDX-License-Identifier: AGPL-3.0-only

package messages

import "fmt"

type entry struct {
	msg Message
	raw []byte
}

// List is an ordered stream of framed messages as exchanged with the
// coordinator.  Parsed entries keep the exact bytes they were decoded from,
// so Bytes() on a parsed List reproduces its input.
type List struct {
	entries []entry
}

// ParseList decodes every message in b.  Any malformed frame aborts the
// parse.
func ParseList(b []byte) (*List, error) {
	l := new(List)
	for off := 0; off < len(b); {
		m, n, err := FromBytes(b[off:])
		if err != nil {
			return nil, fmt.Errorf("message %d at offset %d: %w", len(l.entries), off, err)
		}
		l.entries = append(l.entries, entry{msg: m, raw: b[off : off+n : off+n]})
		off += n
	}
	return l, nil
}

// NewList returns a List holding msgs.
func NewList(msgs ...Message) *List {
	l := new(List)
	for _, m := range msgs {
		l.Append(m)
	}
	return l
}

// Len returns the number of messages in the List.
func (l *List) Len() int {
	return len(l.entries)
}

// At returns the i-th message.
func (l *List) At(i int) Message {
	return l.entries[i].msg
}

// Remove deletes the i-th message.
func (l *List) Remove(i int) {
	l.entries = append(l.entries[:i], l.entries[i+1:]...)
}

// Append adds m to the end of the List.
func (l *List) Append(m Message) {
	l.entries = append(l.entries, entry{msg: m})
}

// Messages returns the messages in order.
func (l *List) Messages() []Message {
	out := make([]Message, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e.msg)
	}
	return out
}

// Index returns the position of the first message of type t, or -1.
func (l *List) Index(t Type) int {
	for i, e := range l.entries {
		if e.msg.Type() == t {
			return i
		}
	}
	return -1
}

// Bytes serializes the List as the concatenation of its frames.
func (l *List) Bytes() ([]byte, error) {
	var out []byte
	for i, e := range l.entries {
		if e.raw != nil {
			out = append(out, e.raw...)
			continue
		}
		b, err := ToBytes(e.msg)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out = append(out, b...)
	}
	return out, nil
}
