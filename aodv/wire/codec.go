package wire

import (
	"math"
	"net/netip"
	"time"

	"github.com/samber/oops"
	"google.golang.org/protobuf/encoding/protowire"
)

// Marshal encodes m with its type byte. Every field is written, including
// zero values, so the encoded size only depends on the address family and
// the number of unreachable destinations.
func Marshal(m Message) ([]byte, error) {
	switch v := m.(type) {
	case *Request:
		if v == nil {
			break
		}
		return appendRequest([]byte{byte(TypeRequest)}, v), nil
	case *Reply:
		if v == nil {
			break
		}
		return appendReply([]byte{byte(TypeReply)}, v), nil
	case *Error:
		if v == nil {
			break
		}
		if len(v.Unreachable) > MaxUnreachable {
			return nil, oops.
				In("wire").
				With("count", len(v.Unreachable)).
				Wrapf(ErrTooManyUnreachable, "marshal rerr")
		}
		return appendError([]byte{byte(TypeError)}, v), nil
	case *ReplyAck:
		return []byte{byte(TypeReplyAck)}, nil
	}
	return nil, oops.In("wire").Wrapf(ErrUnknownType, "marshal %T", m)
}

// Unmarshal decodes a message produced by Marshal. Unknown fields are
// skipped; absent EOCW accumulators decode as 1.0.
func Unmarshal(b []byte) (Message, error) {
	if len(b) == 0 {
		return nil, oops.In("wire").Wrapf(ErrShortBuffer, "empty message")
	}
	t, body := Type(b[0]), b[1:]
	switch t {
	case TypeRequest:
		return decodeRequest(body)
	case TypeReply:
		return decodeReply(body)
	case TypeError:
		return decodeError(body)
	case TypeReplyAck:
		if err := walk(t, body, func(protowire.Number, protowire.Type, []byte) int { return 0 }); err != nil {
			return nil, err
		}
		return &ReplyAck{}, nil
	}
	return nil, oops.In("wire").With("type", uint8(t)).Wrapf(ErrUnknownType, "unmarshal")
}

func appendRequest(b []byte, r *Request) []byte {
	var flags uint64
	if r.Gratuitous {
		flags |= flagGratuitous
	}
	if r.DestinationOnly {
		flags |= flagDestOnly
	}
	if r.UnknownSeqNo {
		flags |= flagUnknownSeq
	}
	b = appendVarint(b, reqFlags, flags)
	b = appendVarint(b, reqHopCount, uint64(r.HopCount))
	b = appendVarint(b, reqID, uint64(r.ID))
	b = appendAddr(b, reqDst, r.Destination)
	b = appendVarint(b, reqDstSeq, uint64(r.DestSeqNo))
	b = appendAddr(b, reqOrigin, r.Origin)
	b = appendVarint(b, reqOriginSeq, uint64(r.OriginSeqNo))
	b = appendFloat(b, reqMinEnergy, r.PathMinEnergy)
	b = appendFloat(b, reqAvgCongest, r.PathAvgCongestion)
	return b
}

func appendReply(b []byte, r *Reply) []byte {
	var flags uint64
	if r.AckRequired {
		flags |= flagAckRequired
	}
	lifetime := r.Lifetime.Milliseconds()
	if lifetime < 0 {
		lifetime = 0
	}
	b = appendVarint(b, repFlags, flags)
	b = appendVarint(b, repPrefix, uint64(r.PrefixSize))
	b = appendVarint(b, repHopCount, uint64(r.HopCount))
	b = appendAddr(b, repDst, r.Destination)
	b = appendVarint(b, repDstSeq, uint64(r.DestSeqNo))
	b = appendAddr(b, repOrigin, r.Origin)
	b = appendVarint(b, repLifetime, uint64(lifetime))
	b = appendFloat(b, repMinEnergy, r.PathMinEnergy)
	b = appendFloat(b, repAvgCongest, r.PathAvgCongestion)
	return b
}

func appendError(b []byte, e *Error) []byte {
	var flags uint64
	if e.NoDelete {
		flags |= flagNoDelete
	}
	b = appendVarint(b, errFlags, flags)
	var entry []byte
	for _, u := range e.Unreachable {
		entry = appendAddr(entry[:0], entryAddr, u.Addr)
		entry = appendVarint(entry, entrySeq, uint64(u.SeqNo))
		b = protowire.AppendTag(b, errEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFloat(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendAddr(b []byte, num protowire.Number, a netip.Addr) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, a.AsSlice())
}

// walk iterates the fields of body. fn returns the number of bytes it
// consumed for a known field, 0 to have the field skipped, or a negative
// value when the field is invalid.
func walk(t Type, body []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return oops.In("wire").With("type", t.String()).Wrapf(ErrMalformed, "tag: %v", protowire.ParseError(n))
		}
		body = body[n:]
		m := fn(num, typ, body)
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, body)
		}
		if m < 0 {
			return oops.
				In("wire").
				With("type", t.String()).
				With("field", int32(num)).
				Wrapf(ErrMalformed, "field %d", num)
		}
		body = body[m:]
	}
	return nil
}

func decodeRequest(body []byte) (*Request, error) {
	r := &Request{PathMinEnergy: 1, PathAvgCongestion: 1}
	err := walk(TypeRequest, body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case reqFlags:
			v, n := varint(typ, b)
			if n > 0 {
				r.Gratuitous = v&flagGratuitous != 0
				r.DestinationOnly = v&flagDestOnly != 0
				r.UnknownSeqNo = v&flagUnknownSeq != 0
			}
			return n
		case reqHopCount:
			return uint8Field(typ, b, &r.HopCount)
		case reqID:
			return uint32Field(typ, b, &r.ID)
		case reqDst:
			return addrField(typ, b, &r.Destination)
		case reqDstSeq:
			return uint32Field(typ, b, &r.DestSeqNo)
		case reqOrigin:
			return addrField(typ, b, &r.Origin)
		case reqOriginSeq:
			return uint32Field(typ, b, &r.OriginSeqNo)
		case reqMinEnergy:
			return floatField(typ, b, &r.PathMinEnergy)
		case reqAvgCongest:
			return floatField(typ, b, &r.PathAvgCongestion)
		}
		return 0
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func decodeReply(body []byte) (*Reply, error) {
	r := &Reply{PathMinEnergy: 1, PathAvgCongestion: 1}
	err := walk(TypeReply, body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case repFlags:
			v, n := varint(typ, b)
			if n > 0 {
				r.AckRequired = v&flagAckRequired != 0
			}
			return n
		case repPrefix:
			return uint8Field(typ, b, &r.PrefixSize)
		case repHopCount:
			return uint8Field(typ, b, &r.HopCount)
		case repDst:
			return addrField(typ, b, &r.Destination)
		case repDstSeq:
			return uint32Field(typ, b, &r.DestSeqNo)
		case repOrigin:
			return addrField(typ, b, &r.Origin)
		case repLifetime:
			v, n := varint(typ, b)
			if n > 0 {
				if v > math.MaxInt64/uint64(time.Millisecond) {
					return -1
				}
				r.Lifetime = time.Duration(v) * time.Millisecond
			}
			return n
		case repMinEnergy:
			return floatField(typ, b, &r.PathMinEnergy)
		case repAvgCongest:
			return floatField(typ, b, &r.PathAvgCongestion)
		}
		return 0
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func decodeError(body []byte) (*Error, error) {
	e := &Error{}
	tooMany := false
	err := walk(TypeError, body, func(num protowire.Number, typ protowire.Type, b []byte) int {
		switch num {
		case errFlags:
			v, n := varint(typ, b)
			if n > 0 {
				e.NoDelete = v&flagNoDelete != 0
			}
			return n
		case errEntry:
			if typ != protowire.BytesType {
				return -1
			}
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n
			}
			if len(e.Unreachable) == MaxUnreachable {
				tooMany = true
				return n
			}
			var u Unreachable
			if walk(TypeError, raw, func(num protowire.Number, typ protowire.Type, b []byte) int {
				switch num {
				case entryAddr:
					return addrField(typ, b, &u.Addr)
				case entrySeq:
					return uint32Field(typ, b, &u.SeqNo)
				}
				return 0
			}) != nil {
				return -1
			}
			e.Unreachable = append(e.Unreachable, u)
			return n
		}
		return 0
	})
	if err != nil {
		return nil, err
	}
	if tooMany {
		return nil, oops.In("wire").Wrapf(ErrTooManyUnreachable, "unmarshal rerr")
	}
	return e, nil
}

func varint(typ protowire.Type, b []byte) (uint64, int) {
	if typ != protowire.VarintType {
		return 0, -1
	}
	return protowire.ConsumeVarint(b)
}

func uint8Field(typ protowire.Type, b []byte, dst *uint8) int {
	v, n := varint(typ, b)
	if n < 0 || v > math.MaxUint8 {
		return -1
	}
	*dst = uint8(v)
	return n
}

func uint32Field(typ protowire.Type, b []byte, dst *uint32) int {
	v, n := varint(typ, b)
	if n < 0 || v > math.MaxUint32 {
		return -1
	}
	*dst = uint32(v)
	return n
}

func floatField(typ protowire.Type, b []byte, dst *float64) int {
	if typ != protowire.Fixed64Type {
		return -1
	}
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return n
	}
	*dst = math.Float64frombits(v)
	return n
}

func addrField(typ protowire.Type, b []byte, dst *netip.Addr) int {
	if typ != protowire.BytesType {
		return -1
	}
	raw, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	switch len(raw) {
	case 0:
		*dst = netip.Addr{}
	case 4, 16:
		a, _ := netip.AddrFromSlice(raw)
		*dst = a
	default:
		return -1
	}
	return n
}
