package simnet

import (
	"errors"
	"fmt"
	"net/netip"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/signalsfoundry/eocw-aodv/aodv"
)

// DataPort carries data packets on the medium.
const DataPort = 9

var errBadData = errors.New("simnet: malformed data packet")

const (
	fieldID      protowire.Number = 1
	fieldSource  protowire.Number = 2
	fieldDest    protowire.Number = 3
	fieldPayload protowire.Number = 4
)

// encodeData frames a data packet. The TTL travels in the medium frame.
func encodeData(pkt aodv.Packet) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldID, protowire.VarintType)
	b = protowire.AppendVarint(b, pkt.ID)
	b = protowire.AppendTag(b, fieldSource, protowire.BytesType)
	b = protowire.AppendBytes(b, pkt.Source.AsSlice())
	b = protowire.AppendTag(b, fieldDest, protowire.BytesType)
	b = protowire.AppendBytes(b, pkt.Destination.AsSlice())
	if len(pkt.Payload) > 0 {
		b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, pkt.Payload)
	}
	return b
}

func decodeData(b []byte, ttl uint8) (aodv.Packet, error) {
	pkt := aodv.Packet{TTL: ttl}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return aodv.Packet{}, fmt.Errorf("%w: %w", errBadData, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldID && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return aodv.Packet{}, fmt.Errorf("%w: %w", errBadData, protowire.ParseError(m))
			}
			pkt.ID = v
			n = m
		case typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return aodv.Packet{}, fmt.Errorf("%w: %w", errBadData, protowire.ParseError(m))
			}
			switch num {
			case fieldSource, fieldDest:
				a, ok := netip.AddrFromSlice(v)
				if !ok {
					return aodv.Packet{}, fmt.Errorf("%w: address of %d bytes", errBadData, len(v))
				}
				if num == fieldSource {
					pkt.Source = a
				} else {
					pkt.Destination = a
				}
			case fieldPayload:
				pkt.Payload = append([]byte(nil), v...)
			}
			n = m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return aodv.Packet{}, fmt.Errorf("%w: %w", errBadData, protowire.ParseError(m))
			}
			n = m
		}
		b = b[n:]
	}
	if !pkt.Destination.IsValid() {
		return aodv.Packet{}, fmt.Errorf("%w: no destination", errBadData)
	}
	return pkt, nil
}
