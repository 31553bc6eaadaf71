package tlsintercept

import (
	"encoding/binary"
	"fmt"
)

// ParseClientHello extracts the fields ComputeJA3/ComputeJA4 need from a raw
// TLS record buffer beginning with the handshake content-type byte. It is
// intentionally tolerant: malformed input yields an error, and callers
// treat that as "skip fingerprinting" per the fail-open posture of this
// layer.
func ParseClientHello(record []byte) (ClientHello, error) {
	var ch ClientHello
	if len(record) < 6 || record[0] != 0x16 {
		return ch, fmt.Errorf("tlsintercept: not a handshake record")
	}
	// record: [type(1)][legacy_version(2)][length(2)][handshake...]
	body := record[5:]
	if len(body) < 4 || body[0] != 0x01 { // ClientHello handshake type
		return ch, fmt.Errorf("tlsintercept: not a ClientHello")
	}
	hsLen := int(body[1])<<16 | int(body[2])<<8 | int(body[3])
	body = body[4:]
	if hsLen > len(body) {
		hsLen = len(body) // tolerate a truncated peek buffer
	}
	body = body[:hsLen]

	if len(body) < 2 {
		return ch, fmt.Errorf("tlsintercept: truncated client hello")
	}
	ch.Version = binary.BigEndian.Uint16(body[0:2])
	off := 2 + 32 // version + random
	if off > len(body) {
		return ch, fmt.Errorf("tlsintercept: truncated after random")
	}

	// session_id
	if off >= len(body) {
		return ch, fmt.Errorf("tlsintercept: truncated at session id")
	}
	sidLen := int(body[off])
	off++
	off += sidLen
	if off+2 > len(body) {
		return ch, fmt.Errorf("tlsintercept: truncated at cipher suites")
	}

	// cipher_suites
	csLen := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	if off+csLen > len(body) {
		return ch, fmt.Errorf("tlsintercept: truncated cipher suites")
	}
	for i := 0; i+1 < csLen; i += 2 {
		ch.Ciphers = append(ch.Ciphers, binary.BigEndian.Uint16(body[off+i:off+i+2]))
	}
	off += csLen

	// compression_methods
	if off >= len(body) {
		return ch, nil // no extensions present; still a usable (degenerate) fingerprint
	}
	compLen := int(body[off])
	off++
	off += compLen
	if off+2 > len(body) {
		return ch, nil
	}

	// extensions
	extTotalLen := int(binary.BigEndian.Uint16(body[off : off+2]))
	off += 2
	end := off + extTotalLen
	if end > len(body) {
		end = len(body)
	}
	for off+4 <= end {
		extType := binary.BigEndian.Uint16(body[off : off+2])
		extLen := int(binary.BigEndian.Uint16(body[off+2 : off+4]))
		extBody := body[off+4:]
		if extLen > len(extBody) {
			extLen = len(extBody)
		}
		extBody = extBody[:extLen]
		ch.Extensions = append(ch.Extensions, extType)

		switch extType {
		case 0x0000: // server_name
			ch.SNI = parseSNI(extBody)
		case 0x0010: // application_layer_protocol_negotiation
			ch.ALPNProtocols = parseALPN(extBody)
		case 0x000a: // supported_groups
			ch.EllipticCurves = parseUint16List(extBody)
		case 0x000d: // signature_algorithms
			ch.SignatureAlgos = parseUint16List(extBody)
		case 0x000b: // ec_point_formats
			if len(extBody) > 1 {
				n := int(extBody[0])
				if n > len(extBody)-1 {
					n = len(extBody) - 1
				}
				ch.ECPointFormats = append(ch.ECPointFormats, extBody[1:1+n]...)
			}
		}
		off += 4 + extLen
	}

	return ch, nil
}

func parseSNI(b []byte) string {
	if len(b) < 5 {
		return ""
	}
	// server_name_list length(2), type(1), name length(2), name...
	nameLen := int(binary.BigEndian.Uint16(b[3:5]))
	if 5+nameLen > len(b) {
		nameLen = len(b) - 5
	}
	if nameLen < 0 {
		return ""
	}
	return string(b[5 : 5+nameLen])
}

func parseALPN(b []byte) []string {
	if len(b) < 2 {
		return nil
	}
	var out []string
	off := 2 // protocol_name_list length
	for off < len(b) {
		n := int(b[off])
		off++
		if off+n > len(b) {
			n = len(b) - off
		}
		out = append(out, string(b[off:off+n]))
		off += n
	}
	return out
}

func parseUint16List(b []byte) []uint16 {
	if len(b) < 2 {
		return nil
	}
	var out []uint16
	for i := 2; i+1 < len(b); i += 2 {
		out = append(out, binary.BigEndian.Uint16(b[i:i+2]))
	}
	return out
}
