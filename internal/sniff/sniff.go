// Package sniff implements the external parser of spec §6: given the
// bytes peeked (not consumed) from a client connection's buffer, decide
// whether a routing key (hostname) can already be extracted.
//
// Both sub-parsers here only ever look at the slice they are handed;
// they never read from a socket or block, so they can be invoked once
// per readiness tick against whatever has accumulated in the Buffer.
package sniff

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// Verdict is the result of one parse attempt.
type Verdict int

const (
	// NeedMore means not enough bytes have arrived yet to decide.
	NeedMore Verdict = iota
	// NoHostname means the message is well-formed but carries no
	// routing key (no SNI extension / no Host header).
	NoHostname
	// Malformed means the bytes are not a well-formed ClientHello or
	// HTTP request, or exceeded the bounded peek window.
	Malformed
	// Ok means a hostname was extracted.
	Ok
)

func (v Verdict) String() string {
	switch v {
	case NeedMore:
		return "NeedMore"
	case NoHostname:
		return "NoHostname"
	case Malformed:
		return "Malformed"
	case Ok:
		return "Ok"
	default:
		return "Unknown"
	}
}

// Result carries the outcome of a successful parse.
type Result struct {
	Hostname string
	ALPN     []string
	// Protocol distinguishes which sub-parser produced the routing key,
	// for logging and for router predicates like alpn_contains that
	// only apply to TLS.
	Protocol string // "tls" or "http"
}

// MaxWindow is the bounded peek window from §4.3: one TCP segment's
// worth of bytes. A ClientHello or HTTP request that doesn't resolve to
// a verdict within this many bytes is treated as Malformed rather than
// buffered indefinitely.
const MaxWindow = 1460

// Parse dispatches to the TLS or HTTP sub-parser based on the first
// peeked byte, and never consumes the buffer it is handed.
func Parse(peeked []byte) (Verdict, Result) {
	if len(peeked) == 0 {
		return NeedMore, Result{}
	}
	if peeked[0] == 0x16 {
		return parseTLS(peeked)
	}
	return parseHTTP(peeked)
}

// parseTLS extracts the SNI server_name extension from a (possibly
// multi-record) TLS ClientHello, without consuming anything beyond what
// was already peeked.
func parseTLS(peeked []byte) (Verdict, Result) {
	if len(peeked) > MaxWindow {
		peeked = peeked[:MaxWindow]
	}

	// Walk TLS records, concatenating handshake bytes, until we have
	// enough to know the ClientHello's declared length.
	var handshake []byte
	off := 0
	need := -1
	for {
		if off+5 > len(peeked) {
			if off == 0 && len(peeked) >= 1 && peeked[0] != 0x16 {
				return Malformed, Result{}
			}
			return NeedMore, Result{}
		}
		contentType := peeked[off]
		length := int(binary.BigEndian.Uint16(peeked[off+3 : off+5]))
		if contentType != 0x16 {
			return Malformed, Result{}
		}
		if length <= 0 || length > 1<<14+256 {
			return Malformed, Result{}
		}
		bodyStart := off + 5
		bodyEnd := bodyStart + length
		if bodyEnd > len(peeked) {
			// Record not fully peeked yet.
			if len(peeked) >= MaxWindow {
				return Malformed, Result{}
			}
			return NeedMore, Result{}
		}
		handshake = append(handshake, peeked[bodyStart:bodyEnd]...)
		off = bodyEnd

		if need < 0 && len(handshake) >= 4 {
			if handshake[0] != 0x01 {
				return Malformed, Result{}
			}
			hl := int(handshake[1])<<16 | int(handshake[2])<<8 | int(handshake[3])
			need = hl + 4
		}
		if need >= 0 && len(handshake) >= need {
			handshake = handshake[:need]
			break
		}
		if off >= len(peeked) {
			if len(peeked) >= MaxWindow {
				return Malformed, Result{}
			}
			return NeedMore, Result{}
		}
	}

	sni, alpn, ok := extractClientHelloExtensions(handshake)
	if !ok {
		return Malformed, Result{}
	}
	if sni == "" {
		return NoHostname, Result{}
	}
	return Ok, Result{Hostname: sni, ALPN: alpn, Protocol: "tls"}
}

// extractClientHelloExtensions walks a ClientHello handshake body (the
// 4-byte handshake header included) to pull the server_name and ALPN
// extensions. ok is false only on structurally invalid input.
func extractClientHelloExtensions(handshake []byte) (sni string, alpn []string, ok bool) {
	if len(handshake) < 4 {
		return "", nil, false
	}
	body := handshake[4:]
	pos := 0
	// legacy_version(2) + random(32)
	if len(body) < pos+34 {
		return "", nil, false
	}
	pos += 34
	if len(body) < pos+1 {
		return "", nil, false
	}
	sidLen := int(body[pos])
	pos++
	if len(body) < pos+sidLen {
		return "", nil, false
	}
	pos += sidLen
	if len(body) < pos+2 {
		return "", nil, false
	}
	csLen := int(binary.BigEndian.Uint16(body[pos : pos+2]))
	pos += 2
	if csLen%2 != 0 || len(body) < pos+csLen {
		return "", nil, false
	}
	pos += csLen
	if len(body) < pos+1 {
		return "", nil, false
	}
	compLen := int(body[pos])
	pos++
	if len(body) < pos+compLen {
		return "", nil, false
	}
	pos += compLen
	if len(body) < pos+2 {
		// No extensions block: valid ClientHello, just nothing to route on.
		return "", nil, true
	}
	extLen := int(binary.BigEndian.Uint16(body[pos : pos+2]))
	pos += 2
	if len(body) < pos+extLen {
		return "", nil, false
	}
	extEnd := pos + extLen
	for pos+4 <= extEnd {
		etype := binary.BigEndian.Uint16(body[pos : pos+2])
		elen := int(binary.BigEndian.Uint16(body[pos+2 : pos+4]))
		pos += 4
		if pos+elen > extEnd {
			return "", nil, false
		}
		edata := body[pos : pos+elen]
		switch etype {
		case 0x0000: // server_name
			if name, found := parseServerNameExtension(edata); found {
				sni = strings.ToLower(name)
			}
		case 0x0010: // application_layer_protocol_negotiation
			alpn = parseALPNExtension(edata)
		}
		pos += elen
	}
	return sni, alpn, true
}

func parseServerNameExtension(edata []byte) (string, bool) {
	if len(edata) < 2 {
		return "", false
	}
	listLen := int(binary.BigEndian.Uint16(edata[:2]))
	if listLen+2 > len(edata) {
		return "", false
	}
	p := 2
	for p+3 <= 2+listLen && p+3 <= len(edata) {
		nameType := edata[p]
		nameLen := int(binary.BigEndian.Uint16(edata[p+1 : p+3]))
		p += 3
		if p+nameLen > len(edata) {
			return "", false
		}
		if nameType == 0 {
			return string(edata[p : p+nameLen]), true
		}
		p += nameLen
	}
	return "", false
}

func parseALPNExtension(edata []byte) []string {
	if len(edata) < 2 {
		return nil
	}
	listLen := int(binary.BigEndian.Uint16(edata[:2]))
	if listLen+2 > len(edata) {
		return nil
	}
	var out []string
	p := 2
	for p < 2+listLen && p < len(edata) {
		l := int(edata[p])
		p++
		if p+l > len(edata) {
			break
		}
		if l > 0 {
			out = append(out, string(edata[p:p+l]))
		}
		p += l
	}
	return out
}

// parseHTTP extracts the Host header from an HTTP/1.x request line and
// header block, requiring the full header block (terminated by a blank
// line) to be present in the peek.
func parseHTTP(peeked []byte) (Verdict, Result) {
	if len(peeked) > MaxWindow {
		peeked = peeked[:MaxWindow]
	}
	idx := bytes.Index(peeked, []byte("\r\n\r\n"))
	if idx < 0 {
		if len(peeked) >= MaxWindow {
			return Malformed, Result{}
		}
		return NeedMore, Result{}
	}
	header := peeked[:idx]
	lines := strings.Split(string(header), "\r\n")
	if len(lines) == 0 {
		return Malformed, Result{}
	}
	if !isRequestLine(lines[0]) {
		return Malformed, Result{}
	}
	for _, line := range lines[1:] {
		name, value, ok := splitHeaderLine(line)
		if !ok {
			continue
		}
		if strings.EqualFold(name, "Host") {
			host := strings.TrimSpace(value)
			if host == "" {
				return NoHostname, Result{}
			}
			return Ok, Result{Hostname: strings.ToLower(stripPort(host)), Protocol: "http"}
		}
	}
	return NoHostname, Result{}
}

func isRequestLine(line string) bool {
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return false
	}
	method := parts[0]
	for _, c := range method {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return strings.HasPrefix(parts[2], "HTTP/")
}

func splitHeaderLine(line string) (name, value string, ok bool) {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return "", "", false
	}
	return line[:i], line[i+1:], true
}

func stripPort(host string) string {
	if strings.HasPrefix(host, "[") {
		// IPv6 literal, optionally with port: [::1]:8080
		if end := strings.IndexByte(host, ']'); end >= 0 {
			return host[:end+1]
		}
		return host
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}
