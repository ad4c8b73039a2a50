package sniff

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildClientHello constructs a minimal, single-record TLS ClientHello
// carrying a server_name extension, for test purposes only.
func buildClientHello(sni string) []byte {
	var body []byte
	body = append(body, 0x03, 0x03) // legacy_version TLS1.2
	body = append(body, make([]byte, 32)...) // random
	body = append(body, 0x00)                // session_id len
	body = append(body, 0x00, 0x02, 0x13, 0x01) // cipher_suites: len=2, TLS_AES_128_GCM_SHA256
	body = append(body, 0x01, 0x00)             // compression_methods: len=1, null

	// server_name extension
	hostBytes := []byte(sni)
	nameEntry := append([]byte{0x00}, uint16be(uint16(len(hostBytes)))...)
	nameEntry = append(nameEntry, hostBytes...)
	listLen := len(nameEntry)
	sniBody := append(uint16be(uint16(listLen)), nameEntry...)

	var extensions []byte
	extensions = append(extensions, uint16be(0x0000)...) // server_name
	extensions = append(extensions, uint16be(uint16(len(sniBody)))...)
	extensions = append(extensions, sniBody...)

	body = append(body, uint16be(uint16(len(extensions)))...)
	body = append(body, extensions...)

	handshake := append([]byte{0x01}, uint24be(uint32(len(body)))...)
	handshake = append(handshake, body...)

	record := []byte{0x16, 0x03, 0x01}
	record = append(record, uint16be(uint16(len(handshake)))...)
	record = append(record, handshake...)
	return record
}

func uint16be(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func uint24be(v uint32) []byte {
	return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
}

func TestParseTLSHappyPath(t *testing.T) {
	ch := buildClientHello("example.com")
	verdict, res := Parse(ch)
	require.Equal(t, Ok, verdict)
	require.Equal(t, "example.com", res.Hostname)
	require.Equal(t, "tls", res.Protocol)
}

func TestParseTLSNeedMore(t *testing.T) {
	ch := buildClientHello("example.com")
	verdict, _ := Parse(ch[:20])
	require.Equal(t, NeedMore, verdict)
}

func TestParseTLSNeedMoreThenOkAcrossTicks(t *testing.T) {
	ch := buildClientHello("example.com")
	half := len(ch) / 2
	verdict, _ := Parse(ch[:half])
	require.Equal(t, NeedMore, verdict)
	verdict, res := Parse(ch)
	require.Equal(t, Ok, verdict)
	require.Equal(t, "example.com", res.Hostname)
}

func TestParseTLSMalformedHandshakeType(t *testing.T) {
	garbage := []byte{0x16, 0x03, 0x01, 0x00, 0x04, 0xff, 0xff, 0xff, 0xff}
	verdict, _ := Parse(garbage)
	require.Equal(t, Malformed, verdict)
}

func TestParseHTTPHappyPath(t *testing.T) {
	req := []byte("GET / HTTP/1.1\r\nHost: example.com\r\nUser-Agent: test\r\n\r\n")
	verdict, res := Parse(req)
	require.Equal(t, Ok, verdict)
	require.Equal(t, "example.com", res.Hostname)
	require.Equal(t, "http", res.Protocol)
}

func TestParseHTTPHostWithPort(t *testing.T) {
	req := []byte("GET / HTTP/1.1\r\nHost: example.com:8080\r\n\r\n")
	verdict, res := Parse(req)
	require.Equal(t, Ok, verdict)
	require.Equal(t, "example.com", res.Hostname)
}

func TestParseHTTPNeedMore(t *testing.T) {
	req := []byte("GET / HTTP/1.1\r\nHost: example.")
	verdict, _ := Parse(req)
	require.Equal(t, NeedMore, verdict)
}

func TestParseHTTPNoHostname(t *testing.T) {
	req := []byte("GET / HTTP/1.1\r\nUser-Agent: test\r\n\r\n")
	verdict, _ := Parse(req)
	require.Equal(t, NoHostname, verdict)
}

func TestParseHTTPMalformed(t *testing.T) {
	req := make([]byte, MaxWindow+10)
	for i := range req {
		req[i] = 'a'
	}
	verdict, _ := Parse(req)
	require.Equal(t, Malformed, verdict)
}

func TestPeekNeverConsumes(t *testing.T) {
	ch := buildClientHello("example.com")
	cp := make([]byte, len(ch))
	copy(cp, ch)
	_, _ = Parse(ch)
	require.Equal(t, cp, ch, "Parse must not mutate the peeked slice")
}
