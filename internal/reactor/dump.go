package reactor

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// DumpRecord is one connection's diagnostic snapshot (spec §4.6).
type DumpRecord struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	Hostname   string `json:"hostname,omitempty"`
	Protocol   string `json:"protocol,omitempty"`
	ClientAddr string `json:"client_addr"`
	ServerAddr string `json:"server_addr,omitempty"`
	ClientBuf  BufDump `json:"client_buf"`
	ServerBuf  BufDump `json:"server_buf,omitempty"`
}

// BufDump is a buffer's occupancy at dump time.
type BufDump struct {
	Len      int `json:"len"`
	Capacity int `json:"capacity"`
}

// dumpRequest is one pending diagnostic-dump ask, fulfilled on the
// reactor goroutine by ServiceDumpRequests. toFile additionally asks
// for the spec §6 temp-file side effect.
type dumpRequest struct {
	toFile bool
	resp   chan dumpResponse
}

type dumpResponse struct {
	records []DumpRecord
	path    string
	err     error
}

// RequestDump asks the reactor goroutine for a snapshot and blocks
// until ServiceDumpRequests fulfills it. Safe to call from any
// goroutine, including the admin HTTP server's.
func (l *Listener) RequestDump() []DumpRecord {
	resp := make(chan dumpResponse, 1)
	l.dumpReqs <- dumpRequest{resp: resp}
	return (<-resp).records
}

// RequestDumpToTempFile is RequestDump plus the spec §6 temp-file side
// effect, both computed from the same snapshot on the reactor
// goroutine. Safe to call from any goroutine.
func (l *Listener) RequestDumpToTempFile() (path string, records []DumpRecord, err error) {
	resp := make(chan dumpResponse, 1)
	l.dumpReqs <- dumpRequest{toFile: true, resp: resp}
	r := <-resp
	return r.path, r.records, r.err
}

// ServiceDumpRequests drains every pending dump request without
// blocking. It must only be called from the reactor goroutine, between
// ticks, where walking the table and reading buffer occupancy is safe
// because nothing else is mutating them concurrently.
func (l *Listener) ServiceDumpRequests() {
	for {
		select {
		case req := <-l.dumpReqs:
			records := l.snapshot()
			var path string
			var err error
			if req.toFile {
				path, err = l.writeDumpFile(records)
			}
			req.resp <- dumpResponse{records: records, path: path, err: err}
		default:
			return
		}
	}
}

// snapshot returns a read-only snapshot of every connection in the
// table, head (most recently active) first. Only safe to call from the
// reactor goroutine; external callers must go through RequestDump.
func (l *Listener) snapshot() []DumpRecord {
	conns := l.table.snapshot()
	out := make([]DumpRecord, 0, len(conns))
	for _, c := range conns {
		rec := DumpRecord{
			ID:         c.id.String(),
			State:      c.state.String(),
			Hostname:   c.hostname,
			Protocol:   c.protocol,
			ClientAddr: formatAddr(c.client.addr),
			ClientBuf:  BufDump{Len: c.client.buf.Len(), Capacity: c.client.buf.Capacity()},
		}
		if c.server != nil {
			rec.ServerAddr = formatAddr(c.server.addr)
			rec.ServerBuf = BufDump{Len: c.server.buf.Len(), Capacity: c.server.buf.Capacity()}
		}
		out = append(out, rec)
	}
	return out
}

// formatAddr renders a peer address per spec §6: IPv4 as dotted-quad,
// IPv6 as colon-hex, both followed by a decimal port.
func formatAddr(addr net.Addr) string {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	ip := tcpAddr.IP
	port := strconv.Itoa(tcpAddr.Port)
	if ip4 := ip.To4(); ip4 != nil {
		return ip4.String() + ":" + port
	}
	return "[" + ip.String() + "]:" + port
}

// writeDumpFile writes a "# sniproxy connection dump <RFC3339 time>"
// header line followed by one newline-delimited
// "id state host=H client=ADDR server=ADDR client_buf=len/cap server_buf=len/cap"
// row per record ("-" for an empty hostname or server address) to a
// temp file and returns its path. records must already be a
// stable snapshot; this function does no further state access.
func (l *Listener) writeDumpFile(records []DumpRecord) (string, error) {
	f, err := os.CreateTemp("", "sniproxy-dump-*.txt")
	if err != nil {
		return "", err
	}
	defer f.Close()

	fmt.Fprintf(f, "# sniproxy connection dump %s\n", time.Now().UTC().Format(time.RFC3339))
	for _, rec := range records {
		serverAddr := rec.ServerAddr
		if serverAddr == "" {
			serverAddr = "-"
		}
		fmt.Fprintf(f, "%s %s host=%s client=%s server=%s client_buf=%d/%d server_buf=%d/%d\n",
			rec.ID, rec.State, orDash(rec.Hostname), rec.ClientAddr, serverAddr,
			rec.ClientBuf.Len, rec.ClientBuf.Capacity, rec.ServerBuf.Len, rec.ServerBuf.Capacity)
	}
	return f.Name(), nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
