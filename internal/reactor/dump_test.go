package reactor

import (
	"testing"
	"time"

	"sniproxy/internal/buffer"
)

// TestServiceDumpRequestsFulfillsRequestDump exercises the cross-goroutine
// path the admin HTTP server uses: RequestDump (called from a goroutine that
// is not the reactor goroutine) must block until ServiceDumpRequests
// (called the way the main loop calls it, between ticks) drains the
// request and replies.
func TestServiceDumpRequestsFulfillsRequestDump(t *testing.T) {
	a, b := loopbackPair(t)
	defer a.Close()
	defer b.Close()

	l := &Listener{log: testLogEntry(), table: newTable(), dumpReqs: make(chan dumpRequest, 8)}
	c := &connection{state: StateAccepted, client: &endpoint{addr: a.RemoteAddr(), buf: buffer.New(64)}}
	l.table.pushFront(c)

	results := make(chan []DumpRecord, 1)
	go func() { results <- l.RequestDump() }()

	for i := 0; i < 1000; i++ {
		l.ServiceDumpRequests()
		select {
		case records := <-results:
			if len(records) != 1 {
				t.Fatalf("got %d records, want 1", len(records))
			}
			return
		default:
			time.Sleep(time.Millisecond)
		}
	}
	t.Fatal("RequestDump was never fulfilled")
}

func TestServiceDumpRequestsIsNoOpWithNothingPending(t *testing.T) {
	l := &Listener{log: testLogEntry(), table: newTable(), dumpReqs: make(chan dumpRequest, 8)}
	l.ServiceDumpRequests() // must return immediately, not block
}
