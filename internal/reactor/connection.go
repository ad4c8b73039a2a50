package reactor

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// connection is one client<->backend pairing: two endpoints, a state,
// and the routing key once known. The Connection exclusively owns both
// endpoints and their buffers (spec §3).
//
// prev/next make connection an intrusive doubly-linked list node so the
// table can do O(1) head-insert and O(1) remove-given-position without
// a separate index structure (spec §9's "intrusive ordered list ->
// owned sequence with stable positions").
type connection struct {
	id    uuid.UUID
	state State

	client *endpoint
	server *endpoint

	hostname string
	protocol string

	listener *Listener // non-owning back-reference

	// dial tracks a non-blocking backend connect in flight. The
	// connection stays in StateAccepted while dialing: the backend
	// socket is not yet "the" server endpoint until the connect
	// resolves, so the state-table invariant that server.socket is
	// valid only in {CONNECTED, CLIENT_CLOSED} still holds.
	dial *pendingDial

	prev, next *connection
	inTable    bool

	log *logrus.Entry
}

// pendingDial is the in-flight non-blocking connect started by the
// resolver. It is torn down (close + poller.Remove) whichever way the
// connect resolves.
type pendingDial struct {
	fd      int
	backend string
}

func newConnection(l *Listener, client *endpoint) *connection {
	id := uuid.New()
	return &connection{
		id:       id,
		state:    StateAccepted,
		client:   client,
		listener: l,
		log: l.log.WithFields(logrus.Fields{
			"conn_id":     id.String(),
			"client_addr": client.addr.String(),
		}),
	}
}
