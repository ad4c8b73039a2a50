package reactor

import (
	"io"

	"github.com/sirupsen/logrus"
)

// testLogEntry returns a discard-output logrus.Entry for tests that
// need a *Listener or *connection but don't care about log output.
func testLogEntry() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}
