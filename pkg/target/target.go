// Package target defines the unit of work shared by the supervisor and
// the per-target SSH tail worker: a (environment, host, file) triple and
// its fully resolved connection parameters.
package target

import (
	"fmt"
	"strings"
	"time"
)

// Target is a unique (host, file) pair scraped by exactly one worker.
type Target struct {
	Environment string
	Host        string
	File        string

	User           string
	Password       string
	PKey           string
	PKeyPassphrase string
	ConnectTimeout time.Duration
}

// ID returns the stable identity the supervisor uses to key live workers:
// "ssh://<host>/<file>".
func (t Target) ID() string {
	return fmt.Sprintf("ssh://%s/%s", t.Host, strings.TrimPrefix(t.File, "/"))
}
