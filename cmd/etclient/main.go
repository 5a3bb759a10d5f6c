// Command etclient is the client half of the resilient remote-shell and
// TCP-tunneling service described in spec.md: it obtains an interactive
// pseudo-terminal on a remote host, optionally multiplexing local<->remote
// and remote<->local TCP forwards over the same reconnecting session.
package main

import (
	"os"

	"github.com/sammck-go/etclient/internal/bootstrap"
)

func main() {
	os.Exit(bootstrap.Main(os.Args[1:], os.Stderr))
}
