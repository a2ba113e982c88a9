package supervisor

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"time"
)

// reachBudget bounds the TCP connect attempt of [EndpointReachable].
const reachBudget = 1500 * time.Millisecond

// Predicate gates the start of a service. It returns false plus a
// human-readable reason when the service must not be started.
type Predicate func(ctx context.Context) (ok bool, reason string)

// PortAvailable passes when TCP port is free to bind on localhost. Use it to
// avoid spawning a child whose listen port is already taken.
func PortAvailable(port int) Predicate {
	return func(context.Context) (bool, string) {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return false, fmt.Sprintf("port %d already in use", port)
		}
		_ = l.Close()
		return true, ""
	}
}

// BinaryOnPath passes when name resolves on PATH.
func BinaryOnPath(name string) Predicate {
	return func(context.Context) (bool, string) {
		if _, err := exec.LookPath(name); err != nil {
			return false, fmt.Sprintf("binary %q not found on PATH", name)
		}
		return true, ""
	}
}

// EndpointReachable passes when a TCP connection to addr (host:port)
// succeeds within a 1.5 s budget. Use it for children that need an already
// running collaborator.
func EndpointReachable(addr string) Predicate {
	return func(ctx context.Context) (bool, string) {
		d := net.Dialer{Timeout: reachBudget}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return false, fmt.Sprintf("endpoint %s unreachable: %v", addr, err)
		}
		_ = conn.Close()
		return true, ""
	}
}

// And combines predicates; the first failure short-circuits with its reason.
func And(preds ...Predicate) Predicate {
	return func(ctx context.Context) (bool, string) {
		for _, p := range preds {
			if ok, reason := p(ctx); !ok {
				return false, reason
			}
		}
		return true, ""
	}
}
