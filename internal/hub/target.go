package hub

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// SupervisorHost is the add-on proxy host; with port 0 the client connects
// through the add-on websocket proxy instead of the hub's own API endpoint.
const SupervisorHost = "supervisor"

// Target is the hub endpoint of one session attempt.
type Target struct {
	Host  string
	Port  int
	TLS   bool
	Token string
}

func (t Target) Validate() error {
	if strings.TrimSpace(t.Token) == "" {
		return ErrTokenRequired
	}
	if t.Port < 0 || t.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidTarget, t.Port)
	}
	return nil
}

// Addon reports whether the target goes through the add-on proxy.
func (t Target) Addon() bool {
	host := strings.TrimSpace(t.Host)
	return (host == "" || host == SupervisorHost) && t.Port == 0
}

// URL returns the websocket endpoint.
func (t Target) URL() string {
	if t.Addon() {
		return "ws://" + SupervisorHost + "/core/websocket"
	}
	scheme := "ws"
	if t.TLS {
		scheme = "wss"
	}
	host := strings.TrimSpace(t.Host)
	if host == "" {
		host = "localhost"
	}
	if t.Port > 0 {
		host = net.JoinHostPort(host, strconv.Itoa(t.Port))
	}
	u := url.URL{Scheme: scheme, Host: host, Path: "/api/websocket"}
	return u.String()
}

// String hides the token.
func (t Target) String() string {
	return fmt.Sprintf("%s tls=%v", t.URL(), t.TLS)
}
