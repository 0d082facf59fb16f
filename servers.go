package memtap

import (
	"errors"
	"strings"

	"github.com/pior/memtap/internal"
)

var ErrNoServers = errors.New("memtap: no servers available")

// Servers provides the current list of server addresses.
type Servers interface {
	List() []string
}

// SelectServerFunc picks the server for a key from the current list.
type SelectServerFunc func(key string, servers []string) (string, error)

type staticServers struct {
	addrs []string
}

// NewStaticServers returns a fixed server list.
func NewStaticServers(addrs ...string) Servers {
	return &staticServers{addrs: addrs}
}

// ParseServers splits a comma separated address list, ignoring blanks.
func ParseServers(list string) Servers {
	var addrs []string
	for _, addr := range strings.Split(list, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			addrs = append(addrs, addr)
		}
	}
	return NewStaticServers(addrs...)
}

func (s *staticServers) List() []string {
	return s.addrs
}

// DefaultSelectServer uses Jump Hash over the xxh3 hash of the key, so few
// keys move when servers are added or removed.
func DefaultSelectServer(key string, servers []string) (string, error) {
	switch len(servers) {
	case 0:
		return "", ErrNoServers
	case 1:
		return servers[0], nil
	}
	return servers[internal.ServerIndex(key, len(servers))], nil
}
