// Package failover holds the agent's ordered list of servers and the
// cursor used to walk it when the current server becomes unreachable.
package failover

import (
	"fmt"
	"net"
	"slices"
	"strconv"
	"sync/atomic"
)

// UnknownServerID is used for entries read from the text format, which does not carry ids.
const UnknownServerID = -1

// ServerEntry is one server the agent may connect to.
type ServerEntry struct {
	ServerID   int
	Address    string
	Port       int
	SecurePort int
}

// Equal compares entries by address and ports. Server ids are ignored.
func (e ServerEntry) Equal(o ServerEntry) bool {
	return e.Address == o.Address && e.Port == o.Port && e.SecurePort == o.SecurePort
}

// String renders the entry in the failover file format.
func (e ServerEntry) String() string {
	return fmt.Sprintf("%s:%d/%d", e.Address, e.Port, e.SecurePort)
}

// Endpoint returns host:port for plain connections.
func (e ServerEntry) Endpoint() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// SecureEndpoint returns host:securePort for TLS connections.
func (e ServerEntry) SecureEndpoint() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.SecurePort))
}

// List is an immutable ordered set of servers with a shared cursor.
// Replacing the list means building a new List; the cursor is the only
// mutable part and is safe for concurrent use.
type List struct {
	servers []ServerEntry
	cursor  atomic.Int64
}

// NewList builds a list from the given entries, in order.
func NewList(servers ...ServerEntry) *List {
	return &List{servers: slices.Clone(servers)}
}

// Len returns the number of entries.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.servers)
}

// Servers returns a copy of the entries.
func (l *List) Servers() []ServerEntry {
	if l == nil {
		return nil
	}
	return slices.Clone(l.servers)
}

// Next returns the entry at the cursor and advances it, wrapping at the end.
func (l *List) Next() (ServerEntry, bool) {
	n := int64(l.Len())
	if n == 0 {
		return ServerEntry{}, false
	}
	for {
		cur := l.cursor.Load()
		if l.cursor.CompareAndSwap(cur, (cur+1)%n) {
			return l.servers[cur%n], true
		}
	}
}

// Peek returns the entry at the cursor without advancing it.
func (l *List) Peek() (ServerEntry, bool) {
	n := int64(l.Len())
	if n == 0 {
		return ServerEntry{}, false
	}
	return l.servers[l.cursor.Load()%n], true
}

// ResetIndex moves the cursor back to the primary entry.
func (l *List) ResetIndex() {
	if l != nil {
		l.cursor.Store(0)
	}
}

// Index returns the cursor position.
func (l *List) Index() int {
	if l.Len() == 0 {
		return 0
	}
	return int(l.cursor.Load())
}

// Primary returns the first entry.
func (l *List) Primary() (ServerEntry, bool) {
	if l.Len() == 0 {
		return ServerEntry{}, false
	}
	return l.servers[0], true
}

// Equal reports whether both lists hold equal entries in the same order.
func (l *List) Equal(o *List) bool {
	return slices.EqualFunc(l.Servers(), o.Servers(), ServerEntry.Equal)
}
