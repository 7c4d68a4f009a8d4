// Package discovery finds Matter controller servers on the local network.
//
// Controllers running outside the supervisor (e.g., on another machine)
// advertise themselves via mDNS/DNS-SD. When no controller URL is
// configured, the host browses for them and offers the results as
// connection candidates. Discovery only reveals presence; the websocket
// handshake still validates the schema version before any use.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service type Matter controller servers
// advertise under.
const ServiceType = "_matter-server._tcp"

// Server is one discovered controller server.
type Server struct {
	// Name is the advertised instance name.
	Name string

	// Host is the IP address, IPv4 preferred.
	Host string

	// Port is the websocket port.
	Port int

	// SchemaVersion is the advertised schema version TXT record, empty
	// when the server does not publish one.
	SchemaVersion string
}

// URL returns the controller websocket URL for this server.
func (s Server) URL() string {
	return fmt.Sprintf("ws://%s:%d/ws", s.Host, s.Port)
}

// Discover browses the local network for controller servers until ctx
// expires and returns everything found, sorted by instance name. An empty
// result with a nil error means the browse ran but nothing answered.
func Discover(ctx context.Context) ([]Server, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		servers []Server
		mu      sync.Mutex
		wg      sync.WaitGroup
	)

	entries := make(chan *zeroconf.ServiceEntry)

	// Browse before spawning the collector: the library only takes
	// ownership of (and later closes) the channel on success, so a
	// collector started ahead of a failed Browse would block forever.
	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			srv := Server{
				Name: entry.Instance,
				Port: entry.Port,
			}
			if len(entry.AddrIPv4) > 0 {
				srv.Host = entry.AddrIPv4[0].String()
			} else if len(entry.AddrIPv6) > 0 {
				srv.Host = entry.AddrIPv6[0].String()
			}
			for _, txt := range entry.Text {
				if v, ok := strings.CutPrefix(txt, "schema_version="); ok {
					srv.SchemaVersion = v
				}
			}
			if srv.Host == "" {
				continue
			}
			mu.Lock()
			servers = append(servers, srv)
			mu.Unlock()
		}
	}()

	// The library closes the entries channel once ctx is done.
	<-ctx.Done()
	wg.Wait()

	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	return servers, nil
}
