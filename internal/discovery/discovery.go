// Package discovery advertises gateways over mDNS and lets agents on the
// same LAN find one without configuration.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"chatsync/pkg/logx"
)

const (
	Service = "_chatsync._tcp"
	Domain  = "local."
)

// ErrNoGateway is returned when browsing found nothing.
var ErrNoGateway = errors.New("discovery: no gateway found")

// Advertiser keeps a gateway registered until Shutdown.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers a gateway listening on port. path is the websocket
// endpoint, published in the TXT record.
func Advertise(instance string, port int, path string, log logx.Logger) (*Advertiser, error) {
	if instance == "" {
		host, _ := os.Hostname()
		instance = "chatsync-" + host
	}
	txt := []string{"v=1", "path=" + path}
	server, err := zeroconf.Register(instance, Service, Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	log.Info("mdns service registered", logx.String("instance", instance), logx.String("service", Service), logx.Int("port", port))
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

// Gateway is one discovered endpoint.
type Gateway struct {
	Instance string
	URL      string
}

// Browse collects gateways answering within timeout.
func Browse(ctx context.Context, timeout time.Duration, log logx.Logger) ([]Gateway, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("init mdns resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 8)
	found := make(chan []Gateway, 1)
	go func() {
		var out []Gateway
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					found <- out
					return
				}
				gw, ok := gatewayFromEntry(entry)
				if !ok {
					continue
				}
				log.Debug("mdns discovered gateway", logx.String("instance", gw.Instance), logx.String("url", gw.URL))
				out = append(out, gw)
			case <-ctx.Done():
				found <- out
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mdns services: %w", err)
	}
	<-ctx.Done()
	return <-found, nil
}

// First returns the first gateway found within timeout.
func First(ctx context.Context, timeout time.Duration, log logx.Logger) (Gateway, error) {
	gws, err := Browse(ctx, timeout, log)
	if err != nil {
		return Gateway{}, err
	}
	if len(gws) == 0 {
		return Gateway{}, ErrNoGateway
	}
	return gws[0], nil
}

func gatewayFromEntry(e *zeroconf.ServiceEntry) (Gateway, bool) {
	if e == nil || e.Port == 0 {
		return Gateway{}, false
	}
	var ip net.IP
	switch {
	case len(e.AddrIPv4) > 0:
		ip = e.AddrIPv4[0]
	case len(e.AddrIPv6) > 0:
		ip = e.AddrIPv6[0]
	default:
		return Gateway{}, false
	}
	path := txtValue(e.Text, "path")
	if path == "" {
		path = "/ws"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	host := net.JoinHostPort(ip.String(), strconv.Itoa(e.Port))
	return Gateway{Instance: e.Instance, URL: "ws://" + host + path}, true
}

func txtValue(txt []string, key string) string {
	for _, kv := range txt {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}
