// SPDX-License-Identifier: GPL-3.0-or-later

package neat

import (
	"bufio"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// DNSServer is a configured recursive/forwarding resolver the [Resolver]
// will query.
type DNSServer struct {
	// Family is either "v4" or "v6".
	Family string

	// Addr is the server's address and port (always port 53).
	Addr netip.AddrPort
}

// ParseResolvConf parses a standard /etc/resolv.conf-style file, consuming
// only "nameserver" lines: other directives (search, options, ...) are
// ignored, matching the core's narrow interest in server addresses.
func ParseResolvConf(data []byte) ([]DNSServer, error) {
	var servers []DNSServer
	scanner := bufio.NewScanner(strings.NewReader(string(data)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "nameserver") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		addr, err := netip.ParseAddr(fields[1])
		if err != nil {
			continue
		}
		family := "v4"
		if addr.Is6() && !addr.Is4In6() {
			family = "v6"
		}
		servers = append(servers, DNSServer{
			Family: family,
			Addr:   netip.AddrPortFrom(addr, 53),
		})
	}
	return servers, scanner.Err()
}

// DNSServerSet holds the current, read-mostly set of configured DNS
// servers: mutations happen only on filesystem-change callbacks and
// replace the set atomically, so readers never observe a partially-updated
// list.
type DNSServerSet struct {
	mu      sync.RWMutex
	servers []DNSServer
	path    string
	watcher *fsnotify.Watcher
	logger  SLogger
}

// NewDNSServerSet loads path once and starts watching it for changes. The
// returned set's Servers() reflects the file's content as of the most
// recently processed filesystem event.
func NewDNSServerSet(path string, logger SLogger) (*DNSServerSet, error) {
	set := &DNSServerSet{path: path, logger: logger}
	if err := set.reload(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}
	set.watcher = watcher

	go set.watchLoop()
	return set, nil
}

// Servers returns the current server list. Safe for concurrent use.
func (s *DNSServerSet) Servers() []DNSServer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DNSServer, len(s.servers))
	copy(out, s.servers)
	return out
}

// Close stops watching the underlying file.
func (s *DNSServerSet) Close() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Close()
}

func (s *DNSServerSet) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return err
	}
	servers, err := ParseResolvConf(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.servers = servers
	s.mu.Unlock()
	return nil
}

func (s *DNSServerSet) watchLoop() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				s.logger.Info("dnsServerConfReloadFailed", slog.String("path", s.path), slog.Any("err", err))
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Info("dnsServerConfWatchError", slog.String("path", s.path), slog.Any("err", err))
		}
	}
}
