// Package launcher reads a TOML configuration file and constructs the daemons and the
// resolver described in it. Programs embedding this repository wire the application
// pieces (realm, stores, SMTP application) onto the returned daemons before start.
package launcher

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/wirestage/wirestage/daemon/pop3d"
	"github.com/wirestage/wirestage/daemon/smtpd"
	"github.com/wirestage/wirestage/dnsresolver"
)

// ResolverConfig describes the DNS resolver of a deployment.
type ResolverConfig struct {
	// Servers are upstream resolvers, "host" or "host:port" forms.
	Servers []string `toml:"Servers"`
	// UseSystem appends the servers of /etc/resolv.conf.
	UseSystem bool `toml:"UseSystem"`
	// TimeoutMS is the per-server reply deadline in milliseconds.
	TimeoutMS int `toml:"TimeoutMS"`
	// Transport selects "udp", "dot" or "doq".
	Transport string `toml:"Transport"`
	// CacheNegativeTTLSec overrides the negative cache lifetime.
	CacheNegativeTTLSec int `toml:"CacheNegativeTTLSec"`
}

// Config is the top-level configuration file layout.
type Config struct {
	SMTPD    *smtpd.Daemon   `toml:"SMTPD"`
	POP3D    *pop3d.Daemon   `toml:"POP3D"`
	Resolver *ResolverConfig `toml:"Resolver"`
}

// Load reads and decodes the configuration file.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("launcher.Load: %w", err)
	}
	var config Config
	if err := toml.Unmarshal(content, &config); err != nil {
		return nil, fmt.Errorf("launcher.Load: failed to decode %s - %w", path, err)
	}
	return &config, nil
}

// BuildResolver constructs and opens the configured resolver.
func (config *Config) BuildResolver() (*dnsresolver.Resolver, error) {
	section := config.Resolver
	if section == nil {
		section = &ResolverConfig{UseSystem: true}
	}
	resolver := dnsresolver.New()
	cache := dnsresolver.NewCache()
	if section.CacheNegativeTTLSec > 0 {
		cache.NegativeTTL = time.Duration(section.CacheNegativeTTLSec) * time.Second
	}
	resolver.SetCache(cache)
	if section.TimeoutMS > 0 {
		resolver.SetTimeout(time.Duration(section.TimeoutMS) * time.Millisecond)
	}
	switch section.Transport {
	case "", "udp":
	case "dot":
		resolver.SetTransport(func() dnsresolver.Transport { return dnsresolver.NewDoTTransport(nil) })
	case "doq":
		resolver.SetTransport(func() dnsresolver.Transport { return dnsresolver.NewDoQTransport(nil) })
	default:
		return nil, fmt.Errorf("launcher.BuildResolver: unknown transport %q", section.Transport)
	}
	for _, server := range section.Servers {
		host, port := splitHostPort(server)
		resolver.AddServer(host, port)
	}
	if section.UseSystem || len(section.Servers) == 0 {
		if err := resolver.UseSystemResolvers(); err != nil && len(section.Servers) == 0 {
			return nil, err
		}
	}
	if err := resolver.Open(); err != nil {
		return nil, err
	}
	return resolver, nil
}

// splitHostPort splits "host:port", leaving port 0 when absent so that the transport's
// default applies. An IPv6 literal keeps its colons.
func splitHostPort(server string) (string, int) {
	if strings.Count(server, ":") != 1 {
		return server, 0
	}
	idx := strings.IndexByte(server, ':')
	port, err := strconv.Atoi(server[idx+1:])
	if err != nil {
		return server, 0
	}
	return server[:idx], port
}
