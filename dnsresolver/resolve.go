package dnsresolver

import (
	"net"
	"sync"

	"github.com/miekg/dns"
	"github.com/wirestage/wirestage/reactor"
)

// Resolve turns a host name into IP addresses. The system hosts file takes precedence;
// otherwise A and AAAA queries run in parallel and the sink receives the combined
// result with IPv6 addresses first, provided at least one family resolved. When both
// families fail, the last error is reported.
func (resolver *Resolver) Resolve(hostname string, sink ResolveSink) {
	if ip := net.ParseIP(hostname); ip != nil {
		resolver.deliverResolved(sink, []net.IP{ip})
		return
	}
	if addrs := lookupHosts(hostname); len(addrs) > 0 {
		resolver.deliverResolved(sink, addrs)
		return
	}
	collector := &addressCollector{resolver: resolver, sink: sink, remaining: 2}
	resolver.Query(hostname, dns.TypeAAAA, &collectorHalf{collector: collector, ipv6: true})
	resolver.Query(hostname, dns.TypeA, &collectorHalf{collector: collector, ipv6: false})
}

// ResolveAddrs adapts Resolve to the reactor's host resolver interface.
func (resolver *Resolver) ResolveAddrs(hostname string, onResolved func(addrs []net.IP), onError func(msg string)) {
	resolver.Resolve(hostname, &funcResolveSink{onResolved: onResolved, onError: onError})
}

func (resolver *Resolver) deliverResolved(sink ResolveSink, addrs []net.IP) {
	if resolver.loop != nil {
		resolver.loop.InvokeLater(func() { sink.OnResolved(addrs) })
		return
	}
	sink.OnResolved(addrs)
}

// addressCollector joins the two address-family queries of one resolution.
type addressCollector struct {
	resolver *Resolver
	sink     ResolveSink

	mutex     sync.Mutex
	remaining int
	ipv6      []net.IP
	ipv4      []net.IP
	lastError string
}

func (collector *addressCollector) halfDone(ipv6 bool, addrs []net.IP, errMsg string) {
	collector.mutex.Lock()
	if ipv6 {
		collector.ipv6 = addrs
	} else {
		collector.ipv4 = addrs
	}
	if errMsg != "" {
		collector.lastError = errMsg
	}
	collector.remaining--
	finished := collector.remaining == 0
	collector.mutex.Unlock()
	if !finished {
		return
	}
	// Happy-Eyeballs order: IPv6 ahead of IPv4.
	combined := append(append([]net.IP{}, collector.ipv6...), collector.ipv4...)
	if len(combined) > 0 {
		collector.sink.OnResolved(combined)
		return
	}
	if collector.lastError == "" {
		collector.lastError = "no address record"
	}
	collector.sink.OnError(collector.lastError)
}

// collectorHalf is the query sink of one address family.
type collectorHalf struct {
	collector *addressCollector
	ipv6      bool
}

func (half *collectorHalf) OnResponse(response *dns.Msg) {
	var addrs []net.IP
	for _, record := range response.Answer {
		switch typed := record.(type) {
		case *dns.A:
			if !half.ipv6 {
				addrs = append(addrs, typed.A)
			}
		case *dns.AAAA:
			if half.ipv6 {
				addrs = append(addrs, typed.AAAA)
			}
		}
	}
	half.collector.halfDone(half.ipv6, addrs, "")
}

func (half *collectorHalf) OnError(msg string) {
	half.collector.halfDone(half.ipv6, nil, msg)
}

type funcResolveSink struct {
	onResolved func(addrs []net.IP)
	onError    func(msg string)
}

func (sink *funcResolveSink) OnResolved(addrs []net.IP) { sink.onResolved(addrs) }
func (sink *funcResolveSink) OnError(msg string)        { sink.onError(msg) }

var (
	perLoopMutex     sync.Mutex
	perLoopResolvers = make(map[*reactor.Loop]*Resolver)
)

// ForLoop returns the loop's shared resolver, creating one from the system resolver
// configuration on first use. All of its callbacks are delivered on the loop.
func ForLoop(loop *reactor.Loop) (*Resolver, error) {
	perLoopMutex.Lock()
	defer perLoopMutex.Unlock()
	if resolver, exists := perLoopResolvers[loop]; exists {
		return resolver, nil
	}
	resolver := New()
	resolver.SetLoop(loop)
	resolver.SetCache(NewCache())
	if err := resolver.UseSystemResolvers(); err != nil {
		return nil, err
	}
	if err := resolver.Open(); err != nil {
		return nil, err
	}
	perLoopResolvers[loop] = resolver
	return resolver, nil
}

// RemoveForLoop closes and forgets the loop's shared resolver.
func RemoveForLoop(loop *reactor.Loop) {
	perLoopMutex.Lock()
	resolver, exists := perLoopResolvers[loop]
	delete(perLoopResolvers, loop)
	perLoopMutex.Unlock()
	if exists {
		resolver.Close()
	}
}
