// Package dnsresolver is an asynchronous DNS stub resolver with pluggable transports
// (UDP, DNS-over-TLS, DNS-over-QUIC), a shared response cache, hosts-file precedence,
// CNAME chasing, and upstream failover. Callers receive their answers through reply
// sinks; when a loop affinity is configured, every callback is delivered on that loop.
package dnsresolver

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/wirestage/wirestage/metrics"
	"github.com/wirestage/wirestage/reactor"
	"github.com/wirestage/wirestage/wlog"
	"golang.org/x/net/idna"
)

const (
	// DefaultTimeout is the per-server reply deadline of one query.
	DefaultTimeout = 5000 * time.Millisecond
	// MaxCNAMEDepth bounds CNAME chasing; the hop beyond it fails without network I/O.
	MaxCNAMEDepth = 8
)

// QuerySink receives the outcome of one query: exactly one of OnResponse or OnError,
// or OnError("resolver closed") when the resolver is shut down first.
type QuerySink interface {
	OnResponse(response *dns.Msg)
	OnError(msg string)
}

// ResolveSink receives the outcome of a host name resolution.
type ResolveSink interface {
	OnResolved(addrs []net.IP)
	OnError(msg string)
}

type serverAddr struct {
	host string
	port int
}

type pendingQuery struct {
	id          uint16
	question    dns.Question
	sink        QuerySink
	packet      []byte
	serverIndex int
	depth       int
	timer       *time.Timer
}

// Resolver is the stub resolver. Configure it with AddServer / UseSystemResolvers and
// the Set methods, then call Open before issuing queries. A resolver may be shared
// across loops; its in-flight table is guarded internally.
type Resolver struct {
	logger       wlog.Logger
	loop         *reactor.Loop
	timeout      time.Duration
	cache        *Cache
	newTransport TransportFactory

	mutex      sync.Mutex
	servers    []serverAddr
	transports map[int]Transport
	pending    map[uint16]*pendingQuery
	idCounter  uint32
	opened     bool
	closed     bool
}

// New constructs an unconfigured resolver using the UDP transport.
func New() *Resolver {
	return &Resolver{
		logger:       wlog.Logger{ComponentName: "dnsresolver"},
		timeout:      DefaultTimeout,
		newTransport: NewUDPTransport,
		transports:   make(map[int]Transport),
		pending:      make(map[uint16]*pendingQuery),
	}
}

// AddServer appends an upstream server. Port 0 selects the transport's default port.
func (resolver *Resolver) AddServer(hostOrIP string, port int) {
	resolver.mutex.Lock()
	defer resolver.mutex.Unlock()
	resolver.servers = append(resolver.servers, serverAddr{host: hostOrIP, port: port})
}

// UseSystemResolvers appends the upstream servers of the operating system's resolver
// configuration.
func (resolver *Resolver) UseSystemResolvers() error {
	config, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return fmt.Errorf("dnsresolver.UseSystemResolvers: %w", err)
	}
	if len(config.Servers) == 0 {
		return fmt.Errorf("dnsresolver.UseSystemResolvers: resolv.conf does not name any server")
	}
	for _, server := range config.Servers {
		resolver.AddServer(server, 0)
	}
	return nil
}

// SetTimeout replaces the per-server reply deadline.
func (resolver *Resolver) SetTimeout(timeout time.Duration) {
	resolver.timeout = timeout
}

// SetTransport replaces the transport used for every upstream server. It must be
// called before Open.
func (resolver *Resolver) SetTransport(factory TransportFactory) {
	resolver.newTransport = factory
}

// SetCache attaches a response cache, which may be shared with other resolvers.
func (resolver *Resolver) SetCache(cache *Cache) {
	resolver.cache = cache
}

// SetLoop pins all sink callbacks onto the loop.
func (resolver *Resolver) SetLoop(loop *reactor.Loop) {
	resolver.loop = loop
}

// Open validates the configuration. Transports are connected lazily on first use.
func (resolver *Resolver) Open() error {
	resolver.mutex.Lock()
	defer resolver.mutex.Unlock()
	if len(resolver.servers) == 0 {
		return fmt.Errorf("dnsresolver.Open: no upstream server is configured")
	}
	resolver.opened = true
	return nil
}

// Close cancels every pending query, delivering OnError("resolver closed") to each
// sink, and tears down the transports.
func (resolver *Resolver) Close() {
	resolver.mutex.Lock()
	if resolver.closed {
		resolver.mutex.Unlock()
		return
	}
	resolver.closed = true
	cancelled := make([]*pendingQuery, 0, len(resolver.pending))
	for _, pq := range resolver.pending {
		pq.timer.Stop()
		cancelled = append(cancelled, pq)
	}
	resolver.pending = make(map[uint16]*pendingQuery)
	transports := resolver.transports
	resolver.transports = make(map[int]Transport)
	resolver.mutex.Unlock()
	for _, transport := range transports {
		transport.Close()
	}
	for _, pq := range cancelled {
		resolver.deliver(pq.sink.OnError, "resolver closed")
	}
}

// deliver runs the callback on the configured loop, or directly when none is set.
func (resolver *Resolver) deliver(fun func(string), msg string) {
	if resolver.loop != nil {
		resolver.loop.InvokeLater(func() { fun(msg) })
		return
	}
	fun(msg)
}

func (resolver *Resolver) deliverResponse(sink QuerySink, response *dns.Msg) {
	if resolver.loop != nil {
		resolver.loop.InvokeLater(func() { sink.OnResponse(response) })
		return
	}
	sink.OnResponse(response)
}

// QueryA issues an A query.
func (resolver *Resolver) QueryA(name string, sink QuerySink) { resolver.Query(name, dns.TypeA, sink) }

// QueryAAAA issues an AAAA query.
func (resolver *Resolver) QueryAAAA(name string, sink QuerySink) {
	resolver.Query(name, dns.TypeAAAA, sink)
}

// QueryMX issues an MX query.
func (resolver *Resolver) QueryMX(name string, sink QuerySink) { resolver.Query(name, dns.TypeMX, sink) }

// QueryTXT issues a TXT query.
func (resolver *Resolver) QueryTXT(name string, sink QuerySink) {
	resolver.Query(name, dns.TypeTXT, sink)
}

// QueryPTR issues a PTR query.
func (resolver *Resolver) QueryPTR(name string, sink QuerySink) {
	resolver.Query(name, dns.TypePTR, sink)
}

// Query issues a recursive query for the name and type, delivering exactly one of
// OnResponse or OnError to the sink.
func (resolver *Resolver) Query(name string, qtype uint16, sink QuerySink) {
	resolver.query(name, qtype, sink, 0)
}

func (resolver *Resolver) query(name string, qtype uint16, sink QuerySink, depth int) {
	metrics.DNSQueries.Inc()
	ascii, err := idna.Lookup.ToASCII(name)
	if err == nil {
		name = ascii
	}
	fqdn := dns.Fqdn(name)

	if resolver.cache != nil {
		if records, negative, ok := resolver.cache.Lookup(fqdn, qtype, dns.ClassINET); ok {
			metrics.DNSCacheHits.Inc()
			resolver.deliverResponse(sink, syntheticResponse(fqdn, qtype, records, negative))
			return
		}
	}

	resolver.mutex.Lock()
	if resolver.closed || !resolver.opened {
		resolver.mutex.Unlock()
		resolver.deliver(sink.OnError, "resolver closed")
		return
	}
	id, ok := resolver.allocateID()
	if !ok {
		resolver.mutex.Unlock()
		resolver.deliver(sink.OnError, "no free query id")
		return
	}
	message := new(dns.Msg)
	message.Id = id
	message.RecursionDesired = true
	message.Question = []dns.Question{{Name: fqdn, Qtype: qtype, Qclass: dns.ClassINET}}
	packet, err := message.Pack()
	if err != nil {
		resolver.mutex.Unlock()
		resolver.deliver(sink.OnError, fmt.Sprintf("failed to serialise query - %v", err))
		return
	}
	pq := &pendingQuery{
		id:       id,
		question: message.Question[0],
		sink:     sink,
		packet:   packet,
		depth:    depth,
	}
	resolver.pending[id] = pq
	resolver.mutex.Unlock()
	resolver.sendPending(pq)
}

// allocateID draws the next id from the wrapping counter. An id owned by a live query
// is skipped over rather than reused, so that a response can never be routed to the
// wrong sink. The caller must hold the mutex.
func (resolver *Resolver) allocateID() (uint16, bool) {
	for attempt := 0; attempt <= 65536; attempt++ {
		id := uint16(resolver.idCounter)
		resolver.idCounter = (resolver.idCounter + 1) % 65536
		if _, taken := resolver.pending[id]; !taken {
			return id, true
		}
	}
	return 0, false
}

// transportFor lazily connects the transport of the indexed server. The caller must
// not hold the mutex.
func (resolver *Resolver) transportFor(index int) (Transport, error) {
	resolver.mutex.Lock()
	if transport, exists := resolver.transports[index]; exists {
		resolver.mutex.Unlock()
		return transport, nil
	}
	server := resolver.servers[index]
	factory := resolver.newTransport
	resolver.mutex.Unlock()

	transport := factory()
	if err := transport.Open(server.host, server.port, &transportSink{resolver: resolver, serverIndex: index}); err != nil {
		return nil, err
	}
	resolver.mutex.Lock()
	defer resolver.mutex.Unlock()
	if resolver.closed {
		transport.Close()
		return nil, fmt.Errorf("resolver closed")
	}
	if existing, exists := resolver.transports[index]; exists {
		transport.Close()
		return existing, nil
	}
	resolver.transports[index] = transport
	return transport, nil
}

// sendPending transmits the query on its current server and arms the reply deadline.
func (resolver *Resolver) sendPending(pq *pendingQuery) {
	transport, err := resolver.transportFor(pq.serverIndex)
	if err != nil {
		resolver.logger.Warning(pq.question.Name, err, "failed to reach server #%d", pq.serverIndex)
		resolver.advanceServer(pq)
		return
	}
	if err := transport.Send(pq.packet); err != nil {
		resolver.logger.Warning(pq.question.Name, err, "failed to send query to server #%d", pq.serverIndex)
		resolver.advanceServer(pq)
		return
	}
	pq.timer = time.AfterFunc(resolver.timeout, func() { resolver.handleTimeout(pq) })
}

// advanceServer moves a query to the next configured server, or fails it with a
// timeout once every server has had its one attempt.
func (resolver *Resolver) advanceServer(pq *pendingQuery) {
	resolver.mutex.Lock()
	if current, live := resolver.pending[pq.id]; !live || current != pq {
		resolver.mutex.Unlock()
		return
	}
	pq.serverIndex++
	if pq.serverIndex >= len(resolver.servers) {
		delete(resolver.pending, pq.id)
		resolver.mutex.Unlock()
		metrics.DNSTimeouts.Inc()
		resolver.deliver(pq.sink.OnError, "timeout")
		return
	}
	resolver.mutex.Unlock()
	resolver.sendPending(pq)
}

func (resolver *Resolver) handleTimeout(pq *pendingQuery) {
	resolver.advanceServer(pq)
}

// transportSink routes one server's transport events back into the resolver.
type transportSink struct {
	resolver    *Resolver
	serverIndex int
}

func (sink *transportSink) OnReceive(packet []byte) {
	sink.resolver.handleResponse(packet)
}

func (sink *transportSink) OnError(msg string) {
	sink.resolver.handleTransportError(sink.serverIndex, msg)
}

// handleTransportError drops the broken transport; queries still waiting on it run
// into their deadline and fail over to the next server.
func (resolver *Resolver) handleTransportError(index int, msg string) {
	resolver.logger.Warning("", nil, "transport of server #%d failed: %s", index, msg)
	resolver.mutex.Lock()
	transport, exists := resolver.transports[index]
	delete(resolver.transports, index)
	resolver.mutex.Unlock()
	if exists {
		transport.Close()
	}
}

func (resolver *Resolver) handleResponse(packet []byte) {
	response := new(dns.Msg)
	if err := response.Unpack(packet); err != nil {
		resolver.logger.Warning("", err, "discarding malformed response of %d bytes", len(packet))
		return
	}
	resolver.mutex.Lock()
	pq, known := resolver.pending[response.Id]
	if !known {
		resolver.mutex.Unlock()
		// A late reply after failover, or an id we never issued. Never re-route.
		resolver.logger.Info("", nil, "dropping response for unknown query id %d", response.Id)
		return
	}
	delete(resolver.pending, response.Id)
	resolver.mutex.Unlock()
	if pq.timer != nil {
		pq.timer.Stop()
	}

	if resolver.cache != nil {
		switch {
		case response.Rcode == dns.RcodeSuccess && len(response.Answer) > 0:
			resolver.cache.StorePositive(pq.question.Name, pq.question.Qtype, pq.question.Qclass, response.Answer)
		case response.Rcode == dns.RcodeNameError:
			resolver.cache.StoreNegative(pq.question.Name, pq.question.Qtype, pq.question.Qclass)
		}
	}

	if response.Truncated {
		// TC=1: deliver what we have. Re-querying over a stream transport is a
		// documented future extension.
		resolver.logger.Info(pq.question.Name, nil, "response is truncated, delivering the partial answer")
	}

	if target, chase := cnameTarget(response, pq.question.Qtype); chase {
		if pq.depth+1 > MaxCNAMEDepth {
			resolver.deliver(pq.sink.OnError, fmt.Sprintf("CNAME chain exceeds %d hops", MaxCNAMEDepth))
			return
		}
		resolver.query(target, pq.question.Qtype, pq.sink, pq.depth+1)
		return
	}
	resolver.deliverResponse(pq.sink, response)
}

// cnameTarget reports whether the answer section holds a CNAME but no record of the
// requested type, in which case the chain must be followed.
func cnameTarget(response *dns.Msg, qtype uint16) (string, bool) {
	if response.Rcode != dns.RcodeSuccess || qtype == dns.TypeCNAME {
		return "", false
	}
	var target string
	for _, record := range response.Answer {
		if record.Header().Rrtype == qtype {
			return "", false
		}
		if cname, isCNAME := record.(*dns.CNAME); isCNAME {
			target = cname.Target
		}
	}
	return target, target != ""
}

// syntheticResponse builds the message delivered on a cache hit.
func syntheticResponse(name string, qtype uint16, records []dns.RR, negative bool) *dns.Msg {
	response := new(dns.Msg)
	response.Response = true
	response.RecursionDesired = true
	response.RecursionAvailable = true
	response.Question = []dns.Question{{Name: name, Qtype: qtype, Qclass: dns.ClassINET}}
	if negative {
		response.Rcode = dns.RcodeNameError
		return response
	}
	response.Answer = records
	return response
}
