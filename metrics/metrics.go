// Package metrics registers the Prometheus instruments shared by the daemons and the
// resolver. Collectors register on the default registry; serving them over HTTP is the
// embedding program's business.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SMTPConnections counts accepted SMTP server connections.
	SMTPConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wirestage_smtpd_connections_total",
		Help: "Number of SMTP connections accepted.",
	})
	// SMTPMessages counts messages committed by the SMTP server.
	SMTPMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wirestage_smtpd_messages_total",
		Help: "Number of messages received and committed over SMTP.",
	})
	// SMTPConversationDuration observes whole-conversation durations in seconds.
	SMTPConversationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "wirestage_smtpd_conversation_duration_seconds",
		Help:    "Duration of SMTP conversations.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	// POP3Connections counts accepted POP3 server connections.
	POP3Connections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wirestage_pop3d_connections_total",
		Help: "Number of POP3 connections accepted.",
	})
	// POP3Retrievals counts messages served through RETR.
	POP3Retrievals = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wirestage_pop3d_retrievals_total",
		Help: "Number of messages retrieved over POP3.",
	})

	// DNSQueries counts queries issued by the resolver, cache hits included.
	DNSQueries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wirestage_dns_queries_total",
		Help: "Number of DNS queries issued.",
	})
	// DNSCacheHits counts queries answered from the cache.
	DNSCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wirestage_dns_cache_hits_total",
		Help: "Number of DNS queries answered from the cache.",
	})
	// DNSTimeouts counts queries that exhausted every configured server.
	DNSTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wirestage_dns_timeouts_total",
		Help: "Number of DNS queries that timed out on every server.",
	})
)
