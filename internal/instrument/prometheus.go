// SPDX-FileCopyrightText: Copyright (C) 2025 l402gate contributors
// SPDX-License-Identifier: AGPL-3.0-only

// Package instrument holds the daemon's prometheus metrics.
package instrument

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mailboxConnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l402gate_mailbox_connect_attempts_total",
			Help: "Number of LNC mailbox connection attempts by outcome",
		},
		[]string{"outcome"},
	)
	gobnRetransmits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "l402gate_gobn_retransmissions_total",
			Help: "Number of resent pending GoBN packets",
		},
	)
	gobnNACKs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "l402gate_gobn_nacks_sent_total",
			Help: "Number of NACKs sent for out of order GoBN packets",
		},
	)
	invoices = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l402gate_invoices_total",
			Help: "Number of invoice requests by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)
	l402Outcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l402gate_l402_requests_total",
			Help: "Number of requests by L402 outcome",
		},
		[]string{"type"},
	)

	initOnce sync.Once
)

// Init registers the metrics with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(mailboxConnects)
		prometheus.MustRegister(gobnRetransmits)
		prometheus.MustRegister(gobnNACKs)
		prometheus.MustRegister(invoices)
		prometheus.MustRegister(l402Outcomes)
	})
}

// Handler returns the HTTP handler exposing the registered metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// MailboxConnect counts a mailbox connection attempt.
func MailboxConnect(outcome string) {
	mailboxConnects.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// Retransmit counts a resent GoBN packet.
func Retransmit() {
	gobnRetransmits.Inc()
}

// NACK counts a sent GoBN NACK.
func NACK() {
	gobnNACKs.Inc()
}

// Invoice counts an invoice request.
func Invoice(backend string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	invoices.With(prometheus.Labels{"backend": backend, "outcome": outcome}).Inc()
}

// L402 counts a request by its L402 outcome.
func L402(typ string) {
	l402Outcomes.With(prometheus.Labels{"type": typ}).Inc()
}
