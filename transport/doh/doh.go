// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package doh implements a POST-only DNS-over-HTTPS transport with one
// HTTP/2 session per server, a per-query deadline carried on the request
// context, and session teardown-and-reopen when the underlying
// connection dies, built on net/http.Transport{ForceAttemptHTTP2: true}.
package doh

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/celzero/privatedns/backend"
	"github.com/celzero/privatedns/internal/core"
	"github.com/celzero/privatedns/internal/log"
	"github.com/miekg/dns"
)

const dohMimeType = "application/dns-message"

const defaultIdleTimeout = 55 * time.Second

var errNoResponse = errors.New("doh: no response")

// Options configures a Transport's timeouts.
type Options struct {
	QueryTimeout time.Duration
	// IdleTimeout bounds how long an idle HTTP/2 session is kept open
	// before the next query tears it down and reopens.
	IdleTimeout time.Duration
}

func (o Options) normalize() Options {
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = 10 * time.Second
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = defaultIdleTimeout
	}
	return o
}

// Transport is one DoH server.
type Transport struct {
	id       string
	url      string // https://host/path endpoint template
	hostname string

	tlsConf *tls.Config
	opts    Options

	mu     sync.Mutex
	client *http.Client // torn down and rebuilt on session death
	dead   bool

	est    core.P2QuantileEstimator
	status atomic.Int32
}

var _ backend.Transport = (*Transport)(nil)

// New returns a DoH transport posting to url (a concrete https endpoint,
// not a URI template) over TLS verified as hostname. tlsConf may be nil,
// in which case the system root CAs are used.
func New(id, url, hostname string, tlsConf *tls.Config, opts Options) *Transport {
	t := &Transport{
		id:       id,
		url:      url,
		hostname: hostname,
		tlsConf:  tlsConf,
		opts:     opts.normalize(),
		est:      core.NewP50Estimator(),
	}
	t.status.Store(backend.Start)
	t.client = t.newClient()
	log.I("doh: (%s) setup: %s", id, url)
	return t
}

// newClient builds the single HTTP/2 session used for every query to
// this server.
func (t *Transport) newClient() *http.Client {
	var cfg *tls.Config
	if t.tlsConf != nil {
		cfg = t.tlsConf.Clone()
	} else {
		cfg = &tls.Config{}
	}
	cfg.ServerName = t.hostname

	tr := &http.Transport{
		ForceAttemptHTTP2:     true,
		IdleConnTimeout:       t.opts.IdleTimeout,
		TLSHandshakeTimeout:   7 * time.Second,
		ResponseHeaderTimeout: 20 * time.Second,
		TLSClientConfig:       cfg,
	}
	return &http.Client{Transport: tr}
}

func (t *Transport) ID() string   { return t.id }
func (t *Transport) Type() string { return backend.DOH }
func (t *Transport) Addr() string { return t.url }

// teardown closes the idle connections for the current session and
// marks it dead so the next Query rebuilds it.
func (t *Transport) teardown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		return
	}
	t.dead = true
	if tr, ok := t.client.Transport.(*http.Transport); ok {
		tr.CloseIdleConnections()
	}
}

func (t *Transport) liveClient() *http.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dead {
		t.client = t.newClient()
		t.dead = false
	}
	return t.client
}

// Query implements backend.Transport. network is ignored; DoH is always
// POST-over-HTTP/2.
func (t *Transport) Query(ctx context.Context, _ string, q []byte) ([]byte, error) {
	qctx, cancel := context.WithTimeout(ctx, t.opts.QueryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(qctx, http.MethodPost, t.url, bytes.NewReader(q))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", dohMimeType)
	req.Header.Set("Accept", dohMimeType)

	start := time.Now()
	client := t.liveClient()
	resp, err := client.Do(req)
	if err != nil {
		t.teardown()
		t.status.Store(statusFor(err))
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.status.Store(backend.BadResponse)
		return nil, fmt.Errorf("doh: (%s) http status %d", t.id, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, dns.MaxMsgSize))
	if err != nil {
		t.status.Store(backend.BadResponse)
		return nil, err
	}
	if len(body) == 0 {
		t.status.Store(backend.BadResponse)
		return nil, errNoResponse
	}

	t.status.Store(backend.Complete)
	t.est.Add(time.Since(start).Seconds())
	return body, nil
}

func statusFor(err error) int32 {
	if errors.Is(err, context.DeadlineExceeded) {
		return backend.Timeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return backend.Timeout
	}
	return backend.SendFailed
}

// RTTMillis returns the transport's running RTT estimate.
func (t *Transport) RTTMillis() int64 { return t.est.Get() }
