// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package doh

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func answerBytes(t *testing.T, name string) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeA)
	m.Response = true
	m.Answer = append(m.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   []byte{127, 0, 0, 1},
	})
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

func TestQueryPostsWireFormatAndParsesReply(t *testing.T) {
	var gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotContentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		q := new(dns.Msg)
		require.NoError(t, q.Unpack(body))

		w.Header().Set("Content-Type", dohMimeType)
		_, _ = w.Write(answerBytes(t, q.Question[0].Name))
	}))
	defer srv.Close()

	tr := New("d1", srv.URL, "", nil, Options{QueryTimeout: 3 * time.Second})

	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	raw, _ := msg.Pack()

	resp, err := tr.Query(context.Background(), "", raw)
	require.NoError(t, err)
	require.Equal(t, dohMimeType, gotContentType)

	ans := new(dns.Msg)
	require.NoError(t, ans.Unpack(resp))
	require.Len(t, ans.Answer, 1)
}

func TestQueryNonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := New("d2", srv.URL, "", nil, Options{QueryTimeout: 3 * time.Second})
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	raw, _ := msg.Pack()

	_, err := tr.Query(context.Background(), "", raw)
	require.Error(t, err)
}

func TestSessionTeardownRebuildsClientOnFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", dohMimeType)
		_, _ = w.Write(answerBytes(t, "example.com."))
	}))

	tr := New("d3", srv.URL, "", nil, Options{QueryTimeout: 3 * time.Second})
	msg := new(dns.Msg)
	msg.SetQuestion("example.com.", dns.TypeA)
	raw, _ := msg.Pack()

	_, err := tr.Query(context.Background(), "", raw)
	require.NoError(t, err)

	srv.Close() // server gone; next request must fail and teardown the client
	_, err = tr.Query(context.Background(), "", raw)
	require.Error(t, err)

	require.True(t, tr.dead, "a failed request must mark the session dead")

	// liveClient must rebuild rather than hand back the dead transport.
	client := tr.liveClient()
	require.False(t, tr.dead)
	require.NotNil(t, client)
}

func TestOptionsNormalizeDefaultsIdleTimeoutTo55s(t *testing.T) {
	o := Options{}.normalize()
	require.Equal(t, defaultIdleTimeout, o.IdleTimeout)
	require.Equal(t, 55*time.Second, o.IdleTimeout)
}

func TestNewAppliesIdleTimeoutToTransport(t *testing.T) {
	tr := New("d4", "https://example.invalid/dns-query", "", nil, Options{IdleTimeout: 10 * time.Second})
	httpTr, ok := tr.client.Transport.(*http.Transport)
	require.True(t, ok)
	require.Equal(t, 10*time.Second, httpTr.IdleConnTimeout)
}
