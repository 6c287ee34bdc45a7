package httpclient

import (
	"context"
	"crypto/tls"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/bc-dunia/inferharness/internal/types"
)

// phaseTracker accumulates httptrace callback timestamps for one attempt,
// adapted directly from the teacher's phase-timing tracker.
type phaseTracker struct {
	mu sync.Mutex

	startTime        time.Time
	dnsStart, dnsEnd time.Time
	connStart, connEnd time.Time
	tlsStart, tlsEnd time.Time
	gotConn          time.Time
	wroteRequest     time.Time
	gotFirstByte     time.Time
	connectionReused bool
}

func newPhaseTracker() *phaseTracker {
	return &phaseTracker{startTime: time.Now()}
}

func (t *phaseTracker) clientTrace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart: func(httptrace.DNSStartInfo) {
			t.mu.Lock()
			t.dnsStart = time.Now()
			t.mu.Unlock()
		},
		DNSDone: func(httptrace.DNSDoneInfo) {
			t.mu.Lock()
			t.dnsEnd = time.Now()
			t.mu.Unlock()
		},
		ConnectStart: func(string, string) {
			t.mu.Lock()
			t.connStart = time.Now()
			t.mu.Unlock()
		},
		ConnectDone: func(string, string, error) {
			t.mu.Lock()
			t.connEnd = time.Now()
			t.mu.Unlock()
		},
		TLSHandshakeStart: func() {
			t.mu.Lock()
			t.tlsStart = time.Now()
			t.mu.Unlock()
		},
		TLSHandshakeDone: func(tls.ConnectionState, error) {
			t.mu.Lock()
			t.tlsEnd = time.Now()
			t.mu.Unlock()
		},
		GotConn: func(info httptrace.GotConnInfo) {
			t.mu.Lock()
			t.gotConn = time.Now()
			t.connectionReused = info.Reused
			t.mu.Unlock()
		},
		WroteRequest: func(httptrace.WroteRequestInfo) {
			t.mu.Lock()
			t.wroteRequest = time.Now()
			t.mu.Unlock()
		},
		GotFirstResponseByte: func() {
			t.mu.Lock()
			t.gotFirstByte = time.Now()
			t.mu.Unlock()
		},
	}
}

func withPhaseTrace(ctx context.Context, t *phaseTracker) context.Context {
	return httptrace.WithClientTrace(ctx, t.clientTrace())
}

func (t *phaseTracker) compute(end time.Time) *types.PhaseTiming {
	t.mu.Lock()
	defer t.mu.Unlock()

	pt := &types.PhaseTiming{
		ConnectionReused: t.connectionReused,
		E2EMs:            end.Sub(t.startTime).Milliseconds(),
	}

	if !t.connectionReused {
		if !t.dnsStart.IsZero() && !t.dnsEnd.IsZero() {
			pt.DNSMs = t.dnsEnd.Sub(t.dnsStart).Milliseconds()
		}
		if !t.connStart.IsZero() && !t.connEnd.IsZero() {
			pt.TCPConnectMs = t.connEnd.Sub(t.connStart).Milliseconds()
		}
		if !t.tlsStart.IsZero() && !t.tlsEnd.IsZero() {
			pt.TLSHandshakeMs = t.tlsEnd.Sub(t.tlsStart).Milliseconds()
		}
	}

	if !t.gotFirstByte.IsZero() {
		baseline := t.startTime
		if !t.wroteRequest.IsZero() {
			baseline = t.wroteRequest
		} else if !t.gotConn.IsZero() {
			baseline = t.gotConn
		}
		pt.TTFBMs = t.gotFirstByte.Sub(baseline).Milliseconds()
		pt.DownloadMs = end.Sub(t.gotFirstByte).Milliseconds()
	}

	return pt
}
