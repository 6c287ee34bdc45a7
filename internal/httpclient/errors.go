// Package httpclient is the HTTP client adapter (C4): it turns one
// ScheduledRequest into exactly one LifecycleRecord by issuing an
// OpenAI-compatible completion or chat request, optionally consuming a
// streamed SSE response, and mapping any failure into the stable error
// taxonomy the summarizer and circuit breakers key off of.
package httpclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/bc-dunia/inferharness/internal/types"
)

// Error kinds, mirrored from the teacher's transport error taxonomy and
// trimmed to the kinds an OpenAI-compatible completion endpoint can
// actually produce.
const (
	KindDNS        = "dns"
	KindConnect    = "connect"
	KindTLS        = "tls"
	KindTimeout    = "timeout"
	KindHTTPStatus = "http_status"
	KindProtocol   = "protocol"
	KindCancelled  = "cancelled"
	KindUnknown    = "unknown"
)

// mapError classifies a transport-level error into the stable taxonomy.
// HTTP status errors are constructed separately by the caller, since by
// the time a status code is known the request definitely reached the
// server -- this function sees errors from RoundTrip and from reading the
// response body.
func mapError(err error) *types.RequestError {
	if err == nil {
		return nil
	}

	if re, ok := err.(*requestError); ok {
		return &types.RequestError{Kind: re.kind, Message: re.msg}
	}

	if errors.Is(err, context.Canceled) {
		return &types.RequestError{Kind: KindCancelled, Message: "request cancelled"}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &types.RequestError{Kind: KindTimeout, Message: "request timeout exceeded"}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &types.RequestError{Kind: KindDNS, Message: dnsErr.Error()}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return &types.RequestError{Kind: KindTimeout, Message: opErr.Error()}
		}
		return &types.RequestError{Kind: KindConnect, Message: opErr.Error()}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return &types.RequestError{Kind: KindTimeout, Message: fmt.Sprintf("request timeout: %s", urlErr.Op)}
		}
		return mapError(urlErr.Err)
	}

	var tlsRecordErr *tls.RecordHeaderError
	if errors.As(err, &tlsRecordErr) {
		return &types.RequestError{Kind: KindTLS, Message: "TLS record header error"}
	}

	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return &types.RequestError{Kind: KindTLS, Message: fmt.Sprintf("certificate verification failed: %v", certErr.Err)}
	}

	var unknownAuthErr x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthErr) {
		return &types.RequestError{Kind: KindTLS, Message: "certificate signed by unknown authority"}
	}

	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return &types.RequestError{Kind: KindTLS, Message: fmt.Sprintf("certificate hostname mismatch: %s", hostErr.Host)}
	}

	errStr := err.Error()
	if strings.Contains(errStr, "tls:") || strings.Contains(errStr, "TLS") {
		return &types.RequestError{Kind: KindTLS, Message: errStr}
	}

	return &types.RequestError{Kind: KindUnknown, Message: errStr}
}

// requestError lets callers construct a pre-classified error whose kind
// mapError passes through unchanged, for cases where the taxonomy mapping
// isn't derivable from the Go error chain alone. The client's own HTTP
// status and malformed-body errors are built as types.RequestError
// directly and do not go through it.
type requestError struct {
	kind string
	msg  string
}

func (e *requestError) Error() string { return e.msg }

func newRequestError(kind, msg string) error {
	return &requestError{kind: kind, msg: msg}
}
