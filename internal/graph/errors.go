package graph

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"syscall"
)

// TransportClass buckets a failed request that never produced a status code.
type TransportClass int

const (
	// Other is anything not recognised as a transient transport failure.
	Other TransportClass = iota
	Timeout
	TLS
	Connection
)

func (c TransportClass) String() string {
	switch c {
	case Timeout:
		return "timeout"
	case TLS:
		return "tls"
	case Connection:
		return "connection"
	default:
		return "other"
	}
}

// Retryable reports whether the class belongs to the transient-transport
// family that the retry ladders cover.
func (c TransportClass) Retryable() bool {
	return c != Other
}

// Classify maps a transport error onto the transient-transport taxonomy.
func Classify(err error) TransportClass {
	if err == nil {
		return Other
	}
	// the caller gave up; retrying would only fight the shutdown
	if errors.Is(err, context.Canceled) {
		return Other
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return Timeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Timeout
	}

	var (
		recordErr   tls.RecordHeaderError
		certErr     *tls.CertificateVerificationError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
	)
	if errors.As(err, &recordErr) || errors.As(err, &certErr) ||
		errors.As(err, &unknownAuth) || errors.As(err, &hostErr) {
		return TLS
	}
	if strings.Contains(err.Error(), "tls:") {
		return TLS
	}

	var (
		opErr  *net.OpError
		dnsErr *net.DNSError
	)
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return Connection
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && (errors.Is(urlErr.Err, io.EOF) || errors.Is(urlErr.Err, io.ErrUnexpectedEOF)) {
		return Connection
	}
	return Other
}
