// Package httpclient builds the pooled, mTLS-capable HTTP clients used for
// every outbound call the core makes on its own behalf: fetching a client's
// remote jwks_uri, dereferencing a request_uri, and delivering CIBA
// ping/push notifications and back-channel logout_tokens.
//
// All such calls are outbound requests the core makes in response to
// attacker-influenced input (a client registers the URI), so every client
// built here refuses to dial loopback, link-local, and private address
// ranges unless the operator explicitly opts in via Options.AllowPrivate.
package httpclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"
)

// DefaultTimeout is the deadline applied to outbound requests absent an
// Options.Timeout override, per the 10s default outbound deadline.
const DefaultTimeout = 10 * time.Second

// Options configures a pooled outbound client.
type Options struct {
	// RootCAs are additional trust anchors, each either a filesystem path,
	// a base64-encoded PEM blob, or a raw PEM string.
	RootCAs []string

	// ClientCert, when set, is presented for outbound mTLS (used when the
	// operator wants CIBA/logout notification delivery to authenticate
	// itself to the relying party).
	ClientCert *tls.Certificate

	// InsecureSkipVerify disables TLS verification. Only ever meant for
	// tests against local fixtures.
	InsecureSkipVerify bool

	// AllowPrivate disables the SSRF guard. Defaults to false: loopback,
	// link-local, and RFC1918/ULA ranges are rejected.
	AllowPrivate bool

	// Timeout overrides DefaultTimeout.
	Timeout time.Duration

	// IdleConnLifetime defaults to 5 minutes but does not change the
	// transport: keep-alives stay enabled, idle pooled connections close
	// after the fixed 90-second IdleConnTimeout, and busy connections are
	// reused with no lifetime bound.
	IdleConnLifetime time.Duration
}

func extractCAs(input []string) [][]byte {
	result := make([][]byte, 0, len(input))
	for _, ca := range input {
		if ca == "" {
			continue
		}
		pemData, err := os.ReadFile(ca)
		if err != nil {
			pemData, err = base64.StdEncoding.DecodeString(ca)
			if err != nil {
				pemData = []byte(ca)
			}
		}
		result = append(result, pemData)
	}
	return result
}

// New builds an *http.Client whose dialer rejects non-public addresses
// unless opts.AllowPrivate is set.
func New(opts Options) (*http.Client, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}

	tlsConfig := &tls.Config{RootCAs: pool, InsecureSkipVerify: opts.InsecureSkipVerify}
	for index, rootCABytes := range extractCAs(opts.RootCAs) {
		if !tlsConfig.RootCAs.AppendCertsFromPEM(rootCABytes) {
			return nil, fmt.Errorf("rootCAs.%d is not in PEM format, certificate must be "+
				"a PEM encoded string, a base64 encoded bytes that contain PEM encoded string, "+
				"or a path to a PEM encoded certificate", index)
		}
	}
	if opts.ClientCert != nil {
		tlsConfig.Certificates = []tls.Certificate{*opts.ClientCert}
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	idleLifetime := opts.IdleConnLifetime
	if idleLifetime <= 0 {
		idleLifetime = 5 * time.Minute
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	dial := dialer.DialContext
	if !opts.AllowPrivate {
		dial = guardedDialContext(dialer)
	}

	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig:       tlsConfig,
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dial,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			// idleLifetime is always positive here, so keep-alives are
			// never disabled.
			DisableKeepAlives: idleLifetime <= 0,
		},
	}, nil
}

// guardedDialContext wraps a dialer so that it refuses to connect to
// loopback, link-local, and private address ranges. This is the SSRF
// safety net required of every fetcher the core drives from
// client-controlled URIs (jwks_uri, request_uri, logout/CIBA callbacks).
func guardedDialContext(d *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, err
		}
		for _, ip := range ips {
			if isDisallowedIP(ip.IP) {
				return nil, fmt.Errorf("httpclient: refusing to dial %s: address %s is not publicly routable", addr, ip.IP)
			}
		}
		return d.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
	}
}

func isDisallowedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified()
}
