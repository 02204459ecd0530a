package security

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"math"
	"net"
	"net/url"
	"os"
	"time"

	"github.com/obsidianstack/obsidianrum/agent/internal/config"
)

// Certificate states.
const (
	StatusValid       = "valid"
	StatusExpiring    = "expiring"
	StatusExpired     = "expired"
	StatusUnreachable = "unreachable"
)

// ExpiringWithin is the remaining lifetime below which a certificate is
// reported as expiring.
const ExpiringWithin = 30 * 24 * time.Hour

const dialTimeout = 10 * time.Second

// CertStatus describes the leaf certificate served by an endpoint.
type CertStatus struct {
	Endpoint string
	AuthType string
	Status   string
	Issuer   string
	NotAfter time.Time
	DaysLeft int
	Err      error // set when Status is unreachable
}

// Check dials the report endpoint and returns the status of its leaf
// certificate. Returns nil for non-HTTPS endpoints.
func Check(ctx context.Context, cfg config.ReportConfig) *CertStatus {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme != "https" {
		return nil
	}

	cs := &CertStatus{Endpoint: cfg.URL, AuthType: cfg.Transport.Auth.Mode}
	if cs.AuthType == "" {
		cs.AuthType = "none"
	}

	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, "443")
	}

	tlsCfg, err := dialConfig(cfg.Transport.TLS, u.Hostname())
	if err != nil {
		cs.Status, cs.Err = StatusUnreachable, err
		return cs
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	dialer := &tls.Dialer{NetDialer: &net.Dialer{}, Config: tlsCfg}
	netConn, err := dialer.DialContext(dialCtx, "tcp", host)
	if err != nil {
		cs.Status, cs.Err = StatusUnreachable, err
		return cs
	}
	conn := netConn.(*tls.Conn)
	defer conn.Close()

	peerCerts := conn.ConnectionState().PeerCertificates
	if len(peerCerts) == 0 {
		cs.Status, cs.Err = StatusUnreachable, fmt.Errorf("security: %s presented no certificate", host)
		return cs
	}
	cs.describe(peerCerts[0], time.Now())
	return cs
}

func (cs *CertStatus) describe(leaf *x509.Certificate, now time.Time) {
	left := leaf.NotAfter.Sub(now)
	cs.Issuer = leaf.Issuer.CommonName
	cs.NotAfter = leaf.NotAfter.UTC()
	cs.DaysLeft = int(math.Floor(left.Hours() / 24))
	cs.Status = classify(left)
}

func classify(left time.Duration) string {
	switch {
	case left <= 0:
		return StatusExpired
	case left <= ExpiringWithin:
		return StatusExpiring
	default:
		return StatusValid
	}
}

func dialConfig(t config.TLSConfig, serverName string) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: t.InsecureSkipVerify, //nolint:gosec // user-configured
	}
	if t.CAFile != "" {
		caPEM, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("security: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("security: no valid certs found in ca file %q", t.CAFile)
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}
