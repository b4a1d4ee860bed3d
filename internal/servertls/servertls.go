// Package servertls provisions the server certificate for dispatchd's
// optional inbound DNS-over-TLS listener via ACME DNS-01 (Cloudflare),
// using go-acme/lego. Adapted from the teacher's pkg/dns/tls.go
// acmeManager, trimmed to the single Cloudflare DNS-01 path (the
// teacher's manual-PEM and HTTP-01 autocert fallbacks are dropped: a DNS
// dispatcher with no exposed HTTP listener has nothing to answer an
// HTTP-01 challenge with).
package servertls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/providers/dns/cloudflare"
	"github.com/go-acme/lego/v4/registration"

	"dispatchd/internal/logging"
)

// Config controls ACME certificate provisioning for the DoT listener.
type Config struct {
	Domain      string
	Email       string
	CFAPIToken  string
	CacheDir    string
	RenewBefore time.Duration
}

// Manager obtains and renews a certificate for Config.Domain in the
// background, serving it through GetCertificate for a *tls.Config.
type Manager struct {
	cfg       Config
	logger    *logging.Logger
	certStore atomic.Value // *tls.Certificate
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New obtains (or loads a cached) certificate for cfg.Domain and starts
// the background renewal loop.
func New(cfg Config, logger *logging.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.Global()
	}
	if cfg.CFAPIToken == "" {
		return nil, errors.New("servertls: cloudflare API token required for DNS-01")
	}
	if cfg.RenewBefore <= 0 {
		cfg.RenewBefore = 30 * 24 * time.Hour
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = "./.cache/dispatchd-acme"
	}

	m := &Manager{cfg: cfg, logger: logger, stopCh: make(chan struct{})}
	if err := m.ensureCert(); err != nil {
		return nil, err
	}
	m.startRenewLoop()
	return m, nil
}

// TLSConfig returns a *tls.Config that always serves the currently held
// certificate, updated transparently across renewals.
func (m *Manager) TLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.getCertificate,
		MinVersion:     tls.VersionTLS12,
		NextProtos:     []string{"dot"},
	}
}

func (m *Manager) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	v := m.certStore.Load()
	if v == nil {
		return nil, errors.New("servertls: certificate not yet initialized")
	}
	return v.(*tls.Certificate), nil
}

func (m *Manager) ensureCert() error {
	if cert, err := m.loadCached(); err == nil && !needsRenewal(cert, m.cfg.RenewBefore) {
		m.certStore.Store(cert)
		return nil
	}
	cert, err := m.obtainCert()
	if err != nil {
		return err
	}
	m.certStore.Store(cert)
	return nil
}

func needsRenewal(cert *tls.Certificate, renewBefore time.Duration) bool {
	if cert.Leaf == nil {
		return true
	}
	return time.Until(cert.Leaf.NotAfter) < renewBefore
}

func (m *Manager) loadCached() (*tls.Certificate, error) {
	certPath := filepath.Join(m.cfg.CacheDir, "cert.pem")
	keyPath := filepath.Join(m.cfg.CacheDir, "key.pem")
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}
	if len(cert.Certificate) > 0 {
		if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
			cert.Leaf = leaf
		}
	}
	return &cert, nil
}

func (m *Manager) obtainCert() (*tls.Certificate, error) {
	if err := os.MkdirAll(m.cfg.CacheDir, 0o700); err != nil {
		return nil, fmt.Errorf("servertls: create cache dir: %w", err)
	}

	user := newACMEUser(m.cfg.Email)
	legoCfg := lego.NewConfig(user)

	client, err := lego.NewClient(legoCfg)
	if err != nil {
		return nil, fmt.Errorf("servertls: lego client: %w", err)
	}

	cfCfg := cloudflare.NewDefaultConfig()
	cfCfg.AuthToken = m.cfg.CFAPIToken
	provider, err := cloudflare.NewDNSProviderConfig(cfCfg)
	if err != nil {
		return nil, fmt.Errorf("servertls: cloudflare provider: %w", err)
	}
	if err := client.Challenge.SetDNS01Provider(provider); err != nil {
		return nil, fmt.Errorf("servertls: set dns01 provider: %w", err)
	}

	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil && !strings.Contains(err.Error(), "already") {
		return nil, fmt.Errorf("servertls: register acme account: %w", err)
	}
	if reg != nil {
		user.Registration = reg
	}

	res, err := client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{m.cfg.Domain}, Bundle: true,
	})
	if err != nil {
		return nil, fmt.Errorf("servertls: obtain certificate: %w", err)
	}

	if err := os.WriteFile(filepath.Join(m.cfg.CacheDir, "cert.pem"), res.Certificate, 0o600); err != nil {
		return nil, fmt.Errorf("servertls: write cert: %w", err)
	}
	if err := os.WriteFile(filepath.Join(m.cfg.CacheDir, "key.pem"), res.PrivateKey, 0o600); err != nil {
		return nil, fmt.Errorf("servertls: write key: %w", err)
	}

	return m.loadCached()
}

func (m *Manager) startRenewLoop() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(12 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.ensureCert(); err != nil {
					m.logger.Warn("certificate renewal failed", "domain", m.cfg.Domain, "error", err)
				}
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Close stops the background renewal loop.
func (m *Manager) Close() {
	close(m.stopCh)
	m.wg.Wait()
}

type acmeUser struct {
	Email        string
	Registration *registration.Resource
	key          *ecdsa.PrivateKey
}

func newACMEUser(email string) *acmeUser {
	key, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	return &acmeUser{Email: email, key: key}
}

func (u *acmeUser) GetEmail() string                        { return u.Email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.Registration }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey         { return u.key }
