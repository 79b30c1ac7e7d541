package web

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// TLSFiles names the PEM files for serving HTTPS. Setting ClientCA turns on
// mutual TLS.
type TLSFiles struct {
	Cert     string
	Key      string
	ClientCA string
}

func (f TLSFiles) Enabled() bool {
	return f.Cert != "" || f.Key != "" || f.ClientCA != ""
}

// Config loads the files. It returns nil, nil when none are set.
func (f TLSFiles) Config() (*tls.Config, error) {
	if !f.Enabled() {
		return nil, nil
	}
	if f.Cert == "" || f.Key == "" {
		return nil, errors.New("HTTP TLS requires both cert and key")
	}
	pair, err := tls.LoadX509KeyPair(f.Cert, f.Key)
	if err != nil {
		return nil, fmt.Errorf("load HTTP TLS key pair: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}
	if f.ClientCA == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(f.ClientCA)
	if err != nil {
		return nil, fmt.Errorf("read HTTP TLS client CA: %w", err)
	}
	cfg.ClientCAs = x509.NewCertPool()
	if !cfg.ClientCAs.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("HTTP TLS client CA %s has no usable certificates", f.ClientCA)
	}
	cfg.ClientAuth = tls.RequireAndVerifyClientCert
	return cfg, nil
}
