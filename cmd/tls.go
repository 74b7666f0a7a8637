package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"

	"chatsync/pkg/config"
)

// TLSSettings holds the TLS part of the server config.
type TLSSettings struct {
	Env             string
	EnableTLS       bool
	CertPath        string
	KeyPath         string
	AllowSelfSigned bool
}

func tlsSettingsFromConfig(s config.ServerConfig) TLSSettings {
	return TLSSettings{
		Env:             s.Env,
		EnableTLS:       s.EnableTLS,
		CertPath:        s.TLSCertPath,
		KeyPath:         s.TLSKeyPath,
		AllowSelfSigned: s.AllowSelfSigned,
	}
}

// Validate ensures TLS settings are safe for the selected environment.
func (s TLSSettings) Validate() error {
	if s.Env == "production" {
		if !s.EnableTLS {
			return fmt.Errorf("TLS must be enabled in production")
		}
		if s.CertPath == "" || s.KeyPath == "" {
			return fmt.Errorf("server.tls_cert_path and server.tls_key_path are required in production")
		}
	}
	return nil
}

// buildTLSConfigWithSettings returns the tls.Config plus the cert and key
// paths to hand to ListenAndServeTLS. The paths are empty when the
// certificate is already loaded into the config.
func buildTLSConfigWithSettings(s TLSSettings) (*tls.Config, string, string, error) {
	if s.CertPath != "" && s.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(s.CertPath, s.KeyPath)
		if err != nil {
			return nil, "", "", fmt.Errorf("load key pair: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, s.CertPath, s.KeyPath, nil
	}

	if s.Env != "production" && s.AllowSelfSigned {
		cert, err := generateSelfSignedCert()
		if err != nil {
			return nil, "", "", fmt.Errorf("self-signed certificate: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, "", "", nil
	}

	return nil, "", "", fmt.Errorf("no TLS certificates available")
}

// generateSelfSignedCert creates a minimal self-signed certificate for localhost usage.
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return tls.Certificate{}, err
	}

	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return tls.Certificate{}, err
	}

	tmpl := x509.Certificate{
		SerialNumber:          serialNumber,
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	return tls.X509KeyPair(certPEM, keyPEM)
}
