package proxy

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/evyatark2/rama/rama-srv/logger"
)

// CertStore mints per-host leaf certificates signed by a CA, caching them
// so each hostname is generated at most once. It doubles as a
// ServerConfigProvider for TLS listeners that terminate intercepted
// traffic.
type CertStore struct {
	caCert *x509.Certificate
	caKey  crypto.PrivateKey

	cacheMutex sync.RWMutex
	certCache  map[string]*tls.Certificate

	// Wait groups for in-flight generation, so concurrent handshakes for
	// the same host generate one certificate instead of racing.
	waitMutex      sync.RWMutex
	certWaitGroups map[string]*sync.WaitGroup
}

// NewCertStore parses the PEM-encoded CA certificate and private key. RSA
// keys in PKCS#1 or PKCS#8 form and EC keys are supported.
func NewCertStore(caCertPEM, caKeyPEM []byte) (*CertStore, error) {
	block, _ := pem.Decode(caCertPEM)
	if block == nil {
		return nil, NewTLSError(ErrCodeCADecodeFailed, GetErrorDescription(ErrCodeCADecodeFailed), fmt.Errorf("no PEM block in CA certificate"))
	}
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, NewTLSError(ErrCodeCAParseFailed, GetErrorDescription(ErrCodeCAParseFailed), err)
	}

	block, _ = pem.Decode(caKeyPEM)
	if block == nil {
		return nil, NewTLSError(ErrCodeCADecodeFailed, GetErrorDescription(ErrCodeCADecodeFailed), fmt.Errorf("no PEM block in CA key"))
	}

	// Try PKCS#1 first (RSA), then PKCS#8 (RSA or EC), then raw EC.
	var caKey crypto.PrivateKey
	pkcs1Key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		logger.Debug("Failed to parse CA key as PKCS#1, trying PKCS#8: %v", err)
		pkcs8Key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			logger.Debug("Failed to parse CA key as PKCS#8, trying EC: %v", err)
			ecKey, ecErr := x509.ParseECPrivateKey(block.Bytes)
			if ecErr != nil {
				return nil, NewTLSError(ErrCodeCAParseFailed, GetErrorDescription(ErrCodeCAParseFailed), fmt.Errorf("tried PKCS#1, PKCS#8 and EC: %w", ecErr))
			}
			caKey = ecKey
		} else {
			switch key := pkcs8Key.(type) {
			case *rsa.PrivateKey, *ecdsa.PrivateKey:
				caKey = key
			default:
				return nil, NewTLSError(ErrCodeCAParseFailed, GetErrorDescription(ErrCodeCAParseFailed), fmt.Errorf("unsupported private key type %T", pkcs8Key))
			}
		}
	} else {
		caKey = pkcs1Key
	}

	return &CertStore{
		caCert:         caCert,
		caKey:          caKey,
		certCache:      make(map[string]*tls.Certificate),
		certWaitGroups: make(map[string]*sync.WaitGroup),
	}, nil
}

// NewCertStoreFromFiles loads the CA certificate and key from PEM files.
func NewCertStoreFromFiles(caFile, caKeyFile string) (*CertStore, error) {
	caCertPEM, err := os.ReadFile(filepath.Clean(caFile))
	if err != nil {
		return nil, NewTLSError(ErrCodeInvalidCAFile, GetErrorDescription(ErrCodeInvalidCAFile), err)
	}
	caKeyPEM, err := os.ReadFile(filepath.Clean(caKeyFile))
	if err != nil {
		return nil, NewTLSError(ErrCodeInvalidCAKey, GetErrorDescription(ErrCodeInvalidCAKey), err)
	}
	return NewCertStore(caCertPEM, caKeyPEM)
}

// GetCertificate returns the leaf certificate for hostname, minting and
// caching it on first use.
func (s *CertStore) GetCertificate(hostname string) (*tls.Certificate, error) {
	s.cacheMutex.RLock()
	cert, ok := s.certCache[hostname]
	s.cacheMutex.RUnlock()
	if ok {
		logger.Debug("Using cached certificate for %s", hostname)
		return cert, nil
	}

	// Another goroutine may already be generating this certificate.
	s.waitMutex.RLock()
	wg, isGenerating := s.certWaitGroups[hostname]
	s.waitMutex.RUnlock()

	if isGenerating {
		logger.Debug("Waiting for in-flight certificate generation for %s", hostname)
		wg.Wait()

		s.cacheMutex.RLock()
		cert, ok = s.certCache[hostname]
		s.cacheMutex.RUnlock()
		if ok {
			return cert, nil
		}
		return nil, NewTLSError(ErrCodeCertGenerationFailed, GetErrorDescription(ErrCodeCertGenerationFailed), fmt.Errorf("generation failed for %s", hostname))
	}

	logger.Debug("Generating new certificate for %s", hostname)

	wg = &sync.WaitGroup{}
	wg.Add(1)
	s.waitMutex.Lock()
	s.certWaitGroups[hostname] = wg
	s.waitMutex.Unlock()

	defer func() {
		wg.Done()
		s.waitMutex.Lock()
		delete(s.certWaitGroups, hostname)
		s.waitMutex.Unlock()
	}()

	s.cacheMutex.Lock()
	defer s.cacheMutex.Unlock()

	// Recheck under the write lock.
	cert, ok = s.certCache[hostname]
	if ok {
		return cert, nil
	}

	newCert, err := s.mintCertificate(hostname)
	if err != nil {
		return nil, err
	}

	s.certCache[hostname] = newCert
	logger.Debug("Generated and cached new certificate for %s", hostname)
	return newCert, nil
}

func (s *CertStore) mintCertificate(hostname string) (*tls.Certificate, error) {
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName: hostname,
		},
		NotBefore:   time.Now().Add(-1 * time.Hour),
		NotAfter:    time.Now().Add(24 * 365 * time.Hour),
		KeyUsage:    x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    []string{hostname},
	}

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, NewTLSError(ErrCodePrivateKeyGenFailed, GetErrorDescription(ErrCodePrivateKeyGenFailed), err)
	}

	certDER, err := x509.CreateCertificate(rand.Reader, tmpl, s.caCert, &priv.PublicKey, s.caKey)
	if err != nil {
		return nil, NewTLSError(ErrCodeCertGenerationFailed, GetErrorDescription(ErrCodeCertGenerationFailed), err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, NewTLSError(ErrCodeX509KeyPairFailed, GetErrorDescription(ErrCodeX509KeyPairFailed), err)
	}
	return &cert, nil
}

// ServerConfig implements ServerConfigProvider. The returned config mints
// the leaf for the offered SNI name; handshakes without SNI are rejected.
func (s *CertStore) ServerConfig(hello ClientHello) (*tls.Config, error) {
	if hello.ServerName == "" {
		return nil, NewTLSError(ErrCodeNoSNIHostname, GetErrorDescription(ErrCodeNoSNIHostname), nil)
	}
	cert, err := s.GetCertificate(hello.ServerName)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
