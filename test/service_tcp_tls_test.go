package test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kbirk/tether/pkg/rpc"
	"github.com/kbirk/tether/pkg/rpc/tcp"
)

// writeSelfSignedCert generates a throwaway localhost key pair for the TLS
// tests and writes it under dir.
func writeSelfSignedCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"tether test"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")

	certOut, err := os.Create(certFile)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	keyOut, err := os.Create(keyFile)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	require.NoError(t, keyOut.Close())

	return certFile, keyFile
}

type tlsTransportFactory struct {
	basePort int
	certFile string
	keyFile  string
}

func (f *tlsTransportFactory) CreateServerTransport(id int) rpc.ServerTransport {
	return tcp.NewServerTransportTLS(tcp.ServerTransportTLSConfig{
		Port:     f.basePort + id,
		CertFile: f.certFile,
		KeyFile:  f.keyFile,
		NoDelay:  true,
	})
}

func (f *tlsTransportFactory) CreateClientTransport(id int) rpc.ClientTransport {
	return tcp.NewClientTransportTLS(tcp.ClientTransportTLSConfig{
		Host:               "localhost",
		Port:               f.basePort + id,
		NoDelay:            true,
		InsecureSkipVerify: true, // self signed
	})
}

func (f *tlsTransportFactory) Name() string {
	return "TCP-TLS"
}

func TestTCPTLSTransportSuite(t *testing.T) {
	certFile, keyFile := writeSelfSignedCert(t, t.TempDir())

	RunConformanceSuite(t, SuiteConfig{
		Factory: &tlsTransportFactory{
			basePort: 9481,
			certFile: certFile,
			keyFile:  keyFile,
		},
		StartingID: 0,
	})
}
