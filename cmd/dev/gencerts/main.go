package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"log"
	"math/big"
	"net"
	"os"
	"time"
)

// gencerts issues a local dev CA plus one leaf certificate per identity
// named on argv, for exercising a site agent's TLS listener and its peers'
// TLS dial paths without a real HSM-backed PKI. With no arguments it falls
// back to a single "site-agent" identity.
func main() {
	if err := os.MkdirAll("certs", 0755); err != nil {
		log.Fatalf("failed to create certs directory: %v", err)
	}

	caCert, caKey := signCA()
	pemEncode("certs/ca.crt", "CERTIFICATE", caCert)
	pemEncode("certs/ca.key", "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(caKey))

	identities := os.Args[1:]
	if len(identities) == 0 {
		identities = []string{"site-agent"}
	}

	ca, err := x509.ParseCertificate(caCert)
	if err != nil {
		log.Fatalf("parse ca certificate: %v", err)
	}

	for i, cn := range identities {
		leafBytes, leafKey := signLeaf(ca, caKey, cn, int64(2025+i))
		pemEncode("certs/"+cn+".crt", "CERTIFICATE", leafBytes)
		pemEncode("certs/"+cn+".key", "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(leafKey))
	}

	log.Printf("generated CA plus %d leaf certificate(s) in certs/", len(identities))
}

func signCA() ([]byte, *rsa.PrivateKey) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(2024),
		Subject: pkix.Name{
			Organization: []string{"CQP Site Fabric"},
			CommonName:   "CQP Site Fabric Root CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		IsCA:                  true,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	key, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		log.Fatal(err)
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		log.Fatal(err)
	}

	return certBytes, key
}

// signLeaf issues a certificate for cn, valid for both server and client
// auth since a site agent both listens for peer RPCs and dials out to
// other sites over the same connection address.
func signLeaf(ca *x509.Certificate, caKey *rsa.PrivateKey, cn string, serial int64) ([]byte, *rsa.PrivateKey) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject: pkix.Name{
			Organization: []string{"CQP Site Fabric"},
			CommonName:   cn,
		},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().AddDate(1, 0, 0),
		SubjectKeyId: []byte{byte(serial), 2, 3, 4},
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	key, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		log.Fatal(err)
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, ca, &key.PublicKey, caKey)
	if err != nil {
		log.Fatal(err)
	}

	return certBytes, key
}

func pemEncode(path, typeName string, bytes []byte) {
	out, err := os.Create(path)
	if err != nil {
		log.Fatal(err)
	}
	defer out.Close()

	if err := pem.Encode(out, &pem.Block{Type: typeName, Bytes: bytes}); err != nil {
		log.Fatal(err)
	}
}
