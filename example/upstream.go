package main

// Minimal backend for manually exercising sniproxy. Listens either as a
// self-signed HTTPS server (for TLS SNI routing) or as a plain HTTP
// server (for Host-header routing), printing which backend identity it
// is answering as so the routed hostname is visible in the response.
//
// Run (from repo root or inside module):
//   go run ./example/upstream.go -mode tls -port 9443 -name api
//   go run ./example/upstream.go -mode http -port 9180 -name admin
// Then start sniproxy (separate terminal) with a rules file routing to
// 127.0.0.1:9443 / 127.0.0.1:9180, and test:
//   curl -k https://api.internal:8443/ --resolve api.internal:8443:127.0.0.1
//   curl -H 'Host: admin.internal' http://localhost:8443/

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"time"
)

func main() {
	mode := flag.String("mode", "tls", "backend mode: tls|http")
	port := flag.String("port", "9443", "listen port")
	name := flag.String("name", "backend", "identity printed in responses")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "hello from %s (host=%s)\n", *name, r.Host)
	})

	switch *mode {
	case "http":
		srv := &http.Server{Addr: ":" + *port, Handler: mux}
		log.Printf("[upstream %s] listening on :%s (plain http)", *name, *port)
		log.Fatal(srv.ListenAndServe())
	case "tls":
		cert, key := mustSelfSignedCert()
		pair, err := tls.X509KeyPair(cert, key)
		if err != nil {
			log.Fatalf("load self-signed pair: %v", err)
		}
		srv := &http.Server{
			Addr:      ":" + *port,
			Handler:   mux,
			TLSConfig: &tls.Config{Certificates: []tls.Certificate{pair}},
		}
		log.Printf("[upstream %s] listening on :%s (self-signed CN=localhost)", *name, *port)
		log.Fatal(srv.ListenAndServeTLS("", ""))
	default:
		log.Fatalf("unknown mode %q", *mode)
	}
}

func mustSelfSignedCert() (certPEM, keyPEM []byte) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		log.Fatalf("generate key: %v", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             now.Add(-5 * time.Minute),
		NotAfter:              now.Add(365 * 24 * time.Hour),
		DNSNames:              []string{"localhost"},
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		log.Fatalf("create cert: %v", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return
}
