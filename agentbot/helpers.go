package agentbot

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
)

func tlsConfig(certfile string, keyfile string, minVersion uint16) (
	*tls.Config,
	error,
) {
	certs := make([]tls.Certificate, 1)

	cert, err := tls.LoadX509KeyPair(
		certfile,
		keyfile,
	)
	if err != nil {
		return nil, err
	}
	certs[0] = cert
	return &tls.Config{
		Certificates: certs,
		MinVersion:   minVersion,
		ClientAuth:   tls.NoClientCert,
	}, nil
}

// generateRandomHexString returns a random hex string of the given length,
// rounded up to an even number of characters.
func generateRandomHexString(length int) (string, error) {
	if length%2 != 0 {
		length++
	}
	b := make([]byte, length/2)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
