// Package tls contains the TLS helpers shared by the MQTT backends.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"

	"github.com/pkg/errors"
)

// ClientConfig returns the client TLS configuration for the given CA
// certificate and client key-pair. When all paths are empty, nil is
// returned and TLS settings are left to the client library.
func ClientConfig(caCert, tlsCert, tlsKey string) (*tls.Config, error) {
	if caCert == "" && tlsCert == "" && tlsKey == "" {
		return nil, nil
	}

	tlsConfig := &tls.Config{}

	if caCert != "" {
		rawCaCert, err := ioutil.ReadFile(caCert)
		if err != nil {
			return nil, errors.Wrap(err, "load ca certificate error")
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(rawCaCert) {
			return nil, fmt.Errorf("append ca certificate error: %s", caCert)
		}
		tlsConfig.RootCAs = caCertPool
	}

	if tlsCert != "" || tlsKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
		if err != nil {
			return nil, errors.Wrap(err, "load tls key-pair error")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
