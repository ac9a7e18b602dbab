// Package tlsutil builds mutual TLS credentials for the detection service
// connection and keeps the client certificate current as it is rotated on
// disk.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"google.golang.org/grpc/credentials"

	"github.com/pobradovic08/isis-bfd/internal/config"
)

// CertificateLoader holds a client key pair and reloads it when either file
// changes.
type CertificateLoader struct {
	certPath string
	keyPath  string

	mu   sync.RWMutex
	cert *tls.Certificate

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewCertificateLoader loads the key pair and starts watching it. The
// containing directories are watched so that files replaced by rename, as
// done by most rotation tools, are picked up.
func NewCertificateLoader(certPath, keyPath string) (*CertificateLoader, error) {
	cl := &CertificateLoader{
		certPath: filepath.Clean(certPath),
		keyPath:  filepath.Clean(keyPath),
		done:     make(chan struct{}),
	}
	if err := cl.load(); err != nil {
		return nil, fmt.Errorf("initial certificate load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	for _, dir := range uniqueDirs(cl.certPath, cl.keyPath) {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	cl.watcher = watcher

	cl.wg.Add(1)
	go cl.watchLoop()
	return cl, nil
}

func uniqueDirs(paths ...string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, p := range paths {
		d := filepath.Dir(p)
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

func (cl *CertificateLoader) load() error {
	cert, err := tls.LoadX509KeyPair(cl.certPath, cl.keyPath)
	if err != nil {
		return err
	}
	cl.mu.Lock()
	cl.cert = &cert
	cl.mu.Unlock()
	return nil
}

func (cl *CertificateLoader) watchLoop() {
	defer cl.wg.Done()
	for {
		select {
		case event, ok := <-cl.watcher.Events:
			if !ok {
				return
			}
			name := filepath.Clean(event.Name)
			if name != cl.certPath && name != cl.keyPath {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// The pair is written as two files; a load between the writes
			// fails and the next event retries it.
			if err := cl.load(); err != nil {
				slog.Debug("client certificate not reloaded yet", "file", name, "error", err)
				continue
			}
			slog.Info("client certificate reloaded", "file", name)
		case err, ok := <-cl.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("certificate watcher error", "error", err)
		case <-cl.done:
			return
		}
	}
}

// GetClientCertificate returns the current certificate. Suitable for use as
// tls.Config.GetClientCertificate callback.
func (cl *CertificateLoader) GetClientCertificate(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.cert, nil
}

// Close stops the file watcher.
func (cl *CertificateLoader) Close() error {
	close(cl.done)
	err := cl.watcher.Close()
	cl.wg.Wait()
	return err
}

// LoadCAPool reads a CA certificate file and returns a CertPool.
func LoadCAPool(caPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate from %s", caPath)
	}
	return pool, nil
}

// NewClientTLSConfig creates a TLS configuration that presents the loader's
// certificate and verifies the service against caPool.
func NewClientTLSConfig(certLoader *CertificateLoader, caPool *x509.CertPool, serverName string) *tls.Config {
	return &tls.Config{
		GetClientCertificate: certLoader.GetClientCertificate,
		RootCAs:              caPool,
		ServerName:           serverName,
		MinVersion:           tls.VersionTLS13,
	}
}

// ClientCredentials builds gRPC transport credentials from cfg. The returned
// loader must be closed by the caller.
func ClientCredentials(cfg config.TLSConfig) (credentials.TransportCredentials, *CertificateLoader, error) {
	loader, err := NewCertificateLoader(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, nil, err
	}
	pool, err := LoadCAPool(cfg.CA)
	if err != nil {
		loader.Close()
		return nil, nil, err
	}
	return credentials.NewTLS(NewClientTLSConfig(loader, pool, cfg.ServerName)), loader, nil
}
