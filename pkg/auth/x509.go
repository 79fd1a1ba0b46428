package auth

import (
	"crypto/tls"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"

	"cirruslink.io/sdk-go/pkg/log"
)

// X509Credential loads a client certificate pair from disk and keeps it
// fresh. When the files change on disk (rotation by an agent or operator),
// the certificate is reloaded and the optional OnRotate callback fires so
// the owning client can reauthorize its connection.
type X509Credential struct {
	certFile string
	keyFile  string

	// OnRotate, if set before Watch is called, is invoked after a
	// successful reload. It runs on the watcher goroutine.
	OnRotate func()

	mu      sync.RWMutex
	cert    tls.Certificate
	watcher *fsnotify.Watcher
}

// LoadX509Credential loads the certificate/key pair from the given files.
func LoadX509Credential(certFile, keyFile string) (*X509Credential, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("cannot load x509 credential: %w", err)
	}
	return &X509Credential{
		certFile: certFile,
		keyFile:  keyFile,
		cert:     cert,
	}, nil
}

// Certificate returns the current certificate.
func (c *X509Credential) Certificate() tls.Certificate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cert
}

// Watch starts watching the certificate and key files for changes.
// Call Close to stop watching.
func (c *X509Credential) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, f := range []string{c.certFile, c.keyFile} {
		if err := watcher.Add(f); err != nil {
			watcher.Close()
			return fmt.Errorf("cannot watch %s: %w", f, err)
		}
	}
	c.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				c.reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error(err, "x509 credential watcher error")
			}
		}
	}()
	return nil
}

func (c *X509Credential) reload() {
	cert, err := tls.LoadX509KeyPair(c.certFile, c.keyFile)
	if err != nil {
		// Rotation often writes cert and key sequentially; a mismatched
		// intermediate state is expected and the next event retries.
		log.Debug("x509 credential reload skipped", "error", err.Error())
		return
	}

	c.mu.Lock()
	c.cert = cert
	c.mu.Unlock()

	log.Info("x509 credential reloaded", "cert", c.certFile)
	if c.OnRotate != nil {
		c.OnRotate()
	}
}

// Close stops the file watcher, if one is running.
func (c *X509Credential) Close() error {
	if c.watcher != nil {
		return c.watcher.Close()
	}
	return nil
}
