// Package sshkeys supplies the keypair the daemon uses to reach guests.
// One ed25519 key is shared by every instance; its public half is injected
// through cloud-init at launch.
package sshkeys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/containerd/log"
	"golang.org/x/crypto/ssh"
)

// KeyFileName is the private key file under the key directory.
const KeyFileName = "id_ed25519"

const keyComment = "spinvm"

// Provider supplies guest access credentials as opaque key material.
type Provider interface {
	PrivateKeyAsBase64() string
	PublicKeyAsBase64() string
}

// OpenSSHKeyProvider keeps an OpenSSH formatted ed25519 key on disk.
type OpenSSHKeyProvider struct {
	path string

	mu     sync.RWMutex
	pemKey []byte
	signer ssh.Signer
}

var _ Provider = (*OpenSSHKeyProvider)(nil)

// NewOpenSSHKeyProvider loads the key from keyDir. When keyDir has no key
// but fallbackDir does, the fallback key is copied in so that upgrades keep
// the key guests already trust. A missing or unparseable key is regenerated.
func NewOpenSSHKeyProvider(ctx context.Context, keyDir, fallbackDir string) (*OpenSSHKeyProvider, error) {
	if err := os.MkdirAll(keyDir, 0o700); err != nil {
		return nil, fmt.Errorf("create ssh key directory: %w", err)
	}

	p := &OpenSSHKeyProvider{path: filepath.Join(keyDir, KeyFileName)}

	if _, err := os.Stat(p.path); errors.Is(err, os.ErrNotExist) && fallbackDir != "" {
		if err := copyKey(filepath.Join(fallbackDir, KeyFileName), p.path); err == nil {
			log.G(ctx).WithField("from", fallbackDir).Info("copied ssh key from fallback directory")
		} else if !errors.Is(err, os.ErrNotExist) {
			log.G(ctx).WithError(err).Warn("failed to copy ssh key from fallback directory")
		}
	}

	if err := p.load(); err != nil {
		log.G(ctx).WithError(err).WithField("path", p.path).Info("generating new ssh key")
		if err := p.generate(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func copyKey(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}

func (p *OpenSSHKeyProvider) load() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pemKey = data
	p.signer = signer
	return nil
}

func (p *OpenSSHKeyProvider) generate() error {
	_, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(privKey, keyComment)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pemData := pem.EncodeToMemory(block)

	signer, err := ssh.NewSignerFromKey(privKey)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}

	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, pemData, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write private key: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pemKey = pemData
	p.signer = signer
	return nil
}

// Path returns the private key file, suitable for ssh -i.
func (p *OpenSSHKeyProvider) Path() string {
	return p.path
}

// PrivateKeyAsBase64 returns the PEM encoded private key, base64 encoded.
func (p *OpenSSHKeyProvider) PrivateKeyAsBase64() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return base64.StdEncoding.EncodeToString(p.pemKey)
}

// PublicKeyAsBase64 returns the public key in SSH wire format, base64
// encoded, as it appears in the middle field of an authorized_keys line.
func (p *OpenSSHKeyProvider) PublicKeyAsBase64() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return base64.StdEncoding.EncodeToString(p.signer.PublicKey().Marshal())
}

// AuthorizedKey returns the authorized_keys line for the public key.
func (p *OpenSSHKeyProvider) AuthorizedKey() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(p.signer.PublicKey())))
	return line + " " + keyComment
}

// Signer returns the key as an ssh.Signer for client connections.
func (p *OpenSSHKeyProvider) Signer() ssh.Signer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.signer
}

// AuthorizedKeyFromBase64 turns the PublicKeyAsBase64 form of any Provider
// back into an authorized_keys line.
func AuthorizedKeyFromBase64(b64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", fmt.Errorf("decode public key: %w", err)
	}
	pub, err := ssh.ParsePublicKey(raw)
	if err != nil {
		return "", fmt.Errorf("parse public key: %w", err)
	}
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(pub))), nil
}
