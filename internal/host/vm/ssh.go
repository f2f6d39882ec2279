package vm

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/containerd/log"
	"golang.org/x/crypto/ssh"
)

const sshPort = "22"

// WaitUntilSSHUp blocks until the guest accepts an SSH login with signer,
// bounded by timeout.
func (m *Machine) WaitUntilSSHUp(ctx context.Context, timeout time.Duration, signer ssh.Signer) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		host, err := m.SSHHostname(ctx, timeout)
		if err != nil {
			return err
		}

		err = m.probeSSH(ctx, host, signer)
		if err == nil {
			log.G(ctx).WithFields(log.Fields{"instance": m.name, "host": host}).Info("vm: ssh is up")
			return nil
		}
		log.G(ctx).WithError(err).WithField("instance", m.name).Debug("vm: ssh not ready")

		select {
		case <-ctx.Done():
			return &NetworkDiscoveryError{Name: m.name, Err: fmt.Errorf("ssh on %s: %w", host, ctx.Err())}
		case <-ticker.C:
		}
	}
}

func (m *Machine) probeSSH(ctx context.Context, host string, signer ssh.Signer) error {
	addr := net.JoinHostPort(host, sshPort)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	cfg := &ssh.ClientConfig{
		User: m.SSHUsername(),
		Auth: []ssh.AuthMethod{ssh.PublicKeys(signer)},
		// Guest host keys are generated on first boot and never known ahead.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		_ = conn.Close()
		return err
	}
	return ssh.NewClient(c, chans, reqs).Close()
}
