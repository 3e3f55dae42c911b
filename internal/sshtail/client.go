package sshtail

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kevinburke/ssh_config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DialParams carries everything needed to open one SSH connection. Fields
// left empty fall back to ~/.ssh/config and the SSH agent.
type DialParams struct {
	Host           string
	User           string
	Password       string
	PKey           string
	PKeyPassphrase string
	ConnectTimeout time.Duration
}

// StrictHostKeyChecking controls host key verification. Disabling it is
// insecure and intended only for lab/CI use.
var StrictHostKeyChecking = true

// Dial opens an SSH connection to p.Host, resolving hostname, port and
// user against ~/.ssh/config when the caller didn't supply them.
func Dial(p DialParams) (*ssh.Client, error) {
	addr, user := resolveAddress(p.Host, p.User)

	authMethods, err := authMethodsFor(p)
	if err != nil {
		return nil, err
	}
	if len(authMethods) == 0 {
		return nil, fmt.Errorf("sshtail: no authentication method available for %s", p.Host)
	}

	hostKeyCallback, err := hostKeyCallback()
	if err != nil {
		return nil, fmt.Errorf("sshtail: load known_hosts: %w", err)
	}

	timeout := p.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("sshtail: dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("sshtail: handshake with %s: %w", addr, err)
	}

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// resolveAddress fills in a port (default 22) and username, consulting
// ~/.ssh/config for any alias the caller defined there.
func resolveAddress(host, user string) (addr, resolvedUser string) {
	hostname := host
	port := "22"
	resolvedUser = user

	if hostname2, _ := sshConfigGet(host, "HostName"); hostname2 != "" {
		hostname = hostname2
	}
	if port2, _ := sshConfigGet(host, "Port"); port2 != "" {
		port = port2
	}
	if resolvedUser == "" {
		if user2, _ := sshConfigGet(host, "User"); user2 != "" {
			resolvedUser = user2
		}
	}
	if resolvedUser == "" {
		resolvedUser = currentUser()
	}

	if strings.Contains(hostname, ":") && !strings.HasPrefix(hostname, "[") {
		return hostname, resolvedUser
	}
	return net.JoinHostPort(hostname, port), resolvedUser
}

var sshConfigOnce sync.Once
var sshConfigDecoded *ssh_config.Config

func sshConfigGet(host, key string) (string, error) {
	sshConfigOnce.Do(func() {
		path := filepath.Join(homeDir(), ".ssh", "config")
		data, err := os.ReadFile(path)
		if err != nil {
			return
		}
		cfg, err := ssh_config.Decode(strings.NewReader(string(data)))
		if err != nil {
			return
		}
		sshConfigDecoded = cfg
	})
	if sshConfigDecoded == nil {
		return "", nil
	}
	return sshConfigDecoded.Get(host, key)
}

// authMethodsFor builds the auth method list: explicit password or private
// key first (from the scrape config), then the SSH agent as a fallback.
func authMethodsFor(p DialParams) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if p.PKey != "" {
		key, err := os.ReadFile(p.PKey)
		if err != nil {
			return nil, fmt.Errorf("sshtail: read private key %s: %w", p.PKey, err)
		}
		signer, err := parsePrivateKey(key, p.PKeyPassphrase)
		if err != nil {
			return nil, fmt.Errorf("sshtail: parse private key %s: %w", p.PKey, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if p.Password != "" {
		methods = append(methods, ssh.Password(p.Password))
	}

	if agentAuth := agentAuthMethod(); agentAuth != nil {
		methods = append(methods, agentAuth)
	}

	return methods, nil
}

// parsePrivateKey parses an SSH private key, decrypting it with
// passphrase first when one is supplied (resolved from
// pkey_passphrase_env) and falling back to an unencrypted parse.
func parsePrivateKey(key []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		return ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	}
	return ssh.ParsePrivateKey(key)
}

func agentAuthMethod() ssh.AuthMethod {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil
	}
	client := agent.NewClient(conn)
	signers, err := client.Signers()
	if err != nil || len(signers) == 0 {
		return nil
	}
	return ssh.PublicKeysCallback(client.Signers)
}

func hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !StrictHostKeyChecking {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // explicitly opted out
	}
	path := filepath.Join(homeDir(), ".ssh", "known_hosts")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			return nil, err
		}
	}
	return knownhosts.New(path)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.Getenv("HOME")
	}
	return home
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "root"
}
