// Package bootstrap drives a freshly created server from "has an IP" to
// "is running a registered CI runner": it opens SSH, uploads and executes
// the setup script as root, fetches a fresh runner registration token,
// then uploads and executes the startup script as the runner user.
package bootstrap

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/pylonhq/fleetrunner/internal/xerrors"
)

// Env is the environment presented to the setup and startup scripts.
type Env struct {
	GitHubRepository    string
	GitHubRunnerToken   string
	GitHubRunnerGroup   string
	GitHubRunnerLabels  []string
	ServerTypeName      string
	ServerLocationName  string
	CacheDir            string
}

func (e Env) lines() []string {
	out := []string{
		"GITHUB_REPOSITORY=" + e.GitHubRepository,
		"GITHUB_RUNNER_TOKEN=" + e.GitHubRunnerToken,
		"GITHUB_RUNNER_GROUP=" + e.GitHubRunnerGroup,
		"GITHUB_RUNNER_LABELS=" + joinComma(e.GitHubRunnerLabels),
		"SERVER_TYPE_NAME=" + e.ServerTypeName,
		"SERVER_LOCATION_NAME=" + e.ServerLocationName,
	}
	if e.CacheDir != "" {
		out = append(out, "CACHE_DIR="+e.CacheDir)
	}
	return out
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

// TokenFetcher mints a fresh runner registration token. The bootstrap
// driver calls it no earlier than just before running the startup script,
// since registration tokens are short-lived.
type TokenFetcher func(ctx context.Context) (string, error)

// Driver opens SSH sessions against freshly created servers and runs the
// bootstrap sequence against them.
type Driver struct {
	signer        ssh.Signer
	dialTimeout   time.Duration
	backoffCap    time.Duration
	logger        *zap.SugaredLogger
}

// NewDriver builds a Driver that authenticates with the given private key
// signer. Host-key verification is intentionally disabled: the controller
// connects to a server it just created, over the cloud provider's network,
// before any host key has ever been recorded for that IP.
func NewDriver(signer ssh.Signer, logger *zap.SugaredLogger) *Driver {
	return &Driver{
		signer:      signer,
		dialTimeout: 5 * time.Second,
		backoffCap:  10 * time.Second,
		logger:      logger,
	}
}

// Result is what a successful bootstrap run produced, kept only for
// logging and metrics — nothing downstream depends on its fields.
type Result struct {
	SetupOutput   string
	StartupOutput string
}

// Run drives the full bootstrap sequence against host (an IP, dialed on
// port 22 unless it carries an explicit "host:port"), giving up once
// readyDeadline passes without a successful SSH connection. setupScript
// runs as root; startupScript runs as the non-root user the setup script
// is expected to have created, and is expected to daemonize the runner
// process so that SSH session termination does not kill it.
func (d *Driver) Run(ctx context.Context, host string, setupScript, startupScript []byte, env Env, fetchToken TokenFetcher, readyDeadline time.Time) (Result, error) {
	client, err := d.dialWithRetry(ctx, host, readyDeadline)
	if err != nil {
		return Result{}, &xerrors.Transient{Err: err}
	}
	defer client.Close()

	if err := d.upload(client, "/root/setup.sh", setupScript); err != nil {
		return Result{}, &xerrors.Transient{Err: err}
	}

	setupOut, err := d.runAs(client, "root", "chmod +x /root/setup.sh && /root/setup.sh", env)
	if err != nil {
		return Result{}, &xerrors.Bootstrap{Err: fmt.Errorf("setup script failed: %w (output: %s)", err, setupOut)}
	}

	token, err := fetchToken(ctx)
	if err != nil {
		return Result{}, &xerrors.Transient{Err: fmt.Errorf("fetching runner registration token: %w", err)}
	}
	env.GitHubRunnerToken = token

	if err := d.upload(client, "/home/runner/startup.sh", startupScript); err != nil {
		return Result{}, &xerrors.Transient{Err: err}
	}

	startupOut, err := d.runAs(client, "runner", "chmod +x /home/runner/startup.sh && /home/runner/startup.sh", env)
	if err != nil {
		return Result{}, &xerrors.Bootstrap{Err: fmt.Errorf("startup script failed: %w (output: %s)", err, startupOut)}
	}

	return Result{SetupOutput: setupOut, StartupOutput: startupOut}, nil
}

func (d *Driver) dialWithRetry(ctx context.Context, host string, deadline time.Time) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            "root",
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(d.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.dialTimeout,
	}

	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, "22")
	}

	backoff := 500 * time.Millisecond
	for {
		client, err := ssh.Dial("tcp", addr, cfg)
		if err == nil {
			return client, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("ssh dial %s: %w (deadline exceeded)", host, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > d.backoffCap {
			backoff = d.backoffCap
		}
	}
}

func (d *Driver) upload(client *ssh.Client, remotePath string, content []byte) error {
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("opening sftp session: %w", err)
	}
	defer sftpClient.Close()

	f, err := sftpClient.Create(remotePath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", remotePath, err)
	}
	defer f.Close()

	if _, err := f.Write(content); err != nil {
		return fmt.Errorf("writing %s: %w", remotePath, err)
	}
	return nil
}

// runAs opens a new session and runs command with env exported first. SSH
// sessions don't propagate arbitrary environment variables by default
// (sshd's AcceptEnv typically allowlists almost nothing), so the env is
// inlined as shell "export" statements ahead of the command instead of
// sent via session.Setenv.
//
// The SSH session itself always authenticates as root — Hetzner images
// have no other user until the setup script creates one — so running as
// anyone else means dropping privilege inside the session with su rather
// than relying on the transport. user == "root" skips the su wrapper
// entirely and runs the script directly.
func (d *Driver) runAs(client *ssh.Client, user, command string, env Env) (string, error) {
	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("opening ssh session: %w", err)
	}
	defer session.Close()

	var out bytes.Buffer
	session.Stdout = &out
	session.Stderr = &out

	script := exportLines(env) + command
	if user != "root" {
		script = "su - " + user + " -c " + shellSingleQuote(script)
	}
	if err := session.Run(script); err != nil {
		return out.String(), err
	}
	return out.String(), nil
}

// shellSingleQuote wraps an entire script as a single shell word, for
// handing a multi-line export-then-run script to "su - user -c".
func shellSingleQuote(s string) string {
	return "'" + escapeSingleQuotes(s) + "'"
}

func exportLines(env Env) string {
	out := ""
	for _, line := range env.lines() {
		out += "export " + shellQuote(line) + "\n"
	}
	return out
}

// shellQuote wraps KEY=value as KEY='value' so values containing spaces
// or shell metacharacters survive the export. The runner token in
// particular is an opaque bearer string that must not be word-split.
func shellQuote(kv string) string {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i] + "='" + escapeSingleQuotes(kv[i+1:]) + "'"
		}
	}
	return kv
}

func escapeSingleQuotes(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'', '\\', '\'', '\'')
			continue
		}
		out = append(out, s[i])
	}
	return string(out)
}
