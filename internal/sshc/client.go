// Copyright 2025 RPA Global
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sshc maintains the single long-lived SSH session to the
// cluster host. Every remote interaction of the control plane — kubectl
// invocations, telemetry probes and manifest file management — funnels
// through this client. A single mutex serializes channel operations so
// callers on any goroutine observe sequential access; a broken session
// is transparently reopened once per operation.
package sshc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/rpaglobal/docker-watcher/internal/config"
	"github.com/rpaglobal/docker-watcher/internal/errs"
)

const (
	// DefaultExecTimeout bounds a remote command when the caller does
	// not pass an explicit deadline.
	DefaultExecTimeout = 30 * time.Second
	// ProbeTimeout bounds connectivity probes.
	ProbeTimeout = 5 * time.Second

	dialTimeout = 10 * time.Second
)

// Client is the process-wide SSH session. The zero value is not usable;
// construct with New. Connection establishment is lazy: the first
// operation dials.
type Client struct {
	logger log.Logger

	mu   sync.Mutex
	opts config.SSH
	conn *ssh.Client
	sftp *sftp.Client
}

// New returns a client for the configured host. No connection is made
// until the first operation.
func New(logger log.Logger, opts config.SSH) *Client {
	return &Client{logger: logger, opts: opts}
}

// Reset swaps the connection parameters and drops any open session so
// the next operation dials with the new settings.
func (c *Client) Reset(opts config.SSH) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	c.opts = opts
}

// Close tears down the session and the SFTP sub-channel.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Client) closeLocked() {
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

func authMethods(opts config.SSH) ([]ssh.AuthMethod, error) {
	if opts.UseKey && opts.KeyPath != "" {
		key, err := os.ReadFile(opts.KeyPath)
		if err != nil {
			return nil, errs.Wrap(errs.Config, err, "reading ssh key")
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, errs.Wrap(errs.Config, err, "parsing ssh key")
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if opts.Password != "" {
		return []ssh.AuthMethod{ssh.Password(opts.Password)}, nil
	}
	return nil, errs.New(errs.Config, "ssh requires either a key or a password")
}

func (c *Client) connectLocked() error {
	if c.conn != nil {
		return nil
	}
	auth, err := authMethods(c.opts)
	if err != nil {
		return err
	}
	addr := fmt.Sprintf("%s:%d", c.opts.Host, c.opts.Port)
	conn, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            c.opts.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // host is operator-controlled infrastructure
		Timeout:         dialTimeout,
	})
	if err != nil {
		return errs.Wrap(errs.Transport, err, fmt.Sprintf("dialing ssh %s", addr))
	}
	c.conn = conn
	_ = level.Info(c.logger).Log("msg", "ssh session established", "addr", addr)
	return nil
}

func (c *Client) sftpLocked() (*sftp.Client, error) {
	if err := c.connectLocked(); err != nil {
		return nil, err
	}
	if c.sftp == nil {
		s, err := sftp.NewClient(c.conn)
		if err != nil {
			return nil, errs.Wrap(errs.Transport, err, "opening sftp channel")
		}
		c.sftp = s
	}
	return c.sftp, nil
}

// deadTransport reports whether err indicates the session itself is
// broken (as opposed to an operation-level failure like a missing
// file), which warrants one transparent reconnect.
func deadTransport(err error) bool {
	if err == nil {
		return false
	}
	if err == io.EOF || strings.Contains(err.Error(), "EOF") {
		return true
	}
	for _, marker := range []string{
		"connection reset",
		"broken pipe",
		"use of closed network connection",
		"handshake failed",
		"connection refused",
		"ssh: disconnect",
		"client not connected",
		"connection lost",
	} {
		if strings.Contains(err.Error(), marker) {
			return true
		}
	}
	return false
}

// withRetry runs op under the session mutex. If op fails because the
// transport died, the session (and SFTP) is reopened once and op is
// retried once; a second failure surfaces.
func (c *Client) withRetry(op func() error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(); err != nil {
		return err
	}
	err := op()
	if err == nil || !deadTransport(err) {
		return err
	}
	_ = level.Warn(c.logger).Log("msg", "ssh session lost, reconnecting", "err", err)
	c.closeLocked()
	if err := c.connectLocked(); err != nil {
		return err
	}
	if err := op(); err != nil {
		if deadTransport(err) {
			return errs.Wrap(errs.Transport, err, "ssh session lost")
		}
		return err
	}
	return nil
}

// Exec runs cmd on the remote host and returns its exit code, stdout
// and stderr. Non-zero exit codes are returned in-band without error;
// only transport failures and deadline expiry produce errors. The
// timeout defaults to DefaultExecTimeout when zero.
func (c *Client) Exec(ctx context.Context, cmd string, timeout time.Duration) (int, string, string, error) {
	if timeout <= 0 {
		timeout = DefaultExecTimeout
	}
	var exitCode int
	var stdout, stderr string
	err := c.withRetry(func() error {
		code, out, errOut, err := c.execLocked(ctx, cmd, timeout)
		exitCode, stdout, stderr = code, out, errOut
		return err
	})
	return exitCode, stdout, stderr, err
}

func (c *Client) execLocked(ctx context.Context, cmd string, timeout time.Duration) (int, string, string, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return 0, "", "", err
	}
	defer session.Close()

	var outBuf, errBuf bytes.Buffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	if err := session.Start(cmd); err != nil {
		return 0, "", "", err
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if ok := asExitError(err, &exitErr); ok {
				return exitErr.ExitStatus(), outBuf.String(), errBuf.String(), nil
			}
			return 0, outBuf.String(), errBuf.String(), err
		}
		return 0, outBuf.String(), errBuf.String(), nil
	case <-timer.C:
		_ = session.Close()
		return 0, outBuf.String(), errBuf.String(),
			errs.Newf(errs.Transport, "remote command timed out after %s", timeout)
	case <-ctx.Done():
		_ = session.Close()
		return 0, outBuf.String(), errBuf.String(), errs.Wrap(errs.Transport, ctx.Err(), "remote command canceled")
	}
}

func asExitError(err error, target **ssh.ExitError) bool {
	e, ok := err.(*ssh.ExitError)
	if ok {
		*target = e
	}
	return ok
}

// Probe checks the session end to end by echoing a token, using the
// short probe deadline. It returns liveness plus a human message.
func (c *Client) Probe(ctx context.Context) (bool, string) {
	code, out, _, err := c.Exec(ctx, "echo OK", ProbeTimeout)
	if err != nil {
		return false, err.Error()
	}
	if code != 0 || strings.TrimSpace(out) != "OK" {
		return false, fmt.Sprintf("probe exited %d", code)
	}
	return true, ""
}

// Put writes data to remotePath, creating parent directories as needed.
func (c *Client) Put(remotePath string, data []byte) error {
	return c.withRetry(func() error {
		s, err := c.sftpLocked()
		if err != nil {
			return err
		}
		if dir := path.Dir(remotePath); dir != "." && dir != "/" {
			if err := s.MkdirAll(dir); err != nil {
				return err
			}
		}
		f, err := s.Create(remotePath)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.Write(data)
		return err
	})
}

// Get reads the file at remotePath.
func (c *Client) Get(remotePath string) ([]byte, error) {
	var data []byte
	err := c.withRetry(func() error {
		s, err := c.sftpLocked()
		if err != nil {
			return err
		}
		f, err := s.Open(remotePath)
		if err != nil {
			if os.IsNotExist(err) {
				return errs.Newf(errs.NotFound, "remote file %s not found", remotePath)
			}
			return err
		}
		defer f.Close()
		data, err = io.ReadAll(f)
		return err
	})
	return data, err
}

// List returns the entry names under remoteDir. An absent directory is
// not an error: it yields an empty list, since the optional manifest
// paths may legitimately not exist yet.
func (c *Client) List(remoteDir string) ([]string, error) {
	var names []string
	err := c.withRetry(func() error {
		s, err := c.sftpLocked()
		if err != nil {
			return err
		}
		entries, err := s.ReadDir(remoteDir)
		if err != nil {
			if os.IsNotExist(err) {
				names = nil
				return nil
			}
			return err
		}
		names = make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		return nil
	})
	return names, err
}

// Exists reports whether remotePath exists.
func (c *Client) Exists(remotePath string) (bool, error) {
	var found bool
	err := c.withRetry(func() error {
		s, err := c.sftpLocked()
		if err != nil {
			return err
		}
		_, statErr := s.Stat(remotePath)
		if statErr == nil {
			found = true
			return nil
		}
		if os.IsNotExist(statErr) {
			found = false
			return nil
		}
		return statErr
	})
	return found, err
}

// Move renames a remote file, creating the destination directory first.
func (c *Client) Move(oldPath, newPath string) error {
	return c.withRetry(func() error {
		s, err := c.sftpLocked()
		if err != nil {
			return err
		}
		if dir := path.Dir(newPath); dir != "." && dir != "/" {
			if err := s.MkdirAll(dir); err != nil {
				return err
			}
		}
		return s.Rename(oldPath, newPath)
	})
}
