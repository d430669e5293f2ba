// Package printer speaks the Stratasys modeler status protocol: a short
// GetFile exchange over TCP that returns the status.sts file, followed by a
// parser for the TCL flavoured content of that file.
package printer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultPort            = 53742
	DefaultTimeout         = 2 * time.Second
	DefaultTransferTimeout = 5 * time.Second
	DefaultRetryAttempts   = 3
	DefaultRetryDelay      = 1 * time.Second
	DefaultPacketSize      = 64
	DefaultStatusFile      = "status.sts"

	chunkSize = 1460

	// maxStatusSize bounds the size a modeler may announce. Real status files
	// are a few KiB.
	maxStatusSize = 4 << 20
)

// Pauses the modeler needs between protocol steps.
var (
	commandDelay  = 4 * time.Millisecond
	responseDelay = 18 * time.Millisecond
	transferDelay = 46 * time.Millisecond
)

type Config struct {
	Host            string
	Port            int
	Timeout         time.Duration
	TransferTimeout time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
	PacketSize      int
	StatusFile      string
}

func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = DefaultTransferTimeout
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.PacketSize <= 0 {
		c.PacketSize = DefaultPacketSize
	}
	if c.StatusFile == "" {
		c.StatusFile = DefaultStatusFile
	}
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	return nil
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Client fetches status from a single modeler. Each attempt uses a fresh
// connection; the modeler does not accept a second GetFile on the same socket.
type Client struct {
	cfg    Config
	logger *slog.Logger
}

func NewClient(logger *slog.Logger, cfg Config) (*Client, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Client{cfg: cfg, logger: logger.With("printer", cfg.Addr())}, nil
}

func (c *Client) Addr() string {
	return c.cfg.Addr()
}

// FetchStatus downloads and parses the status file, retrying up to
// RetryAttempts times with RetryDelay between attempts.
func (c *Client) FetchStatus(ctx context.Context) (Status, error) {
	var status Status
	attempt := 0

	op := func() error {
		attempt++

		data, err := c.fetchOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}

		st, err := Parse(data)
		if err != nil {
			return err
		}

		status = st
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("Status attempt failed, will retry.", "attempt", attempt, "wait", wait, "err", err)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryDelay), uint64(c.cfg.RetryAttempts-1)),
		ctx,
	)

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return nil, fmt.Errorf("fetch status after %d attempts: %w", attempt, err)
	}

	return status, nil
}

func (c *Client) fetchOnce(ctx context.Context) ([]byte, error) {
	d := net.Dialer{Timeout: c.cfg.Timeout}

	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %w", classify(err), err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	c.logger.Debug("Connected to printer.")

	return c.exchange(ctx, conn)
}

func (c *Client) exchange(ctx context.Context, conn net.Conn) ([]byte, error) {
	for _, step := range []struct {
		cmd   string
		pause time.Duration
	}{
		{"GetFile", commandDelay},
		{c.cfg.StatusFile, commandDelay},
		{"NA", responseDelay},
	} {
		if err := c.send(conn, step.cmd); err != nil {
			return nil, err
		}
		if err := sleep(ctx, step.pause); err != nil {
			return nil, err
		}
	}

	if err := c.expect(conn, "SendFile"); err != nil {
		return nil, err
	}
	if err := sleep(ctx, transferDelay); err != nil {
		return nil, err
	}
	if err := c.expect(conn, "NA"); err != nil {
		return nil, err
	}

	if err := c.send(conn, "OK"); err != nil {
		return nil, err
	}

	sizePacket, err := c.recv(conn, c.cfg.PacketSize, c.cfg.Timeout)
	if err != nil {
		return nil, err
	}
	expected, err := parseSize(sizePacket)
	if err != nil {
		return nil, err
	}

	if err := c.send(conn, "OK"); err != nil {
		return nil, err
	}

	data, err := c.receiveFile(conn, expected)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Received status file.", "bytes", len(data), "expected", expected)

	if err := c.send(conn, fmt.Sprintf("%s %d", transferMarker, len(data))); err != nil {
		return nil, err
	}

	return data, nil
}

func (c *Client) receiveFile(conn net.Conn, expected int) ([]byte, error) {
	data := make([]byte, 0, min(expected, chunkSize*16))
	buf := make([]byte, chunkSize)

	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.TransferTimeout)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	for len(data) < expected {
		n, err := conn.Read(buf)
		chunk := buf[:n]
		data = append(data, chunk...)

		if bytes.Contains(chunk, []byte(transferMarker)) {
			break
		}

		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) {
			if len(data) == 0 {
				return nil, fmt.Errorf("%w: connection closed without data", ErrProtocol)
			}
			break
		}

		if classify(err) == ErrTimeout && len(data) > 0 {
			c.logger.Warn("Timeout after partial status data.", "bytes", len(data), "expected", expected)
			break
		}

		return nil, fmt.Errorf("%w: receive file: %w", classify(err), err)
	}

	return data, nil
}

func (c *Client) send(conn net.Conn, cmd string) error {
	packet := make([]byte, max(len(cmd), c.cfg.PacketSize))
	copy(packet, cmd)

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout)); err != nil {
		return fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if _, err := conn.Write(packet); err != nil {
		return fmt.Errorf("%w: send %q: %w", classify(err), cmd, err)
	}

	return nil
}

func (c *Client) recv(conn net.Conn, size int, timeout time.Duration) ([]byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	buf := make([]byte, size)
	n, err := conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: connection closed by printer", ErrProtocol)
	}

	return nil, fmt.Errorf("%w: receive: %w", classify(err), err)
}

func (c *Client) expect(conn net.Conn, token string) error {
	packet, err := c.recv(conn, c.cfg.PacketSize, c.cfg.Timeout)
	if err != nil {
		return err
	}
	if !bytes.Contains(packet, []byte(token)) {
		return fmt.Errorf("%w: expected %s, got %q", ErrProtocol, token, trimPacket(packet))
	}
	return nil
}

// parseSize reads the leading byte count from a packet such as "3597 \x00\x00...".
func parseSize(packet []byte) (int, error) {
	fields := bytes.Fields(trimPacket(packet))
	if len(fields) == 0 {
		return 0, fmt.Errorf("%w: empty size packet", ErrProtocol)
	}

	n, err := strconv.Atoi(string(fields[0]))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: invalid size %q", ErrProtocol, fields[0])
	}
	if n > maxStatusSize {
		return 0, fmt.Errorf("%w: size %d exceeds %d", ErrProtocol, n, maxStatusSize)
	}

	return n, nil
}

func trimPacket(packet []byte) []byte {
	return bytes.TrimSpace(bytes.TrimRight(packet, "\x00"))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
