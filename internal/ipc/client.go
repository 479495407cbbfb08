package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"codeberg.org/mutker/nvfanctl/internal/errors"
)

const (
	DefaultClientTimeout = 2 * time.Second

	// the host part is ignored, every request goes to the socket
	baseURL = "http://nvfanctl"
)

// Client talks to a running daemon. Each call dials the socket once and
// closes the connection after the reply.
type Client struct {
	socket string
	http   *http.Client
}

func NewClient(socket string, timeout time.Duration) *Client {
	if socket == "" {
		socket = DefaultSocketPath
	}
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}

	dialer := &net.Dialer{Timeout: timeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socket)
		},
		DisableKeepAlives: true,
	}

	return &Client{
		socket: socket,
		http:   &http.Client{Transport: transport, Timeout: timeout},
	}
}

func (c *Client) Status(ctx context.Context) (StatusReply, error) {
	var reply StatusReply
	err := c.call(ctx, PathStatus, Request{Version: Version}, &reply)

	return reply, err
}

// SetOverride pins every fan at percentage until ClearOverride.
func (c *Client) SetOverride(ctx context.Context, percentage int) error {
	var reply Ack
	return c.call(ctx, PathOverride, OverrideRequest{Version: Version, Percentage: percentage}, &reply)
}

// ClearOverride returns the daemon to curve-driven control.
func (c *Client) ClearOverride(ctx context.Context) error {
	var reply Ack
	return c.call(ctx, PathOverrideClear, Request{Version: Version}, &reply)
}

// Shutdown asks the daemon to stop. It returns once the daemon has
// acknowledged, not once it has exited.
func (c *Client) Shutdown(ctx context.Context) error {
	var reply Ack
	return c.call(ctx, PathShutdown, Request{Version: Version}, &reply)
}

// Journal returns up to limit of the newest journal entries. Zero asks for
// the daemon's default.
func (c *Client) Journal(ctx context.Context, limit int) ([]JournalEntry, error) {
	var reply JournalReply
	if err := c.call(ctx, PathJournal, JournalRequest{Version: Version, Limit: limit}, &reply); err != nil {
		return nil, err
	}

	return reply.Entries, nil
}

// Alive reports whether a daemon answers on the socket.
func (c *Client) Alive(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+PathAlive, nil)
	if err != nil {
		return false
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

func (c *Client) call(ctx context.Context, path string, request, reply any) error {
	errFactory := errors.New()

	body, err := json.Marshal(request)
	if err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(body))
	if err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)

	resp, err := c.http.Do(req)
	if err != nil {
		return errFactory.Wrap(errors.ErrConnection, err).WithData(c.socket)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return errFactory.Wrap(errors.ErrConnection, err).WithData(c.socket)
	}

	if resp.StatusCode != http.StatusOK {
		return replyError(resp.StatusCode, data)
	}

	return decode(data, reply)
}

// replyError maps an ErrorReply to an error. A rejected argument is an
// invalid-argument error; anything else is a protocol error.
func replyError(status int, data []byte) error {
	errFactory := errors.New()

	var reply ErrorReply
	if err := decode(data, &reply); err != nil {
		return errFactory.WithMessage(errors.ErrProtocol,
			fmt.Sprintf("daemon answered %d with an unreadable body", status))
	}

	if reply.Reason == ReasonInvalidPercentage || reply.Reason == ReasonInvalidLimit {
		return errFactory.WithMessage(errors.ErrInvalidArgument, reply.Message).WithData(reply.Reason)
	}

	return errFactory.WithMessage(errors.ErrProtocol, reply.Message).WithData(reply.Reason)
}

// Reason returns the daemon's reason code carried by err, if any.
func Reason(err error) string {
	if !errors.HasCode(err, errors.ErrProtocol) && !errors.HasCode(err, errors.ErrInvalidArgument) {
		return ""
	}

	return reasonOf(err, "")
}
