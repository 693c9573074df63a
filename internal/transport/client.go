package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/yairfalse/vahti/internal/failover"
	"github.com/yairfalse/vahti/types"
)

// ErrTransportUnavailable is returned when every server of the failover
// list was tried and none could be reached.
var ErrTransportUnavailable = errors.New("transport unavailable: all failover servers unreachable")

// TLSConfig configures secure connections. Without a CA file the system pool is used.
type TLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// Config configures the server client.
type Config struct {
	Agent       string
	Secure      bool
	TLS         TLSConfig
	CallTimeout time.Duration
	// FailoverPath, when set, is where RefreshFailoverList persists a changed list.
	FailoverPath string
}

// SwitchFunc is called after the client moved to another server.
// prev is the zero entry on the first connection.
type SwitchFunc func(prev, next failover.ServerEntry)

// Client talks to the management server through the failover list.
// It holds one connection at a time.
type Client struct {
	cfg   Config
	creds credentials.TransportCredentials

	mu       sync.Mutex
	list     *failover.List
	conn     *grpc.ClientConn
	current  failover.ServerEntry
	onSwitch SwitchFunc
}

var _ ServerService = (*Client)(nil)

// NewClient creates a client. No connection is made until the first call.
func NewClient(cfg Config, list *failover.List) (*Client, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	creds, err := transportCredentials(cfg)
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = failover.NewList()
	}
	return &Client{cfg: cfg, creds: creds, list: list}, nil
}

func transportCredentials(cfg Config) (credentials.TransportCredentials, error) {
	if !cfg.Secure {
		return insecure.NewCredentials(), nil
	}

	tlsConfig := &tls.Config{
		ServerName:         cfg.TLS.ServerName,
		InsecureSkipVerify: cfg.TLS.InsecureSkipVerify, //nolint:gosec // operator opt-in
		MinVersion:         tls.VersionTLS12,
	}
	if cfg.TLS.CAFile != "" {
		caCert, err := os.ReadFile(cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.TLS.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(tlsConfig), nil
}

// OnSwitch registers the server switch callback.
func (c *Client) OnSwitch(fn SwitchFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSwitch = fn
}

// List returns the failover list in use.
func (c *Client) List() *failover.List {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list
}

// SetList replaces the failover list. The current connection is kept if its
// server is still listed.
func (c *Client) SetList(l *failover.List) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.list = l
	if c.conn != nil && !contains(l, c.current) {
		log.Info().Str("server", c.current.String()).Msg("Current server dropped from failover list, disconnecting")
		c.closeLocked()
	}
}

func contains(l *failover.List, e failover.ServerEntry) bool {
	for _, s := range l.Servers() {
		if s.Equal(e) {
			return true
		}
	}
	return false
}

// Current returns the server the client is connected to.
func (c *Client) Current() (failover.ServerEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.conn != nil
}

// Close drops the current connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) endpoint(e failover.ServerEntry) string {
	if c.cfg.Secure {
		return e.SecureEndpoint()
	}
	return e.Endpoint()
}

func (c *Client) dial(e failover.ServerEntry) (*grpc.ClientConn, error) {
	return grpc.NewClient(c.endpoint(e), grpc.WithTransportCredentials(c.creds), callCodec())
}

// use makes conn (to e) the current connection and fires the switch callback.
func (c *Client) use(e failover.ServerEntry, conn *grpc.ClientConn) {
	c.mu.Lock()
	prev := c.current
	if c.conn != nil && c.conn != conn {
		_ = c.conn.Close()
	}
	c.conn = conn
	c.current = e
	cb := c.onSwitch
	c.mu.Unlock()

	if !prev.Equal(e) {
		log.Info().Str("from", prev.String()).Str("to", e.String()).Msg("Switched server")
		if cb != nil {
			cb(prev, e)
		}
	}
}

func isConnectivity(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}

func (c *Client) call(ctx context.Context, conn *grpc.ClientConn, method string, req, resp any) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	return conn.Invoke(callCtx, method, req, resp)
}

// invoke runs one call on the current server, failing over through the
// list on connectivity errors. Every entry is tried at most once per call.
func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	c.mu.Lock()
	list, conn := c.list, c.conn
	c.mu.Unlock()

	attempts := list.Len()
	if attempts == 0 {
		return fmt.Errorf("%w: failover list is empty", ErrTransportUnavailable)
	}

	var lastErr error
	if conn != nil {
		lastErr = c.call(ctx, conn, method, req, resp)
		if lastErr == nil || !isConnectivity(lastErr) || ctx.Err() != nil {
			return lastErr
		}
		attempts--
		log.Warn().Err(lastErr).Str("method", method).Msg("Server unreachable, failing over")
		c.mu.Lock()
		if c.conn == conn {
			c.closeLocked()
		}
		c.mu.Unlock()
	}

	for range attempts {
		entry, ok := list.Next()
		if !ok {
			break
		}
		next, err := c.dial(entry)
		if err != nil {
			lastErr = err
			continue
		}
		err = c.call(ctx, next, method, req, resp)
		if err == nil {
			c.use(entry, next)
			return nil
		}
		if !isConnectivity(err) {
			// Reachable server, the call itself failed.
			c.use(entry, next)
			return err
		}
		_ = next.Close()
		lastErr = err
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Debug().Err(err).Str("server", entry.String()).Msg("Failover candidate unreachable")
	}
	return fmt.Errorf("%w: %w", ErrTransportUnavailable, lastErr)
}

// SwitchToPrimary moves the client back to the first server of the list
// when it is connected elsewhere and the primary answers again. The cursor
// is reset so a later failover starts over from the primary's successors.
func (c *Client) SwitchToPrimary(ctx context.Context) (bool, error) {
	c.mu.Lock()
	list, current, connected := c.list, c.current, c.conn != nil
	c.mu.Unlock()

	primary, ok := list.Primary()
	if !ok || (connected && current.Equal(primary)) {
		return false, nil
	}

	conn, err := c.dial(primary)
	if err != nil {
		return false, err
	}
	req := &types.FailoverListRequest{Agent: c.cfg.Agent}
	if err := c.call(ctx, conn, fullMethod(ServerServiceName, "GetFailoverList"), req, new(types.FailoverListResponse)); err != nil {
		_ = conn.Close()
		return false, err
	}

	list.ResetIndex()
	list.Next()
	c.use(primary, conn)
	return true, nil
}

// RefreshFailoverList fetches the server's list and adopts it when it differs.
func (c *Client) RefreshFailoverList(ctx context.Context) (bool, error) {
	resp, err := c.GetFailoverList(ctx, &types.FailoverListRequest{Agent: c.cfg.Agent})
	if err != nil {
		return false, err
	}
	fresh, err := failover.ParseLines(resp.Servers)
	if err != nil {
		return false, err
	}
	if fresh.Len() == 0 || fresh.Equal(c.List()) {
		return false, nil
	}

	c.SetList(fresh)
	log.Info().Int("servers", fresh.Len()).Msg("Failover list updated by server")
	if c.cfg.FailoverPath != "" {
		if err := failover.Save(c.cfg.FailoverPath, fresh); err != nil {
			return true, fmt.Errorf("persist failover list: %w", err)
		}
	}
	return true, nil
}

func (c *Client) MergeInventoryReport(ctx context.Context, req *types.InventoryReport) (*types.MergeResponse, error) {
	out := new(types.MergeResponse)
	if err := c.invoke(ctx, fullMethod(ServerServiceName, "MergeInventoryReport"), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PostProcessNewlyCommittedResources(ctx context.Context, req *types.CommitRequest) (*types.ScheduleResponse, error) {
	out := new(types.ScheduleResponse)
	if err := c.invoke(ctx, fullMethod(ServerServiceName, "PostProcessNewlyCommittedResources"), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendMeasurementReport(ctx context.Context, req *types.MeasurementReport) (*types.Ack, error) {
	out := new(types.Ack)
	if err := c.invoke(ctx, fullMethod(ServerServiceName, "SendMeasurementReport"), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendAvailabilityReport(ctx context.Context, req *types.AvailabilityReport) (*types.Ack, error) {
	out := new(types.Ack)
	if err := c.invoke(ctx, fullMethod(ServerServiceName, "SendAvailabilityReport"), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetFailoverList(ctx context.Context, req *types.FailoverListRequest) (*types.FailoverListResponse, error) {
	out := new(types.FailoverListResponse)
	if err := c.invoke(ctx, fullMethod(ServerServiceName, "GetFailoverList"), req, out); err != nil {
		return nil, err
	}
	return out, nil
}
