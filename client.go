package memtap

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/pior/memtap/binprot"
	"github.com/puzpuzpuz/xsync/v3"
)

// Item is a cached value with its metadata.
type Item struct {
	Key     string
	Value   []byte
	Flags   uint32
	Expiry  uint32 // seconds, or a unix timestamp past 30 days
	CAS     uint64
	VBucket uint16
	Found   bool // indicates whether the key was found in cache
}

// Querier is the key-value API of Client.
type Querier interface {
	Get(ctx context.Context, key string) (Item, error)
	GetK(ctx context.Context, key string) (Item, error)
	Set(ctx context.Context, item Item) (uint64, error)
	Add(ctx context.Context, item Item) (uint64, error)
	Replace(ctx context.Context, item Item) (uint64, error)
	Delete(ctx context.Context, key string) error
}

// Config holds configuration for the client connection pools.
type Config struct {
	// MaxSize is the maximum number of connections per server.
	// Defaults to 10.
	MaxSize int32

	// Timeout bounds each operation whose context has no deadline.
	// Zero means no limit.
	Timeout time.Duration

	// MaxConnLifetime is the maximum duration a connection can be reused.
	// Zero means no limit.
	MaxConnLifetime time.Duration

	// MaxConnIdleTime is the maximum duration a connection can be idle before being closed.
	// Zero means no limit.
	MaxConnIdleTime time.Duration

	// HealthCheckInterval is how often idle connections are checked with a
	// VERSION round trip. Zero disables health checks.
	HealthCheckInterval time.Duration

	// Dialer is the net.Dialer used to create new connections.
	// If nil, the default net.Dialer is used.
	Dialer *net.Dialer

	// Pool is the connection pool factory.
	// If nil, NewChannelPool is used. NewPuddlePool is the alternative.
	Pool PoolFactory

	// SelectServer picks which server to use for a key.
	// If nil, uses DefaultSelectServer.
	SelectServer SelectServerFunc

	// NewCircuitBreaker creates a circuit breaker for a server.
	// Called once per server address when the pool is created.
	// If nil, no circuit breaker is used.
	NewCircuitBreaker func(serverAddr string) CircuitBreaker

	// VBuckets is the number of vbuckets keys are hashed into. It must be a
	// power of two. Defaults to 128.
	VBuckets int

	// for testing purposes only
	constructor func(ctx context.Context) (*Connection, error)
}

func (c Config) maxSize() int32 {
	if c.MaxSize <= 0 {
		return 10
	}
	return c.MaxSize
}

func (c Config) dialer() *net.Dialer {
	if c.Dialer == nil {
		return &net.Dialer{}
	}
	return c.Dialer
}

func (c Config) vbuckets() int {
	if c.VBuckets <= 0 {
		return binprot.DefaultVBuckets
	}
	return c.VBuckets
}

// Client is a binary protocol client with a connection pool per server.
type Client struct {
	servers      Servers
	selectServer SelectServerFunc
	config       Config

	pools *xsync.MapOf[string, *ServerPool]

	stopHealthCheck chan struct{}

	stats clientCounters
}

var _ Querier = (*Client)(nil)

// NewClient creates a new client with the given servers and configuration.
// For a single server, use: NewClient(NewStaticServers("host:port"), config)
func NewClient(servers Servers, config Config) (*Client, error) {
	if len(servers.List()) == 0 {
		return nil, ErrNoServers
	}
	if n := config.vbuckets(); n&(n-1) != 0 {
		return nil, fmt.Errorf("memtap: vbucket count %d is not a power of two", n)
	}

	selectServer := config.SelectServer
	if selectServer == nil {
		selectServer = DefaultSelectServer
	}

	client := &Client{
		servers:         servers,
		selectServer:    selectServer,
		config:          config,
		pools:           xsync.NewMapOf[string, *ServerPool](),
		stopHealthCheck: make(chan struct{}),
	}

	if config.HealthCheckInterval > 0 {
		go client.healthCheckLoop()
	}

	return client, nil
}

// Close closes the client and destroys all connections in all pools.
func (c *Client) Close() {
	if c.config.HealthCheckInterval > 0 {
		close(c.stopHealthCheck)
	}

	c.pools.Range(func(_ string, sp *ServerPool) bool {
		sp.Close()
		return true
	})
}

// selectServerForKey picks the server address for a given key.
func (c *Client) selectServerForKey(key string) (string, error) {
	return c.selectServer(key, c.servers.List())
}

// getPoolForKey returns the pool for the server that should handle this key.
func (c *Client) getPoolForKey(key string) (*ServerPool, error) {
	addr, err := c.selectServerForKey(key)
	if err != nil {
		return nil, err
	}
	return c.getOrCreatePool(addr)
}

// getOrCreatePool gets or lazily creates the pool of a server.
func (c *Client) getOrCreatePool(addr string) (*ServerPool, error) {
	if sp, ok := c.pools.Load(addr); ok {
		return sp, nil
	}

	var createErr error
	sp, _ := c.pools.Compute(addr, func(existing *ServerPool, loaded bool) (*ServerPool, bool) {
		if loaded {
			return existing, false
		}
		sp, err := NewServerPool(addr, c.config)
		if err != nil {
			createErr = err
			return nil, true
		}
		return sp, false
	})
	if createErr != nil {
		return nil, createErr
	}
	return sp, nil
}

// VBucketForKey returns the vbucket requests for key are tagged with.
func (c *Client) VBucketForKey(key string) uint16 {
	return binprot.VBucketForKey([]byte(key), c.config.vbuckets())
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.config.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.config.Timeout)
}

// execute runs req on the given server pool.
func (c *Client) execute(ctx context.Context, sp *ServerPool, req binprot.Message) (binprot.Message, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	rsp, err := sp.Execute(ctx, req)
	if err != nil {
		c.stats.recordError()
		return nil, err
	}
	return rsp, nil
}

// executeForKey runs req on the server owning key.
func (c *Client) executeForKey(ctx context.Context, key string, req binprot.Message) (binprot.Message, error) {
	if err := binprot.ValidateKey(key); err != nil {
		c.stats.recordError()
		return nil, err
	}

	sp, err := c.getPoolForKey(key)
	if err != nil {
		c.stats.recordError()
		return nil, err
	}
	return c.execute(ctx, sp, req)
}

// Get retrieves a single item. A missing key is not an error: the item is
// returned with Found set to false.
func (c *Client) Get(ctx context.Context, key string) (Item, error) {
	return c.get(ctx, binprot.NewGetRequest(key, c.VBucketForKey(key)))
}

// GetK is Get using GETK, for which the server echoes the key.
func (c *Client) GetK(ctx context.Context, key string) (Item, error) {
	return c.get(ctx, binprot.NewGetKRequest(key, c.VBucketForKey(key)))
}

func (c *Client) get(ctx context.Context, req *binprot.GetRequest) (Item, error) {
	key := string(req.Key)

	msg, err := c.executeForKey(ctx, key, req)
	if err != nil {
		return Item{}, err
	}

	rsp, ok := msg.(*binprot.GetResponse)
	if !ok {
		c.stats.recordError()
		return Item{}, fmt.Errorf("%w: %T", ErrUnexpectedMessage, msg)
	}

	switch rsp.Status {
	case binprot.StatusNoError:
	case binprot.StatusKeyNotFound:
		c.stats.recordGet(false)
		return Item{Key: key, VBucket: req.VBucket}, nil
	default:
		c.stats.recordError()
		return Item{}, rsp.Err()
	}

	c.stats.recordGet(true)
	if rsp.Key != nil {
		key = string(rsp.Key)
	}
	return Item{
		Key:     key,
		Value:   rsp.Value,
		Flags:   rsp.Flags,
		CAS:     rsp.CAS,
		VBucket: req.VBucket,
		Found:   true,
	}, nil
}

// Set stores an item unconditionally and returns its new CAS.
func (c *Client) Set(ctx context.Context, item Item) (uint64, error) {
	req := binprot.NewSetRequest(item.Key, c.VBucketForKey(item.Key), item.Value, item.Flags, item.Expiry)
	cas, err := c.store(ctx, req)
	if err == nil {
		c.stats.recordSet()
	}
	return cas, err
}

// Add stores an item only if the key doesn't already exist. An existing key
// returns an error matching binprot.ErrKeyExists.
func (c *Client) Add(ctx context.Context, item Item) (uint64, error) {
	req := binprot.NewAddRequest(item.Key, c.VBucketForKey(item.Key), item.Value, item.Flags, item.Expiry)
	cas, err := c.store(ctx, req)
	if err == nil {
		c.stats.recordAdd()
	}
	return cas, err
}

// Replace stores an item only if the key exists. When item.CAS is non-zero
// the stored item must still have that CAS, otherwise the error matches
// binprot.ErrKeyExists.
func (c *Client) Replace(ctx context.Context, item Item) (uint64, error) {
	req := binprot.NewReplaceRequest(item.Key, c.VBucketForKey(item.Key), item.Value, item.Flags, item.Expiry, item.CAS)
	cas, err := c.store(ctx, req)
	if err == nil {
		c.stats.recordReplace()
	}
	return cas, err
}

func (c *Client) store(ctx context.Context, req *binprot.StoreRequest) (uint64, error) {
	msg, err := c.executeForKey(ctx, string(req.Key), req)
	if err != nil {
		return 0, err
	}

	rsp, ok := msg.(*binprot.StoreResponse)
	if !ok {
		c.stats.recordError()
		return 0, fmt.Errorf("%w: %T", ErrUnexpectedMessage, msg)
	}
	if err := rsp.Err(); err != nil {
		c.stats.recordError()
		return 0, err
	}
	return rsp.CAS, nil
}

// Delete removes an item. A missing key returns an error matching
// binprot.ErrKeyNotFound.
func (c *Client) Delete(ctx context.Context, key string) error {
	msg, err := c.executeForKey(ctx, key, binprot.NewDeleteRequest(key, c.VBucketForKey(key)))
	if err != nil {
		return err
	}

	rsp, ok := msg.(*binprot.DeleteResponse)
	if !ok {
		c.stats.recordError()
		return fmt.Errorf("%w: %T", ErrUnexpectedMessage, msg)
	}
	if err := rsp.Err(); err != nil {
		c.stats.recordError()
		return err
	}

	c.stats.recordDelete()
	return nil
}

// Version returns the version string of the server at addr.
func (c *Client) Version(ctx context.Context, addr string) (string, error) {
	sp, err := c.getOrCreatePool(addr)
	if err != nil {
		return "", err
	}

	msg, err := c.execute(ctx, sp, binprot.NewVersionRequest())
	if err != nil {
		return "", err
	}

	rsp, ok := msg.(*binprot.VersionResponse)
	if !ok {
		return "", fmt.Errorf("%w: %T", ErrUnexpectedMessage, msg)
	}
	if err := rsp.Err(); err != nil {
		return "", err
	}
	return rsp.Version, nil
}

// SetVBucket sets the state of a vbucket on the server at addr.
func (c *Client) SetVBucket(ctx context.Context, addr string, vbucket uint16, state binprot.VBucketState) error {
	sp, err := c.getOrCreatePool(addr)
	if err != nil {
		return err
	}

	msg, err := c.execute(ctx, sp, binprot.NewSetVBucketRequest(vbucket, state))
	if err != nil {
		return err
	}

	rsp, ok := msg.(*binprot.SetVBucketResponse)
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnexpectedMessage, msg)
	}
	return rsp.Err()
}

// Stats returns a snapshot of client statistics.
func (c *Client) Stats() ClientStats {
	return c.stats.snapshot()
}

// AllPoolStats returns stats for all server pools, sorted by address.
func (c *Client) AllPoolStats() []ServerPoolStats {
	var stats []ServerPoolStats
	c.pools.Range(func(_ string, sp *ServerPool) bool {
		stats = append(stats, sp.Stats())
		return true
	})
	sort.Slice(stats, func(i, j int) bool { return stats[i].Addr < stats[j].Addr })
	return stats
}

// healthCheckLoop periodically checks idle connections for health and lifecycle limits.
func (c *Client) healthCheckLoop() {
	ticker := time.NewTicker(c.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHealthCheck:
			return
		case <-ticker.C:
			c.checkAllPools()
		}
	}
}

// checkAllPools runs health checks on all existing pools
func (c *Client) checkAllPools() {
	c.pools.Range(func(_ string, sp *ServerPool) bool {
		c.checkPoolConnections(sp.pool)
		return true
	})
}

// checkPoolConnections checks all idle connections in a pool and destroys those that are stale or unhealthy.
func (c *Client) checkPoolConnections(pool Pool) {
	now := time.Now()

	for _, res := range pool.AcquireAllIdle() {
		if c.config.MaxConnLifetime > 0 && now.Sub(res.CreationTime()) > c.config.MaxConnLifetime {
			res.Destroy()
			continue
		}

		if c.config.MaxConnIdleTime > 0 && res.IdleDuration() > c.config.MaxConnIdleTime {
			res.Destroy()
			continue
		}

		if err := c.healthCheck(res.Value()); err != nil {
			res.Destroy()
			continue
		}

		res.ReleaseUnused()
	}
}

// healthCheck performs a VERSION round trip on an idle connection.
func (c *Client) healthCheck(conn *Connection) error {
	timeout := c.config.Timeout
	if timeout <= 0 {
		timeout = time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	msg, err := conn.RoundTrip(ctx, binprot.NewVersionRequest())
	if err != nil {
		return err
	}
	if rsp, ok := msg.(*binprot.VersionResponse); ok {
		return rsp.Err()
	}
	return fmt.Errorf("health check failed: %w", ErrUnexpectedMessage)
}
