// Package coord is the CoordinationClient: a thin, typed facade over a
// ZooKeeper ensemble (spec.md §4.1). Brokers use it for leader election
// and shared-state CRUD/watches; publishers and subscribers use it only
// to watch their zone's primary-node value; the backup pool and load
// balancer use it to watch load and zone membership. The coordinator's
// own implementation is explicitly out of scope (spec.md §1) — this
// package is a client of an external ZooKeeper ensemble, never a server.
package coord

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/cuemby/pubsub-overlay/pkg/log"
)

// Sentinel errors mirrored from the coordinator's own, per spec.md §4.1.
var (
	ErrAlreadyExists = errors.New("coord: node already exists")
	ErrNotFound       = errors.New("coord: node not found")
)

// State mirrors spec.md §4.1's three session-listener transitions.
type State string

const (
	StateLost      State = "LOST"
	StateSuspended State = "SUSPENDED"
	StateConnected State = "CONNECTED"
)

// DataWatchFunc is invoked once at registration with the node's current
// value, and again on every subsequent change. A nil data + non-nil err
// with errors.Is(err, ErrNotFound) means the node doesn't exist (yet).
type DataWatchFunc func(data []byte, err error)

// ChildrenWatchFunc is invoked once at registration with the current
// children, and again whenever the child set changes.
type ChildrenWatchFunc func(children []string, err error)

// Client is the CoordinationClient contract from spec.md §4.1.
type Client interface {
	Connect() error
	StartSession() error
	StopSession() error
	Close() error

	Create(path string, value []byte, ephemeral bool) error
	Exists(path string) (bool, error)
	Get(path string) ([]byte, error)
	Set(path string, value []byte) (prev []byte, err error)
	Delete(path string, recursive bool) error
	Children(path string) ([]string, error)

	WatchData(path string, cb DataWatchFunc)
	WatchChildren(path string, cb ChildrenWatchFunc)

	// NewElection returns an election primitive keyed by path, per
	// spec.md §4.1's election(path, id).run(fn).
	NewElection(path, id string) Elector

	// StateChanges exposes the session-listener transitions so callers
	// (brokers, mainly) can step down on LOST/SUSPENDED.
	StateChanges() <-chan State
}

// Elector is the election(path, id).run(fn) primitive from spec.md
// §4.1: Run blocks until this contender wins leadership, then calls fn
// with a channel that closes when leadership should be relinquished.
type Elector interface {
	Run(fn func(stop <-chan struct{})) error
}

// Config configures a ZooKeeper-backed Client.
type Config struct {
	Hosts          []string
	SessionTimeout time.Duration
}

// zkClient is the real Client implementation, backed by go-zookeeper/zk.
type zkClient struct {
	cfg Config

	mu       sync.Mutex
	conn     *zk.Conn
	raw      <-chan zk.Event
	closed   chan struct{}
	stateCh  chan State
	watchers sync.WaitGroup
}

// NewClient creates a ZooKeeper-backed CoordinationClient. Connect must
// be called before use.
func NewClient(cfg Config) Client {
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 10 * time.Second
	}
	return &zkClient{
		cfg:     cfg,
		closed:  make(chan struct{}),
		stateCh: make(chan State, 16),
	}
}

func (c *zkClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil // idempotent
	}
	conn, events, err := zk.Connect(c.cfg.Hosts, c.cfg.SessionTimeout)
	if err != nil {
		return fmt.Errorf("coord: connect: %w", err)
	}
	c.conn = conn
	c.raw = events
	go c.pumpSessionEvents()
	return nil
}

func (c *zkClient) pumpSessionEvents() {
	logger := log.WithComponent("coord")
	for {
		select {
		case ev, ok := <-c.raw:
			if !ok {
				return
			}
			var s State
			switch ev.State {
			case zk.StateHasSession, zk.StateConnected:
				s = StateConnected
			case zk.StateDisconnected:
				s = StateSuspended
			case zk.StateExpired:
				s = StateLost
			default:
				continue
			}
			logger.Info().Msg("coordination session state changed: " + string(s))
			select {
			case c.stateCh <- s:
			default:
			}
		case <-c.closed:
			return
		}
	}
}

// StartSession is idempotent: Connect already establishes the session;
// this exists so callers that want an explicit two-step
// connect-then-session lifecycle (matching spec.md §4.1) can call it.
func (c *zkClient) StartSession() error {
	return c.Connect()
}

func (c *zkClient) StopSession() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	return nil
}

func (c *zkClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.closed:
		// already closed
	default:
		close(c.closed)
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.watchers.Wait()
	return nil
}

func (c *zkClient) StateChanges() <-chan State {
	return c.stateCh
}

func (c *zkClient) Create(path string, value []byte, ephemeral bool) error {
	var flags int32
	if ephemeral {
		flags = zk.FlagEphemeral
	}
	_, err := c.conn.Create(path, value, flags, zk.WorldACL(zk.PermAll))
	if errors.Is(err, zk.ErrNodeExists) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("coord: create %s: %w", path, err)
	}
	return nil
}

func (c *zkClient) Exists(path string) (bool, error) {
	ok, _, err := c.conn.Exists(path)
	if err != nil {
		return false, fmt.Errorf("coord: exists %s: %w", path, err)
	}
	return ok, nil
}

func (c *zkClient) Get(path string) ([]byte, error) {
	data, _, err := c.conn.Get(path)
	if errors.Is(err, zk.ErrNoNode) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("coord: get %s: %w", path, err)
	}
	return data, nil
}

func (c *zkClient) Set(path string, value []byte) ([]byte, error) {
	prev, _, err := c.conn.Get(path)
	if errors.Is(err, zk.ErrNoNode) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("coord: set(get) %s: %w", path, err)
	}
	if _, err := c.conn.Set(path, value, -1); err != nil {
		return nil, fmt.Errorf("coord: set %s: %w", path, err)
	}
	return prev, nil
}

func (c *zkClient) Delete(path string, recursive bool) error {
	if recursive {
		children, err := c.Children(path)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		for _, child := range children {
			if err := c.Delete(path+"/"+child, true); err != nil {
				return err
			}
		}
	}
	err := c.conn.Delete(path, -1)
	if errors.Is(err, zk.ErrNoNode) {
		return nil // deleting an absent node is a soft success
	}
	if err != nil {
		return fmt.Errorf("coord: delete %s: %w", path, err)
	}
	return nil
}

func (c *zkClient) Children(path string) ([]string, error) {
	children, _, err := c.conn.Children(path)
	if errors.Is(err, zk.ErrNoNode) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("coord: children %s: %w", path, err)
	}
	return children, nil
}

// WatchData re-arms itself after every fired event, per spec.md §4.1:
// "the callback is invoked once at registration with the current value
// and again on every subsequent change; re-arming is automatic."
func (c *zkClient) WatchData(path string, cb DataWatchFunc) {
	c.watchers.Add(1)
	go func() {
		defer c.watchers.Done()
		for {
			data, _, events, err := c.conn.GetW(path)
			if errors.Is(err, zk.ErrNoNode) {
				cb(nil, ErrNotFound)
				// GetW arms no watch on an absent node; ExistsW fires on its creation.
				exists, _, existsEvents, existsErr := c.conn.ExistsW(path)
				if existsErr != nil {
					return
				}
				if exists {
					continue
				}
				events = existsEvents
			} else if err != nil {
				cb(nil, fmt.Errorf("coord: watchData %s: %w", path, err))
				return
			} else {
				cb(data, nil)
			}

			select {
			case _, ok := <-events:
				if !ok {
					return
				}
				// loop: re-arm by re-issuing GetW above
			case <-c.closed:
				return
			}
		}
	}()
}

// WatchChildren re-arms itself after every fired event, symmetric with WatchData.
func (c *zkClient) WatchChildren(path string, cb ChildrenWatchFunc) {
	c.watchers.Add(1)
	go func() {
		defer c.watchers.Done()
		for {
			children, _, events, err := c.conn.ChildrenW(path)
			if errors.Is(err, zk.ErrNoNode) {
				cb(nil, ErrNotFound)
				// ChildrenW arms no watch on an absent node; ExistsW fires on its creation.
				exists, _, existsEvents, existsErr := c.conn.ExistsW(path)
				if existsErr != nil {
					return
				}
				if exists {
					continue
				}
				events = existsEvents
			} else if err != nil {
				cb(nil, fmt.Errorf("coord: watchChildren %s: %w", path, err))
				return
			} else {
				cb(children, nil)
			}

			select {
			case _, ok := <-events:
				if !ok {
					return
				}
			case <-c.closed:
				return
			}
		}
	}()
}

func (c *zkClient) NewElection(path, id string) Elector {
	return &Election{client: c, path: path, id: id}
}
