// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package litnode is the client side of a threshold-signing network: it
// connects to the node set, builds capability-scoped session credentials and
// runs signing actions, combining the nodes' signature shares.
package litnode

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aplane-algo/pkpauth/internal/jsonrpc"
	"github.com/aplane-algo/pkpauth/internal/logging"
)

// NetworkConfig identifies a node set.
type NetworkConfig struct {
	Name  string   `yaml:"name"`
	Nodes []string `yaml:"nodes"`
	// MinNodes is the number of nodes that must answer the handshake.
	MinNodes int `yaml:"min_nodes"`
	// RequestTimeout bounds each node call (default: 30s).
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Validate checks that the config can possibly reach quorum.
func (c NetworkConfig) Validate() error {
	if len(c.Nodes) == 0 {
		return errors.New("network has no nodes")
	}
	if c.MinNodes < 1 || c.MinNodes > len(c.Nodes) {
		return fmt.Errorf("min_nodes %d out of range for %d nodes", c.MinNodes, len(c.Nodes))
	}
	seen := make(map[string]bool, len(c.Nodes))
	for _, n := range c.Nodes {
		if !strings.HasPrefix(n, "http://") && !strings.HasPrefix(n, "https://") {
			return fmt.Errorf("node URL %q is not http(s)", n)
		}
		if seen[n] {
			return fmt.Errorf("duplicate node URL %q", n)
		}
		seen[n] = true
	}
	return nil
}

func portRange(scheme, host string, first, count int) []string {
	nodes := make([]string, count)
	for i := range count {
		nodes[i] = fmt.Sprintf("%s://%s:%d", scheme, host, first+i)
	}
	return nodes
}

// knownNetworks are the built-in presets.
var knownNetworks = map[string]NetworkConfig{
	"serrano": {
		Name:     "serrano",
		Nodes:    portRange("https", "serrano.litgateway.com", 7370, 10),
		MinNodes: 6,
	},
	"localhost": {
		Name:     "localhost",
		Nodes:    portRange("http", "127.0.0.1", 7470, 3),
		MinNodes: 2,
	},
}

// KnownNetwork returns the preset named name.
func KnownNetwork(name string) (NetworkConfig, bool) {
	cfg, ok := knownNetworks[name]
	if ok {
		cfg.Nodes = append([]string(nil), cfg.Nodes...)
	}
	return cfg, ok
}

// KnownNetworks returns the preset names, sorted.
func KnownNetworks() []string {
	names := make([]string, 0, len(knownNetworks))
	for n := range knownNetworks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Options configures Connect.
type Options struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	// Now overrides the clock used for session timestamps and expiry.
	Now func() time.Time
}

// node is one connected signing node.
type node struct {
	url        string
	address    string
	shareIndex uint32
	rpc        *jsonrpc.Client
}

// Client is a connection handle to the signing network. It is immutable
// after Connect and safe for concurrent read-only use.
type Client struct {
	cfg              NetworkConfig
	nodes            []*node
	threshold        int
	networkPublicKey string
	log              *slog.Logger
	now              func() time.Time
}

// Connect handshakes with every node in parallel. It fails with
// ErrNetworkConnect unless at least cfg.MinNodes (and at least the reported
// threshold) answer consistently.
func Connect(ctx context.Context, cfg NetworkConfig, opts *Options) (*Client, error) {
	if opts == nil {
		opts = &Options{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkConnect, err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout == 0 {
			timeout = jsonrpc.DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	log := logging.Or(opts.Logger)

	clientKey := randomHex(32)
	results := make([]*HandshakeResult, len(cfg.Nodes))
	errs := make([]error, len(cfg.Nodes))

	var g errgroup.Group
	for i, url := range cfg.Nodes {
		g.Go(func() error {
			rpc := jsonrpc.NewClient(url, httpClient)
			challenge := randomHex(16)
			var res HandshakeResult
			err := rpc.Call(ctx, MethodHandshake, HandshakeParams{ClientPublicKey: clientKey, Challenge: challenge}, &res)
			switch {
			case err != nil:
				errs[i] = &NodeError{Node: url, Err: err}
			case res.Challenge != challenge:
				errs[i] = &NodeError{Node: url, Err: errors.New("handshake challenge mismatch")}
			default:
				results[i] = &res
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, log: log, now: now}
	for i, res := range results {
		if res == nil {
			log.Debug("node handshake failed", "node", cfg.Nodes[i], "error", errs[i])
			continue
		}
		if c.networkPublicKey == "" {
			c.networkPublicKey = res.NetworkPublicKey
			c.threshold = res.Threshold
		}
		if res.NetworkPublicKey != c.networkPublicKey || res.Threshold != c.threshold {
			return nil, fmt.Errorf("%w: node %s disagrees on network parameters", ErrNetworkConnect, cfg.Nodes[i])
		}
		c.nodes = append(c.nodes, &node{
			url:        cfg.Nodes[i],
			address:    res.NodeAddress,
			shareIndex: res.ShareIndex,
			rpc:        jsonrpc.NewClient(cfg.Nodes[i], httpClient),
		})
	}

	need := max(cfg.MinNodes, c.threshold)
	if len(c.nodes) < need || c.threshold < 1 {
		return nil, fmt.Errorf("%w: %d of %d nodes connected, need %d: %v",
			ErrNetworkConnect, len(c.nodes), len(cfg.Nodes), need, errors.Join(errs...))
	}

	log.Debug("connected to signing network", "network", cfg.Name, "nodes", len(c.nodes), "threshold", c.threshold)
	return c, nil
}

// Network returns the network name.
func (c *Client) Network() string {
	return c.cfg.Name
}

// Threshold is the number of shares needed to form a signature.
func (c *Client) Threshold() int {
	return c.threshold
}

// ConnectedNodes returns the URLs of the connected nodes in config order.
func (c *Client) ConnectedNodes() []string {
	out := make([]string, len(c.nodes))
	for i, n := range c.nodes {
		out[i] = n.url
	}
	return out
}

// fanOut calls fn on every connected node concurrently and returns the
// successful results keyed by node, plus the per-node errors.
func fanOut[T any](ctx context.Context, nodes []*node, fn func(context.Context, *node) (T, error)) (map[*node]T, []error) {
	var (
		mu   sync.Mutex
		out  = make(map[*node]T, len(nodes))
		errs []error
		g    errgroup.Group
	)
	for _, n := range nodes {
		g.Go(func() error {
			res, err := fn(ctx, n)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, &NodeError{Node: n.url, Err: err})
				return nil
			}
			out[n] = res
			return nil
		})
	}
	_ = g.Wait()
	return out, errs
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
