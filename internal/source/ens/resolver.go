// Package ens resolves signer addresses to verified ENS names and avatars.
package ens

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/devblac/pledge-feed/internal/feed"
	"github.com/devblac/pledge-feed/internal/logging"
	"github.com/devblac/pledge-feed/internal/source/evm"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/crypto"
)

// MainnetRegistry is the ENS registry on Ethereum mainnet.
const MainnetRegistry = "0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e"

const (
	DefaultCacheSize  = 1024
	DefaultRetryAfter = 10 * time.Minute
	callTimeout       = 10 * time.Second
	queueSize         = 256
)

// registry and public resolver methods used for reverse resolution.
const resolverABI = `[
	{"type":"function","name":"resolver","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"name","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"addr","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"text","stateMutability":"view","inputs":[{"name":"node","type":"bytes32"},{"name":"key","type":"string"}],"outputs":[{"name":"","type":"string"}]}
]`

// Options configures a Resolver. Zero values select the defaults.
type Options struct {
	Registry   string
	CacheSize  int
	RetryAfter time.Duration
}

// entry is a cached lookup. retryAt is set when resolution failed and marks
// when the address may be tried again.
type entry struct {
	id      feed.Identity
	retryAt time.Time
}

// Resolver maps addresses to their primary ENS name. A name counts only when
// it resolves forward to the same address. Results, including "no name",
// are cached per address; failures are retried after RetryAfter.
type Resolver struct {
	client   evm.CallClient
	registry common.Address
	abi      abi.ABI
	retry    time.Duration

	cache   *lru.Cache[common.Address, entry]
	pending mapset.Set[common.Address]
	queue   chan common.Address
	notify  func()

	log     *slog.Logger
	nowFunc func() time.Time
}

// NewResolver builds a resolver reading the registry through client.
func NewResolver(client evm.CallClient, opts Options, log *slog.Logger) (*Resolver, error) {
	if client == nil {
		return nil, errors.New("ens resolver needs a client")
	}
	if opts.Registry == "" {
		opts.Registry = MainnetRegistry
	}
	if !common.IsHexAddress(opts.Registry) {
		return nil, fmt.Errorf("invalid ens registry address: %s", opts.Registry)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = DefaultRetryAfter
	}
	parsed, err := abi.JSON(strings.NewReader(resolverABI))
	if err != nil {
		return nil, fmt.Errorf("parse ens abi: %w", err)
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Resolver{
		client:   client,
		registry: common.HexToAddress(opts.Registry),
		abi:      parsed,
		retry:    opts.RetryAfter,
		cache:    lru.NewCache[common.Address, entry](opts.CacheSize),
		pending:  mapset.NewSet[common.Address](),
		queue:    make(chan common.Address, queueSize),
		log:      log,
		nowFunc:  time.Now,
	}, nil
}

// OnResolved registers fn to run whenever the worker finds a name. Call it
// before Run.
func (r *Resolver) OnResolved(fn func()) {
	r.notify = fn
}

// Lookup returns the cached identity of signer without blocking. Misses and
// expired failures are queued for the worker started by Run. Strings that
// are not addresses report an empty identity.
func (r *Resolver) Lookup(signer string) (feed.Identity, bool) {
	if !common.IsHexAddress(signer) {
		return feed.Identity{}, true
	}
	addr := common.HexToAddress(signer)
	e, ok := r.cache.Get(addr)
	if !ok || r.expired(e) {
		r.enqueue(addr)
	}
	return e.id, ok
}

// Resolve returns the identity of signer, querying the chain on a cache miss
// or once a cached failure has expired.
func (r *Resolver) Resolve(ctx context.Context, signer string) (feed.Identity, error) {
	if !common.IsHexAddress(signer) {
		return feed.Identity{}, fmt.Errorf("not an address: %q", signer)
	}
	addr := common.HexToAddress(signer)
	if e, ok := r.cache.Get(addr); ok && !r.expired(e) {
		return e.id, nil
	}
	return r.resolve(ctx, addr)
}

// Run resolves queued addresses until ctx is cancelled.
func (r *Resolver) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case addr := <-r.queue:
			id, err := r.resolve(ctx, addr)
			r.pending.Remove(addr)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.log.Debug("ens lookup failed", "address", addr.Hex(), "error", err)
				continue
			}
			if id.Name != "" && r.notify != nil {
				r.notify()
			}
		}
	}
}

func (r *Resolver) expired(e entry) bool {
	return !e.retryAt.IsZero() && !r.nowFunc().Before(e.retryAt)
}

func (r *Resolver) enqueue(addr common.Address) {
	if !r.pending.Add(addr) {
		return
	}
	select {
	case r.queue <- addr:
	default:
		r.pending.Remove(addr)
	}
}

func (r *Resolver) resolve(ctx context.Context, addr common.Address) (feed.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	id, err := r.reverse(ctx, addr)
	if err != nil {
		r.cache.Add(addr, entry{retryAt: r.nowFunc().Add(r.retry)})
		return feed.Identity{}, err
	}
	r.cache.Add(addr, entry{id: id})
	return id, nil
}

// reverse reads the primary name from addr's reverse record and checks that
// the name's forward address matches.
func (r *Resolver) reverse(ctx context.Context, addr common.Address) (feed.Identity, error) {
	node := Namehash(hex.EncodeToString(addr.Bytes()) + ".addr.reverse")
	res, err := r.resolverOf(ctx, node)
	if err != nil || res == (common.Address{}) {
		return feed.Identity{}, err
	}
	name, err := r.callString(ctx, res, "name", node)
	if err != nil || name == "" {
		return feed.Identity{}, err
	}

	forward := Namehash(name)
	fres, err := r.resolverOf(ctx, forward)
	if err != nil || fres == (common.Address{}) {
		return feed.Identity{}, err
	}
	owner, err := r.callAddress(ctx, fres, "addr", forward)
	if err != nil {
		return feed.Identity{}, err
	}
	if owner != addr {
		r.log.Debug("ens name does not resolve back", "address", addr.Hex(), "name", name)
		return feed.Identity{}, nil
	}

	id := feed.Identity{Name: name}
	avatar, err := r.callString(ctx, fres, "text", forward, "avatar")
	if err != nil {
		r.log.Debug("ens avatar lookup failed", "name", name, "error", err)
	}
	id.Avatar = avatar
	return id, nil
}

func (r *Resolver) resolverOf(ctx context.Context, node common.Hash) (common.Address, error) {
	return r.callAddress(ctx, r.registry, "resolver", node)
}

func (r *Resolver) callAddress(ctx context.Context, to common.Address, method string, args ...any) (common.Address, error) {
	v, err := r.call(ctx, to, method, args...)
	addr, _ := v.(common.Address)
	return addr, err
}

func (r *Resolver) callString(ctx context.Context, to common.Address, method string, args ...any) (string, error) {
	v, err := r.call(ctx, to, method, args...)
	s, _ := v.(string)
	return s, err
}

// call returns the single output of method on to, or nil when to has no code.
func (r *Resolver) call(ctx context.Context, to common.Address, method string, args ...any) (any, error) {
	data, err := r.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	vals, err := r.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("%s: expected 1 output, got %d", method, len(vals))
	}
	return vals[0], nil
}

// Namehash computes the ENS node of a dot-separated name.
func Namehash(name string) common.Hash {
	var node common.Hash
	if name == "" {
		return node
	}
	labels := strings.Split(name, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		label := crypto.Keccak256Hash([]byte(labels[i]))
		node = crypto.Keccak256Hash(node[:], label[:])
	}
	return node
}
