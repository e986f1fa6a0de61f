package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"sort"
	"strings"
	"time"

	logger "log/slog"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/vietddude/remitwatch/internal/core/domain"
	"github.com/vietddude/remitwatch/internal/indexing/metrics"
	"github.com/vietddude/remitwatch/internal/indexing/recovery"
)

// Config holds the node connection settings for one chain.
type Config struct {
	ChainID         string
	RPCURL          string
	ContractAddress string
	NativeSymbol    string
	RequestTimeout  time.Duration
	PollInterval    time.Duration
	RateLimit       float64
	RateBurst       int
	CheckReceipts   bool
	Backoff         *recovery.ExponentialBackoff
}

// ethClient is the subset of *ethclient.Client the adapter uses.
type ethClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
	Close()
}

// Adapter implements chain.Source over go-ethereum's JSON-RPC client.
type Adapter struct {
	cfg       Config
	client    ethClient
	contract  common.Address
	limiter   *rate.Limiter
	backoff   *recovery.ExponentialBackoff
	subscribe bool
	log       *logger.Logger
}

// Dial validates cfg and connects to the node. Endpoint problems are
// reported as domain.ErrSourceConfig.
func Dial(ctx context.Context, cfg Config) (*Adapter, error) {
	u, err := url.Parse(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("%w: rpc url: %v", domain.ErrSourceConfig, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("%w: unsupported rpc url scheme %q", domain.ErrSourceConfig, u.Scheme)
	}

	dialCtx := ctx
	if cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.RequestTimeout)
		defer cancel()
	}
	rc, err := rpc.DialContext(dialCtx, cfg.RPCURL)
	if err != nil {
		if recovery.ClassifySourceError(err) == recovery.CategoryFatal {
			return nil, fmt.Errorf("%w: dial: %v", domain.ErrSourceConfig, err)
		}
		return nil, fmt.Errorf("%w: dial: %v", domain.ErrSourceUnavailable, err)
	}

	return New(cfg, ethclient.NewClient(rc))
}

// New wraps an existing client. Used by Dial and by tests.
func New(cfg Config, client ethClient) (*Adapter, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("%w: contract address %q", domain.ErrSourceConfig, cfg.ContractAddress)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	backoff := cfg.Backoff
	if backoff == nil {
		backoff = recovery.DefaultBackoff(recovery.ClassifySourceError)
	} else if backoff.Classifier == nil {
		b := *backoff
		b.Classifier = recovery.ClassifySourceError
		backoff = &b
	}

	return &Adapter{
		cfg:       cfg,
		client:    client,
		contract:  common.HexToAddress(cfg.ContractAddress),
		limiter:   rate.NewLimiter(limit, burst),
		backoff:   backoff,
		subscribe: strings.HasPrefix(cfg.RPCURL, "ws"),
		log:       logger.Default().With("component", "evm", "chain", cfg.ChainID),
	}, nil
}

func (a *Adapter) ChainID() string      { return a.cfg.ChainID }
func (a *Adapter) NativeSymbol() string { return a.cfg.NativeSymbol }

func (a *Adapter) Close() {
	a.client.Close()
}

// call runs fn under the rate limiter, a per-attempt timeout and the retry
// strategy. The returned error wraps ErrSourceConfig or ErrSourceUnavailable.
func (a *Adapter) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	hook := func(attempt int, delay time.Duration, err error) {
		metrics.SourceRetries.WithLabelValues(a.cfg.ChainID, method).Inc()
		a.log.Warn("node call failed, retrying",
			"method", method,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	err := recovery.Do(ctx, a.backoff, hook, func(ctx context.Context) error {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
		defer cancel()

		start := time.Now()
		err := fn(callCtx)
		metrics.SourceLatency.WithLabelValues(a.cfg.ChainID, method).Observe(time.Since(start).Seconds())
		return err
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if recovery.ClassifySourceError(err) == recovery.CategoryFatal {
		return fmt.Errorf("%s: %w: %w", method, domain.ErrSourceConfig, err)
	}
	return fmt.Errorf("%s: %w: %w", method, domain.ErrSourceUnavailable, err)
}

func (a *Adapter) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var head uint64
	err := a.call(ctx, "eth_blockNumber", func(ctx context.Context) error {
		var err error
		head, err = a.client.BlockNumber(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}
	metrics.ChainLatestBlock.WithLabelValues(a.cfg.ChainID).Set(float64(head))
	return head, nil
}

// PeekHead asks the node for its head once, bounded by the request timeout
// and without retries, so a health check reports an outage instead of
// waiting it out.
func (a *Adapter) PeekHead(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()
	return a.client.BlockNumber(ctx)
}

func (a *Adapter) header(ctx context.Context, number uint64) (*types.Header, error) {
	var h *types.Header
	err := a.call(ctx, "eth_getBlockByNumber", func(ctx context.Context) error {
		var err error
		h, err = a.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		return err
	})
	return h, err
}

func (a *Adapter) HeaderAt(ctx context.Context, number uint64) (*domain.BlockHeader, error) {
	h, err := a.header(ctx, number)
	if err != nil {
		return nil, err
	}
	return toHeader(h), nil
}

func toHeader(h *types.Header) *domain.BlockHeader {
	return &domain.BlockHeader{
		Number:     h.Number.Uint64(),
		Hash:       h.Hash().Hex(),
		ParentHash: h.ParentHash.Hex(),
		Timestamp:  h.Time,
	}
}

// BlockAt fetches the header and then the logs pinned to that header's hash,
// so a reorg between the two calls cannot mix branches.
func (a *Adapter) BlockAt(ctx context.Context, number uint64) (*domain.Block, error) {
	h, err := a.header(ctx, number)
	if err != nil {
		return nil, err
	}
	block := &domain.Block{BlockHeader: *toHeader(h)}

	if !mayContainEvents(h.Bloom, a.contract) {
		return block, nil
	}

	hash := h.Hash()
	query := ethereum.FilterQuery{
		BlockHash: &hash,
		Addresses: []common.Address{a.contract},
		Topics:    [][]common.Hash{{transactionTopic, transferTopic}},
	}

	var logs []types.Log
	err = a.call(ctx, "eth_getLogs", func(ctx context.Context) error {
		var err error
		logs, err = a.client.FilterLogs(ctx, query)
		return err
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(logs, func(i, j int) bool { return logs[i].Index < logs[j].Index })

	events := make([]domain.RawEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := decodeLog(lg, h.Time)
		if err != nil {
			metrics.EventsRejected.WithLabelValues(a.cfg.ChainID, "decode").Inc()
			a.log.Warn("skip undecodable log", "block", number, "tx", lg.TxHash.Hex(), "index", lg.Index, "error", err)
			continue
		}
		events = append(events, ev)
	}

	if a.cfg.CheckReceipts && len(events) > 0 {
		if err := a.markReverted(ctx, events); err != nil {
			return nil, err
		}
	}

	block.Events = events
	return block, nil
}

// markReverted fetches one receipt per distinct transaction and flags the
// events of failed executions.
func (a *Adapter) markReverted(ctx context.Context, events []domain.RawEvent) error {
	seen := make(map[string]struct{})
	var hashes []string
	for _, ev := range events {
		if _, ok := seen[ev.TxHash]; !ok {
			seen[ev.TxHash] = struct{}{}
			hashes = append(hashes, ev.TxHash)
		}
	}

	failed := make([]bool, len(hashes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, txHash := range hashes {
		g.Go(func() error {
			var receipt *types.Receipt
			err := a.call(gctx, "eth_getTransactionReceipt", func(ctx context.Context) error {
				var err error
				receipt, err = a.client.TransactionReceipt(ctx, common.HexToHash(txHash))
				return err
			})
			if err != nil {
				return err
			}
			failed[i] = receipt.Status == types.ReceiptStatusFailed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	reverted := make(map[string]bool, len(hashes))
	for i, txHash := range hashes {
		reverted[txHash] = failed[i]
	}
	for i := range events {
		events[i].Reverted = reverted[events[i].TxHash]
	}
	return nil
}

// WaitForHead blocks until the chain head is above after. Websocket
// endpoints use a newHeads subscription; HTTP endpoints poll on a ticker.
func (a *Adapter) WaitForHead(ctx context.Context, after uint64) (uint64, error) {
	if a.subscribe {
		head, err := a.waitSubscribed(ctx, after)
		if err == nil || ctx.Err() != nil {
			return head, err
		}
		if errors.Is(err, rpc.ErrNotificationsUnsupported) {
			a.log.Info("node does not support subscriptions, polling instead")
			a.subscribe = false
		} else {
			a.log.Warn("head subscription failed, polling", "error", err)
		}
	}
	return a.waitPolling(ctx, after)
}

func (a *Adapter) waitSubscribed(ctx context.Context, after uint64) (uint64, error) {
	heads := make(chan *types.Header, 16)
	sub, err := a.client.SubscribeNewHead(ctx, heads)
	if err != nil {
		return 0, err
	}
	defer sub.Unsubscribe()

	// A head may have arrived before the subscription was in place.
	head, err := a.LatestBlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	if head > after {
		return head, nil
	}

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return 0, err
		case h := <-heads:
			if n := h.Number.Uint64(); n > after {
				metrics.ChainLatestBlock.WithLabelValues(a.cfg.ChainID).Set(float64(n))
				return n, nil
			}
		}
	}
}

func (a *Adapter) waitPolling(ctx context.Context, after uint64) (uint64, error) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		head, err := a.LatestBlockNumber(ctx)
		if err != nil {
			return 0, err
		}
		if head > after {
			return head, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
		}
	}
}
