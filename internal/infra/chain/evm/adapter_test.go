package evm

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/vietddude/remitwatch/internal/core/domain"
	"github.com/vietddude/remitwatch/internal/indexing/recovery"
)

var (
	testContract = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	alice        = common.HexToAddress("0x000000000000000000000000000000000000000a")
	bob          = common.HexToAddress("0x000000000000000000000000000000000000000b")
)

// mockClient implements ethClient for testing
type mockClient struct {
	mu       sync.Mutex
	head     uint64
	headers  map[uint64]*types.Header
	logs     map[common.Hash][]types.Log
	receipts map[common.Hash]*types.Receipt
	calls    map[string]int

	headerErrs []error // returned in order before succeeding
	headErr    error
	subErr     error
}

func newMockClient() *mockClient {
	return &mockClient{
		headers:  make(map[uint64]*types.Header),
		logs:     make(map[common.Hash][]types.Log),
		receipts: make(map[common.Hash]*types.Receipt),
		calls:    make(map[string]int),
	}
}

func (m *mockClient) count(method string) {
	m.mu.Lock()
	m.calls[method]++
	m.mu.Unlock()
}

func (m *mockClient) BlockNumber(ctx context.Context) (uint64, error) {
	m.count("BlockNumber")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.headErr != nil {
		return 0, m.headErr
	}
	return m.head, nil
}

func (m *mockClient) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	m.count("HeaderByNumber")
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.headerErrs) > 0 {
		err := m.headerErrs[0]
		m.headerErrs = m.headerErrs[1:]
		return nil, err
	}
	h, ok := m.headers[number.Uint64()]
	if !ok {
		return nil, ethereum.NotFound
	}
	return h, nil
}

func (m *mockClient) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	m.count("FilterLogs")
	if q.BlockHash == nil {
		return nil, errors.New("expected block hash filter")
	}
	return m.logs[*q.BlockHash], nil
}

func (m *mockClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	m.count("TransactionReceipt")
	r, ok := m.receipts[txHash]
	if !ok {
		return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
	}
	return r, nil
}

func (m *mockClient) SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error) {
	m.count("SubscribeNewHead")
	if m.subErr != nil {
		return nil, m.subErr
	}
	return nil, rpc.ErrNotificationsUnsupported
}

func (m *mockClient) Close() {}

func (m *mockClient) addHeader(number uint64) *types.Header {
	h := &types.Header{
		Number:     new(big.Int).SetUint64(number),
		Difficulty: big.NewInt(0),
		Time:       1700000000 + number,
	}
	if parent, ok := m.headers[number-1]; ok {
		h.ParentHash = parent.Hash()
	}
	m.headers[number] = h
	if number > m.head {
		m.head = number
	}
	return h
}

func transferLog(t *testing.T, h *types.Header, index uint, txHash common.Hash, from, to common.Address, value *big.Int) types.Log {
	t.Helper()
	data, err := contractABI.Events["Transfer"].Inputs.NonIndexed().Pack(value)
	if err != nil {
		t.Fatalf("pack transfer: %v", err)
	}
	return types.Log{
		Address:     testContract,
		Topics:      []common.Hash{transferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:        data,
		BlockNumber: h.Number.Uint64(),
		BlockHash:   h.Hash(),
		TxHash:      txHash,
		Index:       index,
	}
}

func transactionLog(t *testing.T, h *types.Header, index uint, txHash common.Hash, from, to common.Address, amount *big.Int, currency string) types.Log {
	t.Helper()
	data, err := contractABI.Events["Transaction"].Inputs.NonIndexed().Pack(amount, currency)
	if err != nil {
		t.Fatalf("pack transaction: %v", err)
	}
	return types.Log{
		Address:     testContract,
		Topics:      []common.Hash{transactionTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:        data,
		BlockNumber: h.Number.Uint64(),
		BlockHash:   h.Hash(),
		TxHash:      txHash,
		Index:       index,
	}
}

func newTestAdapter(t *testing.T, client *mockClient, checkReceipts bool) *Adapter {
	t.Helper()
	a, err := New(Config{
		ChainID:         "ethereum",
		RPCURL:          "http://localhost:8545",
		ContractAddress: testContract.Hex(),
		NativeSymbol:    "ETH",
		PollInterval:    5 * time.Millisecond,
		CheckReceipts:   checkReceipts,
		Backoff: &recovery.ExponentialBackoff{
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			MaxAttempts:  3,
		},
	}, client)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	return a
}

func TestAdapter_LatestBlockNumber(t *testing.T) {
	client := newMockClient()
	client.head = 1234567

	adapter := newTestAdapter(t, client, false)
	height, err := adapter.LatestBlockNumber(context.Background())

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if height != 1234567 {
		t.Errorf("expected height 1234567, got %d", height)
	}
}

func TestAdapter_PeekHeadDoesNotRetry(t *testing.T) {
	client := newMockClient()
	client.headErr = errors.New("connection refused")

	adapter := newTestAdapter(t, client, false)
	if _, err := adapter.PeekHead(context.Background()); err == nil {
		t.Fatal("expected error from a down node")
	}
	if client.calls["BlockNumber"] != 1 {
		t.Errorf("expected a single call, got %d", client.calls["BlockNumber"])
	}

	client.mu.Lock()
	client.headErr = nil
	client.head = 42
	client.mu.Unlock()
	head, err := adapter.PeekHead(context.Background())
	if err != nil || head != 42 {
		t.Errorf("expected head 42, got %d (%v)", head, err)
	}
}

func TestAdapter_BlockAt(t *testing.T) {
	client := newMockClient()
	client.addHeader(99)
	h := client.addHeader(100)

	tx1 := common.HexToHash("0x01")
	tx2 := common.HexToHash("0x02")
	oneEth, _ := new(big.Int).SetString("1000000000000000000", 10)

	removed := transferLog(t, h, 0, tx1, bob, alice, big.NewInt(1))
	removed.Removed = true
	client.logs[h.Hash()] = []types.Log{
		transactionLog(t, h, 3, tx2, alice, bob, big.NewInt(250), "USDX"),
		transferLog(t, h, 1, tx1, alice, bob, oneEth),
		removed,
	}

	adapter := newTestAdapter(t, client, false)
	block, err := adapter.BlockAt(context.Background(), 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if block.Number != 100 || block.Hash != h.Hash().Hex() {
		t.Errorf("unexpected header: %+v", block.BlockHeader)
	}
	if block.ParentHash != client.headers[99].Hash().Hex() {
		t.Errorf("unexpected parent hash: %s", block.ParentHash)
	}
	if len(block.Events) != 2 {
		t.Fatalf("expected 2 events (removed log skipped), got %d", len(block.Events))
	}

	// Sorted by log index
	first, second := block.Events[0], block.Events[1]
	if first.LogIndex != 1 || second.LogIndex != 3 {
		t.Errorf("events not in log-index order: %d, %d", first.LogIndex, second.LogIndex)
	}
	if first.Kind != domain.EventKindTransfer {
		t.Errorf("expected Transfer, got %s", first.Kind)
	}
	if first.Fields[domain.FieldAmount] != "1000000000000000000" {
		t.Errorf("unexpected amount: %s", first.Fields[domain.FieldAmount])
	}
	if _, ok := first.Fields[domain.FieldCurrency]; ok {
		t.Error("Transfer must not carry a currency field")
	}
	if first.Fields[domain.FieldFrom] != alice.Hex() || first.Fields[domain.FieldTo] != bob.Hex() {
		t.Errorf("unexpected parties: %v", first.Fields)
	}
	if second.Kind != domain.EventKindTransaction || second.Fields[domain.FieldCurrency] != "USDX" {
		t.Errorf("unexpected transaction event: %+v", second)
	}
	if second.Timestamp != h.Time || second.BlockHash != h.Hash().Hex() {
		t.Errorf("event not stamped with block data: %+v", second)
	}
}

func TestAdapter_BlockAtCheckReceipts(t *testing.T) {
	client := newMockClient()
	h := client.addHeader(50)

	ok := common.HexToHash("0xaa")
	bad := common.HexToHash("0xbb")
	client.logs[h.Hash()] = []types.Log{
		transferLog(t, h, 0, ok, alice, bob, big.NewInt(1)),
		transferLog(t, h, 1, bad, alice, bob, big.NewInt(2)),
	}
	client.receipts[bad] = &types.Receipt{Status: types.ReceiptStatusFailed}

	adapter := newTestAdapter(t, client, true)
	block, err := adapter.BlockAt(context.Background(), 50)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if block.Events[0].Reverted {
		t.Error("successful tx flagged as reverted")
	}
	if !block.Events[1].Reverted {
		t.Error("failed tx not flagged as reverted")
	}
	if client.calls["TransactionReceipt"] != 2 {
		t.Errorf("expected 2 receipt calls, got %d", client.calls["TransactionReceipt"])
	}
}

func TestAdapter_BloomSkipsLogs(t *testing.T) {
	client := newMockClient()
	h := client.addHeader(7)
	// A bloom that contains some unrelated address.
	h.Bloom.Add(common.HexToAddress("0xdead").Bytes())
	h.Bloom.Add(transferTopic.Bytes())

	adapter := newTestAdapter(t, client, false)
	block, err := adapter.BlockAt(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(block.Events) != 0 {
		t.Errorf("expected no events, got %d", len(block.Events))
	}
	if client.calls["FilterLogs"] != 0 {
		t.Error("bloom miss should skip eth_getLogs")
	}
}

func TestAdapter_RetriesTransient(t *testing.T) {
	client := newMockClient()
	client.addHeader(5)
	client.headerErrs = []error{errors.New("connection reset by peer")}

	adapter := newTestAdapter(t, client, false)
	header, err := adapter.HeaderAt(context.Background(), 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if header.Number != 5 {
		t.Errorf("expected block 5, got %d", header.Number)
	}
	if client.calls["HeaderByNumber"] != 2 {
		t.Errorf("expected 2 calls, got %d", client.calls["HeaderByNumber"])
	}
}

func TestAdapter_Unavailable(t *testing.T) {
	client := newMockClient()
	client.headerErrs = []error{
		errors.New("connection refused"),
		errors.New("connection refused"),
		errors.New("connection refused"),
	}

	adapter := newTestAdapter(t, client, false)
	_, err := adapter.HeaderAt(context.Background(), 5)
	if !errors.Is(err, domain.ErrSourceUnavailable) {
		t.Fatalf("expected ErrSourceUnavailable, got %v", err)
	}
	if domain.IsFatal(err) {
		t.Error("unavailable source must not be fatal")
	}
}

func TestAdapter_AuthFailsFast(t *testing.T) {
	client := newMockClient()
	client.headerErrs = []error{rpc.HTTPError{StatusCode: 401, Status: "401 Unauthorized"}}

	adapter := newTestAdapter(t, client, false)
	_, err := adapter.HeaderAt(context.Background(), 5)
	if !errors.Is(err, domain.ErrSourceConfig) {
		t.Fatalf("expected ErrSourceConfig, got %v", err)
	}
	if client.calls["HeaderByNumber"] != 1 {
		t.Errorf("auth failure retried: %d calls", client.calls["HeaderByNumber"])
	}
}

func TestAdapter_WaitForHeadPolling(t *testing.T) {
	client := newMockClient()
	client.head = 10

	adapter := newTestAdapter(t, client, false)

	go func() {
		time.Sleep(20 * time.Millisecond)
		client.mu.Lock()
		client.head = 11
		client.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	head, err := adapter.WaitForHead(ctx, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if head != 11 {
		t.Errorf("expected head 11, got %d", head)
	}
}

func TestAdapter_WaitForHeadFallsBack(t *testing.T) {
	client := newMockClient()
	client.head = 3

	adapter := newTestAdapter(t, client, false)
	adapter.subscribe = true

	head, err := adapter.WaitForHead(context.Background(), 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if head != 3 {
		t.Errorf("expected head 3, got %d", head)
	}
	if adapter.subscribe {
		t.Error("adapter should stop subscribing after ErrNotificationsUnsupported")
	}
}

func TestNew_RejectsBadContract(t *testing.T) {
	_, err := New(Config{ContractAddress: "not-an-address"}, newMockClient())
	if !errors.Is(err, domain.ErrSourceConfig) {
		t.Errorf("expected ErrSourceConfig, got %v", err)
	}
}

func TestDial_RejectsBadScheme(t *testing.T) {
	_, err := Dial(context.Background(), Config{RPCURL: "ftp://node", ContractAddress: testContract.Hex()})
	if !errors.Is(err, domain.ErrSourceConfig) {
		t.Errorf("expected ErrSourceConfig, got %v", err)
	}
}

func TestDecodeLog_UnknownTopic(t *testing.T) {
	_, err := decodeLog(types.Log{Topics: []common.Hash{common.HexToHash("0x1234")}}, 0)
	if err == nil {
		t.Error("expected error for unknown topic")
	}
}
