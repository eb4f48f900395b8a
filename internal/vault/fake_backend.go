package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

const fakeGas = 120_000

var (
	fakeCode     = []byte{0x60, 0x80, 0x60, 0x40}
	fakeGasPrice = big.NewInt(1_000_000_000)
)

// FakeBackend is an in-memory chain hosting one TimelockVault and any
// number of ERC-20 tokens. It powers `vaultctl demo` and the tests.
//
// Transactions stay pending for ReceiptDelay receipt lookups before they
// are mined, one block per transaction.
type FakeBackend struct {
	mu sync.Mutex

	chainID *big.Int
	signer  types.Signer
	vault   common.Address
	now     time.Time

	receiptDelay int
	head         uint64
	nonces       map[common.Address]uint64
	balances     map[common.Address]*big.Int
	pending      []*fakePending
	receipts     map[common.Hash]*types.Receipt
	logs         []types.Log
	journal      []JournalEntry

	deposits map[uint64]*fakeDeposit
	nextID   uint64
	tokens   map[common.Address]*fakeToken

	callErrs   map[string]error
	sendErrs   map[string]error
	filterErr  error
	pollCounts map[common.Hash]int
}

// JournalEntry records a transaction being sent or mined.
type JournalEntry struct {
	Op     string // "sent" or "mined"
	Method string
	Hash   common.Hash
	From   common.Address
	Block  uint64
	Status uint64
}

type fakePending struct {
	tx   *types.Transaction
	from common.Address
}

type fakeDeposit struct {
	depositor   common.Address
	beneficiary common.Address
	token       common.Address
	amount      *big.Int
	unlockTime  *big.Int
	withdrawn   bool
}

type fakeToken struct {
	symbol     string
	decimals   uint8
	balances   map[common.Address]*big.Int
	allowances map[common.Address]map[common.Address]*big.Int
}

// RevertError mimics the JSON-RPC error a node returns for a reverted call.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	return "execution reverted: " + e.Reason
}

func (e *RevertError) ErrorCode() int {
	return 3
}

// ErrorData returns the ABI-encoded Error(string) payload as hex.
func (e *RevertError) ErrorData() interface{} {
	return hexutil.Encode(packRevert(e.Reason))
}

func packRevert(reason string) []byte {
	stringType, _ := abi.NewType("string", "", nil)
	data, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	if err != nil {
		return nil
	}
	selector := crypto.Keccak256([]byte("Error(string)"))[:4]
	return append(selector, data...)
}

func NewFakeBackend(chainID *big.Int, vaultAddr common.Address) *FakeBackend {
	return &FakeBackend{
		chainID:    new(big.Int).Set(chainID),
		signer:     types.LatestSignerForChainID(chainID),
		vault:      vaultAddr,
		now:        time.Now().Truncate(time.Second),
		nonces:     make(map[common.Address]uint64),
		balances:   make(map[common.Address]*big.Int),
		receipts:   make(map[common.Hash]*types.Receipt),
		deposits:   make(map[uint64]*fakeDeposit),
		nextID:     1,
		tokens:     make(map[common.Address]*fakeToken),
		callErrs:   make(map[string]error),
		sendErrs:   make(map[string]error),
		pollCounts: make(map[common.Hash]int),
	}
}

// DeployToken installs an ERC-20 at addr.
func (f *FakeBackend) DeployToken(addr common.Address, symbol string, decimals uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[addr] = &fakeToken{
		symbol:     symbol,
		decimals:   decimals,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (f *FakeBackend) MintToken(token, owner common.Address, amount *big.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[token]
	if !ok {
		return fmt.Errorf("no token at %s", token.Hex())
	}
	t.balances[owner] = new(big.Int).Add(bigOrZero(t.balances[owner]), amount)
	return nil
}

// SetBalance caps an account's ETH. Accounts never given a balance are
// treated as unlimited.
func (f *FakeBackend) SetBalance(addr common.Address, wei *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[addr] = new(big.Int).Set(wei)
}

func (f *FakeBackend) SetReceiptDelay(polls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptDelay = polls
}

func (f *FakeBackend) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *FakeBackend) AdvanceTime(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// FailCalls makes eth_call of the named method fail with err. A nil err clears it.
func (f *FakeBackend) FailCalls(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.callErrs, method)
		return
	}
	f.callErrs[method] = err
}

// FailSends makes eth_sendRawTransaction of the named method fail with err.
func (f *FakeBackend) FailSends(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.sendErrs, method)
		return
	}
	f.sendErrs[method] = err
}

func (f *FakeBackend) FailFilter(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filterErr = err
}

func (f *FakeBackend) Journal() []JournalEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]JournalEntry, len(f.journal))
	copy(out, f.journal)
	return out
}

// Mine includes every pending transaction.
func (f *FakeBackend) Mine() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mineLocked()
}

// Deposit returns the vault's current record for id.
func (f *FakeBackend) Deposit(id uint64) (Deposit, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.deposits[id]
	if !ok {
		return Deposit{}, false
	}
	return d.snapshot(id), true
}

func (d *fakeDeposit) snapshot(id uint64) Deposit {
	return Deposit{
		ID:          id,
		Depositor:   d.depositor,
		Beneficiary: d.beneficiary,
		Token:       d.token,
		Amount:      new(big.Int).Set(d.amount),
		UnlockTime:  d.unlockTime.Int64(),
		Withdrawn:   d.withdrawn,
	}
}

func (f *FakeBackend) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.chainID), nil
}

func (f *FakeBackend) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *FakeBackend) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.head
	if number != nil {
		n = number.Uint64()
	}
	return &types.Header{
		Number:  new(big.Int).SetUint64(n),
		Time:    uint64(f.now.Unix()),
		BaseFee: new(big.Int).Set(fakeGasPrice),
	}, nil
}

func (f *FakeBackend) CodeAt(_ context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.codeLocked(account), nil
}

func (f *FakeBackend) PendingCodeAt(_ context.Context, account common.Address) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.codeLocked(account), nil
}

func (f *FakeBackend) codeLocked(account common.Address) []byte {
	if account == f.vault {
		return fakeCode
	}
	if _, ok := f.tokens[account]; ok {
		return fakeCode
	}
	return nil
}

func (f *FakeBackend) PendingNonceAt(_ context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[account], nil
}

func (f *FakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return new(big.Int).Set(fakeGasPrice), nil
}

func (f *FakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return new(big.Int).Set(fakeGasPrice), nil
}

func (f *FakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.To == nil {
		return nil, errors.New("contract creation is not supported")
	}
	if err := f.callErrs[f.methodNameLocked(*msg.To, msg.Data)]; err != nil {
		return nil, err
	}
	out, _, err := f.executeLocked(msg.From, *msg.To, msg.Value, msg.Data, false)
	return out, err
}

func (f *FakeBackend) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg.To == nil {
		return 0, errors.New("contract creation is not supported")
	}
	if _, _, err := f.executeLocked(msg.From, *msg.To, msg.Value, msg.Data, false); err != nil {
		return 0, err
	}
	return fakeGas, nil
}

func (f *FakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	from, err := types.Sender(f.signer, tx)
	if err != nil {
		return fmt.Errorf("invalid sender: %w", err)
	}
	if tx.To() == nil {
		return errors.New("contract creation is not supported")
	}
	method := f.methodNameLocked(*tx.To(), tx.Data())
	if err := f.sendErrs[method]; err != nil {
		return err
	}
	switch expected := f.nonces[from]; {
	case tx.Nonce() < expected:
		return errors.New("nonce too low")
	case tx.Nonce() > expected:
		return errors.New("nonce too high")
	}
	if bal, ok := f.balances[from]; ok && tx.Value() != nil && tx.Value().Cmp(bal) > 0 {
		return errors.New("insufficient funds for gas * price + value")
	}

	f.nonces[from]++
	f.pending = append(f.pending, &fakePending{tx: tx, from: from})
	f.journal = append(f.journal, JournalEntry{Op: "sent", Method: method, Hash: tx.Hash(), From: from})
	if f.receiptDelay <= 0 {
		f.mineLocked()
	}
	return nil
}

func (f *FakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	for _, p := range f.pending {
		if p.tx.Hash() != hash {
			continue
		}
		f.pollCounts[hash]++
		if f.pollCounts[hash] >= f.receiptDelay {
			f.mineLocked()
			return f.receipts[hash], nil
		}
		break
	}
	return nil, ethereum.NotFound
}

func (f *FakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.filterErr != nil {
		return nil, f.filterErr
	}
	var out []types.Log
	for _, l := range f.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if !matchAddress(q.Addresses, l.Address) || !matchTopics(q.Topics, l.Topics) {
			continue
		}
		cp := l
		cp.Topics = append([]common.Hash(nil), l.Topics...)
		cp.Data = append([]byte(nil), l.Data...)
		out = append(out, cp)
	}
	return out, nil
}

func (f *FakeBackend) SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error) {
	return nil, errors.New("subscriptions are not supported by the fake backend")
}

func matchAddress(want []common.Address, got common.Address) bool {
	if len(want) == 0 {
		return true
	}
	for _, a := range want {
		if a == got {
			return true
		}
	}
	return false
}

func matchTopics(want [][]common.Hash, got []common.Hash) bool {
	for i, options := range want {
		if len(options) == 0 {
			continue
		}
		if i >= len(got) {
			return false
		}
		found := false
		for _, h := range options {
			if h == got[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (f *FakeBackend) mineLocked() {
	for _, p := range f.pending {
		f.head++
		tx := p.tx
		method := f.methodNameLocked(*tx.To(), tx.Data())

		receipt := &types.Receipt{
			Type:              tx.Type(),
			TxHash:            tx.Hash(),
			BlockNumber:       new(big.Int).SetUint64(f.head),
			BlockHash:         common.BigToHash(new(big.Int).SetUint64(f.head)),
			GasUsed:           fakeGas,
			CumulativeGasUsed: fakeGas,
			Status:            types.ReceiptStatusSuccessful,
		}
		_, logs, err := f.executeLocked(p.from, *tx.To(), tx.Value(), tx.Data(), true)
		if err != nil {
			receipt.Status = types.ReceiptStatusFailed
		} else {
			if bal, ok := f.balances[p.from]; ok && tx.Value() != nil {
				bal.Sub(bal, tx.Value())
			}
			for i := range logs {
				logs[i].BlockNumber = f.head
				logs[i].BlockHash = receipt.BlockHash
				logs[i].TxHash = tx.Hash()
				logs[i].Index = uint(len(f.logs))
				f.logs = append(f.logs, logs[i])
				receipt.Logs = append(receipt.Logs, &logs[i])
			}
		}
		f.receipts[tx.Hash()] = receipt
		delete(f.pollCounts, tx.Hash())
		f.journal = append(f.journal, JournalEntry{
			Op:     "mined",
			Method: method,
			Hash:   tx.Hash(),
			From:   p.from,
			Block:  f.head,
			Status: receipt.Status,
		})
	}
	f.pending = nil
}

func (f *FakeBackend) methodNameLocked(to common.Address, data []byte) string {
	if len(data) < 4 {
		return ""
	}
	parsed := erc20ABI
	if to == f.vault {
		parsed = vaultABI
	}
	m, err := parsed.MethodById(data[:4])
	if err != nil {
		return ""
	}
	return m.Name
}

func (f *FakeBackend) executeLocked(from, to common.Address, value *big.Int, data []byte, apply bool) ([]byte, []types.Log, error) {
	if to == f.vault {
		return f.executeVaultLocked(from, value, data, apply)
	}
	if tok, ok := f.tokens[to]; ok {
		out, err := tok.execute(from, data, apply)
		return out, nil, err
	}
	return nil, nil, nil
}

func (f *FakeBackend) executeVaultLocked(from common.Address, value *big.Int, data []byte, apply bool) ([]byte, []types.Log, error) {
	if len(data) < 4 {
		return nil, nil, &RevertError{Reason: "Unknown function"}
	}
	method, err := vaultABI.MethodById(data[:4])
	if err != nil {
		return nil, nil, &RevertError{Reason: "Unknown function"}
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, &RevertError{Reason: "Malformed calldata"}
	}
	now := big.NewInt(f.now.Unix())
	value = bigOrZero(value)

	switch method.Name {
	case "getDeposit":
		id := args[0].(*big.Int).Uint64()
		d, ok := f.deposits[id]
		if !ok {
			return nil, nil, &RevertError{Reason: "Unknown deposit"}
		}
		out, err := method.Outputs.Pack(d.depositor, d.beneficiary, d.token, d.amount, d.unlockTime, d.withdrawn)
		return out, nil, err

	case "depositEth":
		beneficiary := args[0].(common.Address)
		unlock := args[1].(*big.Int)
		if value.Sign() <= 0 {
			return nil, nil, &RevertError{Reason: "Zero amount"}
		}
		if err := checkNewDeposit(beneficiary, unlock, now); err != nil {
			return nil, nil, err
		}
		if !apply {
			out, err := method.Outputs.Pack(new(big.Int).SetUint64(f.nextID))
			return out, nil, err
		}
		return f.createDepositLocked(method, from, beneficiary, common.Address{}, value, unlock)

	case "depositERC20":
		tokenAddr := args[0].(common.Address)
		amount := args[1].(*big.Int)
		beneficiary := args[2].(common.Address)
		unlock := args[3].(*big.Int)
		tok, ok := f.tokens[tokenAddr]
		if !ok {
			return nil, nil, &RevertError{Reason: "Invalid token"}
		}
		if amount.Sign() <= 0 {
			return nil, nil, &RevertError{Reason: "Zero amount"}
		}
		if err := checkNewDeposit(beneficiary, unlock, now); err != nil {
			return nil, nil, err
		}
		if err := tok.pull(from, f.vault, amount, apply); err != nil {
			return nil, nil, err
		}
		if !apply {
			out, err := method.Outputs.Pack(new(big.Int).SetUint64(f.nextID))
			return out, nil, err
		}
		return f.createDepositLocked(method, from, beneficiary, tokenAddr, amount, unlock)

	case "withdraw":
		id := args[0].(*big.Int)
		d, ok := f.deposits[id.Uint64()]
		switch {
		case !ok:
			return nil, nil, &RevertError{Reason: "Unknown deposit"}
		case d.withdrawn:
			return nil, nil, &RevertError{Reason: "Already withdrawn"}
		case from != d.beneficiary:
			return nil, nil, &RevertError{Reason: "Not beneficiary"}
		case now.Cmp(d.unlockTime) < 0:
			return nil, nil, &RevertError{Reason: "Still locked"}
		}
		if !apply {
			return nil, nil, nil
		}
		d.withdrawn = true
		if d.token != (common.Address{}) {
			tok := f.tokens[d.token]
			tok.balances[d.beneficiary] = new(big.Int).Add(bigOrZero(tok.balances[d.beneficiary]), d.amount)
			tok.balances[f.vault] = new(big.Int).Sub(bigOrZero(tok.balances[f.vault]), d.amount)
		}
		ev := vaultABI.Events["Withdrawn"]
		payload, err := ev.Inputs.NonIndexed().Pack(d.amount)
		if err != nil {
			return nil, nil, err
		}
		return nil, []types.Log{{
			Address: f.vault,
			Topics:  []common.Hash{ev.ID, common.BigToHash(id), common.BytesToHash(d.beneficiary.Bytes())},
			Data:    payload,
		}}, nil

	case "extendLock":
		id := args[0].(*big.Int)
		newUnlock := args[1].(*big.Int)
		d, ok := f.deposits[id.Uint64()]
		switch {
		case !ok:
			return nil, nil, &RevertError{Reason: "Unknown deposit"}
		case d.withdrawn:
			return nil, nil, &RevertError{Reason: "Already withdrawn"}
		case from != d.depositor:
			return nil, nil, &RevertError{Reason: "Not depositor"}
		case newUnlock.Cmp(d.unlockTime) <= 0:
			return nil, nil, &RevertError{Reason: "Unlock time must increase"}
		}
		if !apply {
			return nil, nil, nil
		}
		d.unlockTime = new(big.Int).Set(newUnlock)
		ev := vaultABI.Events["LockExtended"]
		payload, err := ev.Inputs.NonIndexed().Pack(newUnlock)
		if err != nil {
			return nil, nil, err
		}
		return nil, []types.Log{{
			Address: f.vault,
			Topics:  []common.Hash{ev.ID, common.BigToHash(id)},
			Data:    payload,
		}}, nil
	}
	return nil, nil, &RevertError{Reason: "Unknown function"}
}

func checkNewDeposit(beneficiary common.Address, unlock, now *big.Int) error {
	if beneficiary == (common.Address{}) {
		return &RevertError{Reason: "Invalid beneficiary"}
	}
	if unlock.Cmp(now) <= 0 {
		return &RevertError{Reason: "Unlock time must be in the future"}
	}
	return nil
}

func (f *FakeBackend) createDepositLocked(method *abi.Method, from, beneficiary, token common.Address, amount, unlock *big.Int) ([]byte, []types.Log, error) {
	id := f.nextID
	f.nextID++
	f.deposits[id] = &fakeDeposit{
		depositor:   from,
		beneficiary: beneficiary,
		token:       token,
		amount:      new(big.Int).Set(amount),
		unlockTime:  new(big.Int).Set(unlock),
	}

	ev := vaultABI.Events["DepositCreated"]
	payload, err := ev.Inputs.NonIndexed().Pack(token, amount, unlock)
	if err != nil {
		return nil, nil, err
	}
	idBig := new(big.Int).SetUint64(id)
	out, err := method.Outputs.Pack(idBig)
	if err != nil {
		return nil, nil, err
	}
	return out, []types.Log{{
		Address: f.vault,
		Topics: []common.Hash{
			ev.ID,
			common.BigToHash(idBig),
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(beneficiary.Bytes()),
		},
		Data: payload,
	}}, nil
}

func (t *fakeToken) execute(from common.Address, data []byte, apply bool) ([]byte, error) {
	if len(data) < 4 {
		return nil, &RevertError{Reason: "Unknown function"}
	}
	method, err := erc20ABI.MethodById(data[:4])
	if err != nil {
		return nil, &RevertError{Reason: "Unknown function"}
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, &RevertError{Reason: "Malformed calldata"}
	}
	switch method.Name {
	case "decimals":
		return method.Outputs.Pack(t.decimals)
	case "symbol":
		return method.Outputs.Pack(t.symbol)
	case "balanceOf":
		return method.Outputs.Pack(bigOrZero(t.balances[args[0].(common.Address)]))
	case "allowance":
		return method.Outputs.Pack(t.allowance(args[0].(common.Address), args[1].(common.Address)))
	case "approve":
		if apply {
			spender := args[0].(common.Address)
			if t.allowances[from] == nil {
				t.allowances[from] = make(map[common.Address]*big.Int)
			}
			t.allowances[from][spender] = new(big.Int).Set(args[1].(*big.Int))
		}
		return method.Outputs.Pack(true)
	}
	return nil, &RevertError{Reason: "Unknown function"}
}

func (t *fakeToken) allowance(owner, spender common.Address) *big.Int {
	if t.allowances[owner] == nil {
		return new(big.Int)
	}
	return bigOrZero(t.allowances[owner][spender])
}

func (t *fakeToken) pull(owner, spender common.Address, amount *big.Int, apply bool) error {
	if t.allowance(owner, spender).Cmp(amount) < 0 {
		return &RevertError{Reason: "ERC20: insufficient allowance"}
	}
	if bigOrZero(t.balances[owner]).Cmp(amount) < 0 {
		return &RevertError{Reason: "ERC20: transfer amount exceeds balance"}
	}
	if !apply {
		return nil
	}
	t.allowances[owner][spender] = new(big.Int).Sub(t.allowances[owner][spender], amount)
	t.balances[owner] = new(big.Int).Sub(t.balances[owner], amount)
	t.balances[spender] = new(big.Int).Add(bigOrZero(t.balances[spender]), amount)
	return nil
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
