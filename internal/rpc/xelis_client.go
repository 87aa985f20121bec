// Package rpc provides Xelis node communication using native Xelis daemon API.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xelis-project/xelis-pool/internal/util"
)

// NativeAssetHash is the asset hash for native Xelis token (64 zeros)
const NativeAssetHash = "0000000000000000000000000000000000000000000000000000000000000000"

// IsValidAddress reports whether address has the shape of a Xelis bech32
// address (integrated addresses, which embed extra payment-ID data after
// the same prefix, also match). Xelis addresses are not hex strings, so the
// daemon rejects a payout address that merely looks like one.
func IsValidAddress(address string) bool {
	return util.ValidateAddress(address)
}

// XelisClient handles communication with a Xelis node using native Xelis daemon API
type XelisClient struct {
	url          string
	timeout      time.Duration
	client       *http.Client
	requestID    uint64
	minerAddress string // Address for get_block_template

	// Health tracking
	mu           sync.RWMutex
	healthy      bool
	lastCheck    time.Time
	successCount int
	failCount    int
}

// NewXelisClient creates a new Xelis RPC client
func NewXelisClient(url string, timeout time.Duration) *XelisClient {
	return &XelisClient{
		url:     url,
		timeout: timeout,
		client: &http.Client{
			Timeout: timeout,
		},
		healthy: true,
	}
}

// SetMinerAddress sets the miner address for get_block_template calls. It
// rejects anything that isn't shaped like a Xelis bech32 address, since the
// daemon will otherwise accept it here and only fail much later on submit.
func (c *XelisClient) SetMinerAddress(address string) error {
	if !IsValidAddress(address) {
		return fmt.Errorf("invalid xelis address %q: expected xel:/xet: bech32 address", address)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.minerAddress = address
	return nil
}

// NativeRPCRequest represents a Xelis native JSON-RPC request with object params
type NativeRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"` // Can be object or nil
	ID      uint64      `json:"id"`
}

// RPCResponse represents a JSON-RPC response
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// BlockTemplate represents a mining block template
type BlockTemplate struct {
	HeaderHash   string `json:"headerHash"`
	ParentHash   string `json:"parentHash"`
	Height       uint64 `json:"height"`
	Timestamp    uint64 `json:"timestamp"`
	Difficulty   uint64 `json:"difficulty"`
	Target       string `json:"target"`
	ExtraNonce   string `json:"extraNonce"`
	Transactions []byte `json:"transactions,omitempty"`
}

// BlockInfo represents block information at a given topoheight
type BlockInfo struct {
	Hash            string `json:"hash"`
	ParentHash      string `json:"parentHash"`
	Topoheight      uint64 `json:"topoheight"`
	Height          uint64 `json:"height"`
	Timestamp       uint64 `json:"timestamp"`
	Difficulty      uint64 `json:"difficulty"`
	CumulativeDiff  string `json:"cumulativeDifficulty"` // full precision; can exceed 2^64 on a live chain
	Nonce           string `json:"nonce"`
	Miner           string `json:"miner"`
	Reward          uint64 `json:"reward"`
	Size            uint64 `json:"size"`
	Transactions    int    `json:"transactionCount"`
	TxFees          uint64 `json:"txFees"`
}

// NetworkInfo represents network statistics
type NetworkInfo struct {
	Height        uint64 `json:"height"`
	Topoheight    uint64 `json:"topoheight"`
	Difficulty    uint64 `json:"difficulty"`
	DifficultyRaw string `json:"difficultyRaw"` // undamaged string form, see parseDifficultyBig
	Hashrate      uint64 `json:"hashrate"`
	PeerCount     int    `json:"peerCount"`
	Syncing       bool   `json:"syncing"`
}

// === Xelis Native API Response Structures ===

// GetBlockTemplateResult represents get_block_template response
type GetBlockTemplateResult struct {
	Template   string `json:"template"`
	Algorithm  string `json:"algorithm"`
	Height     uint64 `json:"height"`
	TopoHeight uint64 `json:"topoheight"`
	Difficulty string `json:"difficulty"`
}

// GetInfoResult represents get_info response
type GetInfoResult struct {
	Height           uint64 `json:"height"`
	TopoHeight       uint64 `json:"topoheight"`
	StableHeight     uint64 `json:"stableheight"`
	StableTopoHeight uint64 `json:"stable_topoheight"`
	TopBlockHash     string `json:"top_block_hash"`
	Difficulty       string `json:"difficulty"`
	BlockTimeTarget  uint64 `json:"block_time_target"`
	AverageBlockTime uint64 `json:"average_block_time"`
	BlockReward      uint64 `json:"block_reward"`
	DevReward        uint64 `json:"dev_reward"`
	MinerReward      uint64 `json:"miner_reward"`
	MempoolSize      uint64 `json:"mempool_size"`
	Version          string `json:"version"`
	Network          string `json:"network"`
}

// P2pStatusResult represents p2p_status response
type P2pStatusResult struct {
	PeerCount        uint64  `json:"peer_count"`
	MaxPeers         uint64  `json:"max_peers"`
	Tag              *string `json:"tag"`
	OurTopoHeight    uint64  `json:"our_topoheight"`
	BestTopoHeight   uint64  `json:"best_topoheight"`
	MedianTopoHeight uint64  `json:"median_topoheight"`
	PeerID           uint64  `json:"peer_id"`
}

// RPCBlockResponse represents get_block_at_topoheight/get_block_by_hash response
type RPCBlockResponse struct {
	Hash                 string   `json:"hash"`
	TopoHeight           uint64   `json:"topoheight"`
	BlockType            string   `json:"block_type"`
	Difficulty           string   `json:"difficulty"`
	Supply               uint64   `json:"supply"`
	Reward               uint64   `json:"reward"`
	MinerReward          uint64   `json:"miner_reward"`
	DevReward            uint64   `json:"dev_reward"`
	CumulativeDifficulty string   `json:"cumulative_difficulty"`
	TotalFees            uint64   `json:"total_fees"`
	TotalSizeInBytes     uint64   `json:"total_size_in_bytes"`
	Version              uint64   `json:"version"`
	Tips                 []string `json:"tips"`
	Timestamp            uint64   `json:"timestamp"`
	Height               uint64   `json:"height"`
	Nonce                uint64   `json:"nonce"`
	ExtraNonce           string   `json:"extra_nonce"`
	Miner                string   `json:"miner"`
	TxsHashes            []string `json:"txs_hashes"`
}

// GetBalanceResult represents get_balance response
type GetBalanceResult struct {
	Balance    uint64 `json:"balance"`
	TopoHeight uint64 `json:"topoheight"`
}

// rpcURL returns the full RPC endpoint URL with /json_rpc path
func (c *XelisClient) rpcURL() string {
	// Xelis daemon expects RPC calls at /json_rpc endpoint
	url := c.url
	if !strings.HasSuffix(url, "/json_rpc") {
		url = strings.TrimSuffix(url, "/") + "/json_rpc"
	}
	return url
}

// call makes an RPC call using Xelis native format (object params)
func (c *XelisClient) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := atomic.AddUint64(&c.requestID, 1)

	req := NativeRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.rpcURL(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	var rpcResp RPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		c.recordFailure()
		return nil, err
	}

	if rpcResp.Error != nil {
		c.recordFailure()
		return nil, rpcResp.Error
	}

	c.recordSuccess()
	return rpcResp.Result, nil
}

// recordSuccess records a successful RPC call
func (c *XelisClient) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successCount++
	c.failCount = 0
	c.healthy = true
	c.lastCheck = time.Now()
}

// recordFailure records a failed RPC call
func (c *XelisClient) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount++
	if c.failCount >= 3 {
		c.healthy = false
		util.Warnf("Xelis node marked unhealthy after %d failures", c.failCount)
	}
	c.lastCheck = time.Now()
}

// IsHealthy returns whether the node is healthy
func (c *XelisClient) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

const maxUint64 = ^uint64(0)

// parseDifficultyBig parses a Xelis difficulty string at full precision.
// Cumulative/network difficulty on a live Xelis chain routinely exceeds
// 2^64, so this — not a uint64 round-trip — is the correct representation
// for any arithmetic done on it (target derivation, hashrate estimates).
func parseDifficultyBig(diff string) *big.Int {
	val, ok := new(big.Int).SetString(diff, 10)
	if !ok {
		return new(big.Int)
	}
	return val
}

// parseDifficulty converts a difficulty string to uint64, saturating at
// math.MaxUint64 rather than silently truncating. Safe for per-share
// difficulty, which never approaches that magnitude; use
// parseDifficultyBig for network/cumulative difficulty.
func parseDifficulty(diff string) uint64 {
	val := parseDifficultyBig(diff)
	if val.IsUint64() {
		return val.Uint64()
	}
	return maxUint64
}

// difficultyToTarget converts difficulty to a target hex string.
// Target = MaxTarget / Difficulty, computed at full big.Int precision since
// Difficulty can exceed what a uint64 holds.
func difficultyToTarget(difficulty string) string {
	diff := parseDifficultyBig(difficulty)
	if diff.Sign() <= 0 {
		// Return max target if difficulty is invalid
		return "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
	}

	// MaxTarget = 2^256 - 1
	maxTarget := new(big.Int)
	maxTarget.SetString("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff", 16)

	target := new(big.Int).Div(maxTarget, diff)

	// Convert to 64-char hex string (32 bytes, left-padded)
	return fmt.Sprintf("%064x", target)
}

// GetWork returns the current mining work using get_block_template
func (c *XelisClient) GetWork(ctx context.Context) (*BlockTemplate, error) {
	c.mu.RLock()
	minerAddr := c.minerAddress
	c.mu.RUnlock()

	params := map[string]interface{}{
		"address": minerAddr,
	}

	result, err := c.call(ctx, "get_block_template", params)
	if err != nil {
		return nil, err
	}

	var templateResult GetBlockTemplateResult
	if err := json.Unmarshal(result, &templateResult); err != nil {
		return nil, fmt.Errorf("failed to parse block template: %w", err)
	}

	return &BlockTemplate{
		HeaderHash: templateResult.Template,
		Height:     templateResult.Height,
		Difficulty: parseDifficulty(templateResult.Difficulty),
		Target:     difficultyToTarget(templateResult.Difficulty),
	}, nil
}

// GetBlockTemplate returns a full block template (alias for GetWork)
func (c *XelisClient) GetBlockTemplate(ctx context.Context) (*BlockTemplate, error) {
	return c.GetWork(ctx)
}

// SubmitWork submits a mined block using submit_block
func (c *XelisClient) SubmitWork(ctx context.Context, nonce, headerHash, mixDigest string) (bool, error) {
	// For Xelis, we submit the block template with nonce embedded
	// The headerHash contains the template, mixDigest is unused in Xelis
	return c.SubmitBlock(ctx, headerHash, nonce)
}

// SubmitBlock submits a complete block
func (c *XelisClient) SubmitBlock(ctx context.Context, blockTemplate string, minerWork string) (bool, error) {
	params := map[string]interface{}{
		"block_template": blockTemplate,
	}
	if minerWork != "" {
		params["miner_work"] = minerWork
	}

	result, err := c.call(ctx, "submit_block", params)
	if err != nil {
		return false, err
	}

	var success bool
	if err := json.Unmarshal(result, &success); err != nil {
		// Some implementations return the block hash on success
		return result != nil && string(result) != "null", nil
	}

	return success, nil
}

// convertBlockResponse converts Xelis native block response to BlockInfo
func convertBlockResponse(native *RPCBlockResponse) *BlockInfo {
	parentHash := ""
	if len(native.Tips) > 0 {
		parentHash = native.Tips[0]
	}

	return &BlockInfo{
		Hash:           native.Hash,
		ParentHash:     parentHash,
		Topoheight:     native.TopoHeight,
		Height:         native.Height,
		Timestamp:      native.Timestamp / 1000, // Convert ms to seconds
		Difficulty:     parseDifficulty(native.Difficulty),
		CumulativeDiff: native.CumulativeDifficulty,
		Nonce:          fmt.Sprintf("%d", native.Nonce),
		Miner:          native.Miner,
		Reward:         native.MinerReward,
		Size:           native.TotalSizeInBytes,
		Transactions:   len(native.TxsHashes),
		TxFees:         native.TotalFees,
	}
}

// GetBlockByTopoheight returns the block at a given topoheight using
// get_block_at_topoheight. Xelis orders its BlockDAG by topological height,
// not a single linear block number, so topoheight is the native lookup key.
func (c *XelisClient) GetBlockByTopoheight(ctx context.Context, topoheight uint64) (*BlockInfo, error) {
	params := map[string]interface{}{
		"topoheight": topoheight,
	}

	result, err := c.call(ctx, "get_block_at_topoheight", params)
	if err != nil {
		return nil, err
	}

	if string(result) == "null" {
		return nil, nil
	}

	var blockResp RPCBlockResponse
	if err := json.Unmarshal(result, &blockResp); err != nil {
		return nil, err
	}

	return convertBlockResponse(&blockResp), nil
}

// GetBlockByHash returns block by hash using get_block_by_hash
func (c *XelisClient) GetBlockByHash(ctx context.Context, hash string) (*BlockInfo, error) {
	params := map[string]interface{}{
		"hash": hash,
	}

	result, err := c.call(ctx, "get_block_by_hash", params)
	if err != nil {
		return nil, err
	}

	if string(result) == "null" {
		return nil, nil
	}

	var blockResp RPCBlockResponse
	if err := json.Unmarshal(result, &blockResp); err != nil {
		return nil, err
	}

	return convertBlockResponse(&blockResp), nil
}

// GetLatestBlock returns the latest block using get_info + get_block_at_topoheight
func (c *XelisClient) GetLatestBlock(ctx context.Context) (*BlockInfo, error) {
	// First get current topoheight
	result, err := c.call(ctx, "get_info", nil)
	if err != nil {
		return nil, err
	}

	var info GetInfoResult
	if err := json.Unmarshal(result, &info); err != nil {
		return nil, err
	}

	// Get block at that topoheight
	return c.GetBlockByTopoheight(ctx, info.TopoHeight)
}

// GetNetworkInfo returns network information using get_info and p2p_status
func (c *XelisClient) GetNetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	// Get node info
	infoResult, err := c.call(ctx, "get_info", nil)
	if err != nil {
		return nil, err
	}

	var info GetInfoResult
	if err := json.Unmarshal(infoResult, &info); err != nil {
		return nil, err
	}

	// Get p2p status
	p2pResult, err := c.call(ctx, "p2p_status", nil)
	if err != nil {
		return nil, err
	}

	var p2p P2pStatusResult
	if err := json.Unmarshal(p2pResult, &p2p); err != nil {
		return nil, err
	}

	// Determine if syncing
	syncing := p2p.OurTopoHeight < p2p.BestTopoHeight

	// Calculate network hashrate: difficulty / average_block_time_seconds
	// AverageBlockTime is in milliseconds, so we multiply difficulty by 1000
	var hashrate uint64
	if info.AverageBlockTime > 0 {
		hashrate = parseDifficulty(info.Difficulty) * 1000 / info.AverageBlockTime
	}

	return &NetworkInfo{
		Height:        info.Height,
		Topoheight:    info.TopoHeight,
		Difficulty:    parseDifficulty(info.Difficulty),
		DifficultyRaw: info.Difficulty,
		Hashrate:      hashrate,
		PeerCount:     int(p2p.PeerCount),
		Syncing:       syncing,
	}, nil
}

// GetBalance returns account balance using get_balance
func (c *XelisClient) GetBalance(ctx context.Context, address string) (uint64, error) {
	params := map[string]interface{}{
		"address": address,
		"asset":   NativeAssetHash,
	}

	result, err := c.call(ctx, "get_balance", params)
	if err != nil {
		return 0, err
	}

	var balanceResult GetBalanceResult
	if err := json.Unmarshal(result, &balanceResult); err != nil {
		return 0, err
	}

	return balanceResult.Balance, nil
}

// TransactionInfo represents a transaction's on-chain status via
// get_transaction. Xelis has no EVM-style success/fail receipt: a
// transaction is either unseen, sitting in the mempool, or executed inside
// a specific block.
type TransactionInfo struct {
	Hash            string `json:"hash"`
	InMempool       bool   `json:"in_mempool"`
	BlockHash       string `json:"block_hash,omitempty"`
	Topoheight      uint64 `json:"topoheight,omitempty"`
	ExecutedInBlock bool   `json:"executed_in_block"`
}

// GetTransaction returns a transaction's current status using get_transaction.
func (c *XelisClient) GetTransaction(ctx context.Context, txHash string) (*TransactionInfo, error) {
	params := map[string]interface{}{
		"hash": txHash,
	}

	result, err := c.call(ctx, "get_transaction", params)
	if err != nil {
		return nil, err
	}

	if string(result) == "null" {
		return nil, nil
	}

	var txData struct {
		Hash          string `json:"hash"`
		InBlockHash   string `json:"in_block_hash"`
		InMempool     bool   `json:"in_mempool"`
		Topoheight    uint64 `json:"topoheight"`
		Executed      bool   `json:"executed_in_block"`
	}
	if err := json.Unmarshal(result, &txData); err != nil {
		return nil, err
	}

	return &TransactionInfo{
		Hash:            txData.Hash,
		InMempool:       txData.InMempool,
		BlockHash:       txData.InBlockHash,
		Topoheight:      txData.Topoheight,
		ExecutedInBlock: txData.Executed,
	}, nil
}

// IsTransactionConfirmed reports whether a transaction has left the mempool
// and been executed inside a block. Used by the payout flow in place of an
// EVM-style receipt status code, which Xelis transactions don't have.
func (c *XelisClient) IsTransactionConfirmed(ctx context.Context, txHash string) (bool, error) {
	tx, err := c.GetTransaction(ctx, txHash)
	if err != nil {
		return false, err
	}
	if tx == nil {
		return false, nil
	}
	return tx.ExecutedInBlock && tx.BlockHash != "", nil
}

// SendRawTransaction broadcasts a signed transaction
// Note: Xelis uses different transaction format
func (c *XelisClient) SendRawTransaction(ctx context.Context, signedTx string) (string, error) {
	params := map[string]interface{}{
		"data": signedTx,
	}

	result, err := c.call(ctx, "submit_transaction", params)
	if err != nil {
		return "", err
	}

	var success bool
	if err := json.Unmarshal(result, &success); err != nil {
		// Might return tx hash instead
		var txHash string
		if json.Unmarshal(result, &txHash) == nil {
			return txHash, nil
		}
		return "", err
	}

	if success {
		return "submitted", nil
	}
	return "", fmt.Errorf("transaction rejected")
}

// GetNonce returns account nonce
// Note: Xelis uses different nonce model
func (c *XelisClient) GetNonce(ctx context.Context, address string) (uint64, error) {
	params := map[string]interface{}{
		"address": address,
	}

	result, err := c.call(ctx, "get_nonce", params)
	if err != nil {
		return 0, err
	}

	var nonceResult struct {
		Nonce uint64 `json:"nonce"`
	}
	if err := json.Unmarshal(result, &nonceResult); err != nil {
		return 0, err
	}

	return nonceResult.Nonce, nil
}

// GetBlockTxFees returns total transaction fees for a block at a topoheight
func (c *XelisClient) GetBlockTxFees(ctx context.Context, topoheight uint64) (uint64, error) {
	block, err := c.GetBlockByTopoheight(ctx, topoheight)
	if err != nil || block == nil {
		return 0, err
	}
	return block.TxFees, nil
}

// SearchBlockByHash searches for a block hash in a range of heights
// Used for deep orphan detection - searches ±searchRange blocks
func (c *XelisClient) SearchBlockByHash(ctx context.Context, targetHash string, centerHeight uint64, searchRange int) (*BlockInfo, error) {
	// First try direct hash lookup
	block, err := c.GetBlockByHash(ctx, targetHash)
	if err == nil && block != nil {
		return block, nil
	}

	// Fall back to range search
	for offset := 0; offset <= searchRange; offset++ {
		if offset >= 0 {
			topoheight := centerHeight + uint64(offset)
			block, err := c.GetBlockByTopoheight(ctx, topoheight)
			if err == nil && block != nil && block.Hash == targetHash {
				return block, nil
			}
		}

		if offset > 0 && centerHeight >= uint64(offset) {
			topoheight := centerHeight - uint64(offset)
			block, err := c.GetBlockByTopoheight(ctx, topoheight)
			if err == nil && block != nil && block.Hash == targetHash {
				return block, nil
			}
		}
	}

	return nil, nil
}

// GetBlockRewardWithFees returns block reward including transaction fees
func (c *XelisClient) GetBlockRewardWithFees(ctx context.Context, topoheight uint64) (uint64, uint64, error) {
	block, err := c.GetBlockByTopoheight(ctx, topoheight)
	if err != nil || block == nil {
		return 0, 0, err
	}

	return block.Reward, block.TxFees, nil
}
