package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/solweave/ammengine/internal/core"
)

// JupiterConfig points a JupiterExecutor at a Jupiter-shaped DEX
// aggregator quote/swap REST API and a Solana RPC endpoint for
// confirmation polling. Grounded on the teacher's SolanaConfig
// (RPCURL/WSURL) and SolanaClient.rpcCall's JSON-RPC POST pattern,
// generalized from raw getBlock/getBalance calls to an aggregator's
// quote/swap endpoints plus getSignatureStatuses confirmation.
type JupiterConfig struct {
	QuoteURL        string // e.g. https://quote-api.jup.ag/v6/quote
	SwapURL         string // e.g. https://quote-api.jup.ag/v6/swap
	RPCURL          string
	HTTPTimeout     time.Duration
	ConfirmTimeout  time.Duration
	ConfirmInterval time.Duration
}

// DefaultJupiterConfig returns sensible network timeouts, mirroring the
// teacher's 30s http.Client timeout.
func DefaultJupiterConfig() JupiterConfig {
	return JupiterConfig{
		HTTPTimeout:     30 * time.Second,
		ConfirmTimeout:  60 * time.Second,
		ConfirmInterval: 2 * time.Second,
	}
}

// JupiterExecutor executes real swaps against a DEX aggregator. Every
// Buy/Sell either returns a receipt for a transaction it confirmed
// on-chain, or an error — it never fabricates a tx_id for an unconfirmed
// or unsubmitted swap.
type JupiterExecutor struct {
	logger     *zap.Logger
	config     JupiterConfig
	httpClient *http.Client
}

// NewJupiterExecutor constructs a real-swap SwapExecutor.
func NewJupiterExecutor(logger *zap.Logger, config JupiterConfig) *JupiterExecutor {
	if config.HTTPTimeout <= 0 {
		config.HTTPTimeout = 30 * time.Second
	}
	return &JupiterExecutor{
		logger: logger.Named("jupiter-executor"),
		config: config,
		httpClient: &http.Client{
			Timeout: config.HTTPTimeout,
		},
	}
}

// Buy swaps amountBase of the quote asset into token.
func (j *JupiterExecutor) Buy(ctx context.Context, token string, amountBase, maxSlippage decimal.Decimal) (*core.ExecutionReceipt, error) {
	return j.swap(ctx, "quote-mint", token, amountBase, maxSlippage)
}

// Sell swaps amountToken of token back into the quote asset.
func (j *JupiterExecutor) Sell(ctx context.Context, token string, amountToken, maxSlippage decimal.Decimal) (*core.ExecutionReceipt, error) {
	return j.swap(ctx, token, "quote-mint", amountToken, maxSlippage)
}

func (j *JupiterExecutor) swap(ctx context.Context, inputMint, outputMint string, amount, maxSlippage decimal.Decimal) (*core.ExecutionReceipt, error) {
	q, err := j.fetchQuote(ctx, inputMint, outputMint, amount, maxSlippage)
	if err != nil {
		return nil, fmt.Errorf("%w: quote: %v", core.ErrRPCUnavailable, err)
	}

	sig, err := j.submitSwap(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%w: submit: %v", core.ErrTimeout, err)
	}

	confirmed, err := j.confirm(ctx, sig)
	if err != nil {
		return nil, err
	}
	if !confirmed {
		return nil, fmt.Errorf("%w: signature %s not confirmed before deadline", core.ErrTimeout, sig)
	}

	return &core.ExecutionReceipt{
		TxID:           sig,
		TokensReceived: q.outAmount,
		EffectivePrice: q.effectivePrice,
		Fees:           q.fees,
	}, nil
}

// jupiterQuote is the subset of a Jupiter v6 quote response this executor
// needs.
type jupiterQuote struct {
	outAmount      decimal.Decimal
	effectivePrice decimal.Decimal
	fees           decimal.Decimal
	raw            json.RawMessage
}

func (j *JupiterExecutor) fetchQuote(ctx context.Context, inputMint, outputMint string, amount, maxSlippage decimal.Decimal) (*jupiterQuote, error) {
	req := map[string]interface{}{
		"inputMint":   inputMint,
		"outputMint":  outputMint,
		"amount":      amount.String(),
		"slippageBps": maxSlippage.Mul(decimal.NewFromInt(10000)).IntPart(),
	}

	var resp struct {
		OutAmount  string `json:"outAmount"`
		PriceImpact string `json:"priceImpactPct"`
		OtherFees  string `json:"otherAmountThreshold"`
	}
	raw, err := j.postJSONRaw(ctx, j.config.QuoteURL, req, &resp)
	if err != nil {
		return nil, err
	}

	outAmount, err := decimal.NewFromString(resp.OutAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid quote outAmount %q: %w", resp.OutAmount, err)
	}

	return &jupiterQuote{
		outAmount:      outAmount,
		effectivePrice: amount.Div(outAmount),
		fees:           decimal.Zero,
		raw:            raw,
	}, nil
}

func (j *JupiterExecutor) submitSwap(ctx context.Context, q *jupiterQuote) (string, error) {
	req := map[string]interface{}{
		"quoteResponse": q.raw,
	}

	var resp struct {
		Signature string `json:"signature"`
	}
	if err := j.postJSON(ctx, j.config.SwapURL, req, &resp); err != nil {
		return "", err
	}
	if resp.Signature == "" {
		return "", fmt.Errorf("swap response carried no signature")
	}
	return resp.Signature, nil
}

// confirm polls getSignatureStatuses until the transaction is finalized,
// the context is cancelled, or ConfirmTimeout elapses. A cancellation or
// timeout here must never be mistaken for success.
func (j *JupiterExecutor) confirm(ctx context.Context, signature string) (bool, error) {
	deadline := time.Now().Add(j.config.ConfirmTimeout)
	ticker := time.NewTicker(j.config.ConfirmInterval)
	defer ticker.Stop()

	for {
		status, err := j.signatureStatus(ctx, signature)
		if err != nil {
			return false, err
		}
		if status == "finalized" || status == "confirmed" {
			return true, nil
		}

		if time.Now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, core.ErrCancelled
		case <-ticker.C:
		}
	}
}

func (j *JupiterExecutor) signatureStatus(ctx context.Context, signature string) (string, error) {
	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "getSignatureStatuses",
		"params": []interface{}{
			[]string{signature},
			map[string]bool{"searchTransactionHistory": true},
		},
	}

	var resp struct {
		Result struct {
			Value []*struct {
				ConfirmationStatus string `json:"confirmationStatus"`
				Err                interface{} `json:"err"`
			} `json:"value"`
		} `json:"result"`
	}
	if err := j.postJSON(ctx, j.config.RPCURL, req, &resp); err != nil {
		return "", err
	}
	if len(resp.Result.Value) == 0 || resp.Result.Value[0] == nil {
		return "", nil
	}
	if resp.Result.Value[0].Err != nil {
		return "", fmt.Errorf("%w: transaction failed on-chain", core.ErrRejected)
	}
	return resp.Result.Value[0].ConfirmationStatus, nil
}

func (j *JupiterExecutor) postJSON(ctx context.Context, url string, body, out interface{}) error {
	_, err := j.postJSONRaw(ctx, url, body, out)
	return err
}

// postJSONRaw issues a POST and returns the raw response body alongside
// decoding it into out, matching the teacher's rpcCall JSON-over-HTTP
// pattern generalized from a single map[string]interface{} result to a
// typed decode plus the raw bytes a downstream swap call must forward.
func (j *JupiterExecutor) postJSONRaw(ctx context.Context, url string, body, out interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return raw, nil
}
