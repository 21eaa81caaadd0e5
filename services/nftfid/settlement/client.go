package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"nftlend/native/nftfi"
)

// Client submits settlement instructions to the bridge responsible for
// on-chain custody and fund movement. It implements nftfi.Settlement: Execute
// returns only once the bridge confirms the movement.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a bridge client for the given base URL.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("settlement endpoint required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: trimmed,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

type instructionRequest struct {
	Kind         string `json:"kind"`
	Collection   string `json:"collection"`
	TokenID      string `json:"tokenId"`
	BorrowToken  string `json:"borrowToken"`
	Amount       string `json:"amount"`
	Counterparty string `json:"counterparty"`
}

// Execute submits the instruction and waits for bridge confirmation.
func (c *Client) Execute(ctx context.Context, instr nftfi.SettlementInstruction) error {
	payload := instructionRequest{
		Kind:         string(instr.Kind),
		Collection:   instr.Collateral.Collection,
		TokenID:      instr.Collateral.TokenID,
		BorrowToken:  instr.BorrowToken,
		Counterparty: instr.Counterparty,
	}
	if instr.Amount != nil {
		payload.Amount = instr.Amount.String()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode instruction: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/instructions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build instruction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("submit instruction: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("instruction rejected: status %d", resp.StatusCode)
	}
	return nil
}
