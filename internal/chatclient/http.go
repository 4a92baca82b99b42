package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/prime399/study-flow-kiro-sub000/internal/chaterr"
	"github.com/prime399/study-flow-kiro-sub000/internal/ledger"
)

// Client talks to the gateway with an optional bearer key. It is both the
// Transport and the Ledger of a Consumer.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}
}

// Stream posts req to /v1/chat. A rejection before the stream opens comes
// back as a *chaterr.Error for its status.
func (c *Client) Stream(ctx context.Context, req *Request) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/chat", req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return nil, chaterr.FromStatus(resp.StatusCode).WithCause(
			fmt.Errorf("gateway rejected chat (status %d): %s", resp.StatusCode, gjson.GetBytes(data, "error").String()))
	}
	return resp.Body, nil
}

func (c *Client) Balance(ctx context.Context) (int64, error) {
	data, err := c.coins(ctx, http.MethodGet, "/v1/coins", nil)
	if err != nil {
		return 0, err
	}
	return balanceOf(data)
}

func (c *Client) Charge(ctx context.Context, amount int64, reason string) (ledger.Receipt, error) {
	data, err := c.coins(ctx, http.MethodPost, "/v1/coins/charge", chargeBody{Amount: amount, Reason: reason})
	if err != nil {
		return ledger.Receipt{}, err
	}
	id := gjson.GetBytes(data, "chargeId").String()
	if id == "" {
		return ledger.Receipt{}, fmt.Errorf("charge response has no chargeId")
	}
	balance, err := balanceOf(data)
	if err != nil {
		return ledger.Receipt{}, err
	}
	return ledger.Receipt{ChargeID: id, Amount: gjson.GetBytes(data, "amount").Int(), Balance: balance}, nil
}

// Refund returns the coins of the charge named by chargeID. A charge the
// gateway does not know, or already refunded, is ledger.ErrChargeNotFound.
func (c *Client) Refund(ctx context.Context, chargeID, reason string) (int64, error) {
	data, err := c.coins(ctx, http.MethodPost, "/v1/coins/refund", refundBody{ChargeID: chargeID, Reason: reason})
	if err != nil {
		return 0, err
	}
	return balanceOf(data)
}

type chargeBody struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type refundBody struct {
	ChargeID string `json:"chargeId"`
	Reason   string `json:"reason"`
}

func (c *Client) coins(ctx context.Context, method, path string, body any) ([]byte, error) {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read coin response: %w", err)
	}
	switch resp.StatusCode {
	case http.StatusOK:
		return data, nil
	case http.StatusPaymentRequired:
		return nil, ledger.ErrInsufficientFunds
	case http.StatusNotFound:
		return nil, ledger.ErrChargeNotFound
	case http.StatusBadRequest:
		return nil, fmt.Errorf("%w: %s", ledger.ErrInvalidAmount, gjson.GetBytes(data, "error").String())
	default:
		return nil, fmt.Errorf("coin request failed (status %d): %s", resp.StatusCode, gjson.GetBytes(data, "error").String())
	}
}

func balanceOf(data []byte) (int64, error) {
	balance := gjson.GetBytes(data, "balance")
	if !balance.Exists() {
		return 0, fmt.Errorf("coin response has no balance")
	}
	return balance.Int(), nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if path == "/v1/chat" {
		req.Header.Set("Accept", "text/event-stream")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c.http.Do(req)
}
