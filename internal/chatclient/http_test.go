package chatclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prime399/study-flow-kiro-sub000/internal/chaterr"
	"github.com/prime399/study-flow-kiro-sub000/internal/ledger"
	"github.com/prime399/study-flow-kiro-sub000/internal/provider"
	"github.com/prime399/study-flow-kiro-sub000/internal/stream"
)

func TestClient_Stream(t *testing.T) {
	var got Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat", r.URL.Path)
		assert.Equal(t, "Bearer sf-key", r.Header.Get("Authorization"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, frames(stream.NewMessageStart("gpt-4o")))
	}))
	defer server.Close()

	body, err := NewClient(server.URL+"/", "sf-key", nil).Stream(context.Background(), &Request{
		Messages: []provider.Message{{Role: "user", Content: "hi"}},
		ModelID:  "auto",
	})
	require.NoError(t, err)
	defer body.Close()

	e, err := stream.NewDecoder(body).Next()
	require.NoError(t, err)
	assert.Equal(t, stream.NewMessageStart("gpt-4o"), e)
	assert.Equal(t, "auto", got.ModelID)
	assert.Equal(t, "hi", got.Messages[0].Content)
}

func TestClient_StreamRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"slow down"}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "", nil).Stream(context.Background(), &Request{})
	var cerr *chaterr.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, chaterr.KindRateLimited, cerr.Kind)
	assert.NotContains(t, cerr.Error(), "slow down")
}

func TestClient_Coins(t *testing.T) {
	balance := int64(7)
	charges := map[string]int64{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/coins/charge":
			var body chargeBody
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			if body.Amount > balance {
				w.WriteHeader(http.StatusPaymentRequired)
				_, _ = w.Write([]byte(`{"error":"not enough"}`))
				return
			}
			balance -= body.Amount
			id := "c" + strconv.Itoa(len(charges)+1)
			charges[id] = body.Amount
			_ = json.NewEncoder(w).Encode(map[string]any{"chargeId": id, "amount": body.Amount, "balance": balance})
			return
		case "/v1/coins/refund":
			var body refundBody
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			amount, ok := charges[body.ChargeID]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				_, _ = w.Write([]byte(`{"error":"charge not found or already refunded"}`))
				return
			}
			delete(charges, body.ChargeID)
			balance += amount
		}
		_ = json.NewEncoder(w).Encode(map[string]int64{"balance": balance})
	}))
	defer server.Close()

	c := NewClient(server.URL, "k", nil)
	ctx := context.Background()

	b, err := c.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), b)

	receipt, err := c.Charge(ctx, 5, "chat message")
	require.NoError(t, err)
	assert.Equal(t, ledger.Receipt{ChargeID: "c1", Amount: 5, Balance: 2}, receipt)

	_, err = c.Charge(ctx, 5, "chat message")
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	b, err = c.Refund(ctx, receipt.ChargeID, "chat message")
	require.NoError(t, err)
	assert.Equal(t, int64(7), b)

	_, err = c.Refund(ctx, receipt.ChargeID, "chat message")
	assert.ErrorIs(t, err, ledger.ErrChargeNotFound)
}

func TestClient_CoinsMissingBalance(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	_, err := NewClient(server.URL, "", nil).Balance(context.Background())
	assert.Error(t, err)
}
