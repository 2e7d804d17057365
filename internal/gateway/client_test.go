package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func newTestClient(serverURL string) *Client {
	viper.Set("gateway.base_url", serverURL)
	viper.Set("gateway.api_key", "test-key")
	viper.Set("gateway.merchant_account", "MA-001")
	return NewClient()
}

func TestParseResponseCode(t *testing.T) {
	cases := map[string]Outcome{
		"0000": OutcomeSuccess,
		"0001": OutcomePending,
		"2001": OutcomeDeclined,
		"4000": OutcomeDeclined,
		"2050": OutcomeInsufficientFunds,
		"9999": OutcomeUnknown,
		"":     OutcomeUnknown,
	}

	for code, want := range cases {
		assert.Equal(t, want, ParseResponseCode(code), "code %q", code)
	}
}

func TestOutcome(t *testing.T) {
	assert.True(t, OutcomeDeclined.Failed())
	assert.True(t, OutcomeInsufficientFunds.Failed())
	assert.False(t, OutcomeSuccess.Failed())
	assert.False(t, OutcomePending.Failed())
	assert.False(t, OutcomeNetworkError.Failed())
	assert.False(t, OutcomeUnknown.Failed())

	assert.Equal(t, "SUCCESS", OutcomeSuccess.String())
	assert.Equal(t, "INSUFFICIENT_FUNDS", OutcomeInsufficientFunds.String())
	assert.Equal(t, "UNKNOWN", OutcomeUnknown.String())
}

func TestFormatPhone(t *testing.T) {
	t.Run("accepted forms", func(t *testing.T) {
		cases := map[string]string{
			"0244000001":     "233244000001",
			"244000001":      "233244000001",
			"233244000001":   "233244000001",
			"+233244000001":  "233244000001",
			"024 400 0001":   "233244000001",
			"(024) 400-0001": "233244000001",
			" 0244000001 ":   "233244000001",
		}

		for raw, want := range cases {
			got, err := FormatPhone(raw)
			assert.NoError(t, err, raw)
			assert.Equal(t, want, got, raw)
		}
	})

	t.Run("rejected forms", func(t *testing.T) {
		for _, raw := range []string{"", "abc", "02440", "4412345678901", "024400000x"} {
			_, err := FormatPhone(raw)
			assert.Error(t, err, raw)
		}
	})
}

func TestChannelFor(t *testing.T) {
	t.Run("charge channels", func(t *testing.T) {
		cases := map[string]string{
			"MTN":        "mtn-gh",
			"mtn":        "mtn-gh",
			"VODAFONE":   "vodafone-gh",
			"AIRTELTIGO": "tigo-gh",
			" MTN ":      "mtn-gh",
		}
		for network, want := range cases {
			got, err := ChannelFor(network, false)
			assert.NoError(t, err, network)
			assert.Equal(t, want, got, network)
		}
	})

	t.Run("direct debit channels", func(t *testing.T) {
		got, err := ChannelFor("MTN", true)
		assert.NoError(t, err)
		assert.Equal(t, "mtn-gh-direct-debit", got)

		got, err = ChannelFor("VODAFONE", true)
		assert.NoError(t, err)
		assert.Equal(t, "vodafone-gh-direct-debit", got)
	})

	t.Run("direct debit unsupported on AirtelTigo", func(t *testing.T) {
		_, err := ChannelFor("AIRTELTIGO", true)
		assert.ErrorIs(t, err, ErrUnsupportedNetwork)
	})

	t.Run("unknown network", func(t *testing.T) {
		_, err := ChannelFor("GLO", false)
		assert.ErrorIs(t, err, ErrUnsupportedNetwork)
	})
}

func TestClient_InitiateCharge(t *testing.T) {
	t.Run("successful request", func(t *testing.T) {
		var gotPath string
		var gotAuth string
		var gotBody map[string]any

		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			json.NewDecoder(r.Body).Decode(&gotBody)
			json.NewEncoder(w).Encode(ChargeResponse{
				ResponseCode: "0001",
				Message:      "Accepted",
			})
		}))
		defer server.Close()

		client := newTestClient(server.URL)
		resp, err := client.InitiateCharge(context.Background(), &ChargeRequest{
			Amount:    50000,
			Phone:     "233244000001",
			Channel:   "mtn-gh",
			Reference: "HP-REF",
		})

		assert.NoError(t, err)
		assert.Equal(t, OutcomePending, resp.Outcome())
		assert.Equal(t, "/merchants/MA-001/receive/mobilemoney", gotPath)
		assert.Equal(t, "Bearer test-key", gotAuth)
		assert.Equal(t, "233244000001", gotBody["customerMsisdn"])
		assert.Equal(t, "HP-REF", gotBody["clientReference"])
		// Minor units cross the wire as a decimal amount.
		assert.Equal(t, "500", gotBody["amount"])
	})

	t.Run("provider 5xx wraps ErrUnreachable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		client := newTestClient(server.URL)
		_, err := client.InitiateCharge(context.Background(), &ChargeRequest{Reference: "HP-REF"})
		assert.ErrorIs(t, err, ErrUnreachable)
	})

	t.Run("transport failure wraps ErrUnreachable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close()

		client := newTestClient(server.URL)
		_, err := client.InitiateCharge(context.Background(), &ChargeRequest{Reference: "HP-REF"})
		assert.ErrorIs(t, err, ErrUnreachable)
	})
}

func TestClient_PreapprovalCharge(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(ChargeResponse{ResponseCode: "0000"})
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	resp, err := client.PreapprovalCharge(context.Background(), &ChargeRequest{
		Amount:    50000,
		Phone:     "233244000001",
		Channel:   "mtn-gh-direct-debit",
		Reference: "HP-REF",
	})

	assert.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, resp.Outcome())
	assert.Equal(t, "/merchants/MA-001/preapprovals/charge", gotPath)
}

func TestClient_QueryStatus(t *testing.T) {
	t.Run("passes the client reference", func(t *testing.T) {
		var gotQuery url.Values
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotQuery = r.URL.Query()
			json.NewEncoder(w).Encode(StatusResponse{
				ResponseCode: "0000",
				Data: StatusData{
					ClientReference:       "HP-REF-R1",
					ExternalTransactionID: "EXT-9",
				},
			})
		}))
		defer server.Close()

		client := newTestClient(server.URL)
		resp, err := client.QueryStatus(context.Background(), "HP-REF-R1")

		assert.NoError(t, err)
		assert.Equal(t, OutcomeSuccess, resp.Outcome())
		assert.Equal(t, "HP-REF-R1", gotQuery.Get("clientReference"))
	})

	t.Run("provider 5xx wraps ErrUnreachable", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		client := newTestClient(server.URL)
		_, err := client.QueryStatus(context.Background(), "HP-REF")
		assert.ErrorIs(t, err, ErrUnreachable)
	})
}
