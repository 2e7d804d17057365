package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Outcome is the adapter's interpretation of a provider response code.
// Codes are decoded exactly once at this boundary; callers never see
// raw provider strings.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomePending
	OutcomeInsufficientFunds
	OutcomeDeclined
	OutcomeNetworkError
	// OutcomeUnknown covers codes not in the table. Treated as
	// still-pending so an unrecognised code is never mis-classified
	// as success or failure.
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomePending:
		return "PENDING"
	case OutcomeInsufficientFunds:
		return "INSUFFICIENT_FUNDS"
	case OutcomeDeclined:
		return "DECLINED"
	case OutcomeNetworkError:
		return "NETWORK_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Failed reports whether the outcome is a definitive charge failure.
func (o Outcome) Failed() bool {
	return o == OutcomeInsufficientFunds || o == OutcomeDeclined
}

// Provider response code table.
const (
	codeSuccess           = "0000"
	codeAccepted          = "0001"
	codeDeclined          = "2001"
	codeInsufficientFunds = "2050"
	codeInvalidRequest    = "4000"
)

// ParseResponseCode maps a provider response code to an Outcome.
func ParseResponseCode(code string) Outcome {
	switch code {
	case codeSuccess:
		return OutcomeSuccess
	case codeAccepted:
		return OutcomePending
	case codeDeclined, codeInvalidRequest:
		return OutcomeDeclined
	case codeInsufficientFunds:
		return OutcomeInsufficientFunds
	default:
		return OutcomeUnknown
	}
}

// ErrUnreachable marks transport-level failures (timeouts, connection
// errors, provider 5xx) so callers can distinguish an ambiguous outcome
// from a definitive rejection.
var ErrUnreachable = errors.New("payment gateway unreachable")

// ErrUnsupportedNetwork is returned when no channel exists for the
// requested network/charge-type combination.
var ErrUnsupportedNetwork = errors.New("unsupported network")

type ChargeRequest struct {
	Amount      int64  // minor units
	Phone       string // canonical MSISDN, see FormatPhone
	Channel     string
	Reference   string
	Description string
}

type ChargeResponse struct {
	ResponseCode string     `json:"responseCode"`
	Message      string     `json:"message"`
	Data         ChargeData `json:"data"`
}

type ChargeData struct {
	TransactionID   string          `json:"transactionId"`
	ClientReference string          `json:"clientReference"`
	Amount          decimal.Decimal `json:"amount"`
	Charges         decimal.Decimal `json:"charges"`
	Description     string          `json:"description"`
}

// Outcome decodes the response code once.
func (r *ChargeResponse) Outcome() Outcome {
	return ParseResponseCode(r.ResponseCode)
}

type StatusResponse struct {
	ResponseCode string     `json:"responseCode"`
	Message      string     `json:"message"`
	Data         StatusData `json:"data"`
}

type StatusData struct {
	TransactionID         string          `json:"transactionId"`
	ClientReference       string          `json:"clientReference"`
	ExternalTransactionID string          `json:"externalTransactionId"`
	Amount                decimal.Decimal `json:"amount"`
	PaymentDate           string          `json:"paymentDate"`
}

func (r *StatusResponse) Outcome() Outcome {
	return ParseResponseCode(r.ResponseCode)
}

// Client talks to the mobile-money/direct-debit provider. It holds no
// local state; it only translates between domain and provider
// vocabulary and issues bounded-timeout HTTP calls.
type Client struct {
	baseURL         string
	apiKey          string
	merchantAccount string
	httpClient      *http.Client
}

func NewClient() *Client {
	viper.SetDefault("gateway.base_url", "https://api.gateway.example.com/v1")
	viper.SetDefault("gateway.timeout", 30*time.Second)

	return &Client{
		baseURL:         strings.TrimRight(viper.GetString("gateway.base_url"), "/"),
		apiKey:          viper.GetString("gateway.api_key"),
		merchantAccount: viper.GetString("gateway.merchant_account"),
		httpClient: &http.Client{
			Timeout: viper.GetDuration("gateway.timeout"),
		},
	}
}

// channel codes per network; direct debit requires a preapproval
// mandate and has its own channel namespace.
var chargeChannels = map[string]string{
	"MTN":        "mtn-gh",
	"VODAFONE":   "vodafone-gh",
	"AIRTELTIGO": "tigo-gh",
}

var directDebitChannels = map[string]string{
	"MTN":      "mtn-gh-direct-debit",
	"VODAFONE": "vodafone-gh-direct-debit",
}

// ChannelFor maps a mobile network to the provider channel code.
func ChannelFor(network string, directDebit bool) (string, error) {
	key := strings.ToUpper(strings.TrimSpace(network))

	if directDebit {
		channel, ok := directDebitChannels[key]
		if !ok {
			return "", fmt.Errorf("%w: %s does not support direct debit", ErrUnsupportedNetwork, key)
		}
		return channel, nil
	}

	channel, ok := chargeChannels[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedNetwork, key)
	}
	return channel, nil
}

// FormatPhone canonicalises a Ghanaian phone number to the 233XXXXXXXXX
// MSISDN form the provider expects.
func FormatPhone(raw string) (string, error) {
	var digits strings.Builder
	for _, c := range strings.TrimSpace(raw) {
		if c >= '0' && c <= '9' {
			digits.WriteRune(c)
		} else if c != '+' && c != ' ' && c != '-' && c != '(' && c != ')' {
			return "", fmt.Errorf("invalid phone number: %q", raw)
		}
	}

	s := digits.String()
	switch {
	case len(s) == 10 && strings.HasPrefix(s, "0"):
		s = "233" + s[1:]
	case len(s) == 9:
		s = "233" + s
	case len(s) == 12 && strings.HasPrefix(s, "233"):
		// already canonical
	default:
		return "", fmt.Errorf("invalid phone number: %q", raw)
	}

	return s, nil
}

// InitiateCharge asks the provider to charge the customer's wallet. The
// call is synchronous with a bounded timeout; the definitive outcome
// normally arrives later via webhook. Transport errors wrap
// ErrUnreachable so the caller can treat the outcome as ambiguous.
func (c *Client) InitiateCharge(ctx context.Context, req *ChargeRequest) (*ChargeResponse, error) {
	payload := map[string]any{
		"amount":             decimal.New(req.Amount, -2),
		"customerMsisdn":     req.Phone,
		"channel":            req.Channel,
		"clientReference":    req.Reference,
		"description":        req.Description,
		"primaryCallbackUrl": viper.GetString("gateway.callback_url"),
	}

	var resp ChargeResponse
	if err := c.post(ctx, "/merchants/"+c.merchantAccount+"/receive/mobilemoney", payload, &resp); err != nil {
		return nil, err
	}

	log.Printf("[GATEWAY] initiate charge ref=%s channel=%s code=%s outcome=%s",
		req.Reference, req.Channel, resp.ResponseCode, resp.Outcome())
	return &resp, nil
}

// PreapprovalCharge charges against an existing direct-debit mandate,
// with no per-transaction customer action.
func (c *Client) PreapprovalCharge(ctx context.Context, req *ChargeRequest) (*ChargeResponse, error) {
	payload := map[string]any{
		"amount":          decimal.New(req.Amount, -2),
		"customerMsisdn":  req.Phone,
		"channel":         req.Channel,
		"clientReference": req.Reference,
		"description":     req.Description,
	}

	var resp ChargeResponse
	if err := c.post(ctx, "/merchants/"+c.merchantAccount+"/preapprovals/charge", payload, &resp); err != nil {
		return nil, err
	}

	log.Printf("[GATEWAY] preapproval charge ref=%s channel=%s code=%s outcome=%s",
		req.Reference, req.Channel, resp.ResponseCode, resp.Outcome())
	return &resp, nil
}

// QueryStatus asks the provider for the current state of a charge by
// client reference. Used by the verify endpoint and by the retry
// scheduler to reconcile ambiguous timeouts before re-charging.
func (c *Client) QueryStatus(ctx context.Context, reference string) (*StatusResponse, error) {
	url := fmt.Sprintf("%s/merchants/%s/transactions/status?clientReference=%s", c.baseURL, c.merchantAccount, reference)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		log.Printf("[GATEWAY] status query failed for %s: %v", reference, err)
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: provider returned %d", ErrUnreachable, httpResp.StatusCode)
	}

	var resp StatusResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding status response: %w", err)
	}

	log.Printf("[GATEWAY] status ref=%s code=%s outcome=%s", reference, resp.ResponseCode, resp.Outcome())
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		log.Printf("[GATEWAY] request to %s failed: %v", path, err)
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 500 {
		return fmt.Errorf("%w: provider returned %d", ErrUnreachable, httpResp.StatusCode)
	}

	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding gateway response: %w", err)
	}
	return nil
}
