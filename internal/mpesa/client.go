package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kopesha/loan-engine/internal/config"
	customError "github.com/kopesha/loan-engine/pkg/errors"
)

const (
	tokenPath   = "/oauth/v1/generate?grant_type=client_credentials"
	stkPushPath = "/mpesa/stkpush/v1/processrequest"

	transactionType = "CustomerPayBillOnline"
)

// Client talks to the mobile-money provider's API. Access tokens are cached
// in memory with an expiry shorter than the provider's stated TTL and
// refreshed lazily on first use after expiry.
type Client struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	shortcode      string
	passkey        string
	callbackURL    string
	ttlMargin      time.Duration
	client         *http.Client
	log            *logrus.Logger
	now            func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient initializes a provider client from configuration.
func NewClient(cfg *config.Config, log *logrus.Logger) *Client {
	return &Client{
		baseURL:        cfg.Mpesa.BaseURL,
		consumerKey:    cfg.Mpesa.ConsumerKey,
		consumerSecret: cfg.Mpesa.ConsumerSecret,
		shortcode:      cfg.Mpesa.Shortcode,
		passkey:        cfg.Mpesa.Passkey,
		callbackURL:    cfg.Mpesa.CallbackBaseURL + "/api/v1/callbacks/mpesa/stk",
		ttlMargin:      cfg.GetMpesaTokenTTLMargin(),
		client: &http.Client{
			Timeout: cfg.GetMpesaHTTPTimeout(),
		},
		log: log,
		now: time.Now,
	}
}

// AccessToken returns a cached token or fetches a fresh one. A token failure
// is terminal for the calling operation; there is no retry loop here.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+tokenPath, nil)
	if err != nil {
		return "", customError.WrapAuthError(err)
	}
	req.SetBasicAuth(c.consumerKey, c.consumerSecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", customError.WrapAuthError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", customError.WrapAuthError(err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", customError.WrapAuthError(fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, body))
	}

	var token tokenResponse
	if err = json.Unmarshal(body, &token); err != nil {
		return "", customError.WrapAuthError(fmt.Errorf("malformed token response: %w", err))
	}
	if token.AccessToken == "" {
		return "", customError.WrapAuthError(fmt.Errorf("empty access token in response"))
	}

	ttlSeconds, err := strconv.Atoi(token.ExpiresIn)
	if err != nil || ttlSeconds <= 0 {
		ttlSeconds = 3600
	}
	ttl := time.Duration(ttlSeconds)*time.Second - c.ttlMargin
	if ttl <= 0 {
		ttl = time.Duration(ttlSeconds) * time.Second / 2
	}

	c.token = token.AccessToken
	c.tokenExpiry = c.now().Add(ttl)
	c.log.WithField("ttl", ttl.String()).Debug("provider access token refreshed")

	return c.token, nil
}

// STKPush initiates a push payment request. On provider rejection the decoded
// response is returned alongside the error so the caller can retain the
// payload.
func (c *Client) STKPush(ctx context.Context, push STKPushRequest) (*STKPushResponse, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := c.now().Format("20060102150405")
	payload := stkPushPayload{
		BusinessShortCode: c.shortcode,
		Password:          base64.StdEncoding.EncodeToString([]byte(c.shortcode + c.passkey + timestamp)),
		Timestamp:         timestamp,
		TransactionType:   transactionType,
		Amount:            push.Amount.Round(0).IntPart(),
		PartyA:            push.Phone,
		PartyB:            c.shortcode,
		PhoneNumber:       push.Phone,
		CallBackURL:       c.callbackURL,
		AccountReference:  push.AccountReference,
		TransactionDesc:   push.Description,
	}

	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, customError.WrapProviderTransport(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+stkPushPath, bytes.NewReader(buf))
	if err != nil {
		return nil, customError.WrapProviderTransport(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, customError.WrapProviderTimeout(err)
		}
		return nil, customError.WrapProviderTransport(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, customError.WrapProviderTransport(err)
	}

	var result STKPushResponse
	if err = json.Unmarshal(body, &result); err != nil {
		return nil, customError.WrapProviderTransport(fmt.Errorf("malformed push response: %w", err))
	}
	result.Raw = body

	if resp.StatusCode != http.StatusOK || result.ResponseCode != "0" {
		code := result.ErrorCode
		if code == "" {
			code = result.ResponseCode
		}
		return &result, customError.WrapProviderTransport(
			fmt.Errorf("push rejected (%s): %s%s", code, result.ErrorMessage, result.ResponseDescription))
	}

	c.log.WithFields(logrus.Fields{
		"checkout_request_id": result.CheckoutRequestID,
		"account":             push.AccountReference,
	}).Info("stk push accepted by provider")

	return &result, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
