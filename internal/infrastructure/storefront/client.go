package storefront

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mansoorceksport/atomic-funnel/internal/domain"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

// Contract violations: a 2xx response without a field the funnel depends on
var (
	ErrMissingData     = errors.New("storefront response has no data")
	ErrNoAccessToken   = errors.New("storefront login returned no access token")
	ErrNoCheckoutURL   = errors.New("storefront checkout returned no checkout url")
	ErrMalformedAnswer = errors.New("storefront response is not valid JSON")
)

// APIError is a non-2xx response from the storefront
type APIError struct {
	StatusCode int
	Message    string // Body "message" field, verbatim; empty when absent
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("storefront API error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("storefront API error: status %d: %s", e.StatusCode, e.Message)
}

// Config holds storefront API configuration
type Config struct {
	BaseURL string        // e.g. "https://atomic.example/api"
	Timeout time.Duration // Per-request ceiling on the shared http.Client
}

// Client is the storefront API client
type Client struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
}

// RegisterRequest is the body of POST /auth/register
type RegisterRequest struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	UTMSource string `json:"utm_source"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type checkoutRequest struct {
	PlanID    string `json:"plan_id"`
	UTMSource string `json:"utm_source"`
}

type plansResponse struct {
	Data *[]domain.Plan `json:"data"`
}

type loginResponse struct {
	Data *struct {
		AccessToken string `json:"access_token"`
	} `json:"data"`
}

type checkoutResponse struct {
	Data *struct {
		CheckoutURL string `json:"checkout_url"`
	} `json:"data"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// NewClient creates a new storefront client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		config: Config{
			BaseURL: strings.TrimRight(cfg.BaseURL, "/"),
			Timeout: cfg.Timeout,
		},
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// WithJar returns a client that shares the transport but keeps its own cookies,
// so each funnel session talks to the storefront with its own credentials.
func (c *Client) WithJar(jar http.CookieJar) *Client {
	hc := *c.httpClient
	hc.Jar = jar
	return &Client{
		config:     c.config,
		httpClient: &hc,
		logger:     c.logger,
	}
}

// ListPlans handles GET /plans
func (c *Client) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	var out plansResponse
	if err := c.do(ctx, http.MethodGet, "/plans", nil, "", &out); err != nil {
		return nil, err
	}
	if out.Data == nil {
		return nil, ErrMissingData
	}
	return *out.Data, nil
}

// Register handles POST /auth/register
func (c *Client) Register(ctx context.Context, req RegisterRequest) error {
	return c.do(ctx, http.MethodPost, "/auth/register", req, "", nil)
}

// Login handles POST /auth/login and returns the access token
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	var out loginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", loginRequest{Email: email, Password: password}, "", &out); err != nil {
		// A 2xx without a readable body carries no token either
		if errors.Is(err, ErrMalformedAnswer) {
			return "", fmt.Errorf("%w: %v", ErrNoAccessToken, err)
		}
		return "", err
	}
	if out.Data == nil || out.Data.AccessToken == "" {
		return "", ErrNoAccessToken
	}
	return out.Data.AccessToken, nil
}

// Checkout handles POST /checkout and returns the payment provider URL
func (c *Client) Checkout(ctx context.Context, accessToken, planID, utmSource string) (string, error) {
	var out checkoutResponse
	body := checkoutRequest{PlanID: planID, UTMSource: utmSource}
	if err := c.do(ctx, http.MethodPost, "/checkout", body, accessToken, &out); err != nil {
		if errors.Is(err, ErrMalformedAnswer) {
			return "", fmt.Errorf("%w: %v", ErrNoCheckoutURL, err)
		}
		return "", err
	}
	if out.Data == nil || out.Data.CheckoutURL == "" {
		return "", ErrNoCheckoutURL
	}
	return out.Data.CheckoutURL, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, bearer string, out any) error {
	url := c.config.BaseURL + path

	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	// Bodies may carry credentials or tokens, so only the status is logged
	c.logger.Debug("storefront response",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr errorResponse
		_ = json.Unmarshal(respBody, &apiErr)
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Message}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedAnswer, err)
	}
	return nil
}
