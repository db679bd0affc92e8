package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	xerrors "billing-sync-service/internal/pkg/errors"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	apiPrefix          = "/api/v1"
	defaultTimeout     = 30 * time.Second
	defaultPerPage     = 20
	defaultScanPerPage = 100
	maxErrorBody       = 2048
)

type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// ScanPerPage is the page size for fleet-wide scans.
	ScanPerPage int
	// RequestsPerSecond caps outbound calls; zero disables the limiter.
	RequestsPerSecond float64
	Burst             int
}

// APIError is any non-2xx answer from the ledger.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger API %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return xerrors.ErrNotFound
	}
	return xerrors.ErrTransport
}

// IsNotFound reports whether err is a 404 from the ledger.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to the billing ledger. It holds no state between calls.
type Client struct {
	baseURL     string
	apiKey      string
	scanPerPage int
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" || strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("ledger base URL and API key are required: %w", xerrors.ErrConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	perPage := cfg.ScanPerPage
	if perPage <= 0 {
		perPage = defaultScanPerPage
	}

	c := &Client{
		baseURL:     baseURL,
		apiKey:      cfg.APIKey,
		scanPerPage: perPage,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.With(zap.String("component", "ledger_client")),
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, result any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("ledger rate limiter: %v: %w", err, xerrors.ErrTransport)
		}
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	target := c.baseURL + apiPrefix + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger API %s %s: %v: %w", method, path, err, xerrors.ErrTransport)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(raw)}
		if resp.StatusCode != http.StatusNotFound {
			c.logger.Error("ledger request failed",
				zap.String("method", method),
				zap.String("path", path),
				zap.Int("status", resp.StatusCode),
				zap.String("body", apiErr.Body),
			)
		}
		return apiErr
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

func pageQuery(page, perPage int) url.Values {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPerPage
	}
	q := url.Values{}
	q.Set("page", fmt.Sprint(page))
	q.Set("per_page", fmt.Sprint(perPage))
	return q
}

// ----- Customers -----

func (c *Client) CreateCustomer(ctx context.Context, in CustomerInput) (*Customer, error) {
	payload := map[string]any{
		"customer": Customer{
			ExternalID:   in.ExternalID,
			Name:         in.Name,
			Email:        in.Email,
			AddressLine1: in.Address,
			Phone:        in.Phone,
			Metadata:     in.Metadata,
		},
	}
	var env struct {
		Customer Customer `json:"customer"`
	}
	if err := c.do(ctx, http.MethodPost, "/customers", nil, payload, &env); err != nil {
		return nil, fmt.Errorf("create ledger customer: %w", err)
	}
	return &env.Customer, nil
}

// GetCustomer returns nil, nil when the ledger has no such customer.
func (c *Client) GetCustomer(ctx context.Context, externalID string) (*Customer, error) {
	var env struct {
		Customer Customer `json:"customer"`
	}
	err := c.do(ctx, http.MethodGet, "/customers/"+url.PathEscape(externalID), nil, nil, &env)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger customer: %w", err)
	}
	return &env.Customer, nil
}

// UpdateCustomer only sends the fields that are set.
func (c *Client) UpdateCustomer(ctx context.Context, externalID string, in CustomerInput) (*Customer, error) {
	fields := map[string]any{}
	if in.Name != "" {
		fields["name"] = in.Name
	}
	if in.Email != "" {
		fields["email"] = in.Email
	}
	if in.Address != "" {
		fields["address_line1"] = in.Address
	}
	if in.Phone != "" {
		fields["phone"] = in.Phone
	}
	if len(in.Metadata) > 0 {
		fields["metadata"] = in.Metadata
	}

	var env struct {
		Customer Customer `json:"customer"`
	}
	path := "/customers/" + url.PathEscape(externalID)
	if err := c.do(ctx, http.MethodPut, path, nil, map[string]any{"customer": fields}, &env); err != nil {
		return nil, fmt.Errorf("update ledger customer: %w", err)
	}
	return &env.Customer, nil
}

// SyncCustomer updates the customer when the ledger knows it and creates it otherwise.
func (c *Client) SyncCustomer(ctx context.Context, externalID string, in CustomerInput) (*Customer, bool, error) {
	existing, err := c.GetCustomer(ctx, externalID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		cust, err := c.UpdateCustomer(ctx, externalID, in)
		return cust, false, err
	}
	in.ExternalID = externalID
	cust, err := c.CreateCustomer(ctx, in)
	return cust, true, err
}

// ----- Plans -----

func (c *Client) GetPlans(ctx context.Context, page, perPage int) (*PlanPage, error) {
	var env struct {
		Plans []json.RawMessage `json:"plans"`
		Meta  Meta              `json:"meta"`
	}
	if err := c.do(ctx, http.MethodGet, "/plans", pageQuery(page, perPage), nil, &env); err != nil {
		return nil, fmt.Errorf("list ledger plans: %w", err)
	}
	plans, err := decodePlans(env.Plans)
	if err != nil {
		return nil, err
	}
	return &PlanPage{Plans: plans, Meta: env.Meta}, nil
}

// GetAllPlans walks every page of the plan listing.
func (c *Client) GetAllPlans(ctx context.Context) ([]Plan, error) {
	var all []Plan
	for page := 1; ; page++ {
		p, err := c.GetPlans(ctx, page, c.scanPerPage)
		if err != nil {
			return nil, err
		}
		all = append(all, p.Plans...)
		if len(p.Plans) == 0 || !p.Meta.HasMore() {
			return all, nil
		}
	}
}

func (c *Client) GetPlan(ctx context.Context, code string) (*Plan, error) {
	var env struct {
		Plan json.RawMessage `json:"plan"`
	}
	err := c.do(ctx, http.MethodGet, "/plans/"+url.PathEscape(code), nil, nil, &env)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ledger plan: %w", err)
	}
	plans, err := decodePlans([]json.RawMessage{env.Plan})
	if err != nil {
		return nil, err
	}
	return &plans[0], nil
}

// ----- Invoices -----

func (c *Client) GetInvoices(ctx context.Context, externalCustomerID string, page, perPage int) (*InvoicePage, error) {
	q := pageQuery(page, perPage)
	q.Set("external_customer_id", externalCustomerID)

	var out InvoicePage
	if err := c.do(ctx, http.MethodGet, "/invoices", q, nil, &out); err != nil {
		return nil, fmt.Errorf("list ledger invoices: %w", err)
	}
	if out.Invoices == nil {
		out.Invoices = []Invoice{}
	}
	return &out, nil
}
