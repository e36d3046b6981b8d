package readmodel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// HTTPResourceClient fetches read models from the backend REST surface.
type HTTPResourceClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPResourceClient(baseURL string, httpClient *http.Client) *HTTPResourceClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPResourceClient{baseURL: baseURL, httpClient: httpClient}
}

func (c *HTTPResourceClient) FetchProfile(ctx context.Context, pro urn.URN) (Profile, error) {
	var out Profile
	err := c.getJSON(ctx, "/pros/"+url.PathEscape(pro.String())+"/profile", &out)
	return out, err
}

func (c *HTTPResourceClient) FetchListings(ctx context.Context, pro urn.URN) ([]Listing, error) {
	var out []Listing
	err := c.getJSON(ctx, "/pros/"+url.PathEscape(pro.String())+"/listings", &out)
	return out, err
}

func (c *HTTPResourceClient) FetchShowcases(ctx context.Context, pro urn.URN) ([]Showcase, error) {
	var out []Showcase
	err := c.getJSON(ctx, "/pros/"+url.PathEscape(pro.String())+"/showcases", &out)
	return out, err
}

func (c *HTTPResourceClient) FetchAvailabilities(ctx context.Context, pro urn.URN) ([]Availability, error) {
	var out []Availability
	err := c.getJSON(ctx, "/pros/"+url.PathEscape(pro.String())+"/availabilities", &out)
	return out, err
}

func (c *HTTPResourceClient) FetchReviews(ctx context.Context, pro urn.URN) ([]Review, error) {
	var out []Review
	err := c.getJSON(ctx, "/pros/"+url.PathEscape(pro.String())+"/reviews", &out)
	return out, err
}

func (c *HTTPResourceClient) FetchWallet(ctx context.Context, pro urn.URN) (WalletSnapshot, error) {
	var out WalletSnapshot
	err := c.getJSON(ctx, "/pros/"+url.PathEscape(pro.String())+"/wallet", &out)
	return out, err
}

func (c *HTTPResourceClient) FetchOrderPayments(ctx context.Context, orderID string) (OrderPayments, error) {
	var out OrderPayments
	err := c.getJSON(ctx, "/orders/"+url.PathEscape(orderID)+"/payments", &out)
	return out, err
}

func (c *HTTPResourceClient) getJSON(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
