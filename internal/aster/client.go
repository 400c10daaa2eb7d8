package aster

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const DefaultHost = "https://fapi.asterdex.com"

// depthLimits are the venue's accepted depth snapshot sizes. The smallest
// bucket that covers the requested position keeps the payload small.
var depthLimits = []int{5, 10, 20, 50, 100, 500, 1000}

// Credentials authenticates one account. APIKey/APISecret drive the classic
// HMAC (v1) endpoints. Wallet fields, when set, switch order placement to
// the pro (v3) endpoint with an eth personal-sign signature.
type Credentials struct {
	APIKey    string
	APISecret string

	User          string // main wallet address
	Signer        string // API wallet address
	PrivateKeyHex string // API wallet private key
}

// Options configures one client. DryRun never sends authenticated requests:
// orders are acknowledged with synthetic ids and cancels always succeed.
type Options struct {
	Host     string
	Proxy    string
	DryRun   bool
	TestMode bool // route orders to the venue's no-op test endpoint
	Timeout  time.Duration
}

type Client struct {
	host       string
	httpClient *http.Client

	apiKey    string
	apiSecret string

	user       common.Address
	signer     common.Address
	privateKey *ecdsa.PrivateKey

	proxy    string
	dryRun   bool
	testMode bool

	dryOrderSeq atomic.Int64
}

func NewClient(opts Options, creds Credentials) (*Client, error) {
	host := strings.TrimRight(opts.Host, "/")
	if host == "" {
		host = DefaultHost
	}
	if !strings.HasPrefix(host, "http") {
		return nil, fmt.Errorf("aster host must be http(s), got %q", host)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", opts.Proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	c := &Client{
		host:       host,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		apiKey:     creds.APIKey,
		apiSecret:  creds.APISecret,
		proxy:      opts.Proxy,
		dryRun:     opts.DryRun,
		testMode:   opts.TestMode,
	}

	if creds.PrivateKeyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(creds.PrivateKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse signer key: %w", err)
		}
		c.privateKey = key
		c.user = common.HexToAddress(creds.User)
		c.signer = common.HexToAddress(creds.Signer)
	} else if !opts.DryRun && (creds.APIKey == "" || creds.APISecret == "") {
		return nil, fmt.Errorf("api key and secret required outside dry-run")
	}

	return c, nil
}

func (c *Client) DryRun() bool { return c.dryRun }

// ExchangeInfo fetches every symbol's rounding metadata (price tick size
// from PRICE_FILTER, quantity step size from LOT_SIZE).
func (c *Client) ExchangeInfo(ctx context.Context) (map[string]Symbol, error) {
	var resp struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType string `json:"filterType"`
				TickSize   string `json:"tickSize"`
				StepSize   string `json:"stepSize"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := c.doPublic(ctx, http.MethodGet, "/fapi/v3/exchangeInfo", "", &resp); err != nil {
		return nil, err
	}

	symbols := make(map[string]Symbol, len(resp.Symbols))
	for _, si := range resp.Symbols {
		s := Symbol{Symbol: si.Symbol}
		for _, f := range si.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				s.TickSize = f.TickSize
			case "LOT_SIZE":
				s.StepSize = f.StepSize
			}
		}
		symbols[si.Symbol] = s
	}
	return symbols, nil
}

// Depth samples the order book at the given distance from the top:
// position 1 is the best bid/ask, position 5 the fifth level out.
func (c *Client) Depth(ctx context.Context, symbol string, position int) (DepthQuote, error) {
	if position < 1 {
		return DepthQuote{}, fmt.Errorf("depth position must be >= 1, got %d", position)
	}
	limit := depthLimits[len(depthLimits)-1]
	for _, l := range depthLimits {
		if position < l {
			limit = l
			break
		}
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("limit", strconv.Itoa(limit))

	var resp struct {
		Timestamp int64       `json:"T"`
		Bids      [][2]string `json:"bids"`
		Asks      [][2]string `json:"asks"`
	}
	if err := c.doPublic(ctx, http.MethodGet, "/fapi/v1/depth", q.Encode(), &resp); err != nil {
		return DepthQuote{}, err
	}
	if len(resp.Asks) < position || len(resp.Bids) < position {
		return DepthQuote{}, fmt.Errorf("depth %s: book has %d/%d levels, need %d",
			symbol, len(resp.Bids), len(resp.Asks), position)
	}
	return DepthQuote{
		AskPrice:  resp.Asks[position-1][0],
		BidPrice:  resp.Bids[position-1][0],
		Timestamp: resp.Timestamp,
	}, nil
}

// PlaceOrder submits one order. Wallet-credentialed clients sign via the pro
// v3 endpoint; API-key clients use the HMAC v1 endpoint. In dry-run the
// order is acknowledged locally with a synthetic id.
func (c *Client) PlaceOrder(ctx context.Context, p OrderParams) (*OrderAck, error) {
	if c.dryRun {
		id := c.dryOrderSeq.Add(1)
		return &OrderAck{
			OrderID:  "dry-" + formatOrderID(id),
			ClientID: "",
			Status:   StatusNew,
			Raw:      map[string]any{"dryRun": true, "symbol": p.Symbol, "side": string(p.Side)},
		}, nil
	}
	if c.privateKey != nil {
		return c.placeOrderV3(ctx, p)
	}
	return c.placeOrderV1(ctx, p)
}

func (c *Client) placeOrderV1(ctx context.Context, p OrderParams) (*OrderAck, error) {
	form := orderForm(p)
	path := "/fapi/v1/order"
	if c.testMode {
		path = "/fapi/v1/order/test"
	}
	var raw map[string]any
	if err := c.doSignedForm(ctx, http.MethodPost, path, form, &raw); err != nil {
		return nil, err
	}
	if c.testMode {
		// The test endpoint validates and returns an empty body.
		id := c.dryOrderSeq.Add(1)
		return &OrderAck{OrderID: "test-" + formatOrderID(id), Status: StatusNew, Raw: raw}, nil
	}
	return ackFromRaw(raw)
}

func (c *Client) placeOrderV3(ctx context.Context, p OrderParams) (*OrderAck, error) {
	params := map[string]string{
		"symbol":    p.Symbol,
		"side":      string(p.Side),
		"type":      string(p.Type),
		"timestamp": strconv.FormatInt(p.Timestamp, 10),
	}
	if p.TimeInForce != "" {
		params["timeInForce"] = string(p.TimeInForce)
	}
	if p.Price != "" {
		params["price"] = p.Price
	}
	if p.Quantity != "" {
		params["quantity"] = p.Quantity
	}

	nonceMicros := p.Timestamp * 1000
	sig, err := signParamsV3(params, c.user, c.signer, nonceMicros, c.privateKey)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	for k, v := range params {
		form.Set(k, v)
	}
	form.Set("nonce", strconv.FormatInt(nonceMicros, 10))
	form.Set("user", c.user.Hex())
	form.Set("signer", c.signer.Hex())
	form.Set("signature", sig)

	var raw map[string]any
	if err := c.doForm(ctx, http.MethodPost, "/fapi/v3/order", form.Encode(), &raw); err != nil {
		return nil, err
	}
	return ackFromRaw(raw)
}

// CancelOrder cancels one resting order. In dry-run cancels always succeed;
// orders only exist in the caller's bookkeeping there.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (map[string]any, error) {
	if c.dryRun {
		return map[string]any{"dryRun": true, "orderId": orderID, "status": "CANCELED"}, nil
	}
	form := url.Values{}
	form.Set("symbol", symbol)
	form.Set("orderId", orderID)
	var raw map[string]any
	if err := c.doSignedForm(ctx, http.MethodDelete, "/fapi/v1/order", form, &raw); err != nil {
		return raw, err
	}
	return raw, nil
}

// CancelAllOpenOrders removes every resting order on symbol. Reconciliation
// only; tasks cancel their own orders individually.
func (c *Client) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	if c.dryRun {
		return nil
	}
	form := url.Values{}
	form.Set("symbol", symbol)
	return c.doSignedForm(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", form, nil)
}

// Positions returns the account's open exposure per symbol.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	if c.dryRun {
		return nil, nil
	}
	var resp struct {
		Positions []Position `json:"positions"`
	}
	if err := c.doSignedForm(ctx, http.MethodGet, "/fapi/v2/account", url.Values{}, &resp); err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

// SetLeverage configures symbol leverage; called once per account per
// symbol at startup.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if c.dryRun {
		return nil
	}
	form := url.Values{}
	form.Set("symbol", symbol)
	form.Set("leverage", strconv.Itoa(leverage))
	return c.doSignedForm(ctx, http.MethodPost, "/fapi/v1/leverage", form, nil)
}

// CreateListenKey opens a user-data stream session key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	if c.dryRun {
		return "dry-listen-key", nil
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := c.doKeyed(ctx, http.MethodPost, "/fapi/v1/listenKey", &resp); err != nil {
		return "", err
	}
	if resp.ListenKey == "" {
		return "", fmt.Errorf("listenKey missing in response")
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the stream session; the venue expires keys
// after 60 minutes without a keepalive.
func (c *Client) KeepAliveListenKey(ctx context.Context) error {
	if c.dryRun {
		return nil
	}
	return c.doKeyed(ctx, http.MethodPut, "/fapi/v1/listenKey", nil)
}

func orderForm(p OrderParams) url.Values {
	form := url.Values{}
	form.Set("symbol", p.Symbol)
	form.Set("side", string(p.Side))
	form.Set("type", string(p.Type))
	form.Set("timestamp", strconv.FormatInt(p.Timestamp, 10))
	if p.TimeInForce != "" {
		form.Set("timeInForce", string(p.TimeInForce))
	}
	if p.Price != "" {
		form.Set("price", p.Price)
	}
	if p.Quantity != "" {
		form.Set("quantity", p.Quantity)
	}
	return form
}

func ackFromRaw(raw map[string]any) (*OrderAck, error) {
	ack := &OrderAck{Raw: raw}
	switch id := raw["orderId"].(type) {
	case float64:
		ack.OrderID = formatOrderID(int64(id))
	case string:
		ack.OrderID = id
	case json.Number:
		ack.OrderID = id.String()
	default:
		return nil, fmt.Errorf("order ack missing orderId: %v", raw)
	}
	if s, ok := raw["clientOrderId"].(string); ok {
		ack.ClientID = s
	}
	if s, ok := raw["status"].(string); ok {
		ack.Status = OrderStatus(s)
	}
	return ack, nil
}

// doSignedForm signs the form the v1 way (timestamp + HMAC over the encoded
// query) and sends it. GET/DELETE carry the query in the URL, POST in the
// body.
func (c *Client) doSignedForm(ctx context.Context, method, path string, form url.Values, out any) error {
	if form.Get("timestamp") == "" {
		form.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	}
	encoded := form.Encode()
	encoded += "&signature=" + signQueryV1(c.apiSecret, encoded)

	if method == http.MethodPost {
		return c.doForm(ctx, method, path, encoded, out)
	}
	return c.doRequest(ctx, method, path, encoded, "", out)
}

// doForm sends an x-www-form-urlencoded body with the API key header.
func (c *Client) doForm(ctx context.Context, method, path, body string, out any) error {
	return c.doRequest(ctx, method, path, "", body, out)
}

func (c *Client) doKeyed(ctx context.Context, method, path string, out any) error {
	return c.doRequest(ctx, method, path, "", "", out)
}

func (c *Client) doPublic(ctx context.Context, method, path, query string, out any) error {
	return c.doRequest(ctx, method, path, query, "", out)
}

func (c *Client) doRequest(ctx context.Context, method, path, query, body string, out any) error {
	u := c.host + path
	if query != "" {
		u += "?" + query
	}

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.apiKey != "" {
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("aster %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return fmt.Errorf("aster %s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr APIError
		if json.Unmarshal(b, &apiErr) == nil && apiErr.Code != 0 {
			apiErr.HTTPStatus = resp.StatusCode
			return &apiErr
		}
		return fmt.Errorf("aster %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("decode %s response: %w (body=%s)", path, err, strings.TrimSpace(string(b)))
	}
	return nil
}
