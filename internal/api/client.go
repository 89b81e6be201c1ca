package api

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/nordnet-unofficial/nordgo/internal/browser"
)

const (
	defaultBaseURL   = "https://www.nordnet.dk"
	defaultTxBaseURL = "https://api.prod.nntech.io"

	tokenPath = "/nnxapi/authorization/v1/tokens"
	txAPIRoot = "/transaction/transaction-and-notes/v1"

	// tokenSafetyMargin forces a proactive refresh when the cached bearer
	// token is about to expire mid-request.
	tokenSafetyMargin = 30 * time.Second

	// transactionPageLimit is the page size for the paginated transaction
	// endpoint.
	transactionPageLimit = 800

	// transactionsFromDate opens the fixed wide query window; the first
	// retail accounts predate nothing earlier.
	transactionsFromDate = "2010-01-01"
)

// Client wraps an authenticated browser session with typed, paginated access
// to the brokerage APIs. The bearer-token cache is instance-local and not
// safe for concurrent refreshes; construct one Client per session lifetime
// and serialize access.
type Client struct {
	sess      *browser.Session
	baseURL   string
	txBaseURL string

	bearerToken string
	tokenExpiry time.Time
}

// NewClient creates a client on top of the shared session.
func NewClient(sess *browser.Session) *Client {
	return &Client{sess: sess, baseURL: defaultBaseURL, txBaseURL: defaultTxBaseURL}
}

// get performs a GET against the legacy cookie-session API. A 204 yields an
// empty JSON list, any other non-200 an *APIError.
func (c *Client) get(path string) ([]byte, error) {
	resp, err := c.sess.Get(c.baseURL + path)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		return []byte("[]"), nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp.StatusCode, resp.Body)
	}
	return resp.Body, nil
}

// TokenExpiry returns the decoded expiry of the cached bearer token; ok is
// false when no token is cached or it carries no exp claim.
func (c *Client) TokenExpiry() (expiry time.Time, ok bool) {
	if c.tokenExpiry.IsZero() {
		return time.Time{}, false
	}
	return c.tokenExpiry, true
}

// TokenSecondsRemaining returns the seconds until the cached bearer token
// expires.
func (c *Client) TokenSecondsRemaining() (remaining int, ok bool) {
	if c.tokenExpiry.IsZero() {
		return 0, false
	}
	left := time.Until(c.tokenExpiry)
	if left < 0 {
		left = 0
	}
	return int(left.Seconds()), true
}

// BearerToken returns a bearer token for the newer API, reusing the cached
// one while more than the safety margin of its lifetime remains. force always
// fetches a fresh token.
func (c *Client) BearerToken(force bool) (string, error) {
	if c.bearerToken != "" && !force {
		if !c.tokenExpiry.IsZero() && time.Until(c.tokenExpiry) < tokenSafetyMargin {
			c.bearerToken = ""
		}
	}
	if c.bearerToken != "" && !force {
		return c.bearerToken, nil
	}

	resp, err := c.sess.Post(c.baseURL+tokenPath, "application/json", []byte("{}"))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", &APIError{StatusCode: resp.StatusCode, Body: "failed to obtain bearer token"}
	}

	token := gjson.GetBytes(resp.Body, "jwt").String()
	c.bearerToken = token
	c.tokenExpiry, _ = jwtExpiry(token)
	return c.bearerToken, nil
}

// getTx performs a GET against the bearer-token API. On a 401 the token is
// refreshed and the request retried exactly once; a second 401, or any other
// non-200, is an *APIError.
func (c *Client) getTx(path string, params url.Values) ([]byte, error) {
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.BearerToken(attempt > 0)
		if err != nil {
			return nil, err
		}

		reqURL := c.txBaseURL + path
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}
		resp, err := c.sess.Do(browser.Request{
			Method: http.MethodGet,
			URL:    reqURL,
			Header: map[string]string{
				"Authorization": "Bearer " + token,
				"client-id":     "NEXT",
				"x-locale":      "da-DK",
			},
			FollowRedirects: true,
		})
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			log.Debugf("tx api returned 401, retrying with a fresh token")
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return nil, apiError(resp.StatusCode, resp.Body)
		}
		return resp.Body, nil
	}
	return nil, &APIError{StatusCode: http.StatusUnauthorized, Body: "unauthorized after token refresh"}
}

// Accounts fetches all accounts of the authenticated user.
func (c *Client) Accounts() ([]Account, error) {
	body, err := c.get("/api/2/accounts")
	if err != nil {
		return nil, err
	}
	var accounts []Account
	for _, item := range gjson.ParseBytes(body).Array() {
		account, errParse := accountFrom(item)
		if errParse != nil {
			return nil, errParse
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// Balance fetches the plain balance of one account.
func (c *Client) Balance(accid int64) (AccountBalance, error) {
	body, err := c.get(fmt.Sprintf("/api/2/accounts/%d/info", accid))
	if err != nil {
		return AccountBalance{}, err
	}
	return balanceFromInfo(accid, body), nil
}

// Info fetches the extended balance breakdown of one account.
func (c *Client) Info(accid int64) (AccountInfo, error) {
	body, err := c.get(fmt.Sprintf("/api/2/accounts/%d/info", accid))
	if err != nil {
		return AccountInfo{}, err
	}
	return accountInfoFrom(accid, body), nil
}

// Holdings fetches the current positions of an account.
func (c *Client) Holdings(accid int64) ([]Holding, error) {
	body, err := c.get(fmt.Sprintf("/api/2/accounts/%d/positions", accid))
	if err != nil {
		return nil, err
	}
	var holdings []Holding
	for _, item := range gjson.ParseBytes(body).Array() {
		holdings = append(holdings, holdingFrom(item))
	}
	return holdings, nil
}

// Trades fetches the executed trades of an account.
func (c *Client) Trades(accid int64) ([]Trade, error) {
	body, err := c.get(fmt.Sprintf("/api/2/accounts/%d/trades", accid))
	if err != nil {
		return nil, err
	}
	var trades []Trade
	for _, item := range gjson.ParseBytes(body).Array() {
		trades = append(trades, tradeFrom(item))
	}
	return trades, nil
}

// Orders fetches the orders of an account.
func (c *Client) Orders(accid int64) ([]Order, error) {
	body, err := c.get(fmt.Sprintf("/api/2/accounts/%d/orders", accid))
	if err != nil {
		return nil, err
	}
	var orders []Order
	for _, item := range gjson.ParseBytes(body).Array() {
		orders = append(orders, orderFrom(item))
	}
	return orders, nil
}

// Ledgers fetches the per-currency cash balances of an account. The endpoint
// answers with either a bare list or an object wrapping a ledgers key.
func (c *Client) Ledgers(accid int64) ([]CurrencyLedger, error) {
	body, err := c.get(fmt.Sprintf("/api/2/accounts/%d/ledgers", accid))
	if err != nil {
		return nil, err
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsArray() {
		parsed = parsed.Get("ledgers")
	}
	var ledgers []CurrencyLedger
	for _, item := range parsed.Array() {
		ledgers = append(ledgers, ledgerFrom(item))
	}
	return ledgers, nil
}

// Transactions fetches every transaction of an account over a fixed wide
// date window, paginating in batches of 800 sorted by accounting date
// descending. onProgress, when non-nil, receives (fetched, total) after each
// page; the summary total is advisory only and may disagree with the actual
// count, which is why the returned slice length is authoritative.
func (c *Client) Transactions(accno string, accid int64, onProgress func(fetched, total int)) ([]Transaction, error) {
	if onProgress == nil {
		onProgress = func(int, int) {}
	}
	toDate := time.Now().Format("2006-01-02")

	// The transaction API prefers integer account ids when available.
	accParam := func() url.Values {
		if accid != 0 {
			return url.Values{"accids": {fmt.Sprintf("%d", accid)}}
		}
		return url.Values{"accountNumber": {accno}}
	}

	summaryParams := accParam()
	summaryParams.Set("fromDate", transactionsFromDate)
	summaryParams.Set("toDate", toDate)
	summaryParams.Set("includeCancellations", "false")
	summary, err := c.getTx(txAPIRoot+"/transaction-summary", summaryParams)
	if err != nil {
		return nil, err
	}
	totalResult := gjson.GetBytes(summary, "totalNumberOfTransactions")
	if !totalResult.Exists() {
		totalResult = gjson.GetBytes(summary, "numberOfTransactions")
	}
	total := int(totalResult.Int())

	var transactions []Transaction
	offset := 0
	for {
		pageParams := accParam()
		pageParams.Set("fromDate", transactionsFromDate)
		pageParams.Set("toDate", toDate)
		pageParams.Set("offset", fmt.Sprintf("%d", offset))
		pageParams.Set("limit", fmt.Sprintf("%d", transactionPageLimit))
		pageParams.Set("sort", "ACCOUNTING_DATE")
		pageParams.Set("sortOrder", "DESC")
		pageParams.Set("includeCancellations", "false")

		body, errPage := c.getTx(txAPIRoot+"/transactions/page", pageParams)
		if errPage != nil {
			return nil, errPage
		}

		// The page endpoint's shape varies between a bare list and an
		// object with a transactions key.
		batch := gjson.ParseBytes(body)
		if !batch.IsArray() {
			batch = batch.Get("transactions")
		}
		items := batch.Array()
		if len(items) == 0 {
			break
		}

		for _, item := range items {
			tx, errParse := transactionFrom(item)
			if errParse != nil {
				return nil, errParse
			}
			transactions = append(transactions, tx)
		}
		onProgress(len(transactions), total)

		if len(items) < transactionPageLimit {
			break
		}
		offset += transactionPageLimit
	}
	return transactions, nil
}
