package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	twiliogo "github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

const defaultBaseURL = "https://api.twilio.com"

// Client places, redirects, ends and records calls through the Twilio REST API.
type Client struct {
	accountSID string
	authToken  string
	rest       *twiliogo.RestClient
}

// NewClient builds a REST client. A non-default baseURL reroutes every request to that
// host, for regional proxies and tests.
func NewClient(accountSID, authToken, baseURL string, httpClient *http.Client) *Client {
	accountSID = strings.TrimSpace(accountSID)
	authToken = strings.TrimSpace(authToken)
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if base := strings.TrimRight(strings.TrimSpace(baseURL), "/"); base != "" && base != defaultBaseURL {
		if u, err := url.Parse(base); err == nil && u.Host != "" {
			rerouted := *httpClient
			next := rerouted.Transport
			if next == nil {
				next = http.DefaultTransport
			}
			rerouted.Transport = hostRewriter{scheme: u.Scheme, host: u.Host, next: next}
			httpClient = &rerouted
		}
	}

	base := &twclient.Client{
		Credentials: twclient.NewCredentials(accountSID, authToken),
		HTTPClient:  httpClient,
	}
	base.SetAccountSid(accountSID)
	return &Client{
		accountSID: accountSID,
		authToken:  authToken,
		rest:       twiliogo.NewRestClientWithParams(twiliogo.ClientParams{Client: base}),
	}
}

type hostRewriter struct {
	scheme string
	host   string
	next   http.RoundTripper
}

func (t hostRewriter) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.URL.Scheme = t.scheme
	r.URL.Host = t.host
	r.Host = t.host
	return t.next.RoundTrip(r)
}

func (c *Client) Configured() bool {
	return c != nil && c.accountSID != "" && c.authToken != ""
}

type CreateCallParams struct {
	To   string
	From string
	// TwiML is inline markup for the call; it takes precedence over URL.
	TwiML          string
	URL            string
	StatusCallback string
}

// CreateCall places an outbound call and returns its call SID.
func (c *Client) CreateCall(ctx context.Context, p CreateCallParams) (string, error) {
	if strings.TrimSpace(p.To) == "" || strings.TrimSpace(p.From) == "" {
		return "", fmt.Errorf("to and from are required")
	}
	params := &api.CreateCallParams{}
	params.SetTo(p.To)
	params.SetFrom(p.From)
	switch {
	case p.TwiML != "":
		params.SetTwiml(p.TwiML)
	case p.URL != "":
		params.SetUrl(p.URL)
	default:
		return "", fmt.Errorf("twiml or url is required")
	}
	if p.StatusCallback != "" {
		params.SetStatusCallback(p.StatusCallback)
	}
	if err := c.ready(ctx); err != nil {
		return "", err
	}
	call, err := c.rest.Api.CreateCall(params)
	if err != nil {
		return "", wrapError("create call", err)
	}
	if call == nil || call.Sid == nil || *call.Sid == "" {
		return "", fmt.Errorf("twilio response missing call sid")
	}
	return *call.Sid, nil
}

// Hangup completes a live call.
func (c *Client) Hangup(ctx context.Context, callSID string) error {
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	return c.updateCall(ctx, "complete call", callSID, params)
}

// Transfer replaces the live call's instructions with a dial to target. The media stream
// ends as the provider follows the new TwiML.
func (c *Client) Transfer(ctx context.Context, callSID, target string) error {
	twiml, err := TransferTwiML(target)
	if err != nil {
		return err
	}
	params := &api.UpdateCallParams{}
	params.SetTwiml(twiml)
	return c.updateCall(ctx, "transfer call", callSID, params)
}

func (c *Client) updateCall(ctx context.Context, op, callSID string, params *api.UpdateCallParams) error {
	if strings.TrimSpace(callSID) == "" {
		return fmt.Errorf("call sid is required")
	}
	if err := c.ready(ctx); err != nil {
		return err
	}
	if _, err := c.rest.Api.UpdateCall(callSID, params); err != nil {
		return wrapError(op, err)
	}
	return nil
}

// StartRecording records both channels of a live call.
func (c *Client) StartRecording(ctx context.Context, callSID string) error {
	if strings.TrimSpace(callSID) == "" {
		return fmt.Errorf("call sid is required")
	}
	if err := c.ready(ctx); err != nil {
		return err
	}
	params := &api.CreateCallRecordingParams{}
	params.SetRecordingChannels("dual")
	if _, err := c.rest.Api.CreateCallRecording(callSID, params); err != nil {
		return wrapError("start recording", err)
	}
	return nil
}

// ready fails fast on missing credentials or an expired context. The REST client bounds
// each request with the http.Client timeout.
func (c *Client) ready(ctx context.Context) error {
	if !c.Configured() {
		return fmt.Errorf("twilio credentials are not configured")
	}
	if ctx != nil {
		return ctx.Err()
	}
	return nil
}

// Error is a Twilio API error response.
type Error struct {
	Status  int
	Code    int
	Message string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("twilio error %d (status %d): %s", e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("twilio error (status %d): %s", e.Status, e.Message)
}

func wrapError(op string, err error) error {
	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) && restErr != nil {
		return fmt.Errorf("%s: %w", op, &Error{Status: restErr.Status, Code: restErr.Code, Message: restErr.Message})
	}
	return fmt.Errorf("%s: %w", op, err)
}
