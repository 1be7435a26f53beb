package webamon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	gojson "github.com/goccy/go-json"
	"github.com/google/go-querystring/query"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/newrelic/go-agent/v3/newrelic"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/webamon/webamon-misp-sync/internal/provider"
	"github.com/webamon/webamon-misp-sync/pkg/retry"
)

type searchParams struct {
	LuceneQuery string `url:"lucene_query"`
	Size        int    `url:"size"`
	Index       string `url:"index"`
	From        int    `url:"from"`
	Fields      string `url:"fields,omitempty"`
}

type Pagination struct {
	HasMore  bool `json:"has_more"`
	NextFrom *int `json:"next_from"`
}

type SearchResponse struct {
	Results    []map[string]interface{} `json:"results"`
	Pagination *Pagination              `json:"pagination"`
}

// transportError marks failures talking to the API, as opposed to failures
// making sense of what it returned. Only transport errors are retried.
type transportError struct {
	err error
}

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch results failed: %s", e.Status)
}

func (wp *WebamonProvider) Fetch(
	ctx context.Context,
	req *provider.Request,
) (*provider.Result, error) {
	log := wp.Interop.Logger
	result := &provider.Result{}

	defer func() {
		result.Stats.Records = len(result.Records)
	}()

	client, err := wp.createHttpClient(ctx)
	if err != nil {
		result.Stats.StopReason = provider.STOP_ERROR
		result.Stats.LastError = err
		log.Errorf("failed to create webamon http client: %s", err)
		return result, nil
	}

	seen := map[string]struct{}{}
	offset := 0

	if len(req.Fields) > 0 {
		log.Debugf("requesting fields: %s", strings.Join(req.Fields, ", "))
	}

	for {
		if offset >= MaxOffset {
			log.Warnf("stopping pagination at offset ceiling %d", MaxOffset)
			result.Stats.StopReason = provider.STOP_CEILING
			break
		}

		page, err := wp.getPageWithRetry(ctx, client, req, offset)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				result.Stats.StopReason = provider.STOP_ERROR
				result.Stats.LastError = ctxErr
				return result, ctxErr
			}

			log.Warnf(
				"stopping pagination at offset %d, returning %d records: %s",
				offset,
				len(result.Records),
				err,
			)
			result.Stats.StopReason = provider.STOP_ERROR
			result.Stats.LastError = err
			break
		}

		result.Stats.Pages += 1

		for _, item := range page.Results {
			record := provider.Record(item)
			key := dedupKey(record)

			if _, ok := seen[key]; ok {
				result.Stats.Duplicates += 1
				continue
			}

			seen[key] = struct{}{}
			result.Records = append(result.Records, record)
		}

		log.Tracef(
			"page at offset %d returned %d results, %d unique so far",
			offset,
			len(page.Results),
			len(result.Records),
		)

		next, more := nextOffset(page.Pagination, offset, req.PageSize)
		if !more {
			result.Stats.StopReason = provider.STOP_EXHAUSTED
			break
		}

		offset = next

		if offset >= MaxOffset {
			continue
		}

		if err := retry.Sleep(ctx, wp.PageDelay); err != nil {
			result.Stats.StopReason = provider.STOP_ERROR
			result.Stats.LastError = err
			return result, err
		}
	}

	return result, nil
}

// nextOffset reports where the next page starts and whether there is one.
// A next_from that does not move forward is ignored in favour of the page
// size so a misbehaving server cannot pin us on one page.
func nextOffset(p *Pagination, offset int, pageSize int) (int, bool) {
	if p == nil || !p.HasMore {
		return 0, false
	}

	if p.NextFrom != nil && *p.NextFrom > offset {
		return *p.NextFrom, true
	}

	return offset + pageSize, true
}

func (wp *WebamonProvider) getPageWithRetry(
	ctx context.Context,
	client *http.Client,
	req *provider.Request,
	offset int,
) (*SearchResponse, error) {
	var page *SearchResponse

	err := wp.Retry.Do(
		ctx,
		classifyFetchError,
		func(attempt, attempts int, err error) {
			if isTimeout(err) {
				wp.Interop.Logger.Warnf(
					"timeout on attempt %d/%d, retrying...",
					attempt,
					attempts,
				)
				return
			}
			wp.Interop.Logger.Warnf(
				"request error on attempt %d/%d: %s, retrying...",
				attempt,
				attempts,
				err,
			)
		},
		func() error {
			var err error
			page, err = wp.getPage(ctx, client, req, offset)
			return err
		},
	)
	if err != nil {
		return nil, err
	}

	return page, nil
}

func classifyFetchError(err error) retry.Action {
	if isTimeout(err) {
		return retry.RetryNow
	}

	var te *transportError
	var se *StatusError
	if errors.As(err, &te) || errors.As(err, &se) {
		return retry.Retry
	}

	return retry.Abort
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (wp *WebamonProvider) buildURL(req *provider.Request, offset int) (string, error) {
	params := searchParams{
		LuceneQuery: req.Query,
		Size:        req.PageSize,
		Index:       req.Index,
		From:        offset,
		Fields:      strings.Join(req.Fields, ","),
	}

	values, err := query.Values(params)
	if err != nil {
		return "", err
	}

	u, err := url.Parse(wp.ApiURL)
	if err != nil {
		return "", err
	}

	q := u.Query()
	for k, vs := range values {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func (wp *WebamonProvider) getPage(
	ctx context.Context,
	client *http.Client,
	req *provider.Request,
	offset int,
) (*SearchResponse, error) {
	url, err := wp.buildURL(req, offset)
	if err != nil {
		return nil, err
	}

	wp.Interop.Logger.Debugf("making webamon request using URL %s...", url)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	if wp.AuthType == AUTH_TYPE_APIKEY {
		httpReq.Header.Add(wp.ApiKeyHeader, wp.ApiKey)
	}

	httpReq.Header.Add("Accept", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &transportError{err}
	}

	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return nil, &StatusError{resp.StatusCode, resp.Status}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &transportError{err}
	}

	wp.Interop.Logger.Tracef(
		"read %d bytes, unmarshaling JSON...",
		len(body),
	)

	page := &SearchResponse{}

	// Report ids can exceed 2^53, keep numbers as their literal digits.
	dec := gojson.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	err = dec.Decode(page)
	if err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	return page, nil
}

func (wp *WebamonProvider) createHttpClient(ctx context.Context) (*http.Client, error) {
	base := &http.Client{
		Transport: newrelic.NewRoundTripper(cleanhttp.DefaultPooledTransport()),
		Timeout:   wp.Timeout,
	}

	if wp.AuthType != AUTH_TYPE_OAUTH {
		return base, nil
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)

	if wp.OAuthGrantType == OAUTH_GRANT_TYPE_PASSWORD {
		oauthConfig := &oauth2.Config{
			ClientID:     wp.OAuthClientID,
			ClientSecret: wp.OAuthClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  wp.OAuthTokenURL,
				AuthStyle: oauth2.AuthStyleAutoDetect,
			},
			Scopes: wp.OAuthScopes,
		}

		token, err := oauthConfig.PasswordCredentialsToken(
			ctx,
			wp.ApiUser,
			wp.ApiPassword,
		)
		if err != nil {
			return nil, err
		}

		client := oauthConfig.Client(ctx, token)
		client.Timeout = wp.Timeout

		return client, nil
	}

	oauthConfig := &clientcredentials.Config{
		ClientID:     wp.OAuthClientID,
		ClientSecret: wp.OAuthClientSecret,
		TokenURL:     wp.OAuthTokenURL,
		Scopes:       wp.OAuthScopes,
	}

	client := oauthConfig.Client(ctx)
	client.Timeout = wp.Timeout

	return client, nil
}
