package misp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/newrelic/go-agent/v3/newrelic"
	log "github.com/sirupsen/logrus"
)

type MispClient struct {
	ApiURL     string
	ApiKey     string
	Logger     *log.Logger
	httpClient *http.Client
}

type Options struct {
	VerifyCert bool
	Timeout    time.Duration
}

type Tag struct {
	Name string `json:"name"`
}

func NewMispClient(
	apiUrl string,
	apiKey string,
	opts Options,
	logger *log.Logger,
) *MispClient {
	transport := cleanhttp.DefaultPooledTransport()
	if !opts.VerifyCert {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &MispClient{
		ApiURL: strings.TrimRight(apiUrl, "/"),
		ApiKey: apiKey,
		Logger: logger,
		httpClient: &http.Client{
			Transport: newrelic.NewRoundTripper(transport),
			Timeout:   opts.Timeout,
		},
	}
}

// post sends body as JSON to path and decodes a 2xx response into result.
// Non-2xx responses come back as *Error.
func (c *MispClient) post(
	ctx context.Context,
	path string,
	body interface{},
	result interface{},
) error {
	payload, err := gojson.Marshal(body)
	if err != nil {
		return err
	}

	url := c.ApiURL + path

	c.Logger.Tracef("making misp request to %s...", url)

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		url,
		bytes.NewReader(payload),
	)
	if err != nil {
		return err
	}

	req.Header.Add("Authorization", c.ApiKey)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{err}
	}

	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newError(resp.StatusCode, data)
	}

	if result == nil {
		return nil
	}

	if err := gojson.Unmarshal(data, result); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}

	return nil
}
