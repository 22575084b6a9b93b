package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/synaptica-ai/reconciler/pkg/common/models"
	"github.com/synaptica-ai/reconciler/pkg/intake"
)

var (
	ErrDocumentNotFound = errors.New("document unknown to extraction service")
	ErrUnexpectedStatus = errors.New("unexpected extraction service status")
)

// Client fetches per-document extraction results from the document
// processing service.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    newHTTPClient(timeout),
	}
}

// newHTTPClient creates an HTTP client tuned for outbound service-to-service communication.
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// Extract implements intake.Extractor. Timeouts, throttling, 5xx responses
// and results still being processed come back as transient errors.
func (c *Client) Extract(ctx context.Context, ref intake.DocumentRef) (*models.ExtractionResult, error) {
	endpoint := fmt.Sprintf("%s/api/v1/documents/%s/extraction", c.baseURL, url.PathEscape(ref.DocumentID))
	if ref.PatientID != "" {
		endpoint += "?patient_id=" + url.QueryEscape(ref.PatientID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		if isRetriable(err) {
			return nil, &intake.TransientExtractionError{DocumentID: ref.DocumentID, Cause: err}
		}
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrDocumentNotFound
	case resp.StatusCode == http.StatusAccepted,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, &intake.TransientExtractionError{
			DocumentID: ref.DocumentID,
			Cause:      fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode),
		}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode)
	}

	var result models.ExtractionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode extraction result: %w", intake.ErrMalformedResult)
	}
	if result.DocumentID == "" {
		result.DocumentID = ref.DocumentID
	}
	if result.DocumentName == "" {
		result.DocumentName = ref.DocumentName
	}
	return &result, nil
}

// isRetriable determines if a transport error is worth retrying.
func isRetriable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
