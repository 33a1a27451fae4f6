package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	kit "zambot/internal/transport"
	"zambot/pkg/logx"
)

// HTTPClient is a Capturer backed by the rendering sidecar's HTTP API.
// POST {endpoint}/capture with a JSON body, JSON response on 200.
type HTTPClient struct {
	endpoint string
	client   *http.Client
	log      logx.Logger
}

func NewHTTPClient(endpoint string, timeout time.Duration, log logx.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log.With(logx.String("svc", "capture")),
	}
}

type captureRequest struct {
	URL                      string `json:"url"`
	TweetID                  string `json:"tweet_id"`
	IncludeReferenceSnapshot bool   `json:"include_reference_snapshot"`
}

type captureResponse struct {
	Media []struct {
		Ref  string `json:"ref"`
		Kind string `json:"kind"`
	} `json:"media"`
	Text     string           `json:"text"`
	Entities []kit.EntitySpan `json:"entities"`
	Query    string           `json:"query"`

	OCRAuthor string `json:"ocr_author"`
	OCRText   string `json:"ocr_text"`

	Error string `json:"error"`
}

func (c *HTTPClient) Capture(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(captureRequest{
		URL:                      req.URL,
		TweetID:                  req.TweetID,
		IncludeReferenceSnapshot: req.IncludeReferenceSnapshot,
	})
	if err != nil {
		return nil, Fatal(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/capture", bytes.NewReader(body))
	if err != nil {
		return nil, Fatal(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		// Timeouts and connection failures are transient.
		return nil, fmt.Errorf("capture request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.classifyStatus(resp)
	}

	var out captureResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("capture response: %w", err)
	}
	if len(out.Media) == 0 {
		return nil, Fatal(errors.New("capture returned no media"))
	}

	res := &Result{
		Text:      out.Text,
		Entities:  out.Entities,
		Query:     out.Query,
		OCRAuthor: out.OCRAuthor,
		OCRText:   out.OCRText,
	}
	for _, m := range out.Media {
		res.Media = append(res.Media, kit.MediaItem{Ref: m.Ref, Kind: m.Kind})
	}
	return res, nil
}

// classifyStatus maps sidecar status codes onto the retry taxonomy.
// Content that is gone stays gone; everything else is worth another try.
func (c *HTTPClient) classifyStatus(resp *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("capture status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusForbidden, http.StatusGone, http.StatusUnprocessableEntity:
		return Fatal(err)
	case http.StatusTooManyRequests:
		if secs, perr := strconv.Atoi(resp.Header.Get("Retry-After")); perr == nil && secs > 0 {
			return RetryAfter(err, time.Duration(secs)*time.Second)
		}
		return RetryAfter(err, 30*time.Second)
	default:
		return err
	}
}
