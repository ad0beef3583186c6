package httpclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/zckevin/reqcoord/httperror"
)

// Response is a fully read HTTP response. Responses handed out by the cache
// are shared between callers and must be treated as read-only.
type Response struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header"`
	Data       []byte      `json:"data"`
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decoding response body: %w", err)
	}
	return nil
}

// readResponse drains and closes resp.Body. Non-2xx statuses are returned as
// *httperror.Error.
func readResponse(req *http.Request, resp *http.Response) (*Response, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &httperror.Error{
			Method: req.Method,
			URL:    req.URL.String(),
			Err:    fmt.Errorf("reading response body: %w", err),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &httperror.Error{
			Method:     req.Method,
			URL:        req.URL.String(),
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Header:     resp.Header.Clone(),
			Body:       body,
			Response:   resp,
		}
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Data:       body,
	}, nil
}
