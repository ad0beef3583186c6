package httpclient

import "net/http"

// HTTPRequestDoer is the raw transport. *http.Client satisfies it.
//
//go:generate mockgen -destination=mock_http_request_doer.go -package=httpclient github.com/zckevin/reqcoord/httpclient HTTPRequestDoer
type HTTPRequestDoer interface {
	Do(req *http.Request) (*http.Response, error)
}
