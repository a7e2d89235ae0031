package request

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/mosaik/core/errs"
	"github.com/relabs-tech/mosaik/core/pointers"
)

// pathPattern is the URL grammar /<resource-path>/<id>?.<format>?. The
// resource path may contain slashes, the id anything but '/' and '.'.
var pathPattern = regexp.MustCompile(`^/(.+)/([^/.]*)(?:\.([a-z]+))?$`)

// reserved query keys never copied from client input into the request.
var reservedParams = map[string]bool{
	"resource": true,
	"id":       true,
	"format":   true,
}

// DecodeHTTP translates an HTTP request into an engine request. The
// response writer is only used to arm the read deadline for POST bodies;
// it may be nil. Client errors are returned as RequestError, an
// unparseable path as NotFoundError.
func DecodeHTTP(w http.ResponseWriter, r *http.Request, postTimeout time.Duration) (*Request, error) {
	matches := pathPattern.FindStringSubmatch(r.URL.Path)
	if matches == nil {
		return nil, errs.NewNotFound("Not found: %s", r.URL.Path)
	}

	req := New(matches[1])
	req.ID = matches[2]
	if matches[3] != "" {
		req.Format = matches[3]
	}
	req.HTTP = r

	seen := map[string]bool{}
	if err := applyParams(req, r.URL.Query(), seen); err != nil {
		return nil, err
	}

	if r.Method == http.MethodPost {
		if err := decodePostBody(w, r, req, seen, postTimeout); err != nil {
			return nil, err
		}
	}
	return req, nil
}

func applyParams(req *Request, values url.Values, seen map[string]bool) error {
	for key, list := range values {
		if len(list) > 1 || seen[key] {
			return errs.NewRequest("Duplicate parameter %q in URL", key)
		}
		seen[key] = true
		if reservedParams[key] || len(key) > 0 && key[0] == '_' {
			continue
		}
		if err := applyParam(req, key, list[0]); err != nil {
			return err
		}
	}
	return nil
}

func applyParam(req *Request, key, value string) error {
	var err error
	switch key {
	case "select":
		req.Select, err = ParseSelect(value)
	case "filter":
		req.Filter, err = ParseFilter(value)
	case "order":
		req.Order, err = ParseOrder(value)
	case "limit":
		n, convErr := parseNonNegativeInt(value)
		if convErr != nil {
			return errs.NewRequest("Invalid limit %q", value)
		}
		req.Limit = pointers.IntPtr(n)
	case "page":
		n, convErr := parseNonNegativeInt(value)
		if convErr != nil || n < 1 {
			return errs.NewRequest("Invalid page %q", value)
		}
		req.Page = pointers.IntPtr(n)
	case "search":
		req.Search = value
	case "action":
		req.Action = value
	default:
		req.Options[key] = value
	}
	return err
}

func parseNonNegativeInt(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, errors.New("empty")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, errors.New("not a number")
		}
		n = n*10 + int(s[i]-'0')
	}
	return n, nil
}

func decodePostBody(w http.ResponseWriter, r *http.Request, req *Request, seen map[string]bool, timeout time.Duration) error {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return errs.NewRequest("Missing Content-Type header")
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return errs.NewRequest("Invalid Content-Type header")
	}

	body, err := readBody(w, r, timeout)
	if err != nil {
		return err
	}

	switch mediaType {
	case "application/json":
		if len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, &req.Data); err != nil {
			return errs.NewRequest("Invalid payload, must be valid JSON")
		}
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return errs.NewRequest("Invalid form payload")
		}
		return applyParams(req, values, seen)
	default:
		return errs.NewRequest("Unsupported content type %q", mediaType)
	}
	return nil
}

// readBody reads the full POST body under a read deadline. Transports
// that cannot set deadlines, the in-process client for one, read without
// a timeout.
func readBody(w http.ResponseWriter, r *http.Request, timeout time.Duration) ([]byte, error) {
	var rc *http.ResponseController
	if w != nil && timeout > 0 {
		rc = http.NewResponseController(w)
		if err := rc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			rc = nil
		}
	}
	body, err := io.ReadAll(r.Body)
	if rc != nil {
		rc.SetReadDeadline(time.Time{})
	}
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, errs.NewRequest("Timeout reading POST data")
		}
		return nil, errs.NewRequest("Error reading POST data")
	}
	return body, nil
}
