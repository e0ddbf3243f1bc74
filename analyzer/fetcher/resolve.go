package fetcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/chillwhales/lsp-indexer/analyzer/httpmisc"
	"github.com/chillwhales/lsp-indexer/common"
	"github.com/chillwhales/lsp-indexer/log"
)

const jsonMimeType = "application/json"

// resolver turns a URL into a JSON document. It switches once on the URL's
// scheme, so cross-scheme redirects don't work.
type resolver struct {
	client       *http.Client
	ipfsGateway  string
	maxBodyBytes int64
	logger       *log.Logger
}

// scheme returns the lowercased scheme of a URL for metrics, or "" if it has none.
func scheme(rawURL string) string {
	i := strings.Index(rawURL, ":")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(rawURL[:i])
}

// resolve fetches a single URL. Errors are classified by classify.
func (r *resolver) resolve(ctx context.Context, rawURL string) (json.RawMessage, error) {
	rawURL = strings.TrimSpace(rawURL)
	switch scheme(rawURL) {
	case "data":
		return decodeDataURL(rawURL)
	case "ipfs":
		return r.get(ctx, r.ipfsURL(rawURL))
	case "http", "https":
		return r.get(ctx, rawURL)
	default:
		return nil, terminal(CodeUnsupportedScheme, fmt.Errorf("unsupported URL scheme in %q", truncate(rawURL, 64)))
	}
}

// ipfsURL rewrites ipfs://<cid>[/path] to <gateway><cid>[/path].
func (r *resolver) ipfsURL(rawURL string) string {
	path := rawURL[len("ipfs://"):]
	path = strings.TrimPrefix(path, "ipfs/")
	return r.ipfsGateway + path
}

func (r *resolver) get(ctx context.Context, target string) (json.RawMessage, error) {
	resp, err := httpmisc.GetWithContextWithClient(ctx, r.client, target)
	if err != nil {
		return nil, fmt.Errorf("HTTP get: %w", err)
	}
	if err = httpmisc.ResponseOK(resp); err != nil {
		return nil, err
	}
	defer common.CloseOrLog(resp.Body, r.logger)

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if int64(len(body)) > r.maxBodyBytes {
		return nil, terminal(CodeBodyTooLarge, fmt.Errorf("response body exceeds %d bytes", r.maxBodyBytes))
	}
	if !json.Valid(body) {
		return nil, terminal(CodeInvalidJSON, errors.New("response body is not valid JSON"))
	}
	return json.RawMessage(body), nil
}

// decodeDataURL decodes an RFC 2397 data URL carrying a JSON document.
func decodeDataURL(rawURL string) (json.RawMessage, error) {
	rest := rawURL[len("data:"):]
	comma := strings.Index(rest, ",")
	if comma < 0 {
		return nil, terminal(CodeInvalidDataURL, errors.New("data URL has no payload separator"))
	}
	header, payload := rest[:comma], rest[comma+1:]

	isBase64 := false
	if strings.HasSuffix(strings.ToLower(header), ";base64") {
		isBase64 = true
		header = header[:len(header)-len(";base64")]
	}
	mediaType := ""
	if header != "" {
		mt, _, err := mime.ParseMediaType(header)
		if err != nil {
			return nil, terminal(CodeInvalidMimeType, fmt.Errorf("data URL mime type %q: %w", header, err))
		}
		mediaType = mt
	}
	if mediaType != jsonMimeType {
		return nil, terminal(CodeInvalidMimeType, fmt.Errorf("data URL mime type %q is not %s", header, jsonMimeType))
	}

	var body []byte
	if isBase64 {
		decoded, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(payload)
		}
		if err != nil {
			return nil, terminal(CodeInvalidDataURL, fmt.Errorf("data URL base64 payload: %w", err))
		}
		body = decoded
	} else {
		decoded, err := url.PathUnescape(payload)
		if err != nil {
			return nil, terminal(CodeInvalidDataURL, fmt.Errorf("data URL percent-encoded payload: %w", err))
		}
		body = []byte(decoded)
	}

	if !json.Valid(body) {
		return nil, terminal(CodeInvalidJSON, errors.New("data URL payload is not valid JSON"))
	}
	return json.RawMessage(body), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
