package httpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"

	"github.com/relayai/core/internal/domain"
)

// StreamLine is one decoded line of a line-delimited-JSON response.
type StreamLine struct {
	Raw json.RawMessage
	Err error
}

// Stream executes a unary-request, streaming-response call: the request is
// a single JSON body, the response is read line by line as it arrives so
// the first chunk reaches the caller before the body completes, per spec
// §4.4 invariant (c). The returned channel is closed when the body ends or
// the context is cancelled.
func (c *Client) Stream(ctx context.Context, method, targetURL, nodeSlug string, body any) (<-chan StreamLine, error) {
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, domain.NewValidationError("marshal stream request body", err)
	}

	req, err := c.newRequest(ctx, method, targetURL, nodeSlug, encoded)
	if err != nil {
		return nil, domain.NewValidationError("build signed stream request", err)
	}
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, domain.NewTransientError(fmt.Sprintf("%s %s", method, targetURL), err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody := make([]byte, 4096)
		n, _ := resp.Body.Read(respBody)
		return nil, classifyStatus(resp.StatusCode, respBody[:n], resp.Header)
	}

	out := make(chan StreamLine)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			raw := make(json.RawMessage, len(line))
			copy(raw, line)

			select {
			case out <- StreamLine{Raw: raw}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case out <- StreamLine{Err: domain.NewTransientError("read stream", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return out, nil
}
