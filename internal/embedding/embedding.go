// Package embedding turns chunk text into vectors.
package embedding

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mythos-app/indexd/internal/syncerr"
)

// Client produces embedding vectors for batches of texts. Implementations
// return one vector per input text, in input order, all of Dimension length.
type Client interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimension() int
}

// EmbedOne embeds a single text, used by the query-side search paths.
func EmbedOne(ctx context.Context, c Client, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed: got %d vectors for one text", len(vecs))
	}
	return vecs[0], nil
}

const maxErrorBody = 2048

// classifyStatus turns a non-200 embedding response into a transient or
// permanent pipeline error. Throttling and server errors are retried; other
// client errors (bad model, bad key, oversized input) will not succeed on a
// retry. The response body tail is kept so the job's last_error tells the
// operator what the provider said.
func classifyStatus(resp *http.Response) error {
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := fmt.Sprintf("embed: unexpected status %d", resp.StatusCode)
	if d := strings.TrimSpace(string(detail)); d != "" {
		msg += ": " + d
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return syncerr.Transient(syncerr.CodeEmbedFailure, "%s", msg)
	}
	return syncerr.Permanent(syncerr.CodeEmbedRejected, "%s", msg)
}
