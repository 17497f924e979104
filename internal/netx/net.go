// Package netx fetches objects through presigned S3 URLs.
package netx

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// maxObjectSize bounds what Download reads into memory.
const maxObjectSize = 16 << 20

// Download GETs a presigned URL and returns the object body.
func Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("download failed: %s; body: %s", resp.Status, string(b))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxObjectSize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxObjectSize {
		return nil, fmt.Errorf("download failed: object larger than %d bytes", maxObjectSize)
	}
	return body, nil
}
