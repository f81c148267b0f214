package capabilities

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

const maxErrorBody = 2048

// ContentFetcher executes a prepared request and returns the response body.
type ContentFetcher interface {
	FetchContent(req *http.Request) ([]byte, error)
}

type contentFetcher struct {
	client *http.Client
	logger *slog.Logger
}

func NewContentFetcher(client *http.Client, logger *slog.Logger) ContentFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &contentFetcher{client: client, logger: logger}
}

func (c *contentFetcher) FetchContent(req *http.Request) ([]byte, error) {
	res, err := c.client.Do(req)
	if err != nil {
		c.logger.Error("failed to send the HTTP request", "method", req.Method, "url", req.URL.String(), "error", err)
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		c.logger.Error("HTTP request returned non-OK status code",
			"method", req.Method,
			"url", req.URL.String(),
			"status", res.StatusCode,
			"message", string(body),
		)
		return nil, fmt.Errorf("HTTP request returned non-OK status code: %d", res.StatusCode)
	}

	payload, err := io.ReadAll(res.Body)
	if err != nil {
		c.logger.Error("failed to read the response body", "method", req.Method, "url", req.URL.String(), "error", err)
		return nil, err
	}
	return payload, nil
}
