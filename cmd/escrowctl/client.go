package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type client struct {
	baseURL string
	token   string
	timeout time.Duration
	http    *http.Client
}

func newClient(opts globalOptions) *client {
	return &client{
		baseURL: strings.TrimRight(strings.TrimSpace(opts.baseURL), "/"),
		token:   strings.TrimSpace(opts.token),
		timeout: opts.timeout,
		http:    &http.Client{Timeout: opts.timeout},
	}
}

// apiError is the error envelope escrowd returns.
type apiError struct {
	Status  int
	Message string          `json:"error"`
	Code    string          `json:"code"`
	Split   json.RawMessage `json:"payoutSplit,omitempty"`
	Detail  json.RawMessage `json:"reconciliation,omitempty"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

func (c *client) do(method, path string, query url.Values, body interface{}, headers map[string]string) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return nil, apiErr
	}
	return raw, nil
}

func writeResult(w io.Writer, raw json.RawMessage) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Fprintln(w, string(raw))
		return
	}
	fmt.Fprintln(w, pretty.String())
}

// printResult prints the result, or the error with any attached payout split or
// reconciliation detail, and returns the exit code.
func printResult(stdout, stderr io.Writer, raw json.RawMessage, err error) int {
	if err == nil {
		writeResult(stdout, raw)
		return 0
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		if len(apiErr.Split) > 0 {
			fmt.Fprint(stderr, "Payout split: ")
			writeResult(stderr, apiErr.Split)
		}
		if len(apiErr.Detail) > 0 {
			fmt.Fprint(stderr, "Reconciliation: ")
			writeResult(stderr, apiErr.Detail)
		}
	}
	return 1
}
