package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ahc-proxy-go/internal/config"
)

const sendTimeout = 30 * time.Second

// runSend issues one request per destination through the proxy and prints
// each status line and body. With --data the request is a POST.
func runSend(ctx context.Context, cmd *config.SendCmd, out io.Writer) error {
	proxyURL, err := url.Parse("http://" + cmd.Proxy)
	if err != nil {
		return fmt.Errorf("send: parse proxy address: %w", err)
	}
	hc := &http.Client{
		Timeout: sendTimeout,
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			DisableKeepAlives: true,
		},
	}

	var failed int
	for _, dest := range cmd.Dest {
		if err := sendOne(ctx, hc, dest, cmd.Data, out); err != nil {
			failed++
			_, _ = fmt.Fprintf(out, "%s: %v\n", dest, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("send: %d of %d requests failed", failed, len(cmd.Dest))
	}
	return nil
}

func sendOne(ctx context.Context, hc *http.Client, dest, data string, out io.Writer) error {
	method, body := http.MethodGet, io.Reader(http.NoBody)
	if data != "" {
		method, body = http.MethodPost, strings.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, dest, body)
	if err != nil {
		return err
	}

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	_, _ = fmt.Fprintf(out, "%s %s -> %s\n", method, dest, resp.Status)
	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	_, _ = fmt.Fprintln(out)
	return nil
}
