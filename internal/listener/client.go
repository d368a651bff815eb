package listener

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
)

// Fetch sends a request and reads the whole response body.
func Fetch(ctx context.Context, client *http.Client, method, url string, body string, header http.Header) (*http.Response, string, error) {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, "", err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, "", errors.Wrap(err, "can't read response body")
	}
	return resp, string(data), nil
}

// Expect checks status and body of a response.
func Expect(resp *http.Response, body string, status int, wantBody string) error {
	if resp.StatusCode != status {
		return errors.Errorf("unexpected status %d, want %d", resp.StatusCode, status)
	}
	if body != wantBody {
		return errors.Errorf("unexpected body %q, want %q", body, wantBody)
	}
	return nil
}

// GetText returns a client which expects a GET request to answer with
// status 200 and want.
func GetText(want string) ClientFunc {
	return func(ctx context.Context, client *http.Client, url string) error {
		resp, body, err := Fetch(ctx, client, http.MethodGet, url, "", nil)
		if err != nil {
			return err
		}
		return Expect(resp, body, http.StatusOK, want)
	}
}

// PostText returns a client which posts body and expects it back.
func PostText(body string) ClientFunc {
	return func(ctx context.Context, client *http.Client, url string) error {
		resp, got, err := Fetch(ctx, client, http.MethodPost, url, body, http.Header{"Content-Type": {"text/plain"}})
		if err != nil {
			return err
		}
		return Expect(resp, got, http.StatusOK, body)
	}
}

// Authenticate returns a client which first sends an anonymous request,
// expects a basic auth challenge and then repeats the request with
// credentials.
func Authenticate(username, password, want string) ClientFunc {
	return func(ctx context.Context, client *http.Client, url string) error {
		resp, body, err := Fetch(ctx, client, http.MethodGet, url, "", nil)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusUnauthorized {
			return errors.Errorf("expected challenge, got status %d", resp.StatusCode)
		}
		if !strings.HasPrefix(resp.Header.Get("WWW-Authenticate"), "Basic ") {
			return errors.Errorf("unexpected challenge %q", resp.Header.Get("WWW-Authenticate"))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.SetBasicAuth(username, password)
		resp, err = client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		body = string(data)
		return Expect(resp, body, http.StatusOK, want)
	}
}
