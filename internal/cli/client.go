package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/meshwork/meshnode/internal/api"
	"github.com/meshwork/meshnode/internal/daemon"
)

// client calls the HTTP API of a running node.
type client struct {
	base string
	http *http.Client
}

// newClient targets --api, or the API address from the config file.
func newClient() (*client, error) {
	addr := apiAddr
	if addr == "" {
		cfg, err := daemon.LoadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.APIAddr()
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

func (c *client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *client) post(ctx context.Context, path string, in, out any) error {
	return c.do(ctx, http.MethodPost, path, in, out)
}

func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("node not reachable at %s (is `meshnode serve` running?): %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var e api.ErrorBody
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error.Message != "" {
			return errors.New(e.Error.Message)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// parsePeer reads "guid@host:port", "host:port" or a bare decimal GUID.
func parsePeer(s string) (api.PeerRef, error) {
	if s == "" {
		return api.PeerRef{}, errors.New("empty peer")
	}
	if guid, addr, ok := strings.Cut(s, "@"); ok {
		if guid == "" || addr == "" {
			return api.PeerRef{}, fmt.Errorf("peer %q: want guid@host:port", s)
		}
		return api.PeerRef{GUID: guid, Address: addr}, nil
	}
	if strings.Contains(s, ":") {
		return api.PeerRef{Address: s}, nil
	}
	return api.PeerRef{GUID: s}, nil
}
