package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/drosthq/drost/internal/config"
)

// controlClient talks to a running gateway's control API. The commands that
// use it are thin: render what the gateway says, never reimplement it.
type controlClient struct {
	base  string
	token string
	http  *http.Client
}

// DROST_CONTROL_ADDR points a command at a non-default gateway, e.g. one
// reached over a tunnel.
func newControlClient(cfg *config.Config, addrOverride string) *controlClient {
	ctl := cfg.ControlSettings()
	addr := addrOverride
	if addr == "" {
		host := ctl.Host
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, strconv.Itoa(ctl.Port))
	}
	return &controlClient{
		base:  "http://" + addr,
		token: ctl.AdminToken,
		http:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *controlClient) wsURL() string {
	u := "ws" + c.base[len("http"):] + "/control/v1/ws"
	if c.token != "" {
		u += "?token=" + c.token
	}
	return u
}

func (c *controlClient) get(path string, out interface{}) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *controlClient) post(path string, body, out interface{}) error {
	return c.do(http.MethodPost, path, body, out)
}

func (c *controlClient) delete(path string, out interface{}) error {
	return c.do(http.MethodDelete, path, nil, out)
}

func (c *controlClient) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	// Failed control routes answer the uniform envelope; surface its code
	// and message instead of a bare status line.
	if resp.StatusCode >= http.StatusBadRequest {
		var envelope struct {
			Code    string `json:"code,omitempty"`
			Message string `json:"message,omitempty"`
		}
		if err := json.Unmarshal(data, &envelope); err == nil && envelope.Code != "" {
			return fmt.Errorf("%s: %s", envelope.Code, envelope.Message)
		}
		return fmt.Errorf("gateway answered %s", resp.Status)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
