package commands

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/uesteibar/ralphd/internal/config"
)

// AddConfigFlag adds the --config flag to a FlagSet.
func AddConfigFlag(fs *flag.FlagSet) *string {
	return fs.String("config", "", "Path to config YAML (default: discover .ralph/ralphd.yaml)")
}

// AddAddrFlag adds the --addr flag. It points a client command at a daemon
// without needing a config file.
func AddAddrFlag(fs *flag.FlagSet) *string {
	return fs.String("addr", "", "Daemon address (default from config)")
}

// ResolveConfig loads the config from the explicit flag value or by
// discovery from the working directory.
func ResolveConfig(flagValue string) (*config.Config, error) {
	return config.Resolve(flagValue)
}

// resolveAddr picks the daemon address: --addr wins, otherwise the
// configured server address.
func resolveAddr(addrFlag, configFlag string) (string, error) {
	if addrFlag != "" {
		return addrFlag, nil
	}
	cfg, err := ResolveConfig(configFlag)
	if err != nil {
		return "", err
	}
	return cfg.Addr(), nil
}

// client is a thin JSON client over the daemon's RPC surface.
type client struct {
	base string
	http *http.Client
}

func newClient(addr string) *client {
	return &client{
		base: "http://" + addr,
		// Merge processing can take a while; everything else is fast.
		http: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (c *client) get(path string, out any) error {
	resp, err := c.http.Get(c.base + path)
	if err != nil {
		return fmt.Errorf("contacting daemon at %s: %w", c.base, err)
	}
	return decodeResponse(resp, out)
}

func (c *client) post(path string, body, out any) error {
	if body == nil {
		body = struct{}{}
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	resp, err := c.http.Post(c.base+path, "application/json", &buf)
	if err != nil {
		return fmt.Errorf("contacting daemon at %s: %w", c.base, err)
	}
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
