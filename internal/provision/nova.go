package provision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/screa/ip-hunter/pkg/backoff"
	"github.com/screa/ip-hunter/pkg/types"
)

// ServerSpec describes the virtual machine Nova creates on every attempt
type ServerSpec struct {
	FlavorRef      string            `yaml:"flavor_ref" toml:"flavor_ref"`
	ImageRef       string            `yaml:"image_ref" toml:"image_ref"`
	VolumeSize     int               `yaml:"volume_size" toml:"volume_size"`
	Networks       []string          `yaml:"networks" toml:"networks"`
	SecurityGroups []string          `yaml:"security_groups" toml:"security_groups"`
	KeyName        string            `yaml:"key_name" toml:"key_name"`
	Metadata       map[string]string `yaml:"metadata" toml:"metadata"`
}

// Nova creates servers and waits for them to become ACTIVE before reporting their addresses
type Nova struct {
	api           *apiClient
	spec          ServerSpec
	namer         func() string
	pollInterval  time.Duration
	activeTimeout time.Duration
	sleeper       backoff.Sleeper
}

// NovaOption tunes a Nova client
type NovaOption func(*Nova)

// WithPolling sets how often server status is checked and how long to wait for ACTIVE
func WithPolling(interval, activeTimeout time.Duration) NovaOption {
	return func(n *Nova) {
		if interval > 0 {
			n.pollInterval = interval
		}
		if activeTimeout > 0 {
			n.activeTimeout = activeTimeout
		}
	}
}

// WithSleeper replaces the timer used between status polls
func WithSleeper(s backoff.Sleeper) NovaOption {
	return func(n *Nova) { n.sleeper = s }
}

// NewNova creates a server client
func NewNova(opts Options, spec ServerSpec, options ...NovaOption) *Nova {
	n := &Nova{
		api:           newAPIClient(opts),
		spec:          spec,
		namer:         opts.Namer,
		pollInterval:  5 * time.Second,
		activeTimeout: 5 * time.Minute,
		sleeper:       backoff.TimerSleeper{},
	}
	for _, o := range options {
		o(n)
	}
	return n
}

type serverEnvelope struct {
	Server server `json:"server"`
}

type serverAddress struct {
	Addr    string `json:"addr"`
	Version int    `json:"version"`
}

type server struct {
	ID        string                     `json:"id"`
	Name      string                     `json:"name"`
	Status    string                     `json:"status"`
	Addresses map[string][]serverAddress `json:"addresses"`
}

func (n *Nova) createRequest(name string) map[string]any {
	s := map[string]any{
		"name":      name,
		"flavorRef": n.spec.FlavorRef,
	}
	if len(n.spec.Networks) > 0 {
		nets := make([]map[string]string, 0, len(n.spec.Networks))
		for _, id := range n.spec.Networks {
			nets = append(nets, map[string]string{"uuid": id})
		}
		s["networks"] = nets
	}
	if len(n.spec.SecurityGroups) > 0 {
		groups := make([]map[string]string, 0, len(n.spec.SecurityGroups))
		for _, g := range n.spec.SecurityGroups {
			groups = append(groups, map[string]string{"name": g})
		}
		s["security_groups"] = groups
	}
	if len(n.spec.Metadata) > 0 {
		s["metadata"] = n.spec.Metadata
	}
	if n.spec.KeyName != "" {
		s["key_name"] = n.spec.KeyName
	}
	if n.spec.VolumeSize > 0 {
		s["block_device_mapping_v2"] = []map[string]any{{
			"boot_index":            0,
			"source_type":           "image",
			"destination_type":      "volume",
			"uuid":                  n.spec.ImageRef,
			"volume_size":           n.spec.VolumeSize,
			"delete_on_termination": true,
		}}
	} else if n.spec.ImageRef != "" {
		s["imageRef"] = n.spec.ImageRef
	}
	return map[string]any{"server": s}
}

// Acquire creates a server and blocks until it is ACTIVE.
// Servers that fail or time out are deleted before the error is returned.
func (n *Nova) Acquire(ctx context.Context) (*types.Resource, error) {
	name := "hunt"
	if n.namer != nil {
		name = n.namer()
	}

	var created serverEnvelope
	if _, err := n.api.do(ctx, "create server", http.MethodPost, "/servers", n.createRequest(name), &created); err != nil {
		return nil, err
	}
	id := created.Server.ID
	if id == "" {
		return nil, &Error{Kind: KindTransient, Op: "create server", Err: errors.New("response has no server id")}
	}

	srv, err := n.waitActive(ctx, id)
	if err != nil {
		return nil, discard(ctx, n, id, n.api.timeout, "create server", err)
	}

	return &types.Resource{ID: id, Name: name, Addresses: srv.addressList()}, nil
}

func (n *Nova) waitActive(ctx context.Context, id string) (*server, error) {
	deadline := time.Now().Add(n.activeTimeout)
	for {
		var got serverEnvelope
		if _, err := n.api.do(ctx, "get server", http.MethodGet, "/servers/"+url.PathEscape(id), nil, &got); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if KindOf(err) == KindAuth {
				return nil, err
			}
			// a single failed poll is not fatal; the deadline bounds retries
		} else {
			switch got.Server.Status {
			case "ACTIVE":
				return &got.Server, nil
			case "ERROR":
				return nil, &Error{Kind: KindTransient, Op: "create server", Err: fmt.Errorf("server %s entered ERROR state", id)}
			}
		}

		if time.Now().After(deadline) {
			return nil, &Error{Kind: KindTransient, Op: "create server", Err: fmt.Errorf("server %s not ACTIVE after %s: %w", id, n.activeTimeout, context.DeadlineExceeded)}
		}
		if err := n.sleeper.Sleep(ctx, n.pollInterval); err != nil {
			return nil, err
		}
	}
}

// addressList flattens every network's addresses in a stable order
func (s *server) addressList() []string {
	nets := make([]string, 0, len(s.Addresses))
	for name := range s.Addresses {
		nets = append(nets, name)
	}
	sort.Strings(nets)

	var out []string
	for _, name := range nets {
		for _, a := range s.Addresses[name] {
			if a.Addr != "" {
				out = append(out, a.Addr)
			}
		}
	}
	return out
}

// Release deletes a server. An already deleted server counts as released.
func (n *Nova) Release(ctx context.Context, resourceID string) error {
	status, err := n.api.do(ctx, "delete server", http.MethodDelete, "/servers/"+url.PathEscape(resourceID), nil, nil)
	if status == http.StatusNotFound {
		return nil
	}
	return err
}
