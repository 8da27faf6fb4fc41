package provision

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/screa/ip-hunter/pkg/types"
)

// Neutron reserves floating IPs from an external network
type Neutron struct {
	api       *apiClient
	networkID string
	namer     func() string
}

// Network is an entry from the Neutron network list
type Network struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Status   string `json:"status"`
	External bool   `json:"router:external"`
}

type floatingIPEnvelope struct {
	FloatingIP struct {
		ID                string `json:"id,omitempty"`
		FloatingIPAddress string `json:"floating_ip_address,omitempty"`
		FloatingNetworkID string `json:"floating_network_id,omitempty"`
		Description       string `json:"description,omitempty"`
	} `json:"floatingip"`
}

// NewNeutron creates a floating IP client for the given external network
func NewNeutron(opts Options, networkID string) *Neutron {
	return &Neutron{
		api:       newAPIClient(opts),
		networkID: networkID,
		namer:     opts.Namer,
	}
}

// Acquire reserves one floating IP
func (n *Neutron) Acquire(ctx context.Context) (*types.Resource, error) {
	var req floatingIPEnvelope
	req.FloatingIP.FloatingNetworkID = n.networkID
	if n.namer != nil {
		req.FloatingIP.Description = n.namer()
	}

	var resp floatingIPEnvelope
	if _, err := n.api.do(ctx, "create floating ip", http.MethodPost, "/floatingips", req, &resp); err != nil {
		return nil, err
	}

	fip := resp.FloatingIP
	if fip.ID == "" {
		return nil, &Error{Kind: KindTransient, Op: "create floating ip", Err: errors.New("response has no floating ip id")}
	}
	if fip.FloatingIPAddress == "" {
		// reserved but unusable, give it back
		return nil, discard(ctx, n, fip.ID, n.api.timeout, "create floating ip", fmt.Errorf("floating ip %s has no address", fip.ID))
	}

	return &types.Resource{
		ID:        fip.ID,
		Name:      req.FloatingIP.Description,
		Addresses: []string{fip.FloatingIPAddress},
	}, nil
}

// Release deletes a floating IP. An already deleted IP counts as released.
func (n *Neutron) Release(ctx context.Context, resourceID string) error {
	status, err := n.api.do(ctx, "delete floating ip", http.MethodDelete, "/floatingips/"+url.PathEscape(resourceID), nil, nil)
	if status == http.StatusNotFound {
		return nil
	}
	return err
}

// Networks lists the networks visible to the token, external ones only if externalOnly
func (n *Neutron) Networks(ctx context.Context, externalOnly bool) ([]Network, error) {
	path := "/networks"
	if externalOnly {
		path += "?router:external=true"
	}
	var resp struct {
		Networks []Network `json:"networks"`
	}
	if _, err := n.api.do(ctx, "list networks", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Networks, nil
}
