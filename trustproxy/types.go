// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package trustproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strconv"
)

// PeerRecord is one trusted peer device.
type PeerRecord struct {
	MachineID string `json:"machineId"`
	Address   string `json:"address"`
	HTTPSPort int    `json:"httpsPort"`

	// Groups lists the trust groups the peer was discovered through.
	Groups []string `json:"groups,omitempty"`
}

// Matches reports whether key names this peer by machine id or address.
func (p PeerRecord) Matches(key string) bool {
	return key != "" && (key == p.MachineID || key == p.Address)
}

// HostPort is the peer's HTTPS authority, e.g. "10.0.0.5:443".
func (p PeerRecord) HostPort() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.HTTPSPort))
}

// InGroup reports whether the peer belongs to the named trust group.
func (p PeerRecord) InGroup(name string) bool {
	return slices.Contains(p.Groups, name)
}

// Token is a trust token as minted by the local authority. Its fields are
// opaque to the proxy except for the attribution fields added by Attribute.
type Token map[string]any

// Token attribution fields.
const (
	TokenTargetUUID = "targetUUID"
	TokenTargetHost = "targetHost"
	TokenTargetPort = "targetPort"

	// tokenAddress is the authority's own key for the scoped address. It is
	// stripped before a token leaves the proxy.
	tokenAddress = "address"
)

// Attribute returns a copy of the token attributed to peer: the target
// fields are set and the authority's address field is removed. The
// receiver is not modified.
func (t Token) Attribute(peer PeerRecord) Token {
	attributed := maps.Clone(t)
	if attributed == nil {
		attributed = Token{}
	}
	delete(attributed, tokenAddress)
	attributed[TokenTargetUUID] = peer.MachineID
	attributed[TokenTargetHost] = peer.Address
	attributed[TokenTargetPort] = peer.HTTPSPort
	return attributed
}

// Field returns the string value of a token field, or "" when the field is
// absent or not a string.
func (t Token) Field(name string) string {
	value, _ := t[name].(string)
	return value
}

// ProxyRequest describes the operation a caller wants performed against a
// peer. It is the JSON body of a proxy POST.
type ProxyRequest struct {
	// Method defaults to GET.
	Method string `json:"method,omitempty"`

	// URI is the path and query to request on the peer, or an absolute URL
	// in pass-through mode.
	URI string `json:"uri"`

	// Headers replaces the inbound request's headers when non-empty.
	Headers map[string]string `json:"headers,omitempty"`

	// Body is sent verbatim: a JSON string is sent as its text, any other
	// JSON value as its encoding.
	Body json.RawMessage `json:"body,omitempty"`

	// GroupName restricts the target to members of this trust group.
	GroupName string `json:"groupName,omitempty"`
}

// payload returns the bytes to send upstream.
func (r ProxyRequest) payload() ([]byte, error) {
	if len(r.Body) == 0 || string(r.Body) == "null" {
		return nil, nil
	}
	if r.Body[0] == '"' {
		var text string
		if err := json.Unmarshal(r.Body, &text); err != nil {
			return nil, fmt.Errorf("decoding string body: %w", err)
		}
		return []byte(text), nil
	}
	return []byte(r.Body), nil
}

// OutboundRequest is a fully resolved request ready for a Transport.
type OutboundRequest struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte

	// Peer is the resolved target, nil for an unidentified pass-through.
	Peer *PeerRecord

	// Credential is the trust token to present to the peer, nil when the
	// request carries none.
	Credential Token
}

// OutboundResponse is the upstream's answer, relayed verbatim.
type OutboundResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport delivers outbound requests to peers. Implementations must treat
// a context deadline like any other transport failure.
type Transport interface {
	Send(ctx context.Context, request *OutboundRequest) (*OutboundResponse, error)
}

// CredentialBroker issues trust tokens for peer addresses.
type CredentialBroker interface {
	Token(ctx context.Context, address string) (Token, error)
}
