// Package candidate holds the structured representation of a parsed proxy
// URI and the parser that produces it.
package candidate

import "fmt"

// Scheme is one of the three proxy schemes this validator understands.
type Scheme string

const (
	SchemeVless  Scheme = "vless"
	SchemeVmess  Scheme = "vmess"
	SchemeTrojan Scheme = "trojan"
)

// TransportParams carries the transport and security options shared by all
// three schemes. Fields are blank when not present in the source URI.
type TransportParams struct {
	Network     string // tcp, ws, grpc, xhttp, httpupgrade
	Security    string // none, tls, xtls, reality
	SNI         string
	HostHeader  string
	Path        string
	ServiceName string
	Mode        string
	Fingerprint string
	ALPN        string

	// REALITY extras.
	PublicKey string // pbk, required when Security == reality
	ShortID   string // sid
	SpiderX   string // spx
}

// VlessParams is the VLESS-specific credential and flow control data.
type VlessParams struct {
	TransportParams
	ID         string // UUID
	Encryption string // default "none"
	Flow       string
}

// VmessParams is the VMess-specific credential and cipher data.
type VmessParams struct {
	TransportParams
	ID           string // UUID
	AlterID      int
	UserSecurity string // inner cipher, default "auto"
}

// TrojanParams is the Trojan-specific credential data.
type TrojanParams struct {
	TransportParams
	Password string
}

// Candidate is the parsed, structured form of a single proxy URI.
type Candidate struct {
	Key         string // sha1 hex of Raw
	Raw         string
	Scheme      Scheme
	Host        string
	Port        int
	EndpointKey string // lower(host):port, used for dedup

	Vless  *VlessParams
	Vmess  *VmessParams
	Trojan *TrojanParams
}

// Transport returns the shared transport/security fields regardless of
// scheme. Panics if the Candidate has no variant set, which never happens
// for a Candidate returned by Parse.
func (c *Candidate) Transport() TransportParams {
	switch c.Scheme {
	case SchemeVless:
		return c.Vless.TransportParams
	case SchemeVmess:
		return c.Vmess.TransportParams
	case SchemeTrojan:
		return c.Trojan.TransportParams
	default:
		panic(fmt.Sprintf("candidate: unknown scheme %q", c.Scheme))
	}
}
