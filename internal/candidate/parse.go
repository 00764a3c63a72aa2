package candidate

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Parse turns a single raw URI into a Candidate. It never errors loudly:
// any malformed input simply yields (nil, false), matching the "parser is
// total" invariant — every string either parses to a Candidate or is
// discarded.
func Parse(raw string) (*Candidate, bool) {
	scheme, _, ok := strings.Cut(raw, "://")
	if !ok {
		return nil, false
	}
	switch Scheme(strings.ToLower(scheme)) {
	case SchemeVmess:
		return parseVmess(raw)
	case SchemeVless:
		return parseVless(raw)
	case SchemeTrojan:
		return parseTrojan(raw)
	default:
		return nil, false
	}
}

// Key returns the stable SHA-1 fingerprint of a raw URI string.
func Key(raw string) string {
	sum := sha1.Sum([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func endpointKey(host string, port int) string {
	return strings.ToLower(host) + ":" + strconv.Itoa(port)
}

func validPort(port int) bool {
	return port >= 1 && port <= 65535
}

// transportFromQuery reads the shared transport/security fields out of a
// URL query string, matching spec.md's recognized option keys.
func transportFromQuery(q url.Values) TransportParams {
	get := func(names ...string) string {
		for _, name := range names {
			if v := q.Get(name); v != "" {
				return v
			}
		}
		return ""
	}
	network := strings.ToLower(get("type"))
	if network == "" {
		network = "tcp"
	}
	security := strings.ToLower(get("security"))
	if security == "" {
		security = "none"
	}
	return TransportParams{
		Network:     network,
		Security:    security,
		SNI:         get("sni"),
		HostHeader:  get("host"),
		Path:        get("path"),
		ServiceName: get("serviceName", "service_name"),
		Mode:        get("mode"),
		Fingerprint: get("fp"),
		ALPN:        get("alpn"),
		PublicKey:   get("pbk"),
		ShortID:     get("sid"),
		SpiderX:     get("spx", "spiderX"),
	}
}

func parseVless(raw string) (*Candidate, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	host := u.Hostname()
	if host == "" {
		return nil, false
	}
	portStr := u.Port()
	if portStr == "" {
		return nil, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || !validPort(port) {
		return nil, false
	}

	id, err := url.QueryUnescape(u.User.Username())
	if err != nil || id == "" {
		return nil, false
	}
	// Deliberately stricter than the reference parser, which only checks
	// id is non-empty: rejecting a malformed id here is a documented
	// narrowing (SPEC_FULL §4.1), not an oversight.
	if _, err := uuid.Parse(id); err != nil {
		return nil, false
	}

	q := u.Query()
	transport := transportFromQuery(q)
	encryption := q.Get("encryption")
	if encryption == "" {
		encryption = "none"
	}

	return &Candidate{
		Key:         Key(raw),
		Raw:         raw,
		Scheme:      SchemeVless,
		Host:        host,
		Port:        port,
		EndpointKey: endpointKey(host, port),
		Vless: &VlessParams{
			TransportParams: transport,
			ID:              id,
			Encryption:      encryption,
			Flow:            q.Get("flow"),
		},
	}, true
}

func parseTrojan(raw string) (*Candidate, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, false
	}
	host := u.Hostname()
	if host == "" {
		return nil, false
	}
	portStr := u.Port()
	if portStr == "" {
		return nil, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || !validPort(port) {
		return nil, false
	}

	password, err := url.QueryUnescape(u.User.Username())
	if err != nil || password == "" {
		return nil, false
	}

	transport := transportFromQuery(u.Query())

	return &Candidate{
		Key:         Key(raw),
		Raw:         raw,
		Scheme:      SchemeTrojan,
		Host:        host,
		Port:        port,
		EndpointKey: endpointKey(host, port),
		Trojan: &TrojanParams{
			TransportParams: transport,
			Password:        password,
		},
	}, true
}

// vmessPayload is the JSON object embedded (base64-url) in a vmess:// URI.
type vmessPayload struct {
	Add          string `json:"add"`
	Host         string `json:"host"`
	Port         any    `json:"port"`
	ID           string `json:"id"`
	Aid          any    `json:"aid"`
	Net          string `json:"net"`
	Type         string `json:"type"`
	TLS          string `json:"tls"`
	Security     string `json:"security"`
	SNI          string `json:"sni"`
	Path         string `json:"path"`
	ServiceName  string `json:"serviceName"`
	Mode         string `json:"mode"`
	Fp           string `json:"fp"`
	Pbk          string `json:"pbk"`
	Sid          string `json:"sid"`
	Spx          string `json:"spx"`
	SpiderX      string `json:"spiderX"`
	Alpn         string `json:"alpn"`
	Scy          string `json:"scy"`
}

func parseVmess(raw string) (*Candidate, bool) {
	payload := strings.TrimPrefix(raw, "vmess://")
	if idx := strings.IndexByte(payload, '#'); idx >= 0 {
		payload = payload[:idx]
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, false
	}

	decoded, ok := base64DecodePadded(payload)
	if !ok {
		return nil, false
	}

	var v vmessPayload
	if err := json.Unmarshal(decoded, &v); err != nil {
		return nil, false
	}

	host := v.Add
	if host == "" {
		host = v.Host
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return nil, false
	}

	id := strings.TrimSpace(v.ID)
	if id == "" {
		return nil, false
	}
	// Same deliberate narrowing as parseVless: the reference only requires
	// a non-empty id, this parser additionally requires a well-formed UUID.
	if _, err := uuid.Parse(id); err != nil {
		return nil, false
	}

	port, ok := toInt(v.Port)
	if !ok || !validPort(port) {
		return nil, false
	}
	aid, _ := toInt(v.Aid)

	network := strings.ToLower(v.Net)
	if network == "" {
		network = strings.ToLower(v.Type)
	}
	if network == "" {
		network = "tcp"
	}

	security := strings.ToLower(v.TLS)
	if security == "" {
		security = strings.ToLower(v.Security)
	}
	if security == "" {
		security = "none"
	}

	userSecurity := v.Scy
	if userSecurity == "" {
		userSecurity = "auto"
	}

	spiderX := v.Spx
	if spiderX == "" {
		spiderX = v.SpiderX
	}

	return &Candidate{
		Key:         Key(raw),
		Raw:         raw,
		Scheme:      SchemeVmess,
		Host:        host,
		Port:        port,
		EndpointKey: endpointKey(host, port),
		Vmess: &VmessParams{
			TransportParams: TransportParams{
				Network:     network,
				Security:    security,
				SNI:         v.SNI,
				HostHeader:  v.Host,
				Path:        v.Path,
				ServiceName: v.ServiceName,
				Mode:        v.Mode,
				Fingerprint: v.Fp,
				ALPN:        v.Alpn,
				PublicKey:   v.Pbk,
				ShortID:     v.Sid,
				SpiderX:     spiderX,
			},
			ID:           id,
			AlterID:      aid,
			UserSecurity: userSecurity,
		},
	}, true
}

// base64DecodePadded decodes a (possibly unpadded, possibly URL-safe)
// base64 blob, restoring '=' padding to a multiple of 4 as spec.md requires.
func base64DecodePadded(s string) ([]byte, bool) {
	if unescaped, err := url.QueryUnescape(s); err == nil {
		s = unescaped
	}
	switch len(s) % 4 {
	case 2:
		s += "=="
	case 3:
		s += "="
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, true
	}
	if b, err := base64.URLEncoding.DecodeString(s); err == nil {
		return b, true
	}
	if b, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return b, true
	}
	if b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "=")); err == nil {
		return b, true
	}
	return nil, false
}

// toInt coerces a JSON number-or-string field (vmess is notoriously loose
// about the type of "port"/"aid") into an int.
func toInt(v any) (int, bool) {
	switch x := v.(type) {
	case float64:
		return int(x), true
	case string:
		if x == "" {
			return 0, true
		}
		n, err := strconv.Atoi(x)
		return n, err == nil
	case nil:
		return 0, true
	default:
		return 0, false
	}
}
