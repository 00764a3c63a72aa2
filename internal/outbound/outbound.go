// Package outbound translates a candidate.Candidate into an xray-compatible
// outbound configuration document (spec.md C3). Field names are part of the
// external interface and must match spec.md §6 exactly.
package outbound

import (
	"fmt"
	"strings"

	"stablepool/internal/candidate"
)

var supportedNetworks = map[string]bool{
	"tcp": true, "ws": true, "grpc": true, "xhttp": true, "httpupgrade": true,
}

// Synthesize builds the nested outbound document for a Candidate, or
// refuses with a human-readable reason.
func Synthesize(c *candidate.Candidate) (map[string]any, string) {
	stream, reason := buildStreamSettings(c)
	if stream == nil {
		return nil, reason
	}

	switch c.Scheme {
	case candidate.SchemeVless:
		return buildVless(c, stream), ""
	case candidate.SchemeTrojan:
		return buildTrojan(c, stream), ""
	case candidate.SchemeVmess:
		return buildVmess(c, stream), ""
	default:
		return nil, fmt.Sprintf("unsupported scheme %q", c.Scheme)
	}
}

func buildStreamSettings(c *candidate.Candidate) (map[string]any, string) {
	t := c.Transport()
	network := strings.ToLower(t.Network)
	if network == "" {
		network = "tcp"
	}
	if !supportedNetworks[network] {
		return nil, fmt.Sprintf("unsupported network=%s", network)
	}

	stream := map[string]any{"network": network}

	security := strings.ToLower(t.Security)
	switch security {
	case "reality":
		if t.PublicKey == "" {
			return nil, "missing pbk for reality"
		}
		if t.SNI == "" {
			return nil, "missing sni for reality"
		}
		reality := map[string]any{
			"serverName": t.SNI,
			"publicKey":  t.PublicKey,
		}
		if t.Fingerprint != "" {
			reality["fingerprint"] = t.Fingerprint
		}
		if t.ShortID != "" {
			reality["shortId"] = t.ShortID
		}
		if t.SpiderX != "" {
			reality["spiderX"] = t.SpiderX
		}
		stream["security"] = "reality"
		stream["realitySettings"] = reality
	case "tls", "xtls":
		sni := t.SNI
		if sni == "" {
			sni = c.Host
		}
		tls := map[string]any{
			"serverName":     sni,
			"allowInsecure": false,
		}
		if t.Fingerprint != "" {
			tls["fingerprint"] = t.Fingerprint
		}
		if t.ALPN != "" {
			var alpn []string
			for _, part := range strings.Split(t.ALPN, ",") {
				if part != "" {
					alpn = append(alpn, part)
				}
			}
			if len(alpn) > 0 {
				tls["alpn"] = alpn
			}
		}
		stream["security"] = "tls"
		stream["tlsSettings"] = tls
	default:
		stream["security"] = "none"
	}

	switch network {
	case "ws":
		ws := map[string]any{"path": defaultStr(t.Path, "/")}
		if t.HostHeader != "" {
			ws["headers"] = map[string]string{"Host": t.HostHeader}
		}
		stream["wsSettings"] = ws
	case "grpc":
		grpc := map[string]any{}
		if t.ServiceName != "" {
			grpc["serviceName"] = t.ServiceName
		}
		if strings.EqualFold(t.Mode, "multi") {
			grpc["multiMode"] = true
		}
		stream["grpcSettings"] = grpc
	case "xhttp":
		xhttp := map[string]any{}
		if t.Path != "" {
			xhttp["path"] = t.Path
		}
		if t.HostHeader != "" {
			xhttp["host"] = t.HostHeader
		}
		stream["xhttpSettings"] = xhttp
	case "httpupgrade":
		httpUpgrade := map[string]any{"path": defaultStr(t.Path, "/")}
		if t.HostHeader != "" {
			httpUpgrade["host"] = t.HostHeader
		}
		stream["httpupgradeSettings"] = httpUpgrade
	}

	return stream, ""
}

func buildVless(c *candidate.Candidate, stream map[string]any) map[string]any {
	p := c.Vless
	enc := p.Encryption
	if enc == "" {
		enc = "none"
	}
	user := map[string]any{"id": p.ID, "encryption": enc}
	if p.Flow != "" {
		user["flow"] = p.Flow
	}
	return map[string]any{
		"protocol": "vless",
		"settings": map[string]any{
			"vnext": []any{
				map[string]any{
					"address": c.Host,
					"port":    c.Port,
					"users":   []any{user},
				},
			},
		},
		"streamSettings": stream,
	}
}

func buildTrojan(c *candidate.Candidate, stream map[string]any) map[string]any {
	return map[string]any{
		"protocol": "trojan",
		"settings": map[string]any{
			"servers": []any{
				map[string]any{
					"address":  c.Host,
					"port":     c.Port,
					"password": c.Trojan.Password,
				},
			},
		},
		"streamSettings": stream,
	}
}

func buildVmess(c *candidate.Candidate, stream map[string]any) map[string]any {
	p := c.Vmess
	security := p.UserSecurity
	if security == "" {
		security = "auto"
	}
	return map[string]any{
		"protocol": "vmess",
		"settings": map[string]any{
			"vnext": []any{
				map[string]any{
					"address": c.Host,
					"port":    c.Port,
					"users": []any{
						map[string]any{
							"id":       p.ID,
							"alterId":  p.AlterID,
							"security": security,
						},
					},
				},
			},
		},
		"streamSettings": stream,
	}
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Document assembles the full xray runtime config for a single validation
// attempt: one SOCKS5 inbound on socksPort, the synthesized outbound tagged
// "proxy", and a "direct" freedom outbound.
func Document(socksPort int, proxyOutbound map[string]any) map[string]any {
	proxy := make(map[string]any, len(proxyOutbound)+1)
	for k, v := range proxyOutbound {
		proxy[k] = v
	}
	proxy["tag"] = "proxy"

	return map[string]any{
		"log": map[string]any{"loglevel": "warning"},
		"inbounds": []any{
			map[string]any{
				"tag":      "socks-in",
				"listen":   "127.0.0.1",
				"port":     socksPort,
				"protocol": "socks",
				"settings": map[string]any{"udp": false},
			},
		},
		"outbounds": []any{
			proxy,
			map[string]any{"tag": "direct", "protocol": "freedom"},
		},
	}
}
