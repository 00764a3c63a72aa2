package candidate

import "testing"

func TestParseVmess(t *testing.T) {
	raw := "vmess://eyJhZGQiOiIxLjIuMy40IiwicG9ydCI6IjQ0MyIsImlkIjoiMTExMTExMTEtMjIyMi0zMzMzLTQ0NDQtNTU1NTU1NTU1NTU1IiwibmV0IjoidGNwIn0="
	c, ok := Parse(raw)
	if !ok {
		t.Fatalf("expected successful parse")
	}
	if c.Scheme != SchemeVmess || c.Host != "1.2.3.4" || c.Port != 443 {
		t.Fatalf("unexpected candidate: %+v", c)
	}
	if c.Vmess.ID != "11111111-2222-3333-4444-555555555555" {
		t.Fatalf("unexpected id: %s", c.Vmess.ID)
	}
	if c.Vmess.Network != "tcp" {
		t.Fatalf("unexpected network: %s", c.Vmess.Network)
	}
}

func TestParseTrojan(t *testing.T) {
	raw := "trojan://pw@srv.example.com:8443?security=tls&sni=example.com&type=ws&path=/p&host=h.example.com"
	c, ok := Parse(raw)
	if !ok {
		t.Fatalf("expected successful parse")
	}
	if c.Scheme != SchemeTrojan || c.Host != "srv.example.com" || c.Port != 8443 {
		t.Fatalf("unexpected candidate: %+v", c)
	}
	tr := c.Transport()
	if tr.Network != "ws" || tr.Security != "tls" || tr.SNI != "example.com" {
		t.Fatalf("unexpected transport: %+v", tr)
	}
	if tr.Path != "/p" || tr.HostHeader != "h.example.com" {
		t.Fatalf("unexpected transport: %+v", tr)
	}
	if c.Trojan.Password != "pw" {
		t.Fatalf("unexpected password: %s", c.Trojan.Password)
	}
}

func TestParseRejectsUnsupportedScheme(t *testing.T) {
	for _, raw := range []string{
		"ss://YWVzLTI1Ni1nY206cGFzcw==@1.2.3.4:8388#name",
		"ssr://garbage",
		"tuic://garbage",
		"hysteria2://garbage",
		"not-a-uri-at-all",
		"",
	} {
		if c, ok := Parse(raw); ok {
			t.Fatalf("expected nil for %q, got %+v", raw, c)
		}
	}
}

func TestParseRejectsMissingCredential(t *testing.T) {
	if _, ok := Parse("trojan://@srv.example.com:443"); ok {
		t.Fatalf("expected rejection of empty password")
	}
	if _, ok := Parse("vless://@srv.example.com:443"); ok {
		t.Fatalf("expected rejection of empty id")
	}
}

func TestParseRejectsBadPort(t *testing.T) {
	if _, ok := Parse("trojan://pw@srv.example.com:0"); ok {
		t.Fatalf("expected rejection of port 0")
	}
	if _, ok := Parse("trojan://pw@srv.example.com:70000"); ok {
		t.Fatalf("expected rejection of out-of-range port")
	}
}

func TestParseIsTotal(t *testing.T) {
	inputs := []string{
		"", "://", "vmess://", "vmess://not-base64!!!",
		"vless://", "trojan://", "vless://nouuid@host:443",
		string([]byte{0xff, 0xfe, 0x00}),
	}
	for _, in := range inputs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Parse panicked on %q: %v", in, r)
				}
			}()
			Parse(in)
		}()
	}
}

func TestKeyStability(t *testing.T) {
	raw := "trojan://pw@srv.example.com:443"
	if Key(raw) != Key(raw) {
		t.Fatalf("key must be stable across calls")
	}
	c1, _ := Parse(raw)
	c2, _ := Parse(raw)
	if c1.Key != c2.Key {
		t.Fatalf("candidate key must be stable across parses")
	}
}
