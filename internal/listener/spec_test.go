package listener

import "testing"

func TestParseSpecUnix(t *testing.T) {
	s, err := ParseSpec("unix:/tmp/conmgr.sock")
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if s.Kind != Unix || s.Path != "/tmp/conmgr.sock" {
		t.Fatalf("expected unix spec with path /tmp/conmgr.sock, got %+v", s)
	}
	if got := s.String(); got != "unix:/tmp/conmgr.sock" {
		t.Errorf("unexpected String(): %q", got)
	}
}

func TestParseSpecEmptyUnixPathRejected(t *testing.T) {
	if _, err := ParseSpec("unix:"); err == nil {
		t.Fatalf("expected error for empty unix path")
	}
}

func TestParseSpecHostPort(t *testing.T) {
	s, err := ParseSpec("127.0.0.1:8080")
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if s.Kind != Net || s.Host != "127.0.0.1" || s.Port != "8080" {
		t.Fatalf("expected net spec host=127.0.0.1 port=8080, got %+v", s)
	}
	if got := s.String(); got != "127.0.0.1:8080" {
		t.Errorf("unexpected String(): %q", got)
	}
}

func TestParseSpecWildcardHost(t *testing.T) {
	s, err := ParseSpec("*:9000")
	if err != nil {
		t.Fatalf("ParseSpec: %v", err)
	}
	if s.Host != "*" || s.Port != "9000" {
		t.Fatalf("expected wildcard host spec, got %+v", s)
	}
}

func TestParseSpecMalformedRejected(t *testing.T) {
	cases := []string{"", "noport", ":", "host:"}
	for _, c := range cases {
		if _, err := ParseSpec(c); err == nil {
			t.Errorf("expected ParseSpec(%q) to fail", c)
		}
	}
}

func TestDedupKeysDistinguishFamilyAndAddress(t *testing.T) {
	a := UnixKey("/tmp/a.sock")
	b := UnixKey("/tmp/b.sock")
	if a == b {
		t.Fatalf("distinct unix paths must not collide")
	}
	if a != UnixKey("/tmp/a.sock") {
		t.Fatalf("identical unix paths must produce identical keys")
	}
}

func TestDedupKeysInet4VsInet6(t *testing.T) {
	v4 := InetKey(mustParseIP(t, "127.0.0.1"), 8080, "")
	v6 := InetKey(mustParseIP(t, "::1"), 8080, "")
	if v4 == v6 {
		t.Fatalf("AF_INET and AF_INET6 keys must not collide even with matching port")
	}
}

func TestDedupKeysInet6ZoneDistinguishes(t *testing.T) {
	noZone := InetKey(mustParseIP(t, "fe80::1"), 22, "")
	zoned := InetKey(mustParseIP(t, "fe80::1"), 22, "eth0")
	if noZone == zoned {
		t.Fatalf("IPv6 scope id must be part of the dedup key")
	}
}
