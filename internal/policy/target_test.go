package policy

import "testing"

func TestParseTargetIPv4(t *testing.T) {
	target, err := ParseTarget("93.184.216.34")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if target.Kind != TargetIPv4 {
		t.Fatalf("Kind = %v, want TargetIPv4", target.Kind)
	}
	if target.IPv4.String() != "93.184.216.34" {
		t.Fatalf("IPv4 = %v", target.IPv4)
	}
}

func TestParseTargetIPv4WithPort(t *testing.T) {
	target, err := ParseTarget("93.184.216.34:443")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if target.Kind != TargetIPv4 || target.Port != 443 {
		t.Fatalf("got %+v", target)
	}
}

func TestParseTargetCIDR(t *testing.T) {
	cases := []struct {
		in      string
		wantErr bool
	}{
		{"23.192.228.0/24", false},
		{"23.192.228.0/32", false},
		{"23.192.228.0/23", true}, // too broad
		{"23.192.228.0/0", true},
	}
	for _, c := range cases {
		target, err := ParseTarget(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseTarget(%q): expected error, got %+v", c.in, target)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTarget(%q): %v", c.in, err)
			continue
		}
		if target.Kind != TargetCIDR {
			t.Errorf("ParseTarget(%q): Kind = %v, want TargetCIDR", c.in, target.Kind)
		}
	}
}

func TestParseTargetDomain(t *testing.T) {
	target, err := ParseTarget("Example.COM.")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if target.Kind != TargetDomain {
		t.Fatalf("Kind = %v, want TargetDomain", target.Kind)
	}
	if target.Domain != "example.com" {
		t.Fatalf("Domain = %q, want example.com", target.Domain)
	}
}

func TestParseTargetDomainWithPort(t *testing.T) {
	target, err := ParseTarget("example.com:8443")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if target.Kind != TargetDomain || target.Domain != "example.com" || target.Port != 8443 {
		t.Fatalf("got %+v", target)
	}
}

func TestParseTargetExactlyOneKind(t *testing.T) {
	inputs := []string{"1.2.3.4", "1.2.3.0/24", "example.com", "a.b.c.example.com:80"}
	for _, in := range inputs {
		target, err := ParseTarget(in)
		if err != nil {
			t.Fatalf("ParseTarget(%q): %v", in, err)
		}
		count := 0
		if target.Kind == TargetIPv4 {
			count++
		}
		if target.Kind == TargetCIDR {
			count++
		}
		if target.Kind == TargetDomain {
			count++
		}
		if count != 1 {
			t.Fatalf("ParseTarget(%q) produced %d kinds", in, count)
		}
	}
}

func TestCIDRAddrsBoundary(t *testing.T) {
	target, err := ParseTarget("10.0.0.0/24")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	addrs := target.CIDR.Addrs()
	if len(addrs) != 256 {
		t.Fatalf("len(addrs) = %d, want 256", len(addrs))
	}
	if addrs[0].String() != "10.0.0.0" || addrs[255].String() != "10.0.0.255" {
		t.Fatalf("unexpected boundary addrs: %v .. %v", addrs[0], addrs[255])
	}
}
