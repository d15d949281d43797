package policy

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// configDocument mirrors the TOML document shape in spec.md §6:
//
//	[network]
//	allow = true | false | [ "<target>", ... ]
//	[file]
//	deny        = [ "<path>", ... ]
//	deny_read   = [ "<path>", ... ]
//	deny_write  = [ "<path>", ... ]
//
// `allow` is parsed generically because TOML distinguishes a bool from an
// array at decode time; go-toml/v2 happily decodes either shape into `any`.
type configDocument struct {
	Network struct {
		Allow any `toml:"allow"`
	} `toml:"network"`
	File struct {
		Deny      []string `toml:"deny"`
		DenyRead  []string `toml:"deny_read"`
		DenyWrite []string `toml:"deny_write"`
	} `toml:"file"`
}

// ConfigInputs is the subset of Inputs (see loader.go) a config file can
// populate; LoadConfigFile fills it directly so Merge can treat CLI and
// config inputs uniformly.
type ConfigInputs struct {
	AllowNetworkAll bool
	AllowNetwork    []string
	DenyFile        []string
	DenyFileRead    []string
	DenyFileWrite   []string
}

// LoadConfigFile reads and decodes the TOML config document at path
// (spec.md §4.1, §6). A missing path is the caller's concern (loader.go
// only calls this when --config/config was actually given).
func LoadConfigFile(path string) (ConfigInputs, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ConfigInputs{}, invalid("cannot read config file %q: %v", path, err)
	}

	var doc configDocument
	if err := toml.Unmarshal(data, &doc); err != nil {
		return ConfigInputs{}, invalid("cannot parse config file %q: %v", path, err)
	}

	var in ConfigInputs
	switch allow := doc.Network.Allow.(type) {
	case nil:
		// omitted ⇒ empty allow-list (spec.md §6)
	case bool:
		in.AllowNetworkAll = allow
	case []any:
		for _, v := range allow {
			s, ok := v.(string)
			if !ok {
				return ConfigInputs{}, invalid("network.allow entries must be strings, got %T", v)
			}
			in.AllowNetwork = append(in.AllowNetwork, s)
		}
	default:
		return ConfigInputs{}, invalid("network.allow must be a boolean or a list of strings, got %T", allow)
	}

	in.DenyFile = doc.File.Deny
	in.DenyFileRead = doc.File.DenyRead
	in.DenyFileWrite = doc.File.DenyWrite
	return in, nil
}

// MarshalConfigFile renders a Policy back into the TOML document shape,
// used by the round-trip invariant in spec.md §8.8.
func MarshalConfigFile(p Policy) ([]byte, error) {
	var doc configDocument
	switch p.Network.Kind {
	case NetworkAllowAll:
		doc.Network.Allow = true
	default:
		targets := make([]any, 0, len(p.Network.IPv4)+len(p.Network.CIDRs)+len(p.Network.Domains))
		for _, ip := range p.Network.IPv4 {
			targets = append(targets, ip.String())
		}
		for _, c := range p.Network.CIDRs {
			targets = append(targets, c.String())
		}
		for _, d := range p.Network.Domains {
			targets = append(targets, d)
		}
		doc.Network.Allow = targets
	}

	for _, r := range p.File.Rules {
		switch r.Mode {
		case ModeRead:
			doc.File.DenyRead = append(doc.File.DenyRead, r.Path)
		case ModeWrite:
			doc.File.DenyWrite = append(doc.File.DenyWrite, r.Path)
		case ModeReadWrite:
			doc.File.Deny = append(doc.File.Deny, r.Path)
		}
	}

	out, err := toml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
