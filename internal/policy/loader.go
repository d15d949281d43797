package policy

// Inputs is the parsed argument record spec.md §4.1 describes: the
// recognized CLI options, plus an optional config file path. cmd/mori
// builds this from flag.FlagSet; it is the external CLI-parsing
// collaborator's output, not part of the core itself.
type Inputs struct {
	AllowNetworkAll bool
	AllowNetwork    []string
	DenyFile        []string
	DenyFileRead    []string
	DenyFileWrite   []string
	ConfigPath      string
	Command         []string
}

// Load merges CLI and (optional) config-file inputs into a validated
// Policy (spec.md §4.1). Command must be non-empty. Fails with
// InvalidError if command is empty or any path/target cannot be
// canonicalized.
func Load(in Inputs) (Policy, []string, error) {
	if len(in.Command) == 0 {
		return Policy{}, nil, invalid("command is empty")
	}

	merged := ConfigInputs{
		AllowNetworkAll: in.AllowNetworkAll,
		AllowNetwork:    append([]string(nil), in.AllowNetwork...),
		DenyFile:        append([]string(nil), in.DenyFile...),
		DenyFileRead:    append([]string(nil), in.DenyFileRead...),
		DenyFileWrite:   append([]string(nil), in.DenyFileWrite...),
	}

	if in.ConfigPath != "" {
		fromFile, err := LoadConfigFile(in.ConfigPath)
		if err != nil {
			return Policy{}, nil, err
		}
		// Merge rule: CLI and config inputs are unioned;
		// allow_network_all=true from either source dominates.
		merged.AllowNetworkAll = merged.AllowNetworkAll || fromFile.AllowNetworkAll
		merged.AllowNetwork = append(merged.AllowNetwork, fromFile.AllowNetwork...)
		merged.DenyFile = append(merged.DenyFile, fromFile.DenyFile...)
		merged.DenyFileRead = append(merged.DenyFileRead, fromFile.DenyFileRead...)
		merged.DenyFileWrite = append(merged.DenyFileWrite, fromFile.DenyFileWrite...)
	}

	policy, err := build(merged)
	if err != nil {
		return Policy{}, nil, err
	}
	return policy, in.Command, nil
}

func build(in ConfigInputs) (Policy, error) {
	var p Policy

	if in.AllowNetworkAll {
		p.Network.Kind = NetworkAllowAll
	} else {
		p.Network.Kind = NetworkAllowList
		for _, raw := range in.AllowNetwork {
			target, err := ParseTarget(raw)
			if err != nil {
				return Policy{}, err
			}
			switch target.Kind {
			case TargetIPv4:
				p.Network.IPv4 = append(p.Network.IPv4, target.IPv4)
			case TargetCIDR:
				p.Network.CIDRs = append(p.Network.CIDRs, target.CIDR)
			case TargetDomain:
				p.Network.Domains = append(p.Network.Domains, target.Domain)
			}
		}
	}
	canonicalizeNetwork(&p.Network)

	for _, path := range in.DenyFile {
		if err := p.File.addRule(path, ModeReadWrite); err != nil {
			return Policy{}, err
		}
	}
	for _, path := range in.DenyFileRead {
		if err := p.File.addRule(path, ModeRead); err != nil {
			return Policy{}, err
		}
	}
	for _, path := range in.DenyFileWrite {
		if err := p.File.addRule(path, ModeWrite); err != nil {
			return Policy{}, err
		}
	}
	p.File.sort()

	return p, nil
}
