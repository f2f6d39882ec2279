// Package cloudinit renders NoCloud seed data (meta-data, user-data,
// vendor-data and network-config) and packs it into a "cidata" ISO.
package cloudinit

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	cloudConfigHeader = "#cloud-config\n"

	// CloudName is reported to the guest in meta-data.
	CloudName = "spinvm"

	// instanceIDTweak is appended to the instance id so cloud-init re-runs
	// its per-instance modules after a network change.
	instanceIDTweak = "_e"
)

// quoted is a string that is always emitted double-quoted. cloud-init reads
// YAML 1.1, where unquoted MAC addresses parse as sexagesimal integers.
type quoted string

func (q quoted) MarshalYAML() (any, error) {
	return &yaml.Node{Kind: yaml.ScalarNode, Style: yaml.DoubleQuotedStyle, Value: string(q)}, nil
}

// MetaData is the meta-data document.
type MetaData struct {
	InstanceID    string `yaml:"instance-id"`
	LocalHostname string `yaml:"local-hostname"`
	CloudName     string `yaml:"cloud-name"`
}

// NewMetaData returns meta-data for a fresh instance.
func NewMetaData(hostname string) MetaData {
	return MetaData{
		InstanceID:    hostname,
		LocalHostname: hostname,
		CloudName:     CloudName,
	}
}

// Renamed returns meta-data for a copy of the instance called hostname. The
// instance id keeps any suffix that followed the old hostname.
func (m MetaData) Renamed(hostname string) MetaData {
	id := hostname
	if strings.HasPrefix(m.InstanceID, m.LocalHostname) {
		id = hostname + strings.TrimPrefix(m.InstanceID, m.LocalHostname)
	}
	return MetaData{InstanceID: id, LocalHostname: hostname, CloudName: CloudName}
}

// WithInstanceID returns a copy with the instance id replaced. An empty id
// tweaks the current one instead.
func (m MetaData) WithInstanceID(id string) MetaData {
	if id == "" {
		id = m.InstanceID + instanceIDTweak
	}
	m.InstanceID = id
	return m
}

// Interface is a guest NIC described to cloud-init.
type Interface struct {
	MACAddress string
	// AutoMode interfaces are configured by cloud-init; others are left alone.
	AutoMode bool
}

type dhcpOverrides struct {
	RouteMetric int `yaml:"route-metric"`
}

type ethernetMatch struct {
	MACAddress quoted `yaml:"macaddress"`
}

type ethernet struct {
	Match          ethernetMatch  `yaml:"match"`
	DHCP4          bool           `yaml:"dhcp4"`
	DHCPIdentifier string         `yaml:"dhcp-identifier"`
	DHCP4Overrides *dhcpOverrides `yaml:"dhcp4-overrides,omitempty"`
	Optional       bool           `yaml:"optional,omitempty"`
	SetName        string         `yaml:"set-name"`
}

// NetworkConfig is a netplan v2 network-config document.
type NetworkConfig struct {
	Version   int                 `yaml:"version"`
	Ethernets map[string]ethernet `yaml:"ethernets"`
}

// extraRouteMetric keeps the default route on the first interface.
const extraRouteMetric = 200

// NewNetworkConfig describes the default NIC as eth0 and every auto-mode
// extra NIC as eth1, eth2, ... in order. It returns nil when there are no
// auto-mode extras, in which case no network-config file is written.
func NewNetworkConfig(defaultMAC string, extra []Interface) *NetworkConfig {
	cfg := &NetworkConfig{
		Version: 2,
		Ethernets: map[string]ethernet{
			"eth0": {
				Match:          ethernetMatch{MACAddress: quoted(defaultMAC)},
				DHCP4:          true,
				DHCPIdentifier: "mac",
				SetName:        "eth0",
			},
		},
	}

	idx := 1
	for _, iface := range extra {
		if !iface.AutoMode {
			continue
		}
		name := fmt.Sprintf("eth%d", idx)
		cfg.Ethernets[name] = ethernet{
			Match:          ethernetMatch{MACAddress: quoted(iface.MACAddress)},
			DHCP4:          true,
			DHCPIdentifier: "mac",
			DHCP4Overrides: &dhcpOverrides{RouteMetric: extraRouteMetric},
			Optional:       true,
			SetName:        name,
		}
		idx++
	}

	if idx == 1 {
		return nil
	}
	return cfg
}

// UserDataOptions feeds BuildUserData.
type UserDataOptions struct {
	// Base is user supplied cloud-config, with or without the header.
	Base string
	// Username is the default user that receives the authorized keys.
	Username string
	// AuthorizedKeys are authorized_keys lines.
	AuthorizedKeys []string
	// Timezone is optional.
	Timezone string
}

// BuildUserData merges the daemon's requirements into the user's
// cloud-config. Keys from the user win, except that authorized keys are
// appended to theirs.
func BuildUserData(opts UserDataOptions) ([]byte, error) {
	doc := map[string]any{}
	if strings.TrimSpace(opts.Base) != "" {
		if err := yaml.Unmarshal([]byte(opts.Base), &doc); err != nil {
			return nil, fmt.Errorf("parse user cloud-config: %w", err)
		}
		if doc == nil {
			doc = map[string]any{}
		}
	}

	keys := []any{}
	if existing, ok := doc["ssh_authorized_keys"].([]any); ok {
		keys = append(keys, existing...)
	}
	for _, k := range opts.AuthorizedKeys {
		keys = append(keys, k)
	}
	if len(keys) > 0 {
		doc["ssh_authorized_keys"] = keys
	}

	if _, ok := doc["system_info"]; !ok && opts.Username != "" {
		doc["system_info"] = map[string]any{
			"default_user": map[string]any{"name": opts.Username},
		}
	}
	if _, ok := doc["timezone"]; !ok && opts.Timezone != "" {
		doc["timezone"] = opts.Timezone
	}

	return emitCloudConfig(doc)
}

func emitCloudConfig(v any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(cloudConfigHeader)
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("emit cloud-config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("emit cloud-config: %w", err)
	}
	return buf.Bytes(), nil
}

func emitYAML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
