// Package config loads the controller's YAML configuration: per-vehicle-link
// params, per-MAC radio overrides, and the externally controlled knobs.
package config

import (
	"os"

	"github.com/groundctl/radiolink/internal/radio"
	"github.com/groundctl/radiolink/internal/topology"
	"gopkg.in/yaml.v3"
)

// VehicleLink is the on-disk shape of one vehicle link's configuration.
type VehicleLink struct {
	LocalID               int    `yaml:"local_id"`
	VehicleRadioLinkID    int    `yaml:"vehicle_radio_link_id"`
	InterfaceMACs         []string `yaml:"interfaces"`
	Disabled              bool   `yaml:"disabled"`
	CanTX                 bool   `yaml:"can_tx"`
	UsedForRelay          bool   `yaml:"used_for_relay"`
	HighCapacity          bool   `yaml:"high_capacity"`
	LinkDatarateVideoBps  int32  `yaml:"link_datarate_video_bps"`
	UplinkDatarateDataBps int32  `yaml:"uplink_datarate_data_bps"`
	UplinkDatarateMode    string `yaml:"uplink_datarate_mode"` // FIXED | SAME_AS_ADAPTIVE_VIDEO | LOWEST
	RadioFlags            uint32 `yaml:"radio_flags"`
	SikPacketSize         int    `yaml:"sik_packet_size"`
}

// InterfaceOverride is the on-disk shape of one MAC's operator override.
type InterfaceOverride struct {
	MAC                 string `yaml:"mac"`
	Disabled            bool   `yaml:"disabled"`
	CanTX               bool   `yaml:"can_tx"`
	CanRX               bool   `yaml:"can_rx"`
	CanUseForData       bool   `yaml:"can_use_for_data"`
	PreferredTXRank     int    `yaml:"preferred_tx_rank"`
	DatarateOverrideBps int32  `yaml:"datarate_override_bps"`
}

// SikPortConfig is the on-disk shape of one serial port's driver config.
type SikPortConfig struct {
	InterfaceMAC     string `yaml:"interface_mac"`
	Device           string `yaml:"device"`
	BaudRate         int    `yaml:"baud_rate"`
	PacketSize       int    `yaml:"packet_size"`
	AirBaudrateBytes uint32 `yaml:"air_baudrate_bytes"`
	ResetGPIOChip    string `yaml:"reset_gpio_chip"`
	ResetGPIOLine    int    `yaml:"reset_gpio_line"`
}

// HamRigConfig is the on-disk shape of the optional CAT-rig fallback link.
type HamRigConfig struct {
	Enabled      bool   `yaml:"enabled"`
	InterfaceMAC string `yaml:"interface_mac"`
	ModelID      int    `yaml:"model_id"`
	Device       string `yaml:"device"`
	TNCAddr      string `yaml:"tnc_addr"`
}

// Config is the whole controller configuration file.
type Config struct {
	VehicleLinks []VehicleLink       `yaml:"vehicle_links"`
	Overrides    []InterfaceOverride `yaml:"overrides"`
	SikPorts     []SikPortConfig     `yaml:"sik_ports"`
	HamRig       HamRigConfig        `yaml:"ham_rig"`

	SerialMaxTxLoadPercent float64 `yaml:"serial_max_tx_load_percent"`
	DatarateLowestBps      int32   `yaml:"datarate_lowest_bps"`
	AckEveryN              int     `yaml:"ack_every_n"`

	AlarmCentralFallbackAddr string `yaml:"alarm_central_fallback_addr"`
	UploadArchiveDir         string `yaml:"upload_archive_dir"`
	UploadMarkerDir          string `yaml:"upload_marker_dir"`

	// TimestampFormat is an optional strftime pattern (see
	// internal/logctx.NewTimestampFormatter) the operator can set to have
	// the control socket's probe line and upload-engine log lines stamped
	// in a format other than RFC3339.
	// Empty means RFC3339.
	TimestampFormat string `yaml:"timestamp_format"`
}

// Load reads and parses a YAML configuration file from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyKnobs pushes the global externally-controlled knobs from cfg onto
// the package-level variables the datarate planner and serial pacer read,
// leaving defaults in place for anything left at zero.
func (c *Config) ApplyKnobs(applyDatarateLowest func(int32), applySerialMaxLoad func(float64)) {
	if c.DatarateLowestBps != 0 {
		applyDatarateLowest(c.DatarateLowestBps)
	}
	if c.SerialMaxTxLoadPercent != 0 {
		applySerialMaxLoad(c.SerialMaxTxLoadPercent)
	}
}

// datarateModeFromString maps the YAML enum name onto topology.DatarateMode.
func datarateModeFromString(s string) topology.DatarateMode {
	switch s {
	case "SAME_AS_ADAPTIVE_VIDEO":
		return topology.DatarateSameAsAdaptiveVideo
	case "LOWEST":
		return topology.DatarateLowest
	default:
		return topology.DatarateFixed
	}
}

// BuildTopology converts the configured vehicle links into a topology.Topology.
func (c *Config) BuildTopology(ifaceIndexFor func(mac string) (int, bool)) *topology.Topology {
	t := topology.New()
	for _, vl := range c.VehicleLinks {
		var caps topology.VehicleCapability
		if vl.Disabled {
			caps |= topology.VehicleDisabled
		}
		if vl.CanTX {
			caps |= topology.VehicleCanTX
		}
		if vl.UsedForRelay {
			caps |= topology.VehicleUsedForRelay
		}
		if vl.HighCapacity {
			caps |= topology.VehicleHighCapacity
		}

		indexes := make([]int, 0, len(vl.InterfaceMACs))
		for _, mac := range vl.InterfaceMACs {
			if idx, ok := ifaceIndexFor(mac); ok {
				indexes = append(indexes, idx)
			}
		}

		t.SetLink(topology.LocalLink{
			LocalID:            vl.LocalID,
			VehicleRadioLinkID: vl.VehicleRadioLinkID,
			InterfaceIndexes:   indexes,
			Vehicle: topology.VehicleLinkParams{
				Capability:            caps,
				LinkDatarateVideoBps:  vl.LinkDatarateVideoBps,
				UplinkDatarateDataBps: vl.UplinkDatarateDataBps,
				UplinkDatarateMode:    datarateModeFromString(vl.UplinkDatarateMode),
				RadioFlags:            vl.RadioFlags,
				SikPacketSize:         vl.SikPacketSize,
			},
		})
	}
	return t
}

// ApplyOverrides installs every configured per-MAC override into registry.
func (c *Config) ApplyOverrides(registry *radio.Registry) {
	for _, o := range c.Overrides {
		var flags radio.OverrideFlags
		if o.Disabled {
			flags |= radio.OverrideDisabled
		}
		if o.CanTX {
			flags |= radio.OverrideCanTX
		}
		if o.CanRX {
			flags |= radio.OverrideCanRX
		}
		if o.CanUseForData {
			flags |= radio.OverrideCanUseForData
		}
		registry.SetOverrides(o.MAC, radio.Overrides{
			Flags:               flags,
			PreferredTXRank:     o.PreferredTXRank,
			DatarateOverrideBps: o.DatarateOverrideBps,
		})
	}
}

// SikPorts converts the configured serial ports into the shape
// driver.NewSikDriver expects, keyed by the registry index ifaceIndexFor
// resolves each MAC to.
func (c *Config) SikPorts(ifaceIndexFor func(mac string) (int, bool)) map[int]SikPortSpec {
	out := make(map[int]SikPortSpec)
	for _, p := range c.SikPorts {
		idx, ok := ifaceIndexFor(p.InterfaceMAC)
		if !ok {
			continue
		}
		out[idx] = SikPortSpec{
			Device:           p.Device,
			BaudRate:         p.BaudRate,
			PacketSize:       p.PacketSize,
			AirBaudrateBytes: p.AirBaudrateBytes,
			ResetGPIOChip:    p.ResetGPIOChip,
			ResetGPIOLine:    p.ResetGPIOLine,
		}
	}
	return out
}

// SikPortSpec mirrors driver.SikPort without importing the driver package,
// avoiding a config->driver dependency edge; cmd/radiolinkd converts it.
type SikPortSpec struct {
	Device           string
	BaudRate         int
	PacketSize       int
	AirBaudrateBytes uint32
	ResetGPIOChip    string
	ResetGPIOLine    int
}

// AckEveryNOrDefault returns the configured confirmation frequency, or def
// if unset.
func (c *Config) AckEveryNOrDefault(def int) int {
	if c.AckEveryN <= 0 {
		return def
	}
	return c.AckEveryN
}
