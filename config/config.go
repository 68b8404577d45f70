// Package config loads per-bus and per-device options from an INI file,
// mirroring the teacher library's use of gopkg.in/ini.v1 for
// object-dictionary-style configuration, repurposed here since this
// system has no object dictionary.
package config

import (
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// BusOptions mirrors tcan.BusOptions for INI loading. Kept separate from
// the runtime package so config has no import-time dependency on it.
type BusOptions struct {
	Name                   string `ini:"-"`
	Interface              string `ini:"interface"`
	Channel                string `ini:"channel"`
	Asynchronous           bool   `ini:"asynchronous"`
	StartPassive           bool   `ini:"start_passive"`
	ActivateBusOnReception bool   `ini:"activate_on_reception"`
	MaxQueueSize           int    `ini:"max_queue_size"`
	SanityCheckIntervalMs  int    `ini:"sanity_check_interval_ms"`
}

// DeviceOptions mirrors the per-device tunables common to every device.
type DeviceOptions struct {
	Name                    string `ini:"-"`
	Bus                     string `ini:"bus"`
	NodeId                  uint8  `ini:"-"`
	MaxDeviceTimeoutCounter uint32 `ini:"max_device_timeout_counter"`
}

// CanOpenDeviceOptions extends DeviceOptions with the CANopen-specific
// SDO/heartbeat tunables.
type CanOpenDeviceOptions struct {
	DeviceOptions           `ini:",extends"`
	MaxSdoTimeoutCounter    uint32 `ini:"max_sdo_timeout_counter"`
	MaxSdoSentCounter       uint32 `ini:"max_sdo_sent_counter"`
	ProducerHeartBeatTimeMs uint32 `ini:"producer_heartbeat_time_ms"`
}

// Root is the parsed form of a fieldbusd configuration file: one
// BusOptions per [bus.*] section, one CanOpenDeviceOptions per
// [device.*] section.
type Root struct {
	Buses   []BusOptions
	Devices []CanOpenDeviceOptions
}

// Load parses the INI file at path into a Root.
func Load(path string) (*Root, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	root := &Root{}
	for _, section := range file.Sections() {
		name := section.Name()
		switch {
		case strings.HasPrefix(name, "bus."):
			var opts BusOptions
			if err := section.MapTo(&opts); err != nil {
				return nil, err
			}
			opts.Name = strings.TrimPrefix(name, "bus.")
			root.Buses = append(root.Buses, opts)
		case strings.HasPrefix(name, "device."):
			var opts CanOpenDeviceOptions
			if err := section.MapTo(&opts); err != nil {
				return nil, err
			}
			// ini.v1 does not map into uint8 fields, so node_id is parsed
			// here rather than through MapTo.
			if section.HasKey("node_id") {
				nodeId, err := strconv.ParseUint(section.Key("node_id").String(), 0, 8)
				if err != nil {
					return nil, err
				}
				opts.NodeId = uint8(nodeId)
			}
			opts.Name = strings.TrimPrefix(name, "device.")
			root.Devices = append(root.Devices, opts)
		}
	}
	return root, nil
}
