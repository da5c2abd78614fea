// Package portattr produces point-in-time snapshots of the serial
// ports present on the host, each described by an open-ended attribute
// mapping (§3, §4.1 of the design).
package portattr

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"go.bug.st/serial/enumerator"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/okserial/serial/errs"
)

// well-known attribute keys. The set is open-ended; these are the
// ones populated by the live enumerator and commonly matched against.
const (
	KeyDevice       = "device"
	KeyName         = "name"
	KeyDescription  = "description"
	KeyHWID         = "hwid"
	KeyVID          = "vid"
	KeyPID          = "pid"
	KeyVIDPID       = "vid_pid"
	KeySerialNumber = "serial_number"
	KeyManufacturer = "manufacturer"
	KeyProduct      = "product"
	KeyInterface    = "interface"
	KeySubsystem        = "subsystem"
	KeyLocation         = "location"
	KeyDevicePath       = "device_path"
	KeyUSBDevicePath    = "usb_device_path"
	KeyUSBInterfacePath = "usb_interface_path"
)

// WellKnownKeys lists the attribute names the design document (§3)
// documents as commonly populated, used to resolve ambiguous
// attribute-prefix scopes at match-expression compile time.
func WellKnownKeys() []string {
	return []string{
		KeyDevice, KeyName, KeyDescription, KeyHWID, KeyVID, KeyPID, KeyVIDPID,
		KeySerialNumber, KeyLocation, KeyManufacturer, KeyProduct, KeyInterface,
		KeySubsystem, KeyDevicePath, KeyUSBDevicePath, KeyUSBInterfacePath,
	}
}

var lowerCaser = cases.Lower(language.Und)

// PortAttributes is an immutable, case-insensitive-on-lookup mapping
// from attribute name to value. Keys are normalized to lowercase at
// construction (§9: resolves the Windows-casing open question at the
// boundary, rather than per lookup).
type PortAttributes struct {
	m map[string]string
}

// New builds a PortAttributes from an arbitrary string map, lowercasing
// keys. The result is immutable: callers cannot mutate it afterward.
func New(raw map[string]string) PortAttributes {
	m := make(map[string]string, len(raw))
	for k, v := range raw {
		m[lowerCaser.String(k)] = v
	}
	return PortAttributes{m: m}
}

// Get returns the value for key (case-insensitive) and whether it was present.
func (a PortAttributes) Get(key string) (string, bool) {
	v, ok := a.m[lowerCaser.String(key)]
	return v, ok
}

// Device returns the well-known "device" attribute, e.g. /dev/ttyUSB0.
func (a PortAttributes) Device() string {
	v, _ := a.Get(KeyDevice)
	return v
}

// Keys returns the sorted set of attribute names present.
func (a PortAttributes) Keys() []string {
	out := make([]string, 0, len(a.m))
	for k := range a.m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// All returns a defensive copy of the underlying attribute map.
func (a PortAttributes) All() map[string]string {
	out := make(map[string]string, len(a.m))
	for k, v := range a.m {
		out[k] = v
	}
	return out
}

// Enumerator produces snapshots of present ports. The live path
// delegates to the host's serial enumeration facility; the override
// path substitutes a fixed list for testing (§6, §9).
type Enumerator struct {
	override []PortAttributes
	useLive  bool
	group    singleflight.Group
}

// ScanOverrideEnv names the environment variable that, when set, names
// a JSON file of {"device": {"attr": "value", ...}, ...} used in place
// of live enumeration. Read once, at construction (§9).
const ScanOverrideEnv = "OK_SERIAL_SCAN_OVERRIDE"

// NewEnumerator builds an Enumerator, capturing OK_SERIAL_SCAN_OVERRIDE
// (if set) into a fixed snapshot rather than re-reading it per call.
func NewEnumerator() (*Enumerator, error) {
	path := os.Getenv(ScanOverrideEnv)
	if path == "" {
		return &Enumerator{useLive: true}, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.IO(fmt.Sprintf("reading %s override %q", ScanOverrideEnv, path), err)
	}

	var decoded map[string]map[string]string
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, errs.IO(fmt.Sprintf("parsing %s override %q", ScanOverrideEnv, path), err)
	}

	ports := make([]PortAttributes, 0, len(decoded))
	for device, attr := range decoded {
		merged := make(map[string]string, len(attr)+1)
		for k, v := range attr {
			merged[k] = v
		}
		merged[KeyDevice] = device
		ports = append(ports, New(merged))
	}
	sortByDevice(ports)

	return &Enumerator{override: ports}, nil
}

// NewFixedEnumerator builds an Enumerator that always returns the given
// fixed snapshot, bypassing live enumeration and the environment
// variable entirely. Intended for unit tests.
func NewFixedEnumerator(ports []PortAttributes) *Enumerator {
	cp := make([]PortAttributes, len(ports))
	copy(cp, ports)
	sortByDevice(cp)
	return &Enumerator{override: cp}
}

// Enumerate returns a point-in-time snapshot of present ports. No
// ordering is guaranteed beyond stability within one call; results are
// returned sorted by device for determinism.
func (e *Enumerator) Enumerate(ctx context.Context) ([]PortAttributes, error) {
	if !e.useLive {
		out := make([]PortAttributes, len(e.override))
		copy(out, e.override)
		return out, nil
	}

	// Concurrent callers (the CLI's list command racing a tracker's
	// retry loop, say) collapse onto one underlying scan.
	v, err, _ := e.group.Do("scan", func() (any, error) {
		details, err := enumerator.GetDetailedPortsList()
		if err != nil {
			return nil, errs.IO("enumerating serial ports", err)
		}

		out := make([]PortAttributes, 0, len(details))
		for _, d := range details {
			raw := map[string]string{
				KeyDevice: d.Name,
				KeyName:   d.Name,
			}
			if d.IsUSB {
				raw[KeyVID] = d.VID
				raw[KeyPID] = d.PID
				if d.VID != "" && d.PID != "" {
					raw[KeyVIDPID] = fmt.Sprintf("%s:%s", strings.ToLower(d.VID), strings.ToLower(d.PID))
				}
				if d.SerialNumber != "" {
					raw[KeySerialNumber] = d.SerialNumber
				}
				if d.Product != "" {
					raw[KeyProduct] = d.Product
					raw[KeyDescription] = d.Product
				}
			}
			out = append(out, New(raw))
		}
		sortByDevice(out)
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]PortAttributes), nil
}

func sortByDevice(ports []PortAttributes) {
	sort.Slice(ports, func(i, j int) bool { return ports[i].Device() < ports[j].Device() })
}
