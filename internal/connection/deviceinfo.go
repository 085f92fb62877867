package connection

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"strings"
)

// Standard GATT services and characteristics read after connecting.
const (
	GenericAccessService     = "1800"
	DeviceNameChar           = "2a00"
	AppearanceChar           = "2a01"
	DeviceInformationService = "180a"
	ManufacturerNameChar     = "2a29"
	ModelNumberChar          = "2a24"
	SerialNumberChar         = "2a25"
	HardwareRevisionChar     = "2a27"
	FirmwareRevisionChar     = "2a26"
	SoftwareRevisionChar     = "2a28"
)

// DeviceInfo is the best-effort device information readout. Fields whose
// read failed are left empty.
type DeviceInfo struct {
	Name             string `json:"name,omitempty"`
	Appearance       uint16 `json:"appearance,omitempty"`
	Manufacturer     string `json:"manufacturer,omitempty"`
	Model            string `json:"model,omitempty"`
	Serial           string `json:"serial,omitempty"`
	HardwareRevision string `json:"hardware_revision,omitempty"`
	FirmwareRevision string `json:"firmware_revision,omitempty"`
	SoftwareRevision string `json:"software_revision,omitempty"`
}

type infoField struct {
	label   string
	service string
	char    string
	set     func(*DeviceInfo, []byte)
}

var infoFields = []infoField{
	{"device name", GenericAccessService, DeviceNameChar, func(d *DeviceInfo, b []byte) { d.Name = decodeText(b) }},
	{"appearance", GenericAccessService, AppearanceChar, func(d *DeviceInfo, b []byte) { d.Appearance = decodeAppearance(b) }},
	{"manufacturer", DeviceInformationService, ManufacturerNameChar, func(d *DeviceInfo, b []byte) { d.Manufacturer = decodeText(b) }},
	{"model", DeviceInformationService, ModelNumberChar, func(d *DeviceInfo, b []byte) { d.Model = decodeText(b) }},
	{"serial", DeviceInformationService, SerialNumberChar, func(d *DeviceInfo, b []byte) { d.Serial = decodeText(b) }},
	{"hardware revision", DeviceInformationService, HardwareRevisionChar, func(d *DeviceInfo, b []byte) { d.HardwareRevision = decodeText(b) }},
	{"firmware revision", DeviceInformationService, FirmwareRevisionChar, func(d *DeviceInfo, b []byte) { d.FirmwareRevision = decodeText(b) }},
	{"software revision", DeviceInformationService, SoftwareRevisionChar, func(d *DeviceInfo, b []byte) { d.SoftwareRevision = decodeText(b) }},
}

// readDeviceInfo reads each information characteristic independently.
// A failed read is logged and skipped; the result is always usable.
func (m *Manager) readDeviceInfo(ctx context.Context, l *link) DeviceInfo {
	var info DeviceInfo
	for _, f := range infoFields {
		rctx, cancel := context.WithTimeout(ctx, m.opts.ReadTimeout)
		data, err := m.read(rctx, l, f.service, f.char)
		cancel()
		if err != nil {
			slog.Debug("[CONN] device info read skipped", "id", l.id, "field", f.label, "error", err)
			if errors.Is(err, ErrConnectionLost) {
				break
			}
			continue
		}
		f.set(&info, data)
	}
	return info
}

// decodeText decodes a UTF-8 string characteristic, dropping NUL padding
// some firmware appends.
func decodeText(b []byte) string {
	s := strings.TrimRight(string(b), "\x00")
	return strings.TrimSpace(strings.ToValidUTF8(s, "\uFFFD"))
}

// decodeAppearance decodes the little-endian 16-bit appearance category.
func decodeAppearance(b []byte) uint16 {
	if len(b) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}
