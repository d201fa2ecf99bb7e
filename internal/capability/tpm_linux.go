//go:build linux

package capability

import (
	"fmt"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// DetectTPM opens the TPM at path (or the first standard device node when
// path is empty) and reads its manufacturer and firmware version.
func DetectTPM(path string) (*TPMInfo, error) {
	dev, err := findTPMDevice(path)
	if err != nil {
		return nil, err
	}

	t, err := transport.OpenTPM(dev)
	if err != nil {
		return nil, fmt.Errorf("capability: open %s: %w", dev, err)
	}
	defer t.Close()

	info := &TPMInfo{Path: dev}

	rsp, err := tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(tpm2.TPMPTManufacturer),
		PropertyCount: 1,
	}.Execute(t)
	if err != nil {
		return nil, fmt.Errorf("capability: read TPM manufacturer: %w", err)
	}
	if props, err := rsp.CapabilityData.Data.TPMProperties(); err == nil && len(props.TPMProperty) > 0 {
		mfr := props.TPMProperty[0].Value
		info.Manufacturer = fmt.Sprintf("%c%c%c%c", byte(mfr>>24), byte(mfr>>16), byte(mfr>>8), byte(mfr))
	}

	rsp, err = tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(tpm2.TPMPTFirmwareVersion1),
		PropertyCount: 2,
	}.Execute(t)
	if err == nil {
		if props, err := rsp.CapabilityData.Data.TPMProperties(); err == nil && len(props.TPMProperty) >= 2 {
			info.Firmware = fmt.Sprintf("%d.%d", props.TPMProperty[0].Value, props.TPMProperty[1].Value)
		}
	}

	return info, nil
}
