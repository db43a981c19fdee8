// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"net"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// ftdiVendorID is the FTDI USB vendor id used to filter enumeration.
const ftdiVendorID = "0403"

// ListSerialPorts enumerates the serial device paths on this host.
func ListSerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, WrapTransport("list serial ports", err)
	}
	if ports == nil {
		ports = []string{}
	}
	return ports, nil
}

// ListFtdiDevices enumerates FTDI adapters with their USB details.
func ListFtdiDevices() ([]FtdiDeviceInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, WrapTransport("list ftdi devices", err)
	}
	devices := []FtdiDeviceInfo{}
	for _, port := range details {
		if !port.IsUSB || !strings.EqualFold(port.VID, ftdiVendorID) {
			continue
		}
		devices = append(devices, FtdiDeviceInfo{
			Port:         port.Name,
			SerialNumber: port.SerialNumber,
			VID:          strings.ToLower(port.VID),
			PID:          strings.ToLower(port.PID),
			Product:      port.Product,
		})
	}
	return devices, nil
}

// resolveFTDIPort maps an FTDI adapter serial number onto its serial
// device node.
func resolveFTDIPort(serialNumber string) (string, error) {
	devices, err := ListFtdiDevices()
	if err != nil {
		return "", err
	}
	for _, device := range devices {
		if device.SerialNumber == serialNumber {
			return device.Port, nil
		}
	}
	return "", Transportf("ftdi", "no adapter with serial number %q", serialNumber)
}

// ListCanDevices enumerates CAN network interfaces (can*, vcan*).
func ListCanDevices() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, WrapTransport("list can devices", err)
	}
	devices := []string{}
	for _, iface := range ifaces {
		if strings.HasPrefix(iface.Name, "can") || strings.HasPrefix(iface.Name, "vcan") {
			devices = append(devices, iface.Name)
		}
	}
	return devices, nil
}
