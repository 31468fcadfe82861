package connmgr

import (
	"fmt"
	"net"
	"strings"

	dbus "github.com/godbus/dbus/v5"
)

const (
	bluezService         = "org.bluez"
	bluezRoot            = dbus.ObjectPath("/org/bluez")
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)

// NormalizeMAC validates a Bluetooth address and returns it upper-case with colons.
func NormalizeMAC(s string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil || len(hw) != 6 {
		return "", fmt.Errorf("connmgr: invalid bluetooth address %q", s)
	}
	return strings.ToUpper(hw.String()), nil
}

// DevicePath builds the BlueZ object path of a device on adapter, e.g.
// /org/bluez/hci0/dev_EC_55_F9_F6_55_8E.
func DevicePath(adapter, mac string) (string, error) {
	norm, err := NormalizeMAC(mac)
	if err != nil {
		return "", err
	}
	if adapter == "" {
		adapter = DefaultAdapter
	}
	return string(bluezRoot) + "/" + adapter + "/dev_" + strings.ReplaceAll(norm, ":", "_"), nil
}

// macFromPath extracts the address from .../dev_XX_XX_XX_XX_XX_XX.
func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	i := strings.LastIndex(s, "/dev_")
	if i < 0 {
		return ""
	}
	return strings.ReplaceAll(s[i+len("/dev_"):], "_", ":")
}

// deviceFromIfaces turns one GetManagedObjects / InterfacesAdded entry into a
// Device, if it is a Device1 advertising SPP.
func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	uuids, _ := variantValue[[]string](props, "UUIDs")
	if !hasUUID(uuids, SPPUUID) {
		return Device{}, false
	}
	dev := Device{Path: string(path)}
	dev.MAC, _ = variantValue[string](props, "Address")
	dev.Name, _ = variantValue[string](props, "Name")
	dev.Alias, _ = variantValue[string](props, "Alias")
	if dev.MAC == "" {
		dev.MAC = macFromPath(path)
	}
	return dev, true
}

func variantValue[T any](props map[string]dbus.Variant, key string) (T, bool) {
	var zero T
	v, ok := props[key]
	if !ok {
		return zero, false
	}
	t, ok := v.Value().(T)
	return t, ok
}

func hasUUID(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}
