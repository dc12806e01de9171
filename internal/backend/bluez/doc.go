// Package bluez adapts the bluez Bluetooth daemon to the aggregator's
// adapter contract. It reads the org.bluez object tree over the system
// bus, replays known devices on connect, and translates ObjectManager
// and Properties signals into device change events. Commands map onto
// org.bluez.Device1 method calls, with device paths derived from the
// address-based path convention.
package bluez
