// Package netman adapts NetworkManager's Wi-Fi view to the aggregator's
// adapter contract. It mirrors the access points visible to the first
// wireless device, derives each network's lifecycle state from the
// device's activation progress, and closes a scan window with a
// scan-complete event whenever NetworkManager reports a finished scan.
// Connect commands go through AddAndActivateConnection so new networks
// need no pre-provisioned profile.
package netman
