// Package pulse adapts the PulseAudio server to the aggregator's adapter
// contract over the server's native D-Bus protocol. The private socket
// address is discovered through the session bus, all further traffic is
// peer-to-peer, and signal delivery is opt-in per signal name via
// Core1.ListenForSignal. Sinks, sources, and playback streams map onto
// audio entities; volume and mute updates arrive as change events, and
// fallback updates re-emit both the demoted and promoted device.
package pulse
