// Package mqtt is the telemetry transport. It owns the broker connection
// and exposes the two calls the sampling loop needs: IsConnected and a
// fire-and-forget Publish that never blocks past the publish timeout.
//
// The connection is managed by Eclipse Paho v2's [autopaho] package,
// which reconnects in the background on the configured backoff schedule.
// On every (re-)connect the publisher also announces the space to Home
// Assistant: retained discovery configs for the status, distance and
// noise sensors (read from the telemetry topic through value templates)
// and for a few host diagnostics, followed by an "online" birth message
// on the availability topic. A will message flips availability to
// "offline" on unexpected disconnects.
package mqtt
