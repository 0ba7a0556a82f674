// Package config provides configuration management for the PalPalette device.
//
// This package loads a YAML configuration file holding the backend location,
// network and session timing, the fault escalation table, and optional
// metrics and MQTT settings. Keys missing from the file keep their defaults,
// so a minimal file only needs the values that differ:
//
//	version: 1
//	server:
//	  url: ws://palpalette.local:3001/ws
//	mqtt:
//	  broker: tcp://broker.local:1883
//
// # Configuration File Location
//
// The configuration file is stored in platform-appropriate locations:
//   - Linux: $XDG_CONFIG_HOME/palpalette/config.yaml or $HOME/.config/palpalette/config.yaml
//   - macOS: $HOME/.config/palpalette/config.yaml
//   - Windows: %LOCALAPPDATA%\palpalette\config.yaml
//
// # State Files
//
// The identity and network packages keep their small state files in the
// state directory (device.state_dir, defaulting to <config dir>/state). They
// use WriteYAML so a crash mid-write never leaves a truncated file.
package config
