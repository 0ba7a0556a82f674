// Package lighting provides the lighting controller the device drives.
//
// Simulator stands in for the attached lighting hardware (Nanoleaf, WLED,
// WS2812 strips, Philips Hue). It validates configuration the way the
// firmware does, logs every palette it is asked to show, and walks through
// Nanoleaf pairing: Authenticate queues a "nanoleaf_pairing" user action and
// the pairing completes after the pairing delay.
package lighting
