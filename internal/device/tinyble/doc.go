// Package tinyble implements device.Adapter on top of tinygo.org/x/bluetooth
// (BlueZ over D-Bus on Linux, WinRT on Windows).
//
// It is built on linux and windows only; darwin uses the go-ble backend.
package tinyble
