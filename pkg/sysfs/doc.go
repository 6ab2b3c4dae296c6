// Package sysfs is the hardware boundary of robocar: an attribute-oriented
// read/write capability over the kernel's GPIO and PWM control files.
//
//   - FS: the real implementation, one open/write/close per access
//   - Mock: an in-memory implementation with per-path read hooks and a write
//     history, used to run the whole stack without hardware
package sysfs
