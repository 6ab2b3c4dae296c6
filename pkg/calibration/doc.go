// Package calibration holds the duty-cycle to speed tables measured for each
// wheel. It contains:
//
//   - Sample: one (duty cycle, measured speed) pair
//   - Table: the samples of one wheel in ascending duty-cycle order
//   - Bounds: the slowest and fastest speed a table can reach
//
// Tables are persisted as plain text, one "<dutyCycle> <speed>" pair per line.
package calibration
