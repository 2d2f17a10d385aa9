//go:build !nidaqmx
// +build !nidaqmx

package daqmx

// Open returns the hardware driver.  This build has none.
func Open() (Driver, error) {
	return nil, ErrNoDriver
}
