//go:build darwin || windows

package ble

// Write performs an acknowledged write through the platform stack.
func (c *tinyGoCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}
