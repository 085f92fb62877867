//go:build linux

package ble

// Write performs an acknowledged write. tinygo only offers write without
// response on Linux, so the request goes to BlueZ directly.
func (c *tinyGoCharacteristic) Write(data []byte) error {
	return writeWithResponse(c.conn.adapterID, c.conn.id, c.service, c.uuid, data)
}
