package serial

// NewConnectionForTesting builds a Connection around an already-open
// SerialPort, bypassing the locking protocol and the OS open call in
// Open. Exported so other packages in this module (tracker, in
// particular) can drive the connection façade against a mock port
// without a real device.
func NewConnectionForTesting(device string, port SerialPort) *Connection {
	metrics := &Metrics{}
	conn := &Connection{
		device:  device,
		port:    port,
		lockFD:  -1,
		locks:   nil,
		eng:     newEngine(port, metrics),
		metrics: metrics,
	}
	conn.metrics.recordConnect()
	return conn
}
