// Package serial provides a host serial-port client: port enumeration
// with attribute mappings (portattr), a match-expression query
// language for picking a port out of an enumeration (match),
// multi-mechanism advisory locking under four sharing policies
// (portlock), and a Connection façade tying them together around a
// blocking/non-blocking/async I/O engine. The tracker subpackage
// layers auto-reconnection on top of Connection.
package serial
