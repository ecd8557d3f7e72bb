// Package stream tracks live client connections and delivers transcript updates to them.
// It maps connection ids to open sockets, serializes updates as JSON text frames,
// and closes connections that stay idle longer than the configured timeout.
package stream
