package model

import (
	"maps"
	"net"
	"strconv"
)

// Metadata keys set by the router.
const (
	MetaProtocol    = "protocol"
	MetaScheme      = "scheme"
	MetaAuth        = "auth"
	MetaCompression = "compression"
)

// BackendTarget is a resolved destination. It is immutable once created.
type BackendTarget struct {
	host     string
	port     int
	path     string
	metadata map[string]string
}

// NewBackendTarget creates a target. The metadata map is copied.
func NewBackendTarget(host string, port int, path string, metadata map[string]string) BackendTarget {
	return BackendTarget{
		host:     host,
		port:     port,
		path:     path,
		metadata: maps.Clone(metadata),
	}
}

func (t BackendTarget) Host() string { return t.host }
func (t BackendTarget) Port() int    { return t.port }
func (t BackendTarget) Path() string { return t.path }

// Metadata returns the value stored under key, or "".
func (t BackendTarget) Metadata(key string) string {
	return t.metadata[key]
}

// MetadataMap returns a copy of all metadata.
func (t BackendTarget) MetadataMap() map[string]string {
	return maps.Clone(t.metadata)
}

// Addr returns host:port.
func (t BackendTarget) Addr() string {
	return net.JoinHostPort(t.host, strconv.Itoa(t.port))
}

// String returns the destination as used in notifications: host:port + path.
func (t BackendTarget) String() string {
	return t.Addr() + t.path
}
