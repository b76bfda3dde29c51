package proxy

import (
	"crypto/tls"
	"slices"
)

// ClientHello is an immutable snapshot of the TLS ClientHello observed
// before the handshake was committed. When hello storage is enabled, the
// TLS acceptor inserts one into the connection extensions so later pipeline
// stages can route or log on what the client offered.
type ClientHello struct {
	ServerName        string
	SupportedVersions []uint16
	CipherSuites      []uint16
	SupportedProtos   []string
	SignatureSchemes  []tls.SignatureScheme
	SupportedCurves   []tls.CurveID
	SupportedPoints   []uint8
}

// NewClientHello copies the mutable slices out of info so the snapshot
// stays valid after the handshake machinery reuses its buffers.
func NewClientHello(info *tls.ClientHelloInfo) ClientHello {
	return ClientHello{
		ServerName:        info.ServerName,
		SupportedVersions: slices.Clone(info.SupportedVersions),
		CipherSuites:      slices.Clone(info.CipherSuites),
		SupportedProtos:   slices.Clone(info.SupportedProtos),
		SignatureSchemes:  slices.Clone(info.SignatureSchemes),
		SupportedCurves:   slices.Clone(info.SupportedCurves),
		SupportedPoints:   slices.Clone(info.SupportedPoints),
	}
}

// SupportsProto reports whether the client offered the given ALPN protocol.
func (h ClientHello) SupportsProto(proto string) bool {
	return slices.Contains(h.SupportedProtos, proto)
}

// SupportsVersion reports whether the client offered the given TLS version.
func (h ClientHello) SupportsVersion(version uint16) bool {
	return slices.Contains(h.SupportedVersions, version)
}
