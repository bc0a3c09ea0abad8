package message

// Capability is the 32-bit classic-protocol capability bitset. A typed
// bitset rather than a raw integer, per spec §9's design note, so that
// "is this bit known" and "is this bit set" are never conflated.
type Capability uint32

const (
	CapLongPassword Capability = 1 << iota
	CapFoundRows
	CapLongFlag
	CapConnectWithSchema
	CapNoSchema
	CapCompress
	CapODBC
	CapLocalFiles
	CapIgnoreSpace
	CapProtocol41
	CapInteractive
	CapSSL
	CapIgnoreSigpipe
	CapTransactions
	CapReserved
	CapSecureConnection
	CapMultiStatements
	CapMultiResults
	CapPSMultiResults
	CapPluginAuth
	CapConnectAttrs
	CapAuthMethodDataVarint // CLIENT_PLUGIN_AUTH_LENENC_CLIENT_DATA
	CapExpiredPasswords     // CLIENT_CAN_HANDLE_EXPIRED_PASSWORDS
	CapSessionTrack
	CapDeprecateEOF
	CapOptionalResultsetMetadata
	CapCompressZstd
)

// Known is the full semantic universe of capabilities this router
// understands; used to assert curated sets are subsets of it (spec §9).
const Known = CapLongPassword | CapFoundRows | CapLongFlag | CapConnectWithSchema |
	CapNoSchema | CapCompress | CapODBC | CapLocalFiles | CapIgnoreSpace |
	CapProtocol41 | CapInteractive | CapSSL | CapIgnoreSigpipe | CapTransactions |
	CapReserved | CapSecureConnection | CapMultiStatements | CapMultiResults |
	CapPSMultiResults | CapPluginAuth | CapConnectAttrs | CapAuthMethodDataVarint |
	CapExpiredPasswords | CapSessionTrack | CapDeprecateEOF |
	CapOptionalResultsetMetadata | CapCompressZstd

// RouterAdvertised is the curated capability set the router offers on the
// client-facing leg, per spec §6. CapSSL is added separately, conditional
// on client_ssl_mode.
const RouterAdvertised = CapLongPassword | CapFoundRows | CapLongFlag |
	CapConnectWithSchema | CapNoSchema | CapODBC | CapLocalFiles |
	CapProtocol41 | CapInteractive | CapTransactions | CapSecureConnection |
	CapMultiStatements | CapMultiResults | CapPSMultiResults | CapPluginAuth |
	CapConnectAttrs | CapAuthMethodDataVarint | CapExpiredPasswords |
	CapSessionTrack | CapOptionalResultsetMetadata

// CompressionCaps are the capability bits the router must never advertise
// and must actively refuse if a client sets them (spec §1, §4.E).
const CompressionCaps = CapCompress | CapCompressZstd

// Has reports whether all bits in want are set in c.
func (c Capability) Has(want Capability) bool { return c&want == want }

// Shared computes the bitwise AND of two advertised capability sets,
// enforcing the invariant shared ⊆ client ∧ shared ⊆ server.
func Shared(client, server Capability) Capability { return client & server }

// IsSubsetOf reports whether every bit in c also appears in universe.
func (c Capability) IsSubsetOf(universe Capability) bool { return c&^universe == 0 }
