package mcprpc

// Version is the JSON-RPC protocol version.
const Version = "2.0"

// Standard JSON-RPC 2.0 error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// SDK error codes reported by the protocol engine.
const (
	ConnectionClosed = -32000
	RequestTimeout   = -32001
)

// Core methods the protocol engine and transports understand. All other
// methods are routed opaquely to registered handlers.
const (
	MethodInitialize = "initialize"
	MethodPing       = "ping"

	NotificationInitialized = "notifications/initialized"
	NotificationCancelled   = "notifications/cancelled"
	NotificationProgress    = "notifications/progress"
)

// Method families with dedicated middleware pipelines.
const (
	MethodToolsCall             = "tools/call"
	MethodResourcesRead         = "resources/read"
	MethodPromptsGet            = "prompts/get"
	MethodSamplingCreateMessage = "sampling/createMessage"
	MethodElicitationCreate     = "elicitation/create"
)

// LatestProtocolVersion is the protocol revision this module implements.
const LatestProtocolVersion = "2025-06-18"

// SupportedProtocolVersions lists revisions accepted in the
// Mcp-Protocol-Version header, newest first.
var SupportedProtocolVersions = []string{"2025-06-18", "2025-03-26", "2024-11-05"}
