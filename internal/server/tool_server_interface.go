package server

// ToolServer is a front end of the ImageSearch service: the MCP tool server
// or the HTTP API.
type ToolServer interface {
	// Initialize prepares the server; it must be called before Start.
	Initialize() error

	// Start serves requests and blocks until the server stops.
	Start() error

	// Stop gracefully shuts down the server.
	Stop() error
}

var (
	_ ToolServer = (*MCPSearchToolServer)(nil)
	_ ToolServer = (*HTTPServer)(nil)
)
