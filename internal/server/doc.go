// Package server implements the core of the WebSocket group chat service.
//
// The implementation is organized into specialized files for configuration,
// the protocol codec, session management, the hub, routing, and HTTP handlers
// to keep the codebase maintainable and testable as the project grows.
package server
