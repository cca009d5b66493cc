// Package app provides the application service layer.
//
// Orchestrates use cases: relaying chat messages into portal tasks, relaying
// portal events back to chats, authorization, and bot registration.
// Sits between transport adapters and domain ports. Depends on domain
// interfaces, not concrete implementations.
package app
