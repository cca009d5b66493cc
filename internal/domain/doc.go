// Package domain defines the core domain types and interfaces.
//
// Concept-oriented files (token.go, bot.go, link.go, portal.go, ...) hold the
// shared types and the contracts adapters implement. No implementation code.
package domain
