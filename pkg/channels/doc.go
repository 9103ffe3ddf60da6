// Package channels defines the Channel Adapter capability and the registry
// that connects adapters to the dispatcher.
//
// Invariants:
// - Adapter names are unique within a registry.
// - Inbound streams are pumped through a blocking publish function, so a
//   slow dispatcher slows adapters down instead of losing events.
// - A stream that ends while the registry is running is reopened.
package channels
