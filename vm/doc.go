// Package vm implements the Kiri script engine execution core.
//
// This package contains:
//   - Tagged Value representation and per-kind operators
//   - Member attributes and operate flags
//   - The Object dispatch protocol and the This-Proxy
//   - Shared variable frames, closures and Bindings
//   - The native function/property bridge
//   - The register-based bytecode interpreter
package vm
