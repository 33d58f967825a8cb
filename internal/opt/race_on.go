//go:build race

package opt

const Race_ = true

// IsTSO_ under the race detector, disable TSO optimizations so every
// shared access goes through the conservative locked paths.
const IsTSO_ = false
