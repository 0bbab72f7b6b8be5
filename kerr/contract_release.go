//go:build release

package kerr

const abortOnViolation = false
