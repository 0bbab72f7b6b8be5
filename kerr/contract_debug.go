//go:build !release

package kerr

const abortOnViolation = true
