//go:build !race

package opt

import "runtime"

const Race_ = false

// IsTSO_ detects TSO architectures; on TSO, plain reads/writes are safe for
// pointers and native word-sized integers inside a seqlock-stable window.
const IsTSO_ = runtime.GOARCH == "amd64" ||
	runtime.GOARCH == "386" ||
	runtime.GOARCH == "s390x"
