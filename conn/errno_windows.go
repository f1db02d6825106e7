//go:build windows

package conn

import "errors"

// The Windows fallback RawSocket wraps a blocking net.Conn, which never
// surfaces EAGAIN/EINTR to Go code — the runtime already parks the
// goroutine instead. These sentinels exist only so isTemporary compiles
// uniformly across platforms; they never match a real error here.
var (
	errEAGAIN = errors.New("conn: eagain (unused on windows)")
	errEINTR  = errors.New("conn: eintr (unused on windows)")
)
