//go:build !linux && !darwin

package transport

import "syscall"

// reuseAddrControl is a no-op on platforms where golang.org/x/sys/unix's
// socket option constants don't apply; net.ListenConfig's platform
// defaults are used instead.
func reuseAddrControl(_, _ string, _ syscall.RawConn) error {
	return nil
}
