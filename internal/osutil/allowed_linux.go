//go:build linux
// +build linux

// Linux gives every thread its own uid/gid and the Go runtime cannot switch them all atomically,
// so setuid/setgid from Go have been broken there since at least 2011. A network daemon like this
// one needs root only long enough to open privileged listen sockets, which makes the inability to
// drop it afterwards genuinely painful; the chroot half of Constrain still works and is the part
// that protects the web root, so it stays worthwhile on its own.
//
// For more details see: https://github.com/golang/go/issues/1435

package osutil

const (
	canSetuid = false
	canSetgid = false
)
