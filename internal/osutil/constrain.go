// osutil covers the OS interactions the proxy daemon needs at start-up: dropping root privilege
// once the listen socket is open, mapping configured paths such as the web root into the
// namespace the process will see after chroot, and signal plumbing for the status/shutdown loop.
// setuid/setgid remain disabled for Linux.

package osutil

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Constrain downgrades the abilities of the process by switching to a nominated uid/gid which
// presumably has less power and chrooting to a directory that presumably holds little more than
// the proxy's web pages.
//
// The order of operations matters: names are resolved to ids while /etc/passwd (or the moral
// equivalent) is still reachable, the chroot happens while the process still has the power to do
// so, supplementary groups are shed and the gid set while the uid is still powerful, and the
// setuid at the end makes the whole sequence irreversible.
//
// Each step is optional if the corresponding parameter is an empty string. An error is returned
// if the downgrade could not be completed.
func Constrain(userName, groupName, chrootDir string) error {
	uid, err := lookupUID(userName)
	if err != nil {
		return err
	}
	gid, err := lookupGID(groupName)
	if err != nil {
		return err
	}

	if err := enterChroot(chrootDir); err != nil {
		return err
	}

	return dropPrivileges(uid, userName, gid, groupName)
}

// lookupUID resolves a user name to a numeric id. Empty means "leave the uid alone" and maps to
// the -1 sentinel.
func lookupUID(userName string) (int, error) {
	if len(userName) == 0 {
		return -1, nil
	}
	u, err := user.Lookup(userName)
	if err != nil {
		return -1, fmt.Errorf("osutil: look up user %q: %w", userName, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return -1, fmt.Errorf("osutil: uid %q of user %q is not numeric: %w", u.Uid, userName, err)
	}

	return uid, nil
}

// lookupGID resolves a group name to a numeric id with the same empty/-1 convention.
func lookupGID(groupName string) (int, error) {
	if len(groupName) == 0 {
		return -1, nil
	}
	g, err := user.LookupGroup(groupName)
	if err != nil {
		return -1, fmt.Errorf("osutil: look up group %q: %w", groupName, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return -1, fmt.Errorf("osutil: gid %q of group %q is not numeric: %w", g.Gid, groupName, err)
	}

	return gid, nil
}

// enterChroot moves the process root. Must still be root to do this, but let Chroot() do the
// checking.
func enterChroot(chrootDir string) error {
	if len(chrootDir) == 0 {
		return nil
	}

	if err := os.Chdir(chrootDir); err != nil {
		return fmt.Errorf("osutil: cd to chroot: %w", err)
	}
	if err := unix.Chroot(chrootDir); err != nil {
		return fmt.Errorf("osutil: chroot to %s: %w", chrootDir, err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("osutil: cd to new root: %w", err)
	}

	return nil
}

// dropPrivileges sheds supplementary groups and switches gid then uid. The gid goes first while
// the uid still has the power to set it.
func dropPrivileges(uid int, userName string, gid int, groupName string) error {
	if gid != -1 {
		if !canSetgid {
			fmt.Println("WARNING: Go setgid() disabled for Linux. This process remains priviledged.")
		} else {
			if err := unix.Setgroups([]int{}); err != nil {
				return fmt.Errorf("osutil: clear group list: %w", err)
			}
			if err := unix.Setgid(gid); err != nil {
				return fmt.Errorf("osutil: setgid to %d/%s: %w", gid, groupName, err)
			}
		}
	}

	if uid != -1 {
		if !canSetuid {
			fmt.Println("WARNING: Go setuid() disabled for Linux. This process remains priviledged.")
		} else {
			if err := unix.Setuid(uid); err != nil {
				return fmt.Errorf("osutil: setuid to %d/%s: %w", uid, userName, err)
			}
		}
	}

	return nil
}

// ChrootRelative maps a configured path into the namespace the process will see once Constrain()
// has chrooted to chrootDir. The web root is the important customer: configured as
// /srv/proxy/html with a chroot of /srv/proxy it must be opened as /html once the proxy is
// running. With no chroot configured the cleaned absolute path is returned as-is. A path lying
// outside the chroot cannot exist afterwards, so it is refused here at start-up rather than
// failing on every page once traffic arrives.
func ChrootRelative(path, chrootDir string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("osutil: resolve %q: %w", path, err)
	}
	if len(chrootDir) == 0 {
		return abs, nil
	}

	root, err := filepath.Abs(filepath.Clean(chrootDir))
	if err != nil {
		return "", fmt.Errorf("osutil: resolve chroot %q: %w", chrootDir, err)
	}
	if abs == root {
		return string(filepath.Separator), nil
	}

	prefix := root + string(filepath.Separator)
	if !strings.HasPrefix(abs, prefix) {
		return "", fmt.Errorf("osutil: %s lies outside the chroot %s and would vanish after start-up", abs, root)
	}

	return string(filepath.Separator) + abs[len(prefix):], nil
}

// ConstraintReport returns a printable string showing the uid/gid/cwd of the process. Normally
// called after Constrain() to "prove" that the process has been downgraded.
func ConstraintReport() string {
	cwd, _ := os.Getwd()
	gList, _ := os.Getgroups()
	gStr := make([]string, 0, len(gList))
	for _, g := range gList {
		gStr = append(gStr, strconv.Itoa(g))
	}

	return fmt.Sprintf("uid=%d gid=%d (%s) cwd=%s", os.Getuid(), os.Getgid(), strings.Join(gStr, ","), cwd)
}
