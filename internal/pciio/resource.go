// Package pciio is the external PCI-enumeration / BAR-mapping collaborator
// spec.md §1 names but declines to design: it opens the sysfs resource
// files for a PCI device, maps BAR0 as an MMIO register window, and
// allocates DMA-visible huge pages with their physical addresses. It also
// owns the one piece of admin-path state spec.md assigns to "the external
// collaborator" plus the controller handle spec.md §5 says is "guarded by
// its own mutex, used solely for admin-path operations" (internal/pciio
// is where bring-up lives; internal/queue is where the core engine lives).
//
// Grounded on internal/ctrl/control.go in the teacher (a single
// mutex-guarded handle wrapping admin operations) and on
// original_source/src/driver.rs (the PCI class check and IDENTIFY
// sequencing a real bring-up collaborator performs).
package pciio

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// NVMeClassCode is the PCI class/subclass for mass-storage/NVMe controllers
// (spec.md §4.8: "verifies PCI class == 0x0108").
const NVMeClassCode = 0x0108

func sysfsDevicePath(pciAddr string) string {
	return filepath.Join("/sys/bus/pci/devices", pciAddr)
}

// OpenResource opens one of a PCI device's sysfs attribute files
// ("vendor", "device", "class", "config", "resource0", ...), per spec.md
// §6's "open_resource(pci_addr, name) -> file".
func OpenResource(pciAddr, name string) (*os.File, error) {
	path := filepath.Join(sysfsDevicePath(pciAddr), name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		// config/resource0 may require privileges; fall back to read-only
		// for attributes we only ever read (vendor/device/class).
		f, err = os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("pciio: open %s: %w", path, err)
		}
	}
	return f, nil
}

// ReadHex reads a sysfs attribute formatted as "0xXXXX\n" (spec.md §6's
// read_hex over the vendor/device/class files).
func ReadHex(f *os.File) (uint64, error) {
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if err != nil && n == 0 {
		return 0, err
	}
	s := strings.TrimSpace(string(buf[:n]))
	s = strings.TrimPrefix(s, "0x")
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("pciio: parse hex %q: %w", s, err)
	}
	return v, nil
}

// ReadIO32 reads a little-endian uint32 from a PCI resource file (e.g. the
// config space file) at the given byte offset.
func ReadIO32(f *os.File, offset int64) (uint32, error) {
	var buf [4]byte
	if _, err := f.ReadAt(buf[:], offset); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// ReadIO64 reads a little-endian uint64 from a PCI resource file.
func ReadIO64(f *os.File, offset int64) (uint64, error) {
	var buf [8]byte
	if _, err := f.ReadAt(buf[:], offset); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// CheckClass reads the raw PCI class code of the device at pciAddr. It does
// not compare it against NVMeClassCode; the caller does, and can build a
// NotNvme error with the returned value as context.
func CheckClass(pciAddr string) (uint64, error) {
	f, err := OpenResource(pciAddr, "class")
	if err != nil {
		return 0, err
	}
	defer f.Close()
	class, err := ReadHex(f)
	if err != nil {
		return 0, err
	}
	// sysfs "class" is PROG_IF | SUBCLASS<<8 | CLASS<<16; callers compare
	// the class/subclass pair (class>>8) against NVMeClassCode.
	return class, err
}

// MapResource mmaps the full extent of a PCI BAR resource file (typically
// "resource0", BAR0), returning the mapping and its length. Spec.md §6:
// "map_resource(pci_addr) -> (ptr, len) returning a writable mapping of
// BAR0."
func MapResource(pciAddr string) ([]byte, error) {
	path := filepath.Join(sysfsDevicePath(pciAddr), "resource0")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("pciio: open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("pciio: stat %s: %w", path, err)
	}
	size := fi.Size()
	if size <= 0 {
		// The mapping length is taken from Stat alone; /sys/.../resource
		// is not parsed, so a resource file reporting no size is an error.
		return nil, fmt.Errorf("pciio: %s reports zero size", path)
	}

	mapping, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pciio: mmap %s: %w", path, err)
	}
	return mapping, nil
}

// UnmapResource releases a mapping returned by MapResource.
func UnmapResource(mapping []byte) error {
	if mapping == nil {
		return nil
	}
	return unix.Munmap(mapping)
}
