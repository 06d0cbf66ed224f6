package device

import (
	"bufio"
	"bytes"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/bolasblack/rfdeploy/internal/logging"
)

// Role names a radio volume by the marker file in its root.
type Role string

const (
	RoleFlash  Role = "flash"
	RoleSDCard Role = "sdcard"
	RoleRadio  Role = "radio"
)

// Roles lists every volume role.
var Roles = []Role{RoleFlash, RoleSDCard, RoleRadio}

// ScriptsPriority is the order in which volumes are searched for scripts/.
var ScriptsPriority = []Role{RoleSDCard, RoleRadio, RoleFlash}

// MarkerFile returns the marker file name for a role, e.g. "radio.cpuid".
func (r Role) MarkerFile() string {
	return string(r) + ".cpuid"
}

// ScriptsDirName is the scripts directory at the root of a radio volume.
const ScriptsDirName = "scripts"

// fallbackMarker identifies a radio volume during the fallback scan.
const fallbackMarker = "radio.bin"

// Volume is one mounted filesystem.
type Volume struct {
	Device     string
	MountPoint string
	FSType     string
	Removable  bool
}

// VolumeLister enumerates mounted volumes.
type VolumeLister interface {
	Volumes() ([]Volume, error)
}

// mediaRoots are where desktop automounters place removable media.
var mediaRoots = []string{"/media/", "/run/media/", "/Volumes/"}

// ProcMounts lists volumes from /proc/self/mounts and reads the removable
// flag from /sys/block.
type ProcMounts struct {
	fs         afero.Fs
	mountsPath string
	sysBlock   string
}

// NewProcMounts returns a lister over the real /proc and /sys.
func NewProcMounts(fs afero.Fs) *ProcMounts {
	return &ProcMounts{fs: fs, mountsPath: "/proc/self/mounts", sysBlock: "/sys/block"}
}

// Volumes implements VolumeLister. Only block-device mounts are returned.
func (p *ProcMounts) Volumes() ([]Volume, error) {
	data, err := afero.ReadFile(p.fs, p.mountsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}

	var vols []Volume
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 || !strings.HasPrefix(fields[0], "/dev/") {
			continue
		}
		v := Volume{
			Device:     fields[0],
			MountPoint: unescapeMount(fields[1]),
			FSType:     fields[2],
		}
		v.Removable = p.isRemovable(v)
		vols = append(vols, v)
	}
	return vols, sc.Err()
}

func (p *ProcMounts) isRemovable(v Volume) bool {
	disk := parentDisk(filepath.Base(v.Device))
	if data, err := afero.ReadFile(p.fs, filepath.Join(p.sysBlock, disk, "removable")); err == nil {
		if strings.TrimSpace(string(data)) == "1" {
			return true
		}
	}
	// Many USB mass-storage bridges report removable=0; automounted media
	// still lands under a media root.
	for _, root := range mediaRoots {
		if strings.HasPrefix(v.MountPoint, root) {
			return true
		}
	}
	return false
}

// parentDisk strips the partition suffix from a block device name:
// sdb1 -> sdb, mmcblk0p1 -> mmcblk0, nvme0n1p2 -> nvme0n1.
func parentDisk(name string) string {
	trimmed := strings.TrimRight(name, "0123456789")
	if trimmed == name {
		return name
	}
	if strings.HasSuffix(trimmed, "p") && len(trimmed) > 1 {
		prev := trimmed[len(trimmed)-2]
		if prev >= '0' && prev <= '9' {
			return strings.TrimSuffix(trimmed, "p")
		}
	}
	if strings.HasPrefix(name, "mmcblk") || strings.HasPrefix(name, "nvme") {
		return name
	}
	return trimmed
}

// unescapeMount decodes the octal escapes /proc/mounts uses for spaces,
// tabs, newlines and backslashes.
func unescapeMount(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Scanner discovers radio volumes. It keeps no state between calls.
type Scanner struct {
	fs     afero.Fs
	lister VolumeLister
	log    zerolog.Logger
}

// NewScanner creates a Scanner.
func NewScanner(fs afero.Fs, lister VolumeLister) *Scanner {
	return &Scanner{fs: fs, lister: lister, log: logging.Get("device")}
}

// ScanDrives maps each role to the mount point of the removable volume
// carrying its marker file. Volumes without a marker are ignored.
func (s *Scanner) ScanDrives() (map[Role]string, error) {
	vols, err := s.lister.Volumes()
	if err != nil {
		return nil, err
	}
	sort.Slice(vols, func(i, j int) bool { return vols[i].MountPoint < vols[j].MountPoint })

	drives := make(map[Role]string)
	for _, v := range vols {
		if !v.Removable {
			continue
		}
		for _, role := range Roles {
			if _, taken := drives[role]; taken {
				continue
			}
			if ok, _ := afero.Exists(s.fs, filepath.Join(v.MountPoint, role.MarkerFile())); ok {
				drives[role] = v.MountPoint
			}
		}
	}
	s.log.Debug().Interface("drives", drives).Msg("scanned drives")
	return drives, nil
}

// ResolveScriptsDir returns the first existing scripts directory on the
// sdcard, radio or flash volume, in that order.
func (s *Scanner) ResolveScriptsDir() (string, bool) {
	drives, err := s.ScanDrives()
	if err != nil {
		s.log.Debug().Err(err).Msg("drive scan failed")
		return "", false
	}
	return ScriptsDirIn(s.fs, drives)
}

// ScriptsDirIn picks the scripts directory from already scanned drives.
func ScriptsDirIn(fs afero.Fs, drives map[Role]string) (string, bool) {
	for _, role := range ScriptsPriority {
		root, ok := drives[role]
		if !ok {
			continue
		}
		scripts := filepath.Join(root, ScriptsDirName)
		if isDir, _ := afero.DirExists(fs, scripts); isDir {
			return filepath.Clean(scripts), true
		}
	}
	return "", false
}

// FallbackScan looks for a volume holding radio.bin and a scripts/
// directory directly under each root, or one level deeper to cover
// per-user automount directories such as /media/<user>/<label>.
func (s *Scanner) FallbackScan(roots []string) (string, bool) {
	for _, base := range roots {
		for _, candidate := range s.children(base, 2) {
			if s.looksLikeRadio(candidate) {
				scripts := filepath.Join(candidate, ScriptsDirName)
				s.log.Info().Str("path", scripts).Msg("fallback scan found radio")
				return scripts, true
			}
		}
	}
	return "", false
}

func (s *Scanner) looksLikeRadio(root string) bool {
	info, err := s.fs.Stat(filepath.Join(root, fallbackMarker))
	if err != nil || info.IsDir() {
		return false
	}
	isDir, _ := afero.DirExists(s.fs, filepath.Join(root, ScriptsDirName))
	return isDir
}

// children lists directories under base up to depth levels, shallow first.
func (s *Scanner) children(base string, depth int) []string {
	var out []string
	level := []string{base}
	for d := 0; d < depth; d++ {
		var next []string
		for _, dir := range level {
			entries, err := afero.ReadDir(s.fs, dir)
			if err != nil {
				continue
			}
			for _, e := range entries {
				if e.IsDir() {
					next = append(next, filepath.Join(dir, e.Name()))
				}
			}
		}
		out = append(out, next...)
		level = next
	}
	return out
}
