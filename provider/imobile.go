package provider

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/idevmgr/idevd-go/core"
	"github.com/idevmgr/idevd-go/memorywriter"
	"howett.net/plist"
)

// Imobile drives the libimobiledevice command line suite, the same tools
// the classic iTunes-era managers shell out to. Every operation is one or
// more short-lived tool invocations; nothing stays open between calls, so
// there is no connection state to corrupt.

const (
	toolDeviceID    = "idevice_id"
	toolInfo        = "ideviceinfo"
	toolInstaller   = "ideviceinstaller"
	toolAfc         = "afcclient"
	toolBackup      = "idevicebackup2"
	toolScreenshot  = "idevicescreenshot"
	toolDiagnostics = "idevicediagnostics"
)

var imobileTools = []string{
	toolDeviceID,
	toolInfo,
	toolInstaller,
	toolAfc,
	toolBackup,
	toolScreenshot,
	toolDiagnostics,
}

type Imobile struct {
	binDir string
	log    *memorywriter.MemoryWriter
}

// InitImobile verifies the tool suite is present (in binDir, or on PATH
// when binDir is empty) and returns the provider. Listing what is missing
// up front beats failing one tool at a time later.
func InitImobile(binDir string, log *memorywriter.MemoryWriter) (*Imobile, error) {
	var missing []string
	for _, tool := range imobileTools {
		if binDir == "" {
			if _, err := exec.LookPath(tool); err != nil {
				missing = append(missing, tool)
			}
			continue
		}
		if _, err := os.Stat(filepath.Join(binDir, tool)); err != nil {
			missing = append(missing, tool)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("imobile: missing tools: %s", strings.Join(missing, ", "))
	}
	return &Imobile{binDir: binDir, log: log}, nil
}

func (p *Imobile) Kind() string {
	return "imobile"
}

func (p *Imobile) tool(name string) string {
	if p.binDir == "" {
		return name
	}
	return filepath.Join(p.binDir, name)
}

func (p *Imobile) Enumerate() ([]core.DeviceInfo, error) {
	res, err := runTool(defaultTimeout, p.tool(toolDeviceID), "-l")
	if err != nil {
		return nil, err
	}
	if res.exit != 0 {
		return nil, fmt.Errorf("%s: %s", toolDeviceID, res.errOut())
	}
	var infos []core.DeviceInfo
	for _, line := range res.stdout {
		udid := strings.TrimSpace(line)
		if udid == "" {
			continue
		}
		infos = append(infos, core.DeviceInfo{
			UDID:    udid,
			Battery: -1,
			Kind:    p.Kind(),
		})
	}
	return infos, nil
}

func (p *Imobile) Has(udid string) bool {
	infos, err := p.Enumerate()
	if err != nil {
		return false
	}
	for _, info := range infos {
		if info.UDID == udid {
			return true
		}
	}
	return false
}

func (p *Imobile) Connect(udid string) (core.ProviderDevice, error) {
	if !p.Has(udid) {
		return nil, ErrNotFound
	}
	p.log.Log("imobile - connected " + udid)
	return &imobileDevice{provider: p, udid: udid}, nil
}

type imobileDevice struct {
	provider *Imobile
	udid     string
}

func (d *imobileDevice) Info() (core.DeviceInfo, error) {
	info := core.DeviceInfo{UDID: d.udid, Battery: -1, Kind: d.provider.Kind()}

	res, err := runTool(defaultTimeout, d.provider.tool(toolInfo), "-u", d.udid, "-x")
	if err != nil {
		return info, err
	}
	if res.exit != 0 {
		return info, fmt.Errorf("%s: %s", toolInfo, res.errOut())
	}

	var values map[string]interface{}
	if _, err := plist.Unmarshal([]byte(res.out()), &values); err != nil {
		return info, fmt.Errorf("%s: bad plist output: %v", toolInfo, err)
	}
	if v, ok := values["DeviceName"].(string); ok {
		info.Name = v
	}
	if v, ok := values["ProductType"].(string); ok {
		info.ProductType = v
	}
	if v, ok := values["ProductVersion"].(string); ok {
		info.OSVersion = v
	}

	// battery is best effort; some devices refuse the diagnostics query
	if level, ok := d.batteryLevel(); ok {
		info.Battery = level
	}
	return info, nil
}

func (d *imobileDevice) batteryLevel() (int, bool) {
	res, err := runTool(defaultTimeout, d.provider.tool(toolDiagnostics),
		"-u", d.udid, "ioregentry", "AppleSmartBattery")
	if err != nil || res.exit != 0 {
		return 0, false
	}
	var values map[string]interface{}
	if _, err := plist.Unmarshal([]byte(res.out()), &values); err != nil {
		return 0, false
	}
	if v, ok := findUint(values, "CurrentCapacity"); ok {
		return int(v), true
	}
	return 0, false
}

// findUint walks nested plist dicts for an integer key.
func findUint(values map[string]interface{}, key string) (uint64, bool) {
	for k, v := range values {
		if k == key {
			switch n := v.(type) {
			case uint64:
				return n, true
			case int64:
				return uint64(n), true
			}
		}
		if sub, ok := v.(map[string]interface{}); ok {
			if n, found := findUint(sub, key); found {
				return n, true
			}
		}
	}
	return 0, false
}

func (d *imobileDevice) ListApps() ([]core.AppRecord, error) {
	res, err := runTool(defaultTimeout, d.provider.tool(toolInstaller),
		"-u", d.udid, "-l", "-o", "list_user")
	if err != nil {
		return nil, err
	}
	if res.exit != 0 {
		return nil, fmt.Errorf("%s: %s", toolInstaller, res.errOut())
	}
	return parseInstallerList(res.stdout), nil
}

// parseInstallerList reads ideviceinstaller's CSV-ish output:
//
//	com.apple.Pages, "13.1", "Pages"
func parseInstallerList(lines []string) []core.AppRecord {
	apps := make([]core.AppRecord, 0, len(lines))
	for _, line := range lines {
		parts := strings.SplitN(line, ",", 3)
		if len(parts) != 3 {
			continue
		}
		bundleID := strings.TrimSpace(parts[0])
		if bundleID == "" || bundleID == "CFBundleIdentifier" || strings.Contains(bundleID, " ") {
			continue
		}
		apps = append(apps, core.AppRecord{
			BundleID:    bundleID,
			Version:     strings.Trim(strings.TrimSpace(parts[1]), `"`),
			DisplayName: strings.Trim(strings.TrimSpace(parts[2]), `"`),
		})
	}
	return apps
}

func (d *imobileDevice) InstallApp(pkgPath string) error {
	res, err := runTool(transferTimeout, d.provider.tool(toolInstaller),
		"-u", d.udid, "-i", pkgPath)
	if err != nil {
		return err
	}
	if res.exit != 0 {
		return fmt.Errorf("%s: %s", toolInstaller, res.errOut())
	}
	return nil
}

func (d *imobileDevice) UninstallApp(bundleID string) error {
	// the tool exits zero even for unknown bundles on some versions,
	// so check the installed list first
	apps, err := d.ListApps()
	if err != nil {
		return err
	}
	found := false
	for _, a := range apps {
		if a.BundleID == bundleID {
			found = true
			break
		}
	}
	if !found {
		return core.ErrNotFound
	}

	res, err := runTool(defaultTimeout, d.provider.tool(toolInstaller),
		"-u", d.udid, "-U", bundleID)
	if err != nil {
		return err
	}
	if res.exit != 0 {
		return fmt.Errorf("%s: %s", toolInstaller, res.errOut())
	}
	return nil
}

func (d *imobileDevice) ListFiles(path string) ([]core.FileEntry, error) {
	res, err := runTool(defaultTimeout, d.provider.tool(toolAfc),
		"-u", d.udid, "ls", path)
	if err != nil {
		return nil, err
	}
	if res.exit != 0 {
		if isPathError(res) {
			return nil, core.ErrPathNotFound
		}
		return nil, fmt.Errorf("%s: %s", toolAfc, res.errOut())
	}

	var entries []core.FileEntry
	for _, line := range res.stdout {
		name := strings.TrimSpace(line)
		if name == "" || name == "." || name == ".." {
			continue
		}
		child := filepath.Join(path, strings.TrimSuffix(name, "/"))
		entry := core.FileEntry{Path: child, Kind: core.KindFile}
		if strings.HasSuffix(name, "/") {
			entry.Kind = core.KindDirectory
		} else if st, err := d.statFile(child); err == nil {
			entry = st
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (d *imobileDevice) statFile(path string) (core.FileEntry, error) {
	entry := core.FileEntry{Path: path, Kind: core.KindFile}
	res, err := runTool(defaultTimeout, d.provider.tool(toolAfc),
		"-u", d.udid, "info", path)
	if err != nil {
		return entry, err
	}
	if res.exit != 0 {
		return entry, fmt.Errorf("%s: %s", toolAfc, res.errOut())
	}
	for _, line := range res.stdout {
		k, v := splitColon(line)
		switch k {
		case "st_size":
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				entry.Size = n
			}
		case "st_ifmt":
			if v == "S_IFDIR" {
				entry.Kind = core.KindDirectory
			}
		}
	}
	return entry, nil
}

func splitColon(line string) (string, string) {
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return strings.TrimSpace(line), ""
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

func isPathError(res *toolResult) bool {
	all := strings.ToLower(res.out() + res.errOut())
	return strings.Contains(all, "not found") ||
		strings.Contains(all, "no such file") ||
		strings.Contains(all, "object_not_found")
}

// File content moves through temp files; the afc tool prints text to
// stdout, which would mangle binary data.
func (d *imobileDevice) ReadFile(path string) ([]byte, error) {
	tmp, err := tempPath("idevd-read")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp)

	res, err := runTool(transferTimeout, d.provider.tool(toolAfc),
		"-u", d.udid, "get", path, tmp)
	if err != nil {
		return nil, err
	}
	if res.exit != 0 {
		if isPathError(res) {
			return nil, core.ErrPathNotFound
		}
		return nil, fmt.Errorf("%s: %s", toolAfc, res.errOut())
	}
	return ioutil.ReadFile(tmp)
}

func (d *imobileDevice) WriteFile(path string, data []byte) error {
	tmp, err := tempPath("idevd-write")
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := ioutil.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	res, err := runTool(transferTimeout, d.provider.tool(toolAfc),
		"-u", d.udid, "put", tmp, path)
	if err != nil {
		return err
	}
	if res.exit != 0 {
		if isPathError(res) {
			return core.ErrPathNotFound
		}
		return fmt.Errorf("%s: %s", toolAfc, res.errOut())
	}
	return nil
}

func (d *imobileDevice) Backup(destPath string) error {
	res, err := runTool(transferTimeout, d.provider.tool(toolBackup),
		"-u", d.udid, "backup", "--full", destPath)
	if err != nil {
		return err
	}
	if res.exit != 0 {
		return fmt.Errorf("%s: %s", toolBackup, res.errOut())
	}
	return nil
}

func (d *imobileDevice) Restore(srcPath string) error {
	res, err := runTool(transferTimeout, d.provider.tool(toolBackup),
		"-u", d.udid, "restore", "--system", "--settings", srcPath)
	if err != nil {
		return err
	}
	if res.exit != 0 {
		return fmt.Errorf("%s: %s", toolBackup, res.errOut())
	}
	return nil
}

func (d *imobileDevice) Screenshot() ([]byte, error) {
	tmp, err := tempPath("idevd-screenshot*.png")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp)

	res, err := runTool(defaultTimeout, d.provider.tool(toolScreenshot),
		"-u", d.udid, tmp)
	if err != nil {
		return nil, err
	}
	if res.exit != 0 {
		return nil, fmt.Errorf("%s: %s", toolScreenshot, res.errOut())
	}
	return ioutil.ReadFile(tmp)
}

func (d *imobileDevice) Reboot() error {
	res, err := runTool(defaultTimeout, d.provider.tool(toolDiagnostics),
		"-u", d.udid, "restart")
	if err != nil {
		return err
	}
	if res.exit != 0 {
		return fmt.Errorf("%s: %s", toolDiagnostics, res.errOut())
	}
	return nil
}

func (d *imobileDevice) Shutdown() error {
	res, err := runTool(defaultTimeout, d.provider.tool(toolDiagnostics),
		"-u", d.udid, "shutdown")
	if err != nil {
		return err
	}
	if res.exit != 0 {
		return fmt.Errorf("%s: %s", toolDiagnostics, res.errOut())
	}
	return nil
}

func (d *imobileDevice) Close(disconnected bool) error {
	// tools are invoked per call; there is no connection to tear down
	d.provider.log.Log("imobile - closed " + d.udid)
	return nil
}

// tempPath creates an empty temp file and returns its name. pattern is
// an ioutil.TempFile pattern, so a suffix after "*" ends up in the name;
// removing the returned path is then enough to clean up.
func tempPath(pattern string) (string, error) {
	f, err := ioutil.TempFile("", pattern)
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		return "", err
	}
	return name, nil
}
