package provider

import (
	"os"
	"strings"
	"testing"
)

func TestParseInstallerList(t *testing.T) {
	lines := []string{
		"CFBundleIdentifier, CFBundleVersion, CFBundleDisplayName",
		`com.apple.Pages, "13.1", "Pages"`,
		`com.example.game, "2.0.4", "Space Game"`,
		"",
		"Total: 2 apps",
	}
	apps := parseInstallerList(lines)
	if len(apps) != 2 {
		t.Fatalf("expected 2 apps, got %v", apps)
	}
	if apps[0].BundleID != "com.apple.Pages" || apps[0].Version != "13.1" || apps[0].DisplayName != "Pages" {
		t.Errorf("first app parsed wrong: %+v", apps[0])
	}
	if apps[1].DisplayName != "Space Game" {
		t.Errorf("quoted name with space parsed wrong: %+v", apps[1])
	}
}

// The suffix must be part of the created file's name; a path derived by
// appending the suffix afterwards would leave the created file behind.
func TestTempPathSuffix(t *testing.T) {
	p, err := tempPath("idevd-screenshot*.png")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(p, ".png") {
		t.Errorf("expected .png suffix, got %q", p)
	}
	if _, err := os.Stat(p); err != nil {
		t.Errorf("temp file does not exist: %v", err)
	}
	if err := os.Remove(p); err != nil {
		t.Errorf("removing the returned path should clean up: %v", err)
	}
}

func TestFindUint(t *testing.T) {
	values := map[string]interface{}{
		"Status": "Success",
		"IORegistry": map[string]interface{}{
			"Name":            "AppleSmartBattery",
			"CurrentCapacity": uint64(87),
		},
	}
	n, ok := findUint(values, "CurrentCapacity")
	if !ok || n != 87 {
		t.Errorf("expected 87, got %d %v", n, ok)
	}
	if _, ok := findUint(values, "Voltage"); ok {
		t.Error("found a key that is not there")
	}
}

func TestSplitColon(t *testing.T) {
	k, v := splitColon("st_size: 4096")
	if k != "st_size" || v != "4096" {
		t.Errorf("got %q %q", k, v)
	}
	k, v = splitColon("junk")
	if k != "junk" || v != "" {
		t.Errorf("got %q %q", k, v)
	}
}

func TestIsPathError(t *testing.T) {
	res := &toolResult{stderr: []string{"Error: AFC_E_OBJECT_NOT_FOUND"}}
	if !isPathError(res) {
		t.Error("object_not_found should count as path error")
	}
	res = &toolResult{stderr: []string{"Error: permission denied"}}
	if isPathError(res) {
		t.Error("permission denied is not a path error")
	}
}
