package core

import (
	"context"
	"errors"
	"io/ioutil"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/idevmgr/idevd-go/memorywriter"
)

// fakeProvider implements Provider in-memory so the session logic can be
// tested without any device stack.

type fakeDevice struct {
	mu     sync.Mutex
	apps   []AppRecord
	dirs   map[string][]FileEntry
	block  chan struct{} // when set, ListApps blocks until release or Close
	closed chan struct{}
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		dirs: map[string][]FileEntry{
			"/": {{Path: "/DCIM", Kind: KindDirectory}},
		},
		closed: make(chan struct{}),
	}
}

func (d *fakeDevice) Info() (DeviceInfo, error) {
	return DeviceInfo{UDID: "ABC123", Battery: 80}, nil
}

func (d *fakeDevice) ListApps() ([]AppRecord, error) {
	if d.block != nil {
		select {
		case <-d.block:
		case <-d.closed:
			return nil, errors.New("device connection closed")
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	apps := make([]AppRecord, len(d.apps))
	copy(apps, d.apps)
	return apps, nil
}

func (d *fakeDevice) InstallApp(pkgPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	bundleID := filepath.Base(pkgPath)
	bundleID = bundleID[:len(bundleID)-len(".ipa")]
	d.apps = append(d.apps, AppRecord{BundleID: bundleID, DisplayName: bundleID, Version: "1.0"})
	return nil
}

func (d *fakeDevice) UninstallApp(bundleID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, a := range d.apps {
		if a.BundleID == bundleID {
			d.apps = append(d.apps[:i], d.apps[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (d *fakeDevice) ListFiles(path string) ([]FileEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entries, ok := d.dirs[path]
	if !ok {
		return nil, ErrPathNotFound
	}
	return entries, nil
}

func (d *fakeDevice) ReadFile(path string) ([]byte, error)     { return nil, ErrPathNotFound }
func (d *fakeDevice) WriteFile(path string, data []byte) error { return nil }
func (d *fakeDevice) Backup(destPath string) error             { return nil }
func (d *fakeDevice) Restore(srcPath string) error             { return nil }
func (d *fakeDevice) Screenshot() ([]byte, error)              { return []byte{0x89, 'P', 'N', 'G'}, nil }
func (d *fakeDevice) Reboot() error                            { return nil }
func (d *fakeDevice) Shutdown() error                          { return nil }

func (d *fakeDevice) Close(disconnected bool) error {
	select {
	case <-d.closed:
	default:
		close(d.closed)
	}
	return nil
}

type fakeProvider struct {
	mu      sync.Mutex
	devices map[string]*fakeDevice
}

func newFakeProvider(udids ...string) *fakeProvider {
	p := &fakeProvider{devices: make(map[string]*fakeDevice)}
	for _, u := range udids {
		p.devices[u] = newFakeDevice()
	}
	return p
}

func (p *fakeProvider) Kind() string { return "fake" }

func (p *fakeProvider) Enumerate() ([]DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var infos []DeviceInfo
	for u := range p.devices {
		infos = append(infos, DeviceInfo{UDID: u, Battery: -1, Kind: "fake"})
	}
	return infos, nil
}

func (p *fakeProvider) Connect(udid string) (ProviderDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dev, ok := p.devices[udid]
	if !ok {
		return nil, errors.New("no such device")
	}
	return dev, nil
}

func (p *fakeProvider) Has(udid string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.devices[udid]
	return ok
}

func (p *fakeProvider) unplug(udid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.devices, udid)
}

func newTestCore(t *testing.T, p Provider) *Core {
	t.Helper()
	mw, err := memorywriter.New(1000, 10, false, nil)
	if err != nil {
		t.Fatal(err)
	}
	return New(p, mw, false)
}

func tempIpa(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "x.ipa")
	if err := ioutil.WriteFile(path, []byte("ipa"), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEnumerateEntriesSort(t *testing.T) {
	entries := EnumerateEntries{
		{DeviceInfo: DeviceInfo{UDID: "b"}},
		{DeviceInfo: DeviceInfo{UDID: "a"}},
		{DeviceInfo: DeviceInfo{UDID: "ab"}},
	}
	entries.Sort()
	if entries[0].UDID != "a" || entries[1].UDID != "ab" {
		t.Errorf("sort did not work, got %v", entries)
	}
}

func TestInstallThenListApps(t *testing.T) {
	c := newTestCore(t, newFakeProvider("ABC123"))
	ctx := context.Background()

	s, err := c.Acquire("ABC123", "")
	if err != nil {
		t.Fatal(err)
	}

	apps, err := c.ListApps(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if len(apps) != 0 {
		t.Fatalf("fresh device should have no apps, got %v", apps)
	}

	if err := c.InstallApp(ctx, s, tempIpa(t)); err != nil {
		t.Fatal(err)
	}

	apps, err = c.ListApps(ctx, s)
	if err != nil {
		t.Fatal(err)
	}
	if len(apps) != 1 || apps[0].BundleID != "x" {
		t.Fatalf("expected installed app record, got %v", apps)
	}
}

func TestInstallInvalidPackage(t *testing.T) {
	c := newTestCore(t, newFakeProvider("ABC123"))
	s, err := c.Acquire("ABC123", "")
	if err != nil {
		t.Fatal(err)
	}

	if err := c.InstallApp(context.Background(), s, "/nonexistent/x.ipa"); !errors.Is(err, ErrInvalidPackage) {
		t.Errorf("missing package: expected ErrInvalidPackage, got %v", err)
	}
	notIpa := filepath.Join(t.TempDir(), "x.zip")
	if err := ioutil.WriteFile(notIpa, []byte("zip"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := c.InstallApp(context.Background(), s, notIpa); !errors.Is(err, ErrInvalidPackage) {
		t.Errorf("wrong extension: expected ErrInvalidPackage, got %v", err)
	}
}

func TestUninstallMissingApp(t *testing.T) {
	c := newTestCore(t, newFakeProvider("ABC123"))
	s, err := c.Acquire("ABC123", "")
	if err != nil {
		t.Fatal(err)
	}
	err = c.UninstallApp(context.Background(), s, "com.example.absent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListFilesMissingPath(t *testing.T) {
	c := newTestCore(t, newFakeProvider("ABC123"))
	s, err := c.Acquire("ABC123", "")
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.ListFiles(context.Background(), s, "/no/such/dir")
	if !errors.Is(err, ErrPathNotFound) {
		t.Errorf("expected ErrPathNotFound, got %v", err)
	}
}

func TestConcurrentCallsRejected(t *testing.T) {
	p := newFakeProvider("ABC123")
	c := newTestCore(t, p)
	ctx := context.Background()

	s, err := c.Acquire("ABC123", "")
	if err != nil {
		t.Fatal(err)
	}

	block := make(chan struct{})
	p.devices["ABC123"].block = block

	first := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		close(started)
		_, e := c.ListApps(ctx, s)
		first <- e
	}()
	<-started
	// give the first call time to take the device
	time.Sleep(50 * time.Millisecond)

	_, err = c.ListApps(ctx, s)
	if !errors.Is(err, ErrDeviceBusy) {
		t.Errorf("second concurrent call: expected ErrDeviceBusy, got %v", err)
	}

	close(block)
	if e := <-first; e != nil {
		t.Errorf("first call should succeed, got %v", e)
	}
}

func TestCancelMidOperationReleases(t *testing.T) {
	p := newFakeProvider("ABC123")
	c := newTestCore(t, p)

	s, err := c.Acquire("ABC123", "")
	if err != nil {
		t.Fatal(err)
	}

	block := make(chan struct{})
	p.devices["ABC123"].block = block

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, e := c.ListApps(ctx, s)
		done <- e
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case e := <-done:
		if e == nil {
			t.Error("expected error after cancel, got nil")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("operation hung after cancel")
	}

	// session must be gone
	if err := c.Release(s); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected session released, got %v", err)
	}
}

func TestAcquireWrongPrev(t *testing.T) {
	c := newTestCore(t, newFakeProvider("ABC123"))

	s, err := c.Acquire("ABC123", "")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Acquire("ABC123", "bogus"); !errors.Is(err, ErrWrongPrevSession) {
		t.Errorf("expected ErrWrongPrevSession, got %v", err)
	}
	// without stealing, re-acquire with empty prev is rejected too
	if _, err := c.Acquire("ABC123", ""); !errors.Is(err, ErrWrongPrevSession) {
		t.Errorf("expected ErrWrongPrevSession, got %v", err)
	}

	if err := c.Release(s); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Acquire("ABC123", ""); err != nil {
		t.Errorf("acquire after release failed: %v", err)
	}
}

func TestEnumerateReleasesVanishedDevice(t *testing.T) {
	p := newFakeProvider("ABC123")
	c := newTestCore(t, p)

	s, err := c.Acquire("ABC123", "")
	if err != nil {
		t.Fatal(err)
	}

	p.unplug("ABC123")

	entries, err := c.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no devices, got %v", entries)
	}

	_, err = c.ListApps(context.Background(), s)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound after disconnect, got %v", err)
	}
}

func TestEnumerateShowsSession(t *testing.T) {
	c := newTestCore(t, newFakeProvider("ABC123"))

	s, err := c.Acquire("ABC123", "")
	if err != nil {
		t.Fatal(err)
	}
	entries, err := c.Enumerate()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Session == nil || *entries[0].Session != s {
		t.Errorf("expected session %s on entry, got %v", s, entries)
	}
}

func TestAcquireUnknownDevice(t *testing.T) {
	c := newTestCore(t, newFakeProvider())
	if _, err := c.Acquire("GHOST", ""); !errors.Is(err, ErrConnection) {
		t.Errorf("expected ErrConnection, got %v", err)
	}
}
