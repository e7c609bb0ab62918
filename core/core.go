// Package core holds the device session logic: which device is acquired
// by which session, and the guarantee that a device runs at most one
// operation at a time.
//
// The provider package is not imported here; providers are injected
// through the Provider interface so the core can be exercised against a
// fake in tests.
package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/idevmgr/idevd-go/memorywriter"
)

// Provider is the external device-communication capability. Everything
// that actually talks to a device (usbmuxd, lockdown, installation proxy)
// lives behind it.
type Provider interface {
	Kind() string
	Enumerate() ([]DeviceInfo, error)
	Connect(udid string) (ProviderDevice, error)
	Has(udid string) bool
}

// ProviderDevice is a connected device as seen by a provider. Operations
// block until the provider responds or its internal timeout fires.
type ProviderDevice interface {
	Info() (DeviceInfo, error)
	ListApps() ([]AppRecord, error)
	InstallApp(pkgPath string) error
	UninstallApp(bundleID string) error
	ListFiles(path string) ([]FileEntry, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	Backup(destPath string) error
	Restore(srcPath string) error
	Screenshot() ([]byte, error)
	Reboot() error
	Shutdown() error
	Close(disconnected bool) error
}

type DeviceInfo struct {
	UDID        string `json:"udid"`
	Name        string `json:"name,omitempty"`
	ProductType string `json:"productType,omitempty"`
	OSVersion   string `json:"osVersion,omitempty"`
	Battery     int    `json:"battery"` // percent, -1 when unknown
	Kind        string `json:"kind"`    // which provider owns the device
}

type AppRecord struct {
	BundleID    string `json:"bundleId"`
	DisplayName string `json:"name"`
	Version     string `json:"version"`
}

type FileKind string

const (
	KindFile      FileKind = "file"
	KindDirectory FileKind = "directory"
)

type FileEntry struct {
	Path string   `json:"path"`
	Kind FileKind `json:"kind"`
	Size int64    `json:"size"`
}

type EnumerateEntry struct {
	DeviceInfo

	Session *string `json:"session"`
}

type EnumerateEntries []EnumerateEntry

func (entries EnumerateEntries) Len() int {
	return len(entries)
}
func (entries EnumerateEntries) Less(i, j int) bool {
	return entries[i].UDID < entries[j].UDID
}
func (entries EnumerateEntries) Swap(i, j int) {
	entries[i], entries[j] = entries[j], entries[i]
}
func (entries EnumerateEntries) Sort() {
	sort.Sort(entries)
}

var (
	ErrConnection       = errors.New("could not connect to device")
	ErrDeviceBusy       = errors.New("other operation in progress")
	ErrInvalidPackage   = errors.New("invalid application package")
	ErrNotFound         = errors.New("application not found")
	ErrPathNotFound     = errors.New("path not found")
	ErrNotSupported     = errors.New("operation not supported by provider")
	ErrSessionNotFound  = errors.New("session not found")
	ErrWrongPrevSession = errors.New("wrong previous session")
)

type session struct {
	udid string
	id   string
	dev  ProviderDevice
	call int32 // atomic; 1 while an operation runs on the device
}

type Core struct {
	provider Provider

	sessions      map[string]*session
	sessionsMutex sync.Mutex // for atomic access to sessions

	allowStealing bool

	callsInProgress int          // we cannot run operations and enumeration at the same time
	callMutex       sync.Mutex   // for atomic access to callsInProgress, plus prevent enumeration
	lastInfos       []DeviceInfo // when a call is in progress, use saved info for enumerating

	log *memorywriter.MemoryWriter
}

func New(provider Provider, log *memorywriter.MemoryWriter, allowStealing bool) *Core {
	return &Core{
		provider:      provider,
		sessions:      make(map[string]*session),
		log:           log,
		allowStealing: allowStealing,
	}
}

func (c *Core) Log(s string) {
	c.log.Log("core - " + s)
}

// Enumerate lists known devices and their session assignment. Sessions of
// devices that vanished from the provider are released here.
func (c *Core) Enumerate() ([]EnumerateEntry, error) {
	c.Log("enumerate locking sessionsMutex")
	c.sessionsMutex.Lock()
	defer c.sessionsMutex.Unlock()

	// Lock for atomic access to callsInProgress. It needs to cover the
	// whole function, so that an operation does not start mid-enumeration.
	c.Log("enumerate locking callMutex")
	c.callMutex.Lock()
	defer c.callMutex.Unlock()

	// Use the saved snapshot if an operation is in progress, otherwise ask
	// the provider.
	infos := c.lastInfos

	c.Log(fmt.Sprintf("enumerate callsInProgress %d", c.callsInProgress))
	if c.callsInProgress == 0 {
		c.Log("enumerate provider")
		providerInfos, err := c.provider.Enumerate()
		if err != nil {
			return nil, err
		}
		infos = providerInfos
		c.lastInfos = infos
	}

	entries := c.createEnumerateEntries(infos)
	c.Log("enumerate release disconnected")
	c.releaseDisconnected(infos)
	return entries, nil
}

func (c *Core) createEnumerateEntries(infos []DeviceInfo) EnumerateEntries {
	entries := make(EnumerateEntries, 0, len(infos))
	for _, info := range infos {
		e := EnumerateEntry{DeviceInfo: info}
		for _, ss := range c.sessions {
			if ss.udid == info.UDID {
				// Copying to prevent overwriting on Acquire and
				// wrong comparison in Listen.
				ssidCopy := ss.id
				e.Session = &ssidCopy
			}
		}
		entries = append(entries, e)
	}
	entries.Sort()
	return entries
}

func (c *Core) releaseDisconnected(infos []DeviceInfo) {
	for ssid, ss := range c.sessions {
		connected := false
		for _, info := range infos {
			if ss.udid == info.UDID {
				connected = true
			}
		}
		if !connected {
			c.Log(fmt.Sprintf("releasing disconnected device %s", ssid))
			if err := c.release(ssid, true); err != nil {
				// just log; the device is gone anyway
				c.Log(fmt.Sprintf("error on releasing disconnected device: %s", err))
			}
		}
	}
}

// Listen long-polls enumeration until the device list changes, the
// request is cancelled, or the iteration budget runs out.
func (c *Core) Listen(ctx context.Context, entries []EnumerateEntry) ([]EnumerateEntry, error) {
	c.Log("listen starting")

	const (
		iterMax   = 600
		iterDelay = 500 * time.Millisecond
	)

	EnumerateEntries(entries).Sort()

	for i := 0; i < iterMax; i++ {
		e, err := c.Enumerate()
		if err != nil {
			return nil, err
		}
		if reflect.DeepEqual(entries, e) {
			select {
			case <-ctx.Done():
				c.Log("listen request closed")
				return nil, nil
			case <-time.After(iterDelay):
			}
		} else {
			c.Log("listen different")
			entries = e
			break
		}
	}
	c.Log("listen encoding and exiting")
	return entries, nil
}

func (c *Core) findPrevSession(udid string) string {
	// sessionsMutex must be held
	for _, ss := range c.sessions {
		if ss.udid == udid {
			return ss.id
		}
	}
	return ""
}

// Acquire connects a device and opens a session on it. The caller must
// pass the session id it believes is currently open on the device (empty
// for none); a mismatch is rejected so two callers cannot silently steal
// the device from each other.
func (c *Core) Acquire(udid, prev string) (string, error) {
	c.Log("acquire - locking sessionsMutex")
	c.sessionsMutex.Lock()
	defer c.sessionsMutex.Unlock()

	c.Log(fmt.Sprintf("acquire - input udid %s prev %s", udid, prev))

	prevSession := c.findPrevSession(udid)
	if prevSession != prev {
		return "", ErrWrongPrevSession
	}

	if !c.allowStealing && prevSession != "" {
		return "", ErrDeviceBusy
	}

	if prev != "" {
		c.Log("acquire - releasing previous")
		if err := c.release(prev, false); err != nil {
			return "", err
		}
	}

	c.Log("acquire - trying to connect")
	dev, err := c.tryConnect(udid)
	if err != nil {
		return "", err
	}

	id := c.newSession()
	c.sessions[id] = &session{
		udid: udid,
		dev:  dev,
		call: 0,
		id:   id,
	}

	c.Log(fmt.Sprintf("acquire - new session is %s", id))
	return id, nil
}

// A device that has just been plugged in can still be settling in usbmuxd.
// Try 3 times with a 100ms delay.
func (c *Core) tryConnect(udid string) (ProviderDevice, error) {
	tries := 0
	for {
		c.Log(fmt.Sprintf("tryConnect - try number %d", tries))
		dev, err := c.provider.Connect(udid)
		if err == nil {
			return dev, nil
		}
		if tries >= 3 {
			c.Log("tryConnect - too many times, exiting")
			return nil, fmt.Errorf("%w: %s", ErrConnection, err)
		}
		tries++
		time.Sleep(100 * time.Millisecond)
	}
}

var latestSessionID int32

func (c *Core) newSession() string {
	return strconv.Itoa(int(atomic.AddInt32(&latestSessionID, 1)))
}

func (c *Core) Release(sessionID string) error {
	c.sessionsMutex.Lock()
	defer c.sessionsMutex.Unlock()
	return c.release(sessionID, false)
}

func (c *Core) release(sessionID string, disconnected bool) error {
	c.Log(fmt.Sprintf("inner release - session %s", sessionID))
	acquired := c.sessions[sessionID]
	if acquired == nil {
		c.Log("inner release - session not found")
		return ErrSessionNotFound
	}
	delete(c.sessions, sessionID)

	c.Log("inner release - device close")
	return acquired.dev.Close(disconnected)
}

// call runs f on the session's device, enforcing single-flight per device.
// A concurrent operation on the same session fails with ErrDeviceBusy
// instead of queueing. When ctx is cancelled mid-operation the session is
// auto-released, so a vanished caller does not pin the device.
func (c *Core) call(ctx context.Context, sessionID string, f func(dev ProviderDevice) error) error {
	c.Log("call - start")

	c.callMutex.Lock()
	c.callsInProgress++
	c.callMutex.Unlock()

	defer func() {
		c.callMutex.Lock()
		c.callsInProgress--
		c.callMutex.Unlock()
	}()

	c.sessionsMutex.Lock()
	acquired := c.sessions[sessionID]
	c.sessionsMutex.Unlock()

	if acquired == nil {
		return ErrSessionNotFound
	}

	freeToCall := atomic.CompareAndSwapInt32(&acquired.call, 0, 1)
	if !freeToCall {
		return ErrDeviceBusy
	}
	defer atomic.StoreInt32(&acquired.call, 0)

	finished := make(chan struct{})
	defer close(finished)

	go func() {
		select {
		case <-finished:
		case <-ctx.Done():
			c.Log("call - detected request close, auto-release")
			c.sessionsMutex.Lock()
			errRelease := c.release(sessionID, false)
			c.sessionsMutex.Unlock()
			if errRelease != nil {
				// just log, the request is already gone
				c.Log(fmt.Sprintf("error while releasing: %s", errRelease.Error()))
			}
		}
	}()

	c.Log("call - before actual operation")
	err := f(acquired.dev)
	c.Log("call - after actual operation")
	return err
}

func (c *Core) Info(ctx context.Context, sessionID string) (DeviceInfo, error) {
	var info DeviceInfo
	err := c.call(ctx, sessionID, func(dev ProviderDevice) error {
		var e error
		info, e = dev.Info()
		return e
	})
	return info, err
}

func (c *Core) ListApps(ctx context.Context, sessionID string) ([]AppRecord, error) {
	var apps []AppRecord
	err := c.call(ctx, sessionID, func(dev ProviderDevice) error {
		var e error
		apps, e = dev.ListApps()
		return e
	})
	return apps, err
}

// InstallApp validates the package before the provider ever sees it; a
// missing or non-ipa path is a caller mistake, not a provider failure.
func (c *Core) InstallApp(ctx context.Context, sessionID, pkgPath string) error {
	if strings.ToLower(filepath.Ext(pkgPath)) != ".ipa" {
		return ErrInvalidPackage
	}
	st, err := os.Stat(pkgPath)
	if err != nil || st.IsDir() {
		return ErrInvalidPackage
	}
	return c.call(ctx, sessionID, func(dev ProviderDevice) error {
		return dev.InstallApp(pkgPath)
	})
}

func (c *Core) UninstallApp(ctx context.Context, sessionID, bundleID string) error {
	return c.call(ctx, sessionID, func(dev ProviderDevice) error {
		return dev.UninstallApp(bundleID)
	})
}

func (c *Core) ListFiles(ctx context.Context, sessionID, path string) ([]FileEntry, error) {
	var files []FileEntry
	err := c.call(ctx, sessionID, func(dev ProviderDevice) error {
		var e error
		files, e = dev.ListFiles(path)
		return e
	})
	return files, err
}

func (c *Core) ReadFile(ctx context.Context, sessionID, path string) ([]byte, error) {
	var data []byte
	err := c.call(ctx, sessionID, func(dev ProviderDevice) error {
		var e error
		data, e = dev.ReadFile(path)
		return e
	})
	return data, err
}

func (c *Core) WriteFile(ctx context.Context, sessionID, path string, data []byte) error {
	return c.call(ctx, sessionID, func(dev ProviderDevice) error {
		return dev.WriteFile(path, data)
	})
}

func (c *Core) Backup(ctx context.Context, sessionID, destPath string) error {
	return c.call(ctx, sessionID, func(dev ProviderDevice) error {
		return dev.Backup(destPath)
	})
}

func (c *Core) Restore(ctx context.Context, sessionID, srcPath string) error {
	return c.call(ctx, sessionID, func(dev ProviderDevice) error {
		return dev.Restore(srcPath)
	})
}

func (c *Core) Screenshot(ctx context.Context, sessionID string) ([]byte, error) {
	var png []byte
	err := c.call(ctx, sessionID, func(dev ProviderDevice) error {
		var e error
		png, e = dev.Screenshot()
		return e
	})
	return png, err
}

func (c *Core) Reboot(ctx context.Context, sessionID string) error {
	return c.call(ctx, sessionID, func(dev ProviderDevice) error {
		return dev.Reboot()
	})
}

func (c *Core) Shutdown(ctx context.Context, sessionID string) error {
	return c.call(ctx, sessionID, func(dev ProviderDevice) error {
		return dev.Shutdown()
	})
}
