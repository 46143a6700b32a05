package tailscale

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// FileShim reads the device list from a JSON file instead of the API. The
// file holds either a bare array of devices or {"devices": [...]}, the shape
// the devices endpoint returns.
type FileShim struct {
	filePath string
	mu       sync.RWMutex
}

// Ensure FileShim implements DeviceLister.
var _ DeviceLister = (*FileShim)(nil)

// NewFileShim creates a new file-based device source.
func NewFileShim(filePath string) *FileShim {
	return &FileShim{filePath: filePath}
}

// ListDevices reads the devices from the file. A missing file is an empty
// tailnet.
func (f *FileShim) ListDevices(ctx context.Context) ([]Device, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(f.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading device file: %w", err)
	}

	var devices []Device
	if err := json.Unmarshal(data, &devices); err == nil {
		return devices, nil
	}
	var wrapped struct {
		Devices []Device `json:"devices"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parsing device file: %w", err)
	}
	return wrapped.Devices, nil
}

// WriteDevices replaces the file contents with devices.
func (f *FileShim) WriteDevices(devices []Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.MarshalIndent(map[string][]Device{"devices": devices}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling devices: %w", err)
	}
	if err := os.WriteFile(f.filePath, data, 0644); err != nil {
		return fmt.Errorf("writing device file: %w", err)
	}
	return nil
}
