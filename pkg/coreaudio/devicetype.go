package coreaudio

import (
	"fmt"
	"log"
	"sync"
)

// DeviceType scans the hardware for available devices, keeps parallel
// name/id tables for each direction, and constructs Devices on demand. One
// hardware listener forwards device-list changes to every live core;
// default-device changes are left to the caller to handle.
type DeviceType struct {
	hal HAL

	mu          sync.Mutex
	hasScanned  bool
	inputNames  []string
	outputNames []string
	inputIDs    []DeviceID
	outputIDs   []DeviceID
	live        []*Device
}

// NewDeviceType creates a registry over the given HAL and installs the
// hardware listener.
func NewDeviceType(hal HAL) (*DeviceType, error) {
	t := &DeviceType{hal: hal}
	if err := hal.AddHardwareListener(t.hardwareChanged); err != nil {
		return nil, fmt.Errorf("failed to add hardware listener: %w", err)
	}
	return t, nil
}

// Close removes the hardware listener. Live devices are not touched.
func (t *DeviceType) Close() {
	if err := t.hal.RemoveHardwareListener(); err != nil {
		log.Printf("CoreAudio: failed to remove hardware listener: %v", err)
	}
}

// ScanForDevices rebuilds the device tables. Devices with input channels go
// in the input table, devices with output channels in the output table; a
// duplex device appears in both. Must be called before any other accessor.
func (t *DeviceType) ScanForDevices() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.hasScanned = true
	t.inputNames = t.inputNames[:0]
	t.outputNames = t.outputNames[:0]
	t.inputIDs = t.inputIDs[:0]
	t.outputIDs = t.outputIDs[:0]

	devs, err := t.hal.Devices()
	if err != nil {
		log.Printf("CoreAudio: device list read failed: %v", err)
		return
	}

	for _, id := range devs {
		name, err := t.hal.DeviceName(id)
		if err != nil {
			log.Printf("CoreAudio: name read failed for device %d: %v", id, err)
			continue
		}

		numIns := t.numChannels(id, true)
		numOuts := t.numChannels(id, false)

		if numIns > 0 {
			t.inputNames = append(t.inputNames, name)
			t.inputIDs = append(t.inputIDs, id)
		}
		if numOuts > 0 {
			t.outputNames = append(t.outputNames, name)
			t.outputIDs = append(t.outputIDs, id)
		}
	}

	appendNumbersToDuplicates(t.inputNames)
	appendNumbersToDuplicates(t.outputNames)
}

// DeviceNames returns the ordered device names for one direction.
func (t *DeviceType) DeviceNames(wantInputNames bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustHaveScanned()

	src := t.outputNames
	if wantInputNames {
		src = t.inputNames
	}
	out := make([]string, len(src))
	copy(out, src)
	return out
}

// DefaultDeviceIndex returns the index of the OS default device in the
// corresponding table, or 0 when the default is not present.
func (t *DeviceType) DefaultDeviceIndex(forInput bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustHaveScanned()

	id, err := t.hal.DefaultDevice(forInput)
	if err != nil {
		return 0
	}

	ids := t.outputIDs
	if forInput {
		ids = t.inputIDs
	}
	for i, d := range ids {
		if d == id {
			return i
		}
	}
	return 0
}

// DeviceNameForID returns the scanned name for a device id in one
// direction's table, so ids from RelatedDuplexDeviceID can be turned back
// into names for CreateDevice.
func (t *DeviceType) DeviceNameForID(id DeviceID, asInput bool) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustHaveScanned()

	ids := t.outputIDs
	names := t.outputNames
	if asInput {
		ids = t.inputIDs
		names = t.inputNames
	}
	for i, d := range ids {
		if d == id {
			return names[i], true
		}
	}
	return "", false
}

// IndexOfDevice returns the position of a live device in the input or output
// table, or -1.
func (t *DeviceType) IndexOfDevice(d *Device, asInput bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mustHaveScanned()

	if d == nil {
		return -1
	}
	if asInput {
		return d.inputIndex
	}
	return d.outputIndex
}

// HasSeparateInputsAndOutputs reports that input and output devices are
// selected independently.
func (t *DeviceType) HasSeparateInputsAndOutputs() bool { return true }

// CreateDevice resolves the given names and builds a logical device. An
// empty output name makes the input device serve both directions. Distinct
// devices are combined master (output) and slave (input). Returns an error
// when neither name resolves or the output device fails to open; a failed
// input device degrades to an output-only result.
func (t *DeviceType) CreateDevice(outputDeviceName, inputDeviceName string) (*Device, error) {
	t.mu.Lock()
	t.mustHaveScanned()

	inputIndex := indexOfString(t.inputNames, inputDeviceName)
	outputIndex := indexOfString(t.outputNames, outputDeviceName)

	var inputID, outputID DeviceID
	if inputIndex >= 0 {
		inputID = t.inputIDs[inputIndex]
	}
	if outputIndex >= 0 {
		outputID = t.outputIDs[outputIndex]
	}
	t.mu.Unlock()

	deviceName := outputDeviceName
	if deviceName == "" {
		deviceName = inputDeviceName
	}

	if inputIndex < 0 && outputIndex < 0 {
		return nil, fmt.Errorf("no device matches %q / %q", outputDeviceName, inputDeviceName)
	}

	d, err := newDevice(t, deviceName, inputID, inputIndex, outputID, outputIndex)
	if err != nil {
		return nil, err
	}

	t.registerLive(d)
	return d, nil
}

// hardwareChanged forwards device-list mutations to every live core.
// Default-device changes are ignored here; re-selection is the device
// manager's job.
func (t *DeviceType) hardwareChanged(sel PropertySelector) {
	if sel != selHardwareDevices {
		return
	}

	t.mu.Lock()
	live := make([]*Device, len(t.live))
	copy(live, t.live)
	t.mu.Unlock()

	for _, d := range live {
		if d.core != nil {
			d.core.deviceDetailsChanged()
			if d.core.slave != nil {
				d.core.slave.deviceDetailsChanged()
			}
		}
	}
}

func (t *DeviceType) registerLive(d *Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.live = append(t.live, d)
}

func (t *DeviceType) unregisterLive(d *Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, x := range t.live {
		if x == d {
			t.live = append(t.live[:i], t.live[i+1:]...)
			return
		}
	}
}

func (t *DeviceType) numChannels(id DeviceID, input bool) int {
	streams, err := t.hal.StreamConfiguration(id, input)
	if err != nil {
		return 0
	}
	total := 0
	for _, n := range streams {
		total += n
	}
	return total
}

// mustHaveScanned panics on API misuse: every accessor requires a prior
// ScanForDevices. Caller holds mu.
func (t *DeviceType) mustHaveScanned() {
	if !t.hasScanned {
		panic("coreaudio: ScanForDevices must be called before using the device type")
	}
}

// appendNumbersToDuplicates disambiguates repeated names in place by
// suffixing " (n)" with ascending n across all occurrences.
func appendNumbersToDuplicates(names []string) {
	counts := make(map[string]int, len(names))
	for _, name := range names {
		counts[name]++
	}

	seen := make(map[string]int, len(names))
	for i, name := range names {
		if counts[name] > 1 {
			seen[name]++
			names[i] = fmt.Sprintf("%s (%d)", name, seen[name])
		}
	}
}

func indexOfString(list []string, s string) int {
	if s == "" {
		return -1
	}
	for i, x := range list {
		if x == s {
			return i
		}
	}
	return -1
}
