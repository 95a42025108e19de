package coreaudio

import (
	"fmt"
	"sync"
)

// MockDeviceConfig describes one simulated device attached to a MockHAL.
type MockDeviceConfig struct {
	Name          string
	InputStreams  []int // channels per input buffer-list entry
	OutputStreams []int // channels per output buffer-list entry
	SampleRate    float64
	BufferFrames  int

	// Optional. When empty, a singleton range around the current value is
	// reported.
	SampleRateRanges  []Range
	BufferFrameRanges []Range

	InputLatency  int
	OutputLatency int

	DataSources     []uint32
	DataSourceNames map[uint32]string

	RelatedDevices []DeviceID

	// ConvergePolls delays rate/size changes: the new value becomes visible
	// only after that many property reads. Zero applies changes immediately;
	// a negative value never converges.
	ConvergePolls int

	// FailStart makes StartDevice reject, simulating a device that refuses
	// to run.
	FailStart bool
}

type mockDevice struct {
	cfg MockDeviceConfig

	sampleRate   float64
	bufferFrames int

	pendingRate      float64
	pendingRateLeft  int
	ratePending      bool
	pendingFrames    int
	pendingSizeLeft  int
	sizePending      bool

	currentSource uint32
	running       bool
	proc          IOProc
	listener      func(PropertySelector)
}

// MockHAL implements HAL entirely in memory for testing. Tests script it
// with devices, drive the I/O path with Render, and fire property
// notifications by hand. Listener and proc invocations never hold the mock's
// own lock, so cores may call back into the HAL freely.
type MockHAL struct {
	mu       sync.Mutex
	devices  map[DeviceID]*mockDevice
	order    []DeviceID
	defaults [2]DeviceID // input, output

	hardwareListener func(PropertySelector)
	callCounts       map[string]int
}

// NewMockHAL creates an empty mock HAL.
func NewMockHAL() *MockHAL {
	return &MockHAL{
		devices:    make(map[DeviceID]*mockDevice),
		callCounts: make(map[string]int),
	}
}

// AddDevice attaches a simulated device under the given id.
func (m *MockHAL) AddDevice(id DeviceID, cfg MockDeviceConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.SampleRate == 0 {
		cfg.SampleRate = 44100
	}
	if cfg.BufferFrames == 0 {
		cfg.BufferFrames = 512
	}

	dev := &mockDevice{
		cfg:          cfg,
		sampleRate:   cfg.SampleRate,
		bufferFrames: cfg.BufferFrames,
	}
	if len(cfg.DataSources) > 0 {
		dev.currentSource = cfg.DataSources[0]
	}

	m.devices[id] = dev
	m.order = append(m.order, id)
}

// SetDefaultDevice marks a device as the OS default for one direction.
func (m *MockHAL) SetDefaultDevice(forInput bool, id DeviceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if forInput {
		m.defaults[0] = id
	} else {
		m.defaults[1] = id
	}
}

// NewStreamBuffers allocates a zeroed buffer list shaped like the device's
// stream configuration for one direction.
func (m *MockHAL) NewStreamBuffers(id DeviceID, input bool) []StreamBuffer {
	m.mu.Lock()
	defer m.mu.Unlock()

	dev := m.devices[id]
	if dev == nil {
		return nil
	}

	streams := dev.cfg.OutputStreams
	if input {
		streams = dev.cfg.InputStreams
	}

	out := make([]StreamBuffer, len(streams))
	for i, ch := range streams {
		out[i] = StreamBuffer{Channels: ch, Data: make([]float32, ch*dev.bufferFrames)}
	}
	return out
}

// Render invokes the device's installed I/O proc once with the given buffer
// lists, as the OS I/O thread would.
func (m *MockHAL) Render(id DeviceID, in, out []StreamBuffer) error {
	m.mu.Lock()
	dev := m.devices[id]
	if dev == nil {
		m.mu.Unlock()
		return fmt.Errorf("unknown device %d", id)
	}
	proc := dev.proc
	m.mu.Unlock()

	if proc == nil {
		return fmt.Errorf("no I/O proc installed on device %d", id)
	}
	proc(in, out)
	return nil
}

// FireDeviceProperty invokes the device's property listener, as the OS
// notification thread would.
func (m *MockHAL) FireDeviceProperty(id DeviceID, sel PropertySelector) {
	m.mu.Lock()
	var listener func(PropertySelector)
	if dev := m.devices[id]; dev != nil {
		listener = dev.listener
	}
	m.mu.Unlock()

	if listener != nil {
		listener(sel)
	}
}

// FireHardwareProperty invokes the hardware listener.
func (m *MockHAL) FireHardwareProperty(sel PropertySelector) {
	m.mu.Lock()
	listener := m.hardwareListener
	m.mu.Unlock()

	if listener != nil {
		listener(sel)
	}
}

// CallCount returns how many times a HAL method has been called, keyed by
// method name.
func (m *MockHAL) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

// IsRunning reports the simulated running state of a device.
func (m *MockHAL) IsRunning(id DeviceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev := m.devices[id]
	return dev != nil && dev.running
}

// HasIOProc reports whether an I/O proc is currently installed.
func (m *MockHAL) HasIOProc(id DeviceID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev := m.devices[id]
	return dev != nil && dev.proc != nil
}

func (m *MockHAL) lookup(id DeviceID) (*mockDevice, error) {
	dev := m.devices[id]
	if dev == nil {
		return nil, fmt.Errorf("unknown device %d", id)
	}
	return dev, nil
}

// HAL implementation.

func (m *MockHAL) Devices() ([]DeviceID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["Devices"]++
	out := make([]DeviceID, len(m.order))
	copy(out, m.order)
	return out, nil
}

func (m *MockHAL) DeviceName(id DeviceID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["DeviceName"]++
	dev, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	return dev.cfg.Name, nil
}

func (m *MockHAL) DefaultDevice(forInput bool) (DeviceID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["DefaultDevice"]++
	if forInput {
		return m.defaults[0], nil
	}
	return m.defaults[1], nil
}

func (m *MockHAL) StreamConfiguration(id DeviceID, input bool) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["StreamConfiguration"]++
	dev, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	streams := dev.cfg.OutputStreams
	if input {
		streams = dev.cfg.InputStreams
	}
	out := make([]int, len(streams))
	copy(out, streams)
	return out, nil
}

func (m *MockHAL) NominalSampleRate(id DeviceID) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["NominalSampleRate"]++
	dev, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	if dev.ratePending {
		if dev.pendingRateLeft > 0 {
			dev.pendingRateLeft--
			if dev.pendingRateLeft == 0 {
				dev.sampleRate = dev.pendingRate
				dev.ratePending = false
			}
		}
	}
	return dev.sampleRate, nil
}

func (m *MockHAL) SetNominalSampleRate(id DeviceID, input bool, rate float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["SetNominalSampleRate"]++
	dev, err := m.lookup(id)
	if err != nil {
		return err
	}
	switch {
	case dev.cfg.ConvergePolls == 0:
		dev.sampleRate = rate
		dev.ratePending = false
	case dev.cfg.ConvergePolls < 0:
		// Never converges.
	default:
		dev.pendingRate = rate
		dev.pendingRateLeft = dev.cfg.ConvergePolls
		dev.ratePending = true
	}
	return nil
}

func (m *MockHAL) AvailableSampleRates(id DeviceID) ([]Range, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["AvailableSampleRates"]++
	dev, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if len(dev.cfg.SampleRateRanges) > 0 {
		out := make([]Range, len(dev.cfg.SampleRateRanges))
		copy(out, dev.cfg.SampleRateRanges)
		return out, nil
	}
	return []Range{{Min: dev.sampleRate, Max: dev.sampleRate}}, nil
}

func (m *MockHAL) BufferFrameSize(id DeviceID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["BufferFrameSize"]++
	dev, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	if dev.sizePending {
		if dev.pendingSizeLeft > 0 {
			dev.pendingSizeLeft--
			if dev.pendingSizeLeft == 0 {
				dev.bufferFrames = dev.pendingFrames
				dev.sizePending = false
			}
		}
	}
	return dev.bufferFrames, nil
}

func (m *MockHAL) SetBufferFrameSize(id DeviceID, input bool, frames int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["SetBufferFrameSize"]++
	dev, err := m.lookup(id)
	if err != nil {
		return err
	}
	switch {
	case dev.cfg.ConvergePolls == 0:
		dev.bufferFrames = frames
		dev.sizePending = false
	case dev.cfg.ConvergePolls < 0:
		// Never converges.
	default:
		dev.pendingFrames = frames
		dev.pendingSizeLeft = dev.cfg.ConvergePolls
		dev.sizePending = true
	}
	return nil
}

func (m *MockHAL) BufferFrameSizeRange(id DeviceID) ([]Range, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["BufferFrameSizeRange"]++
	dev, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if len(dev.cfg.BufferFrameRanges) > 0 {
		out := make([]Range, len(dev.cfg.BufferFrameRanges))
		copy(out, dev.cfg.BufferFrameRanges)
		return out, nil
	}
	return []Range{{Min: float64(dev.bufferFrames), Max: float64(dev.bufferFrames)}}, nil
}

func (m *MockHAL) Latency(id DeviceID, input bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["Latency"]++
	dev, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	if input {
		return dev.cfg.InputLatency, nil
	}
	return dev.cfg.OutputLatency, nil
}

func (m *MockHAL) DeviceIsRunning(id DeviceID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["DeviceIsRunning"]++
	dev, err := m.lookup(id)
	if err != nil {
		return false, err
	}
	return dev.running, nil
}

func (m *MockHAL) RelatedDevices(id DeviceID) ([]DeviceID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["RelatedDevices"]++
	dev, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	out := make([]DeviceID, len(dev.cfg.RelatedDevices))
	copy(out, dev.cfg.RelatedDevices)
	return out, nil
}

func (m *MockHAL) DataSources(id DeviceID, input bool) ([]uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["DataSources"]++
	dev, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, len(dev.cfg.DataSources))
	copy(out, dev.cfg.DataSources)
	return out, nil
}

func (m *MockHAL) DataSourceName(id DeviceID, input bool, source uint32) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["DataSourceName"]++
	dev, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	name, ok := dev.cfg.DataSourceNames[source]
	if !ok {
		return "", fmt.Errorf("unknown data source %d", source)
	}
	return name, nil
}

func (m *MockHAL) CurrentDataSource(id DeviceID, input bool) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["CurrentDataSource"]++
	dev, err := m.lookup(id)
	if err != nil {
		return 0, err
	}
	if len(dev.cfg.DataSources) == 0 {
		return 0, fmt.Errorf("device %d has no data sources", id)
	}
	return dev.currentSource, nil
}

func (m *MockHAL) SetDataSource(id DeviceID, input bool, source uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["SetDataSource"]++
	dev, err := m.lookup(id)
	if err != nil {
		return err
	}
	dev.currentSource = source
	return nil
}

func (m *MockHAL) AddIOProc(id DeviceID, proc IOProc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["AddIOProc"]++
	dev, err := m.lookup(id)
	if err != nil {
		return err
	}
	if dev.proc != nil {
		return fmt.Errorf("device %d already has an I/O proc", id)
	}
	dev.proc = proc
	return nil
}

func (m *MockHAL) RemoveIOProc(id DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["RemoveIOProc"]++
	dev, err := m.lookup(id)
	if err != nil {
		return err
	}
	dev.proc = nil
	return nil
}

func (m *MockHAL) StartDevice(id DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["StartDevice"]++
	dev, err := m.lookup(id)
	if err != nil {
		return err
	}
	if dev.proc == nil {
		return fmt.Errorf("device %d has no I/O proc", id)
	}
	if dev.cfg.FailStart {
		return fmt.Errorf("device %d refused to start", id)
	}
	dev.running = true
	return nil
}

func (m *MockHAL) StopDevice(id DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["StopDevice"]++
	dev, err := m.lookup(id)
	if err != nil {
		return err
	}
	dev.running = false
	return nil
}

func (m *MockHAL) AddPropertyListener(id DeviceID, fn func(PropertySelector)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["AddPropertyListener"]++
	dev, err := m.lookup(id)
	if err != nil {
		return err
	}
	dev.listener = fn
	return nil
}

func (m *MockHAL) RemovePropertyListener(id DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["RemovePropertyListener"]++
	dev, err := m.lookup(id)
	if err != nil {
		return err
	}
	dev.listener = nil
	return nil
}

func (m *MockHAL) AddHardwareListener(fn func(PropertySelector)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["AddHardwareListener"]++
	m.hardwareListener = fn
	return nil
}

func (m *MockHAL) RemoveHardwareListener() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts["RemoveHardwareListener"]++
	m.hardwareListener = nil
	return nil
}
