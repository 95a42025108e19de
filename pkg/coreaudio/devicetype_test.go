package coreaudio

import (
	"testing"
	"time"
)

func newScannedRegistry(t *testing.T) (*MockHAL, *DeviceType) {
	t.Helper()

	hal := NewMockHAL()
	hal.AddDevice(1, MockDeviceConfig{
		Name:         "Built-in Microphone",
		InputStreams: []int{2},
	})
	hal.AddDevice(2, MockDeviceConfig{
		Name:          "Built-in Output",
		OutputStreams: []int{2},
	})
	hal.AddDevice(3, MockDeviceConfig{
		Name:          "USB Interface",
		InputStreams:  []int{2},
		OutputStreams: []int{2},
	})

	dt, err := NewDeviceType(hal)
	if err != nil {
		t.Fatalf("Failed to create device type: %v", err)
	}
	dt.ScanForDevices()
	return hal, dt
}

func TestScanForDevices(t *testing.T) {
	_, dt := newScannedRegistry(t)

	inputs := dt.DeviceNames(true)
	outputs := dt.DeviceNames(false)

	if len(inputs) != 2 || inputs[0] != "Built-in Microphone" || inputs[1] != "USB Interface" {
		t.Errorf("Unexpected input names: %v", inputs)
	}
	if len(outputs) != 2 || outputs[0] != "Built-in Output" || outputs[1] != "USB Interface" {
		t.Errorf("Unexpected output names: %v", outputs)
	}
}

func TestScanSkipsChannellessDirections(t *testing.T) {
	hal := NewMockHAL()
	hal.AddDevice(1, MockDeviceConfig{Name: "In Only", InputStreams: []int{1}})

	dt, err := NewDeviceType(hal)
	if err != nil {
		t.Fatalf("Failed to create device type: %v", err)
	}
	dt.ScanForDevices()

	if got := dt.DeviceNames(false); len(got) != 0 {
		t.Errorf("Expected no output devices, got %v", got)
	}
	if got := dt.DeviceNames(true); len(got) != 1 {
		t.Errorf("Expected one input device, got %v", got)
	}
}

func TestDuplicateNamesDisambiguated(t *testing.T) {
	hal := NewMockHAL()
	hal.AddDevice(1, MockDeviceConfig{Name: "USB Audio", InputStreams: []int{2}})
	hal.AddDevice(2, MockDeviceConfig{Name: "USB Audio", InputStreams: []int{2}})
	hal.AddDevice(3, MockDeviceConfig{Name: "Other", InputStreams: []int{2}})

	dt, err := NewDeviceType(hal)
	if err != nil {
		t.Fatalf("Failed to create device type: %v", err)
	}
	dt.ScanForDevices()

	names := dt.DeviceNames(true)
	if len(names) != 3 {
		t.Fatalf("Expected 3 names, got %v", names)
	}
	if names[0] != "USB Audio (1)" || names[1] != "USB Audio (2)" {
		t.Errorf("Expected numbered duplicates, got %v", names)
	}
	if names[2] != "Other" {
		t.Errorf("Unique name should be untouched, got %q", names[2])
	}
}

func TestDefaultDeviceIndex(t *testing.T) {
	hal, dt := newScannedRegistry(t)

	t.Run("Known Default", func(t *testing.T) {
		hal.SetDefaultDevice(true, 3)
		if idx := dt.DefaultDeviceIndex(true); idx != 1 {
			t.Errorf("Expected index 1, got %d", idx)
		}
		hal.SetDefaultDevice(false, 2)
		if idx := dt.DefaultDeviceIndex(false); idx != 0 {
			t.Errorf("Expected index 0, got %d", idx)
		}
	})

	t.Run("Missing Default Falls Back To Zero", func(t *testing.T) {
		hal.SetDefaultDevice(true, 99)
		if idx := dt.DefaultDeviceIndex(true); idx != 0 {
			t.Errorf("Expected fallback index 0, got %d", idx)
		}
	})
}

func TestAccessorsPanicBeforeScan(t *testing.T) {
	hal := NewMockHAL()
	dt, err := NewDeviceType(hal)
	if err != nil {
		t.Fatalf("Failed to create device type: %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("Expected a panic when accessing an unscanned registry")
		}
	}()
	dt.DeviceNames(true)
}

func TestCreateDevice(t *testing.T) {
	_, dt := newScannedRegistry(t)

	t.Run("Duplex Device Single Core", func(t *testing.T) {
		d, err := dt.CreateDevice("USB Interface", "USB Interface")
		if err != nil {
			t.Fatalf("Failed to create device: %v", err)
		}
		defer d.Release()

		if d.core.slave != nil {
			t.Error("Same device in both directions must not create a slave")
		}
		if len(d.InputChannelNames()) != 2 || len(d.OutputChannelNames()) != 2 {
			t.Errorf("Unexpected channel names: %v / %v", d.InputChannelNames(), d.OutputChannelNames())
		}
	})

	t.Run("Distinct Devices Master Slave", func(t *testing.T) {
		d, err := dt.CreateDevice("Built-in Output", "Built-in Microphone")
		if err != nil {
			t.Fatalf("Failed to create device: %v", err)
		}
		defer d.Release()

		if d.core.slave == nil {
			t.Fatal("Expected a slave core for distinct devices")
		}
		if d.core.deviceID != 2 {
			t.Errorf("Expected the output device as master, got %d", d.core.deviceID)
		}
		if d.core.slave.deviceID != 1 {
			t.Errorf("Expected the input device as slave, got %d", d.core.slave.deviceID)
		}
	})

	t.Run("Empty Output Name Uses Input Device", func(t *testing.T) {
		d, err := dt.CreateDevice("", "Built-in Microphone")
		if err != nil {
			t.Fatalf("Failed to create device: %v", err)
		}
		defer d.Release()

		if d.Name() != "Built-in Microphone" {
			t.Errorf("Unexpected device name: %q", d.Name())
		}
		if d.core.slave != nil {
			t.Error("Input-only device must not have a slave")
		}
		if len(d.OutputChannelNames()) != 0 {
			t.Errorf("Expected no output channels, got %v", d.OutputChannelNames())
		}
	})

	t.Run("Neither Name Resolves", func(t *testing.T) {
		if d, err := dt.CreateDevice("Nope", "Also Nope"); err == nil {
			d.Release()
			t.Error("Expected an error when neither name resolves")
		}
	})

	t.Run("Index Bookkeeping", func(t *testing.T) {
		d, err := dt.CreateDevice("Built-in Output", "USB Interface")
		if err != nil {
			t.Fatalf("Failed to create device: %v", err)
		}
		defer d.Release()

		if idx := dt.IndexOfDevice(d, true); idx != 1 {
			t.Errorf("Expected input index 1, got %d", idx)
		}
		if idx := dt.IndexOfDevice(d, false); idx != 0 {
			t.Errorf("Expected output index 0, got %d", idx)
		}
		if idx := dt.IndexOfDevice(nil, true); idx != -1 {
			t.Errorf("Expected -1 for nil device, got %d", idx)
		}
	})
}

func TestHasSeparateInputsAndOutputs(t *testing.T) {
	_, dt := newScannedRegistry(t)
	if !dt.HasSeparateInputsAndOutputs() {
		t.Error("CoreAudio selects inputs and outputs independently")
	}
}

func TestHardwareListenerForwarding(t *testing.T) {
	hal, dt := newScannedRegistry(t)

	d, err := dt.CreateDevice("USB Interface", "USB Interface")
	if err != nil {
		t.Fatalf("Failed to create device: %v", err)
	}
	defer d.Release()

	t.Run("Device List Change Triggers Refresh", func(t *testing.T) {
		before := hal.CallCount("StreamConfiguration")
		hal.FireHardwareProperty(selHardwareDevices)
		time.Sleep(300 * time.Millisecond)

		if delta := hal.CallCount("StreamConfiguration") - before; delta != 2 {
			t.Errorf("Expected one refresh (2 stream-config reads), got %d reads", delta)
		}
	})

	t.Run("Default Device Change Ignored", func(t *testing.T) {
		before := hal.CallCount("StreamConfiguration")
		hal.FireHardwareProperty(selDefaultOutputDevice)
		hal.FireHardwareProperty(selDefaultInputDevice)
		time.Sleep(200 * time.Millisecond)

		if delta := hal.CallCount("StreamConfiguration") - before; delta != 0 {
			t.Errorf("Default-device changes must be ignored, got %d reads", delta)
		}
	})

	t.Run("Released Device Not Notified", func(t *testing.T) {
		d2, err := dt.CreateDevice("Built-in Output", "")
		if err != nil {
			t.Fatalf("Failed to create device: %v", err)
		}
		d2.Release()

		before := hal.CallCount("StreamConfiguration")
		hal.FireHardwareProperty(selHardwareDevices)
		time.Sleep(300 * time.Millisecond)

		// Only the still-live device refreshes.
		if delta := hal.CallCount("StreamConfiguration") - before; delta != 2 {
			t.Errorf("Expected one refresh from the live device, got %d reads", delta)
		}
	})
}
